package frontier

import (
	"math"
	"net/url"
	"strings"
)

// PriorityInputs are the producer-known facts used to compute admit
// priority (spec §4.3's priority formula), applied before calling Admit.
type PriorityInputs struct {
	IsSeed          bool
	Depth           int
	ParentPriority  float64 // 0 for seeds with no parent (spec §9 open question)
	AnchorRelevance float64 // 0..1
	DomainAuthority float64 // 0..1
	IsHTTPS         bool
}

// ComputePriority implements spec §4.3 verbatim:
//
//	1000 if seed
//	+ 0.5 * (0.8^depth) * parent_priority
//	+ 100 * anchor_relevance
//	+ 50 * domain_authority
//	- 2 * path_segments
//	- 5 * query_parameters
//	+ 5 if HTTPS
func ComputePriority(normalizedURL string, in PriorityInputs) float64 {
	var score float64
	if in.IsSeed {
		score += 1000
	}
	score += 0.5 * math.Pow(0.8, float64(in.Depth)) * in.ParentPriority
	score += 100 * in.AnchorRelevance
	score += 50 * in.DomainAuthority

	segments, queryParams := urlShape(normalizedURL)
	score -= 2 * float64(segments)
	score -= 5 * float64(queryParams)

	if in.IsHTTPS {
		score += 5
	}

	return score
}

func urlShape(normalizedURL string) (pathSegments, queryParams int) {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return 0, 0
	}
	trimmed := strings.Trim(u.Path, "/")
	if trimmed != "" {
		pathSegments = len(strings.Split(trimmed, "/"))
	}
	if u.RawQuery != "" {
		queryParams = len(strings.Split(u.RawQuery, "&"))
	}
	return pathSegments, queryParams
}
