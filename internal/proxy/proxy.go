// Package proxy implements proxy rotation for the Resilient Fetcher (spec
// §4.4, §3's Proxy Entry). Grounded on
// original_source/crawling/resilient_scraper.py::ProxyRotator for the
// round-robin-with-disable logic, and on the teacher's
// microservices/worker/internal/recovery/proxy_manager.go for the optional
// Postgres-backed persistence of the rotation list across restarts.
package proxy

import (
	"context"
	"fmt"
	"sync"
)

// maxFailures is the consecutive-failure count at which a proxy is
// disabled (spec §3: "A disabled proxy is skipped until the full disabled
// set is reset").
const maxFailures = 3

// Entry is one proxy endpoint and its health.
type Entry struct {
	Endpoint         string
	consecutiveFails int
	disabled         bool
}

// Rotator round-robins over a configured proxy list, disabling endpoints
// after maxFailures consecutive failures and resetting the whole disabled
// set once every proxy is disabled.
type Rotator struct {
	mu      sync.Mutex
	entries []*Entry
	next    int
}

// NewRotator builds a Rotator from a static list of proxy endpoint URLs
// (config.FetcherConfig.Proxies). An empty list is valid: NextProxy then
// always returns ("", false).
func NewRotator(endpoints []string) *Rotator {
	entries := make([]*Entry, len(endpoints))
	for i, ep := range endpoints {
		entries[i] = &Entry{Endpoint: ep}
	}
	return &Rotator{entries: entries}
}

// NextProxy returns the next non-disabled proxy via round-robin, or
// ("", false) if there are no configured proxies.
func (r *Rotator) NextProxy() (endpoint string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return "", false
	}

	start := r.next
	for {
		e := r.entries[r.next]
		r.next = (r.next + 1) % len(r.entries)

		if !e.disabled {
			return e.Endpoint, true
		}
		if r.next == start {
			// Every proxy disabled; caller reports failure via
			// ReportFailure, which resets the whole set. Until then,
			// hand back the last one examined (the entry just before
			// the starting position) anyway.
			return e.Endpoint, true
		}
	}
}

// ReportSuccess resets the proxy's consecutive-failure counter.
func (r *Rotator) ReportSuccess(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.find(endpoint); e != nil {
		e.consecutiveFails = 0
		e.disabled = false
	}
}

// ReportFailure increments the proxy's consecutive-failure counter,
// disabling it at maxFailures; if every proxy is now disabled, the whole
// disabled set is cleared (spec §3, §4.4 step 8).
func (r *Rotator) ReportFailure(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(endpoint)
	if e == nil {
		return
	}
	e.consecutiveFails++
	if e.consecutiveFails >= maxFailures {
		e.disabled = true
	}

	for _, other := range r.entries {
		if !other.disabled {
			return
		}
	}
	for _, other := range r.entries {
		other.disabled = false
		other.consecutiveFails = 0
	}
}

func (r *Rotator) find(endpoint string) *Entry {
	for _, e := range r.entries {
		if e.Endpoint == endpoint {
			return e
		}
	}
	return nil
}

// Count returns the number of configured proxies.
func (r *Rotator) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Store is the optional durable persistence collaborator for a proxy
// rotation list, adapted from the teacher's ProxyManager (pgxpool-backed).
// Proxy health persistence across restarts is not required by spec §3
// (which only specifies in-memory Proxy Entry state for one Fetcher
// instance), but is cheap to keep and supplements it.
type Store interface {
	LoadEndpoints(ctx context.Context) ([]string, error)
}

// LoadRotator builds a Rotator from a durable Store when one is configured,
// falling back to the static endpoint list otherwise.
func LoadRotator(ctx context.Context, store Store, staticEndpoints []string) (*Rotator, error) {
	if store == nil {
		return NewRotator(staticEndpoints), nil
	}
	endpoints, err := store.LoadEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy: load endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return NewRotator(staticEndpoints), nil
	}
	return NewRotator(endpoints), nil
}
