package frontier

import (
	"context"
	"strconv"
	"time"

	"github.com/corpusflow/crawlcore/internal/types"
)

// consecutiveErrorsToBlock is the threshold at which a host is blocked
// (spec §4.5: "5xx: ... if consecutive_errors >= 5, set blocked = true").
const consecutiveErrorsToBlock = 5

// blockDuration is how long a blocked host stays blocked once tripped
// (spec §4.5: "block_until = now + 300s").
const blockDuration = 300 * time.Second

// GetHostState reads a host's full crawl-stats record (spec §3's Host State
// entity), creating an implicit zero-value record if none exists yet. The
// delay field is read through from `domain_delays`, the single hash
// SetDelay/hostReady maintain, so it always reflects the real politeness
// clock rather than a second, independently-tracked copy.
func (f *Frontier) GetHostState(ctx context.Context, host string) (types.HostState, error) {
	var fields map[string]string
	var delayStr string
	var hasDelay bool
	err := f.withRetry(ctx, func() error {
		var innerErr error
		fields, innerErr = f.store.HGetAll(ctx, f.keys.hostState(host))
		if innerErr != nil {
			return innerErr
		}
		delayStr, hasDelay, innerErr = f.store.HGet(ctx, f.keys.domainDelays(), host)
		return innerErr
	})
	if err != nil {
		return types.HostState{}, err
	}
	state := decodeHostState(host, fields)
	state.Delay = f.cfg.DefaultDelay
	if hasDelay {
		if seconds, parseErr := strconv.ParseFloat(delayStr, 64); parseErr == nil {
			state.Delay = time.Duration(seconds * float64(time.Second))
		}
	}
	return state, nil
}

// IsBlocked reports whether host is currently blocked (spec §4.5's worker
// step: "If blocked and now < block_until, re-admit with priority -100").
func (f *Frontier) IsBlocked(ctx context.Context, host string) (blocked bool, blockUntil time.Time, err error) {
	state, err := f.GetHostState(ctx, host)
	if err != nil {
		return false, time.Time{}, err
	}
	if state.Blocked && time.Now().Before(state.BlockUntil) {
		return true, state.BlockUntil, nil
	}
	return false, time.Time{}, nil
}

// RecordSuccess updates Host State for a 2xx/3xx outcome: increments
// attempts/successes, folds responseTime into the running average, resets
// consecutive errors, clears any block, updates the politeness delay, and
// marks the URL crawled in the Frontier's stats (spec §4.5 step "2xx/3xx").
func (f *Frontier) RecordSuccess(ctx context.Context, host string, statusCode int, responseTime time.Duration) error {
	state, err := f.GetHostState(ctx, host)
	if err != nil {
		return err
	}

	state.Attempts++
	state.Successes++
	state.AvgResponseTime = runningAverage(state.AvgResponseTime, responseTime, state.Successes)
	state.LastStatus = statusCode
	state.ConsecutiveErrors = 0
	state.Blocked = false
	state.BlockUntil = time.Time{}

	if err := f.putHostState(ctx, host, state); err != nil {
		return err
	}
	if err := f.UpdateDelayFromResponse(ctx, host, responseTime); err != nil {
		return err
	}
	return f.MarkCrawled(ctx, host, true)
}

// RecordFailure updates Host State for a 4xx/5xx/timeout outcome:
// increments attempts/failures/consecutive errors, and blocks the host once
// consecutive_errors reaches the threshold (spec §4.5 steps "5xx"/"4xx").
func (f *Frontier) RecordFailure(ctx context.Context, host string, statusCode int, countsTowardBlock bool) error {
	state, err := f.GetHostState(ctx, host)
	if err != nil {
		return err
	}

	state.Attempts++
	state.Failures++
	state.LastStatus = statusCode
	if countsTowardBlock {
		state.ConsecutiveErrors++
		if state.ConsecutiveErrors >= consecutiveErrorsToBlock {
			state.Blocked = true
			state.BlockUntil = time.Now().Add(blockDuration)
		}
	}

	if err := f.putHostState(ctx, host, state); err != nil {
		return err
	}
	return f.MarkCrawled(ctx, host, false)
}

// DoubleDelay doubles the host's current delay, clamped to [min,max] (spec
// §4.5's 429 handling).
func (f *Frontier) DoubleDelay(ctx context.Context, host string) error {
	state, err := f.GetHostState(ctx, host)
	if err != nil {
		return err
	}
	current := state.Delay
	if current <= 0 {
		current = f.cfg.DefaultDelay
	}
	return f.SetDelay(ctx, host, 2*current)
}

func (f *Frontier) putHostState(ctx context.Context, host string, state types.HostState) error {
	fields := encodeHostState(state)
	return f.withRetry(ctx, func() error {
		return f.store.HSetAll(ctx, f.keys.hostState(host), fields)
	})
}

func runningAverage(avg, sample time.Duration, count int64) time.Duration {
	if count <= 0 {
		return sample
	}
	return avg + (sample-avg)/time.Duration(count)
}

func encodeHostState(s types.HostState) map[string]string {
	blocked := "0"
	if s.Blocked {
		blocked = "1"
	}
	return map[string]string{
		"last_fetch":         strconv.FormatInt(s.LastFetch.Unix(), 10),
		"attempts":           strconv.FormatInt(s.Attempts, 10),
		"successes":          strconv.FormatInt(s.Successes, 10),
		"failures":           strconv.FormatInt(s.Failures, 10),
		"avg_response_ms":    strconv.FormatInt(s.AvgResponseTime.Milliseconds(), 10),
		"last_status":        strconv.Itoa(s.LastStatus),
		"consecutive_errors": strconv.Itoa(s.ConsecutiveErrors),
		"blocked":            blocked,
		"block_until":        strconv.FormatInt(s.BlockUntil.Unix(), 10),
	}
}

func decodeHostState(host string, fields map[string]string) types.HostState {
	s := types.HostState{Host: host}
	if v, ok := fields["last_fetch"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			s.LastFetch = time.Unix(n, 0)
		}
	}
	s.Attempts = parseInt64(fields["attempts"])
	s.Successes = parseInt64(fields["successes"])
	s.Failures = parseInt64(fields["failures"])
	s.AvgResponseTime = time.Duration(parseInt64(fields["avg_response_ms"])) * time.Millisecond
	if v, ok := fields["last_status"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.LastStatus = n
		}
	}
	if v, ok := fields["consecutive_errors"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.ConsecutiveErrors = n
		}
	}
	s.Blocked = fields["blocked"] == "1"
	if v, ok := fields["block_until"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			s.BlockUntil = time.Unix(n, 0)
		}
	}
	return s
}

func parseInt64(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
