// Package frontier implements the URL Frontier (spec §4.3): a priority
// queue composed with per-host FIFO queues, per-host politeness clocks, and
// the Bloom Deduplicator. Grounded on
// original_source/crawling/url_frontier.py::DistributedURLFrontier and the
// teacher's microservices/worker/internal/recovery/domain_health.go for the
// Redis-hash-per-host pattern.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/corpusflow/crawlcore/internal/coordstore"
	"github.com/corpusflow/crawlcore/internal/dedup"
	"github.com/corpusflow/crawlcore/internal/logging"
	"github.com/corpusflow/crawlcore/internal/types"
	"github.com/corpusflow/crawlcore/internal/urlnorm"
	"go.uber.org/zap"
)

// ErrFrontierUnavailable is surfaced to the Scheduler on persistent
// coordination-store failure (spec §4.3, §7); the Scheduler pauses workers
// when it sees this error.
var ErrFrontierUnavailable = errors.New("frontier: coordination store unavailable")

// scanLimit bounds how many top-priority candidates Next inspects per pass
// (spec §4.3: "scan up to 100 highest-priority URLs").
const scanLimit = 100

// retryScanInterval is the sleep between scan passes when nothing is ready.
const retryScanInterval = 100 * time.Millisecond

// maxTransientRetries bounds local retries of a transient coordination-store
// error before it is promoted to ErrFrontierUnavailable (spec §7).
const maxTransientRetries = 3

// Config carries the politeness and sizing knobs from config.FrontierConfig
// needed to construct a Frontier, decoupled from the config package so this
// package has no import-cycle risk.
type Config struct {
	KeyPrefix         string
	DefaultDelay      time.Duration
	MinDelay          time.Duration
	MaxDelay          time.Duration
	PolitenessAlpha   float64
	ExpectedItems     uint64
	FalsePositiveRate float64
	MetadataTTL       time.Duration
}

// Frontier is the combined priority-queue / host-queue / dedup structure
// (spec §2's glossary entry). All of its state lives in the coordination
// store; the Frontier struct itself holds no mutable in-process state.
type Frontier struct {
	store coordstore.Store
	bloom *dedup.BloomFilter
	keys  keys
	cfg   Config
}

// New builds a Frontier over store, sizing its Bloom filter per cfg.
func New(store coordstore.Store, cfg Config) (*Frontier, error) {
	k := newKeys(cfg.KeyPrefix)
	bloom, err := dedup.New(store, dedup.Config{
		Key:               k.bloomFilter(),
		ExpectedItems:     cfg.ExpectedItems,
		FalsePositiveRate: cfg.FalsePositiveRate,
	})
	if err != nil {
		return nil, fmt.Errorf("frontier: %w", err)
	}
	return &Frontier{store: store, bloom: bloom, keys: k, cfg: cfg}, nil
}

// Admit normalizes url, checks (unless force) the Bloom filter, and if new
// enqueues it into the priority queue and its host's FIFO queue (spec
// §4.3). Returns added=false without error when the URL was a duplicate.
func (f *Frontier) Admit(ctx context.Context, rawURL string, priority float64, metadata map[string]string, force bool) (added bool, err error) {
	normalized, err := urlnorm.Normalize(rawURL)
	if err != nil {
		return false, fmt.Errorf("frontier: invalid url %q: %w", rawURL, err)
	}
	host, err := urlnorm.Host(normalized)
	if err != nil {
		return false, fmt.Errorf("frontier: invalid url %q: %w", rawURL, err)
	}

	if !force {
		var isDuplicate bool
		err := f.withRetry(ctx, func() error {
			dup, innerErr := f.bloom.Contains(ctx, normalized)
			if innerErr != nil {
				return innerErr
			}
			isDuplicate = dup
			return nil
		})
		if err != nil {
			return false, err
		}
		if isDuplicate {
			return false, nil
		}
	}

	err = f.withRetry(ctx, func() error {
		if _, insertErr := f.bloom.Insert(ctx, normalized); insertErr != nil {
			return insertErr
		}
		if zaddErr := f.store.ZAdd(ctx, f.keys.priorityQueue(), -priority, normalized); zaddErr != nil {
			return zaddErr
		}
		if pushErr := f.store.RPush(ctx, f.keys.domainQueue(host), normalized); pushErr != nil {
			return pushErr
		}
		if saddErr := f.store.SAdd(ctx, f.keys.activeDomains(), host); saddErr != nil {
			return saddErr
		}
		merged := make(map[string]string, len(metadata)+1)
		for k, v := range metadata {
			merged[k] = v
		}
		merged["priority"] = strconv.FormatFloat(priority, 'f', -1, 64)
		return f.writeMetadata(ctx, normalized, merged)
	})
	if err != nil {
		return false, err
	}

	return true, nil
}

var errDuplicate = errors.New("frontier: duplicate")

func (f *Frontier) writeMetadata(ctx context.Context, normalizedURL string, metadata map[string]string) error {
	key := f.keys.metadata(normalizedURL)
	if err := f.store.HSet(ctx, key, "url", normalizedURL); err != nil {
		return err
	}
	for field, value := range metadata {
		if err := f.store.HSet(ctx, key, field, value); err != nil {
			return err
		}
	}
	return f.store.Expire(ctx, key, f.cfg.MetadataTTL)
}

// Next scans up to scanLimit highest-priority candidates, skipping hosts
// already considered this pass, and returns the first whose politeness
// delay has elapsed. Retries every retryScanInterval until timeout elapses.
func (f *Frontier) Next(ctx context.Context, timeout time.Duration) (*types.URLRecord, error) {
	deadline := time.Now().Add(timeout)

	for {
		record, err := f.scanOnce(ctx)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryScanInterval):
		}
	}
}

func (f *Frontier) scanOnce(ctx context.Context) (*types.URLRecord, error) {
	var candidates []string
	err := f.withRetry(ctx, func() error {
		var innerErr error
		candidates, innerErr = f.store.ZRange(ctx, f.keys.priorityQueue(), 0, scanLimit-1)
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	consideredHosts := make(map[string]bool)
	for _, normalizedURL := range candidates {
		host, err := urlnorm.Host(normalizedURL)
		if err != nil {
			continue
		}
		if consideredHosts[host] {
			continue
		}
		consideredHosts[host] = true

		ready, delay, err := f.hostReady(ctx, host)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		record, ok, err := f.tryDequeue(ctx, host, normalizedURL, delay)
		if err != nil {
			return nil, err
		}
		if ok {
			return record, nil
		}
		// Lost the race to another coordinator instance; continue scanning.
	}

	return nil, nil
}

func (f *Frontier) hostReady(ctx context.Context, host string) (ready bool, delay time.Duration, err error) {
	var lastFetchStr string
	var hasLastFetch bool
	var delayStr string
	var hasDelay bool

	err = f.withRetry(ctx, func() error {
		var innerErr error
		lastFetchStr, hasLastFetch, innerErr = f.store.HGet(ctx, f.keys.crawlTimes(), host)
		if innerErr != nil {
			return innerErr
		}
		delayStr, hasDelay, innerErr = f.store.HGet(ctx, f.keys.domainDelays(), host)
		return innerErr
	})
	if err != nil {
		return false, 0, err
	}

	delay = f.cfg.DefaultDelay
	if hasDelay {
		if seconds, parseErr := strconv.ParseFloat(delayStr, 64); parseErr == nil {
			delay = time.Duration(seconds * float64(time.Second))
		}
	}

	if !hasLastFetch {
		return true, delay, nil
	}
	lastFetchUnix, parseErr := strconv.ParseInt(lastFetchStr, 10, 64)
	if parseErr != nil {
		return true, delay, nil
	}
	lastFetch := time.Unix(lastFetchUnix, 0)

	return time.Since(lastFetch) >= delay, delay, nil
}

// tryDequeue updates last_fetch BEFORE removing the URL, so two workers for
// the same host cannot both pass the delay check (spec §5's ordering
// guarantee), then removes from the priority queue before the host queue.
func (f *Frontier) tryDequeue(ctx context.Context, host, normalizedURL string, delay time.Duration) (*types.URLRecord, bool, error) {
	now := time.Now()

	var zremCount int64
	err := f.withRetry(ctx, func() error {
		if err := f.store.HSet(ctx, f.keys.crawlTimes(), host, strconv.FormatInt(now.Unix(), 10)); err != nil {
			return err
		}
		var innerErr error
		zremCount, innerErr = f.store.ZRem(ctx, f.keys.priorityQueue(), normalizedURL)
		return innerErr
	})
	if err != nil {
		return nil, false, err
	}
	if zremCount == 0 {
		// Another coordinator instance already took this URL.
		return nil, false, nil
	}

	var metadata map[string]string
	err = f.withRetry(ctx, func() error {
		if _, innerErr := f.store.LRem(ctx, f.keys.domainQueue(host), normalizedURL); innerErr != nil {
			return innerErr
		}
		var mdErr error
		metadata, mdErr = f.store.HGetAll(ctx, f.keys.metadata(normalizedURL))
		return mdErr
	})
	if err != nil {
		return nil, false, err
	}

	var priority float64
	if v, ok := metadata["priority"]; ok {
		if parsed, parseErr := strconv.ParseFloat(v, 64); parseErr == nil {
			priority = parsed
		}
	}
	depth := 0
	if v, ok := metadata["depth"]; ok {
		if parsed, parseErr := strconv.Atoi(v); parseErr == nil {
			depth = parsed
		}
	}

	return &types.URLRecord{
		URL:      normalizedURL,
		Host:     host,
		Priority: priority,
		Depth:    depth,
		Metadata: metadata,
	}, true, nil
}

// SetDelay clamps d to [min_delay, max_delay] and persists it for host.
func (f *Frontier) SetDelay(ctx context.Context, host string, d time.Duration) error {
	clamped := clamp(d, f.cfg.MinDelay, f.cfg.MaxDelay)
	return f.withRetry(ctx, func() error {
		return f.store.HSet(ctx, f.keys.domainDelays(), host, strconv.FormatFloat(clamped.Seconds(), 'f', -1, 64))
	})
}

// UpdateDelayFromResponse sets delay = clamp(alpha * responseTime, min, max)
// (spec §4.3's adaptive-politeness rule).
func (f *Frontier) UpdateDelayFromResponse(ctx context.Context, host string, responseTime time.Duration) error {
	next := time.Duration(f.cfg.PolitenessAlpha * float64(responseTime))
	return f.SetDelay(ctx, host, next)
}

// MarkCrawled increments the host's success/failure counters.
func (f *Frontier) MarkCrawled(ctx context.Context, host string, ok bool) error {
	field := "failures"
	if ok {
		field = "successes"
	}
	return f.withRetry(ctx, func() error {
		_, err := f.store.HIncrBy(ctx, f.keys.stats(), host+":"+field, 1)
		return err
	})
}

// QueueDepth reports the current size of the priority queue, used by the
// Scheduler's backpressure check.
func (f *Frontier) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := f.withRetry(ctx, func() error {
		var innerErr error
		depth, innerErr = f.store.ZCard(ctx, f.keys.priorityQueue())
		return innerErr
	})
	return depth, err
}

// ActiveHosts returns hosts with at least one enqueued URL.
func (f *Frontier) ActiveHosts(ctx context.Context) ([]string, error) {
	var hosts []string
	err := f.withRetry(ctx, func() error {
		var innerErr error
		hosts, innerErr = f.store.SMembers(ctx, f.keys.activeDomains())
		return innerErr
	})
	return hosts, err
}

// withRetry retries a transient coordination-store operation a bounded
// number of times before surfacing ErrFrontierUnavailable (spec §7).
// errDuplicate is not transient and is returned immediately.
func (f *Frontier) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxTransientRetries; attempt++ {
		err := op()
		if err == nil || errors.Is(err, errDuplicate) {
			return err
		}
		lastErr = err

		logging.Warn("coordination store op failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}

	logging.Error("coordination store unavailable after retries", zap.Error(lastErr))
	return fmt.Errorf("%w: %v", ErrFrontierUnavailable, lastErr)
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
