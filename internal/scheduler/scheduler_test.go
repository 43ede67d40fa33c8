package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusflow/crawlcore/internal/breaker"
	"github.com/corpusflow/crawlcore/internal/types"
)

type stubFrontier struct {
	mu       sync.Mutex
	queue    []*types.URLRecord
	depth    int64
	admitted []string
	states   map[string]types.HostState
}

func newStubFrontier() *stubFrontier {
	return &stubFrontier{states: make(map[string]types.HostState)}
}

func (f *stubFrontier) Next(ctx context.Context, timeout time.Duration) (*types.URLRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	rec := f.queue[0]
	f.queue = f.queue[1:]
	return rec, nil
}

func (f *stubFrontier) Admit(ctx context.Context, rawURL string, priority float64, metadata map[string]string, force bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admitted = append(f.admitted, rawURL)
	return true, nil
}

func (f *stubFrontier) QueueDepth(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depth, nil
}

func (f *stubFrontier) ActiveHosts(ctx context.Context) ([]string, error) { return nil, nil }

func (f *stubFrontier) GetHostState(ctx context.Context, host string) (types.HostState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[host], nil
}

func (f *stubFrontier) IsBlocked(ctx context.Context, host string) (bool, time.Time, error) {
	return false, time.Time{}, nil
}

func (f *stubFrontier) RecordSuccess(ctx context.Context, host string, statusCode int, responseTime time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.states[host]
	s.Successes++
	f.states[host] = s
	return nil
}

func (f *stubFrontier) RecordFailure(ctx context.Context, host string, statusCode int, countsTowardBlock bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.states[host]
	s.Failures++
	if countsTowardBlock {
		s.ConsecutiveErrors++
	}
	f.states[host] = s
	return nil
}

func (f *stubFrontier) DoubleDelay(ctx context.Context, host string) error { return nil }

type stubFetcher struct {
	result types.ScrapeResult
}

func (f *stubFetcher) Fetch(ctx context.Context, normalizedURL string, headers map[string]string) types.ScrapeResult {
	r := f.result
	r.URL = normalizedURL
	return r
}

func (f *stubFetcher) BreakerState(host string) breaker.State { return breaker.Closed }

func testConfig() Config {
	return Config{
		MaxWorkers:           4,
		MaxRequestsPerSecond: 1000,
		MaxRPMPerHost:        6000,
		HighWatermark:        10_000,
		LowWatermark:         1_000,
		BackpressureDelay:    10 * time.Millisecond,
		URLFetchTimeout:      time.Second,
		IdleTimeout:          150 * time.Millisecond,
	}
}

func TestSchedulerProcessesURLAndAdmitsDiscoveredLinks(t *testing.T) {
	fr := newStubFrontier()
	fr.queue = append(fr.queue, &types.URLRecord{URL: "https://example.com/a", Host: "example.com", Priority: 900, Depth: 0})

	fe := &stubFetcher{result: types.ScrapeResult{
		Outcome:    types.OutcomeSuccess,
		StatusCode: 200,
		Links:      []types.Link{{URL: "https://example.com/b"}},
	}}

	s := New(testConfig(), fr, fe)

	require.NoError(t, s.Run(context.Background()))

	stats := s.Stats()
	assert.EqualValues(t, 1, stats.URLsCompleted)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	assert.Contains(t, fr.admitted, "https://example.com/b")
}

func TestSchedulerBackpressureIncrementsCounter(t *testing.T) {
	fr := newStubFrontier()
	fr.depth = 999_999

	cfg := testConfig()
	cfg.HighWatermark = 10
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.BackpressureDelay = 5 * time.Millisecond

	s := New(cfg, fr, &stubFetcher{})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.Greater(t, s.Stats().BackpressureEvents, int64(0))
}

func TestSchedulerPauseResume(t *testing.T) {
	fr := newStubFrontier()
	s := New(testConfig(), fr, &stubFetcher{})

	s.mu.Lock()
	s.state = Running
	s.mu.Unlock()

	s.Pause()
	require.Equal(t, Paused, s.State())

	done := make(chan struct{})
	go func() {
		s.Resume()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Resume did not return")
	}

	assert.Equal(t, Running, s.State())
}

func TestSchedulerStopWaitsForWorkers(t *testing.T) {
	fr := newStubFrontier()
	fr.queue = append(fr.queue, &types.URLRecord{URL: "https://example.com/a", Host: "example.com"})
	fe := &stubFetcher{result: types.ScrapeResult{Outcome: types.OutcomeSuccess, StatusCode: 200}}

	cfg := testConfig()
	cfg.IdleTimeout = 2 * time.Second
	s := New(cfg, fr, fe)

	go s.Run(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	assert.Equal(t, Stopped, s.State())
}
