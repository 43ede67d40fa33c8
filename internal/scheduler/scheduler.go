// Package scheduler implements the Crawl Scheduler (spec §4.5): the
// Idle->Running<->Paused->Stopping->Stopped state machine, the worker pool,
// backpressure against the Frontier's queue depth, and the status-code
// policy that feeds outcomes back into Host State and the Frontier.
// Grounded on the teacher's microservices/worker/internal/executor's worker
// loop shape and microservices/orchestrator/internal/service/execution_service.go's
// job lifecycle, generalized from one-shot executions to a continuously
// running crawl.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/corpusflow/crawlcore/internal/breaker"
	"github.com/corpusflow/crawlcore/internal/frontier"
	"github.com/corpusflow/crawlcore/internal/logging"
	"github.com/corpusflow/crawlcore/internal/types"
	"github.com/corpusflow/crawlcore/internal/urlnorm"
	"go.uber.org/zap"
)

// State is one of the five scheduler lifecycle states (spec §4.5).
type State int

const (
	Idle State = iota
	Running
	Paused
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FrontierSource is the subset of *frontier.Frontier the Scheduler drives.
// Declared here, not in internal/frontier, so the Scheduler can be tested
// against a stub without a live coordination store.
type FrontierSource interface {
	Next(ctx context.Context, timeout time.Duration) (*types.URLRecord, error)
	Admit(ctx context.Context, rawURL string, priority float64, metadata map[string]string, force bool) (bool, error)
	QueueDepth(ctx context.Context) (int64, error)
	ActiveHosts(ctx context.Context) ([]string, error)
	GetHostState(ctx context.Context, host string) (types.HostState, error)
	IsBlocked(ctx context.Context, host string) (bool, time.Time, error)
	RecordSuccess(ctx context.Context, host string, statusCode int, responseTime time.Duration) error
	RecordFailure(ctx context.Context, host string, statusCode int, countsTowardBlock bool) error
	DoubleDelay(ctx context.Context, host string) error
}

// Fetcher is the subset of *fetcher.Fetcher the Scheduler drives.
type Fetcher interface {
	Fetch(ctx context.Context, normalizedURL string, headers map[string]string) types.ScrapeResult
	BreakerState(host string) breaker.State
}

// SinkItem is one successfully extracted page handed to a Sink.
type SinkItem struct {
	JobID string
	URL   string
	Host  string
	Title string
	Text  string
	Links []string
}

// Sink is the subset of sink.Writer the Scheduler feeds successfully
// extracted pages into, when a durable sink is configured (spec §9
// supplement). Declared here to keep the Scheduler decoupled from the sink
// package's own dependencies.
type Sink interface {
	Add(ctx context.Context, item SinkItem) error
}

// Config carries the throughput/backpressure knobs from
// config.SchedulerConfig, decoupled to avoid an import cycle.
type Config struct {
	MaxWorkers           int
	MaxRequestsPerSecond int
	MaxRPMPerHost        int
	HighWatermark        int
	LowWatermark         int
	BackpressureDelay    time.Duration
	URLFetchTimeout      time.Duration
	IdleTimeout          time.Duration
}

// blockedRetryPriority is the priority a blocked host's URL is re-admitted
// at (spec §4.5: "re-admit with priority -100").
const blockedRetryPriority = -100

// rateLimitedRetryPriority is the priority a 429'd URL is re-admitted at
// (spec §4.5: "re-admit with priority -50").
const rateLimitedRetryPriority = -50

// Scheduler drives the Frontier, spawns bounded worker goroutines that
// invoke the Fetcher, and applies rate limiting and backpressure.
type Scheduler struct {
	cfg      Config
	frontier FrontierSource
	fetcher  Fetcher
	sink     Sink
	jobID    string

	mu    sync.Mutex
	state State

	pauseCh  chan struct{}
	resumeCh chan struct{}
	stopCh   chan struct{}
	workerSem chan struct{}

	globalLimiter *rate.Limiter
	hostLimiters  sync.Map // map[string]*rate.Limiter

	wg sync.WaitGroup

	startedAt          time.Time
	urlsScheduled      int64
	urlsCompleted      int64
	urlsFailed         int64
	bytesDownloaded    int64
	backpressureEvents int64
	activeWorkers      int64
}

// New constructs a Scheduler in the Idle state.
func New(cfg Config, fr FrontierSource, fe Fetcher) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 50
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = 100
	}
	return &Scheduler{
		cfg:           cfg,
		frontier:      fr,
		fetcher:       fe,
		state:         Idle,
		pauseCh:       make(chan struct{}),
		resumeCh:      make(chan struct{}),
		stopCh:        make(chan struct{}),
		workerSem:     make(chan struct{}, cfg.MaxWorkers),
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
	}
}

// SetSink wires an optional durable sink that receives every successfully
// extracted page (spec §9 supplement). Passing nil disables it.
func (s *Scheduler) SetSink(sink Sink, jobID string) {
	s.sink = sink
	s.jobID = jobID
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Pause transitions Running -> Paused; a no-op from any other state.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return
	}
	s.state = Paused
}

// Resume transitions Paused -> Running, waking the main loop.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.state != Paused {
		s.mu.Unlock()
		return
	}
	s.state = Running
	s.mu.Unlock()

	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
}

// Stop transitions to Stopping, waits for in-flight workers to drain, then
// transitions to Stopped (spec §4.5: "stop waits for in-flight workers to
// complete").
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == Stopped || s.state == Stopping {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.setState(Stopped)
}

// Stats reports the observability counters (spec §3's Scheduler Stats).
func (s *Scheduler) Stats() types.SchedulerStats {
	return types.SchedulerStats{
		State:              s.State().String(),
		StartedAt:          s.startedAt,
		URLsScheduled:      atomic.LoadInt64(&s.urlsScheduled),
		URLsCompleted:      atomic.LoadInt64(&s.urlsCompleted),
		URLsFailed:         atomic.LoadInt64(&s.urlsFailed),
		ActiveWorkers:      int(atomic.LoadInt64(&s.activeWorkers)),
		BytesDownloaded:    atomic.LoadInt64(&s.bytesDownloaded),
		RequestsPerSecond:  float64(s.cfg.MaxRequestsPerSecond),
		BackpressureEvents: atomic.LoadInt64(&s.backpressureEvents),
	}
}

// PerDomainStats reports per-host crawl stats and breaker state for every
// active host, for the Admit API's per_domain_stats operation.
func (s *Scheduler) PerDomainStats(ctx context.Context) ([]types.DomainStats, error) {
	hosts, err := s.frontier.ActiveHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: per-domain stats: %w", err)
	}

	out := make([]types.DomainStats, 0, len(hosts))
	for _, host := range hosts {
		state, err := s.frontier.GetHostState(ctx, host)
		if err != nil {
			logging.Warn("per-domain stats: failed to read host state", zap.String("host", host), zap.Error(err))
			continue
		}
		out = append(out, types.DomainStats{
			Host:              host,
			Attempts:          state.Attempts,
			Successes:         state.Successes,
			Failures:          state.Failures,
			AvgResponseTimeMs: state.AvgResponseTime.Milliseconds(),
			LastStatus:        state.LastStatus,
			ConsecutiveErrors: state.ConsecutiveErrors,
			Blocked:           state.Blocked,
			Delay:             state.Delay,
		})
	}
	return out, nil
}

// hostLimiter lazily creates the per-host rate limiter (max_rpm_per_host).
// It is a token bucket, not a sliding window: it refills at
// max_rpm_per_host/60 tokens per second with a burst of max_rpm_per_host,
// so a full burst followed by steady refill can exceed max_rpm_per_host
// requests within one 60-second window.
func (s *Scheduler) hostLimiter(host string) *rate.Limiter {
	if existing, ok := s.hostLimiters.Load(host); ok {
		return existing.(*rate.Limiter)
	}
	perSecond := float64(s.cfg.MaxRPMPerHost) / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := s.cfg.MaxRPMPerHost
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	actual, _ := s.hostLimiters.LoadOrStore(host, limiter)
	return actual.(*rate.Limiter)
}

// Run executes the main loop (spec §4.5) until Stop is called, ctx is
// cancelled, or idle_timeout passes with nothing to fetch. On cancellation
// or idle timeout Run calls Stop itself and returns once the scheduler is
// Stopped; when Stop is called from another goroutine, Run returns as soon
// as it sees the stop signal and Stop does the waiting for workers.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(Running)
	s.startedAt = time.Now()

	var idleSince time.Time

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-s.stopCh:
			return nil
		default:
		}

		if s.State() == Paused {
			select {
			case <-s.resumeCh:
			case <-s.stopCh:
				return nil
			case <-ctx.Done():
				s.Stop()
				return ctx.Err()
			}
			continue
		}

		depth, err := s.frontier.QueueDepth(ctx)
		if err != nil {
			logging.Warn("scheduler: queue depth check failed", zap.Error(err))
		} else if depth > int64(s.cfg.HighWatermark) {
			atomic.AddInt64(&s.backpressureEvents, 1)
			if !s.sleepOrStop(s.cfg.BackpressureDelay) {
				return nil
			}
			continue
		}

		record, err := s.frontier.Next(ctx, time.Second)
		if err != nil {
			logging.Warn("scheduler: frontier.next failed", zap.Error(err))
			if !s.sleepOrStop(time.Second) {
				return nil
			}
			continue
		}
		if record == nil {
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) >= s.cfg.IdleTimeout {
				s.Stop()
				return nil
			}
			continue
		}
		idleSince = time.Time{}

		if err := s.globalLimiter.Wait(ctx); err != nil {
			continue
		}
		if err := s.hostLimiter(record.Host).Wait(ctx); err != nil {
			continue
		}

		select {
		case s.workerSem <- struct{}{}:
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		}

		atomic.AddInt64(&s.urlsScheduled, 1)
		atomic.AddInt64(&s.activeWorkers, 1)
		s.wg.Add(1)
		go func(rec *types.URLRecord) {
			defer s.wg.Done()
			defer func() { <-s.workerSem }()
			defer atomic.AddInt64(&s.activeWorkers, -1)
			s.runWorker(ctx, rec)
		}(record)
	}
}

// sleepOrStop sleeps for d unless a stop is requested first; returns false
// if the scheduler should exit Run immediately.
func (s *Scheduler) sleepOrStop(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopCh:
		return false
	}
}

// runWorker processes one URL: checks the block state, fetches, and feeds
// the outcome back into Host State and the Frontier (spec §4.5's "Worker
// per URL").
func (s *Scheduler) runWorker(ctx context.Context, record *types.URLRecord) {
	blocked, _, err := s.frontier.IsBlocked(ctx, record.Host)
	if err != nil {
		logging.Warn("scheduler: block check failed", zap.String("host", record.Host), zap.Error(err))
	}
	if blocked {
		if _, err := s.frontier.Admit(ctx, record.URL, blockedRetryPriority, record.Metadata, true); err != nil {
			logging.Warn("scheduler: re-admit of blocked url failed", zap.String("url", record.URL), zap.Error(err))
		}
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.URLFetchTimeout)
	defer cancel()
	result := s.fetcher.Fetch(fetchCtx, record.URL, nil)

	atomic.AddInt64(&s.bytesDownloaded, int64(result.Bytes))

	switch {
	case result.Outcome == types.OutcomeSuccess:
		atomic.AddInt64(&s.urlsCompleted, 1)
		if err := s.frontier.RecordSuccess(ctx, record.Host, result.StatusCode, result.ResponseTime); err != nil {
			logging.Warn("scheduler: record success failed", zap.String("host", record.Host), zap.Error(err))
		}
		s.admitDiscoveredLinks(ctx, record, result)
		s.writeToSink(ctx, record, result)

	case result.Outcome == types.OutcomeRateLimited:
		atomic.AddInt64(&s.urlsFailed, 1)
		if err := s.frontier.DoubleDelay(ctx, record.Host); err != nil {
			logging.Warn("scheduler: double delay failed", zap.String("host", record.Host), zap.Error(err))
		}
		if _, err := s.frontier.Admit(ctx, record.URL, rateLimitedRetryPriority, record.Metadata, true); err != nil {
			logging.Warn("scheduler: re-admit of rate-limited url failed", zap.String("url", record.URL), zap.Error(err))
		}

	case result.StatusCode >= 400 && result.StatusCode < 500:
		atomic.AddInt64(&s.urlsFailed, 1)
		if err := s.frontier.RecordFailure(ctx, record.Host, result.StatusCode, false); err != nil {
			logging.Warn("scheduler: record failure failed", zap.String("host", record.Host), zap.Error(err))
		}

	default:
		// 5xx, CircuitOpen, Timeout, ConnectionError, ExtractionError,
		// UnknownError: counts toward the consecutive-error block (spec
		// §4.5: "on timeout/exception: same as 5xx path").
		atomic.AddInt64(&s.urlsFailed, 1)
		if err := s.frontier.RecordFailure(ctx, record.Host, result.StatusCode, true); err != nil {
			logging.Warn("scheduler: record failure failed", zap.String("host", record.Host), zap.Error(err))
		}
	}
}

// admitDiscoveredLinks admits every outbound link extracted from a
// successful fetch, scored by frontier.ComputePriority with the parent's
// priority and depth (spec's control flow: "new links -> Frontier.add").
func (s *Scheduler) admitDiscoveredLinks(ctx context.Context, parent *types.URLRecord, result types.ScrapeResult) {
	childDepth := parent.Depth + 1
	for _, link := range result.Links {
		if !urlnorm.Valid(link.URL) {
			continue
		}
		normalized, err := urlnorm.Normalize(link.URL)
		if err != nil {
			continue
		}

		priority := frontier.ComputePriority(normalized, frontier.PriorityInputs{
			IsSeed:         false,
			Depth:          childDepth,
			ParentPriority: parent.Priority,
			IsHTTPS:        hasHTTPSScheme(normalized),
		})

		metadata := map[string]string{"depth": itoa(childDepth)}
		if _, err := s.frontier.Admit(ctx, normalized, priority, metadata, false); err != nil {
			logging.Warn("scheduler: admit discovered link failed", zap.String("url", normalized), zap.Error(err))
		}
	}
}

// writeToSink hands a successful fetch's extracted content to the optional
// durable sink. Failures are logged, not retried: the sink's own writer owns
// buffering and retry policy.
func (s *Scheduler) writeToSink(ctx context.Context, record *types.URLRecord, result types.ScrapeResult) {
	if s.sink == nil {
		return
	}
	links := make([]string, 0, len(result.Links))
	for _, link := range result.Links {
		links = append(links, link.URL)
	}
	item := SinkItem{
		JobID: s.jobID,
		URL:   result.URL,
		Host:  record.Host,
		Title: result.Title,
		Text:  result.Text,
		Links: links,
	}
	if err := s.sink.Add(ctx, item); err != nil {
		logging.Warn("scheduler: sink write failed", zap.String("url", result.URL), zap.Error(err))
	}
}

func hasHTTPSScheme(normalized string) bool {
	return len(normalized) >= 5 && normalized[:5] == "https"
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
