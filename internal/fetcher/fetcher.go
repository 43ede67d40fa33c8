// Package fetcher implements the Resilient Fetcher (spec §4.4): bounded
// concurrency, decorrelated-jitter retries, a per-host circuit breaker,
// optional proxy rotation, and two-stage content extraction. Grounded on
// original_source/crawling/resilient_scraper.py (DecorrelatedJitterBackoff,
// DomainCircuitBreaker, ProxyRotator, ResilientScraper) and the teacher's
// microservices/worker/internal/executor/retry.go for the retry-loop shape.
// HTTP transport is valyala/fasthttp, repurposed here as the Fetcher's
// direct transport now that the teacher's gofiber REST layer is out of
// scope (see DESIGN.md).
package fetcher

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/corpusflow/crawlcore/internal/breaker"
	"github.com/corpusflow/crawlcore/internal/extraction"
	"github.com/corpusflow/crawlcore/internal/logging"
	"github.com/corpusflow/crawlcore/internal/proxy"
	"github.com/corpusflow/crawlcore/internal/types"
	"github.com/corpusflow/crawlcore/internal/urlnorm"
	"go.uber.org/zap"
)

// Config carries the per-request tunables from config.FetcherConfig.
type Config struct {
	MaxConcurrentRequests int
	MaxConcurrentPerHost  int
	ConnectTimeout        time.Duration
	ReadTimeout           time.Duration
	TotalTimeout          time.Duration
	MaxRetries            int
	RetryBase             time.Duration
	RetryCap              time.Duration
	BreakerFailures       int
	BreakerRecovery       time.Duration
	HalfOpenMaxProbes     int
	UserAgents            []string
	MinContentLength      int
}

// Fetcher turns a URL into a types.ScrapeResult with bounded latency and
// politeness. Safe for concurrent use across many goroutines.
type Fetcher struct {
	cfg      Config
	breakers *breaker.Manager
	proxies  *proxy.Rotator
	client   *fasthttp.Client

	globalSem chan struct{}
	hostSems  sync.Map // map[string]chan struct{}
	uaIndex   uint64
}

// New constructs a Fetcher. proxies may be nil/empty; user agents fall back
// to a single default if cfg.UserAgents is empty.
func New(cfg Config, proxies *proxy.Rotator) *Fetcher {
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = []string{"crawlcore/1.0"}
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 50
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	return &Fetcher{
		cfg:      cfg,
		breakers: breaker.NewManager(breaker.Config{
			FailureThreshold:  cfg.BreakerFailures,
			RecoveryTimeout:   cfg.BreakerRecovery,
			HalfOpenMaxProbes: cfg.HalfOpenMaxProbes,
		}),
		proxies: proxies,
		client: &fasthttp.Client{
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.ReadTimeout,
			Dial: func(addr string) (net.Conn, error) {
				return dialer.Dial("tcp", addr)
			},
		},
		globalSem: make(chan struct{}, cfg.MaxConcurrentRequests),
	}
}

// BreakerState exposes the host's breaker state for observability.
func (f *Fetcher) BreakerState(host string) breaker.State {
	return f.breakers.Get(host).State()
}

// hostSemaphore lazily creates the per-host concurrency semaphore.
func (f *Fetcher) hostSemaphore(host string) chan struct{} {
	if existing, ok := f.hostSems.Load(host); ok {
		return existing.(chan struct{})
	}
	limit := f.cfg.MaxConcurrentPerHost
	if limit <= 0 {
		limit = 5
	}
	sem := make(chan struct{}, limit)
	actual, _ := f.hostSems.LoadOrStore(host, sem)
	return actual.(chan struct{})
}

// Fetch resolves the host, enforces the circuit breaker and both
// concurrency semaphores, and retries with decorrelated jitter (spec
// §4.4). The returned ScrapeResult is a value; Fetch never retains it.
func (f *Fetcher) Fetch(ctx context.Context, normalizedURL string, headers map[string]string) types.ScrapeResult {
	host, err := urlnorm.Host(normalizedURL)
	if err != nil {
		return types.ScrapeResult{URL: normalizedURL, Outcome: types.OutcomeUnknownError, Err: err}
	}

	b := f.breakers.Get(host)
	if !b.Allow() {
		return types.ScrapeResult{URL: normalizedURL, Outcome: types.OutcomeCircuitOpen}
	}

	select {
	case f.globalSem <- struct{}{}:
		defer func() { <-f.globalSem }()
	case <-ctx.Done():
		return types.ScrapeResult{URL: normalizedURL, Outcome: types.OutcomeUnknownError, Err: ctx.Err()}
	}

	hostSem := f.hostSemaphore(host)
	select {
	case hostSem <- struct{}{}:
		defer func() { <-hostSem }()
	case <-ctx.Done():
		return types.ScrapeResult{URL: normalizedURL, Outcome: types.OutcomeUnknownError, Err: ctx.Err()}
	}

	totalCtx, cancel := context.WithTimeout(ctx, f.cfg.TotalTimeout)
	defer cancel()

	return f.fetchWithRetry(totalCtx, host, b, normalizedURL, headers)
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, host string, b *breaker.Breaker, normalizedURL string, headers map[string]string) types.ScrapeResult {
	var sleepPrev time.Duration
	var lastResult types.ScrapeResult

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		attemptCtx := ctx
		if f.proxies != nil {
			if ep, ok := f.proxies.NextProxy(); ok {
				attemptCtx = context.WithValue(ctx, proxyCtxKey{}, ep)
			}
		}
		result := f.attempt(attemptCtx, normalizedURL, headers)
		result.RetryCount = attempt
		lastResult = result

		switch result.Outcome {
		case types.OutcomeSuccess:
			b.RecordSuccess()
			if f.proxies != nil {
				if p, ok := currentProxy(attemptCtx); ok {
					f.proxies.ReportSuccess(p)
				}
			}
			return result

		case types.OutcomeRateLimited:
			// Not a breaker failure; scheduler handles re-admission.
			return result

		case types.OutcomeBlocked:
			b.RecordFailure()
			return result

		case types.OutcomeHTTPError:
			b.RecordFailure()
			if result.StatusCode < 500 {
				return result // 4xx HttpError: do not retry
			}
			// fall through to retry below: 5xx is retried per spec §4.4 step 6

		case types.OutcomeTimeout, types.OutcomeConnectionError:
			b.RecordFailure()
			if f.proxies != nil {
				if p, ok := currentProxy(attemptCtx); ok {
					f.proxies.ReportFailure(p)
				}
			}
			// fall through to retry below

		default:
			b.RecordFailure()
		}

		if attempt >= f.cfg.MaxRetries {
			break
		}
		if result.Outcome == types.OutcomeBlocked {
			break
		}
		if result.Outcome == types.OutcomeHTTPError && result.StatusCode < 500 {
			break
		}

		sleep := nextJitterSleep(f.cfg.RetryBase, f.cfg.RetryCap, sleepPrev)
		sleepPrev = sleep

		logging.Debug("retrying fetch",
			zap.String("url", normalizedURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("sleep", sleep),
		)

		select {
		case <-ctx.Done():
			lastResult.Outcome = types.OutcomeTimeout
			lastResult.RetryCount = attempt
			return lastResult
		case <-time.After(sleep):
		}
	}

	return lastResult
}

// nextJitterSleep implements decorrelated jitter (spec §4.4, glossary):
// sleep_next = min(cap, uniform(base, 3*sleep_prev)); sleep_prev = base on
// the first retry.
func nextJitterSleep(base, cap_, sleepPrev time.Duration) time.Duration {
	if sleepPrev <= 0 {
		sleepPrev = base
	}
	upper := 3 * sleepPrev
	if upper < base {
		upper = base
	}
	span := upper - base
	var jittered time.Duration
	if span <= 0 {
		jittered = base
	} else {
		jittered = base + time.Duration(rand.Int63n(int64(span)+1))
	}
	if jittered > cap_ {
		return cap_
	}
	return jittered
}

type proxyCtxKey struct{}

func currentProxy(ctx context.Context) (string, bool) {
	v := ctx.Value(proxyCtxKey{})
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// attempt performs exactly one HTTP request and classifies the outcome per
// spec §4.4 step 6.
func (f *Fetcher) attempt(ctx context.Context, normalizedURL string, headers map[string]string) types.ScrapeResult {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	targetURL := normalizedURL
	hostClient := ""

	if ep, ok := currentProxy(ctx); ok {
		hostClient = ep
	}

	req.SetRequestURI(targetURL)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("User-Agent", f.nextUserAgent())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(f.cfg.TotalTimeout)
	}

	start := time.Now()
	var err error
	if hostClient != "" {
		err = f.doViaProxy(hostClient, req, resp, deadline)
	} else {
		err = f.client.DoDeadline(req, resp, deadline)
	}
	elapsed := time.Since(start)

	if err != nil {
		return f.classifyError(normalizedURL, err, elapsed)
	}

	status := resp.StatusCode()
	body := resp.Body()

	switch {
	case status == 429:
		return types.ScrapeResult{URL: normalizedURL, Outcome: types.OutcomeRateLimited, StatusCode: status, ResponseTime: elapsed, Bytes: len(body)}
	case status == 403:
		return types.ScrapeResult{URL: normalizedURL, Outcome: types.OutcomeBlocked, StatusCode: status, ResponseTime: elapsed, Bytes: len(body)}
	case status >= 400 && status < 500:
		return types.ScrapeResult{URL: normalizedURL, Outcome: types.OutcomeHTTPError, StatusCode: status, ResponseTime: elapsed, Bytes: len(body)}
	case status >= 500:
		return types.ScrapeResult{URL: normalizedURL, Outcome: types.OutcomeHTTPError, StatusCode: status, ResponseTime: elapsed, Bytes: len(body)}
	}

	extracted, extractErr := extraction.Extract(string(body), normalizedURL, f.cfg.MinContentLength)
	if extractErr != nil || len(extracted.Text) < f.cfg.MinContentLength {
		return types.ScrapeResult{
			URL: normalizedURL, Outcome: types.OutcomeExtractionError,
			StatusCode: status, ResponseTime: elapsed, Bytes: len(body),
		}
	}

	links := make([]types.Link, 0, len(extracted.Links))
	for _, l := range extracted.Links {
		links = append(links, types.Link{URL: l})
	}

	return types.ScrapeResult{
		URL: normalizedURL, Outcome: types.OutcomeSuccess,
		StatusCode: status, ResponseTime: elapsed, Bytes: len(body),
		Text: extracted.Text, Title: extracted.Title, Links: links,
		Metadata: extracted.Metadata,
	}
}

// doViaProxy sends the request in absolute-form to a plain HTTP forward
// proxy (RFC 7230 §5.3.2), the standard approach for fasthttp forward
// proxying of http:// targets. HTTPS-through-proxy CONNECT tunneling is
// out of scope for this core (pluggable transport, per spec §9).
func (f *Fetcher) doViaProxy(proxyAddr string, req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error {
	proxyHost := proxyAddr
	if u, err := url.Parse(proxyAddr); err == nil && u.Host != "" {
		proxyHost = u.Host
	}
	hc := &fasthttp.HostClient{
		Addr: proxyHost,
		Dial: f.client.Dial,
	}
	return hc.DoDeadline(req, resp, deadline)
}

func (f *Fetcher) nextUserAgent() string {
	i := atomic.AddUint64(&f.uaIndex, 1)
	return f.cfg.UserAgents[int(i-1)%len(f.cfg.UserAgents)]
}

func (f *Fetcher) classifyError(normalizedURL string, err error, elapsed time.Duration) types.ScrapeResult {
	msg := strings.ToLower(err.Error())
	outcome := types.OutcomeConnectionError
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline") {
		outcome = types.OutcomeTimeout
	}
	return types.ScrapeResult{
		URL: normalizedURL, Outcome: outcome, ResponseTime: elapsed, Err: fmt.Errorf("fetcher: %w", err),
	}
}
