package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/corpusflow/crawlcore/internal/types"
	"github.com/corpusflow/crawlcore/internal/urlnorm"
)

func testConfig() Config {
	return Config{
		MaxConcurrentRequests: 10,
		MaxConcurrentPerHost:  5,
		ConnectTimeout:        time.Second,
		ReadTimeout:           time.Second,
		TotalTimeout:          2 * time.Second,
		MaxRetries:            2,
		RetryBase:             10 * time.Millisecond,
		RetryCap:              80 * time.Millisecond,
		BreakerFailures:       5,
		BreakerRecovery:       60 * time.Second,
		HalfOpenMaxProbes:     1,
		UserAgents:            []string{"test-agent/1.0"},
		MinContentLength:      5,
	}
}

func TestFetchSuccessExtractsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Hi</title></head><body><article><p>Enough words here to pass the minimum content length check comfortably.</p></article></body></html>`))
	}))
	defer srv.Close()

	f := New(testConfig(), nil)
	result := f.Fetch(context.Background(), srv.URL+"/", nil)

	if result.Outcome != types.OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success (err=%v)", result.Outcome, result.Err)
	}
	if result.Title != "Hi" {
		t.Errorf("Title = %q, want %q", result.Title, "Hi")
	}
	if result.Text == "" {
		t.Errorf("Text is empty")
	}
}

func TestFetchHTTPErrorNoRetry(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(testConfig(), nil)
	result := f.Fetch(context.Background(), srv.URL+"/missing", nil)

	if result.Outcome != types.OutcomeHTTPError {
		t.Fatalf("Outcome = %v, want http_error", result.Outcome)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1 (4xx must not retry)", hits)
	}
}

func TestFetchServerErrorRetries(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`<html><head><title>Hi</title></head><body><article><p>Enough words here to pass the minimum content length check comfortably.</p></article></body></html>`))
	}))
	defer srv.Close()

	f := New(testConfig(), nil)
	result := f.Fetch(context.Background(), srv.URL+"/", nil)

	if result.Outcome != types.OutcomeSuccess {
		t.Fatalf("Outcome = %v, want success after retries (hits=%d)", result.Outcome, hits)
	}
	if hits != 3 {
		t.Errorf("hits = %d, want 3 (5xx must retry)", hits)
	}
}

func TestFetchRateLimitedNotBreakerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := New(testConfig(), nil)
	result := f.Fetch(context.Background(), srv.URL+"/", nil)

	if result.Outcome != types.OutcomeRateLimited {
		t.Fatalf("Outcome = %v, want rate_limited", result.Outcome)
	}

	host, _ := urlnorm.Host(srv.URL + "/")
	if state := f.BreakerState(host); state != 0 {
		t.Errorf("breaker state = %v after 429, want Closed", state)
	}
}

func TestFetchCircuitOpenSkipsRequest(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.BreakerFailures = 1
	cfg.MaxRetries = 0
	f := New(cfg, nil)

	url := srv.URL + "/"
	f.Fetch(context.Background(), url, nil) // one 5xx trips the breaker
	hitsAfterFirst := hits

	result := f.Fetch(context.Background(), url, nil)
	if result.Outcome != types.OutcomeCircuitOpen {
		t.Fatalf("Outcome = %v, want circuit_open", result.Outcome)
	}
	if hits != hitsAfterFirst {
		t.Errorf("hits grew from %d to %d; circuit-open fetch must not issue a request", hitsAfterFirst, hits)
	}
}

// TestDecorrelatedJitterBounds mirrors the spec's worked example: with
// retry_base=1s, retry_cap=8s, three successive sleeps must satisfy
// 1<=s1<=8, 1<=s2<=min(8,3*s1), 1<=s3<=min(8,3*s2).
func TestDecorrelatedJitterBounds(t *testing.T) {
	base := time.Second
	cap_ := 8 * time.Second

	var prev time.Duration
	for i := 0; i < 50; i++ {
		s1 := nextJitterSleep(base, cap_, 0)
		if s1 < base || s1 > cap_ {
			t.Fatalf("s1 = %v out of [%v,%v]", s1, base, cap_)
		}
		s2 := nextJitterSleep(base, cap_, s1)
		upper2 := 3 * s1
		if upper2 > cap_ {
			upper2 = cap_
		}
		if s2 < base || s2 > upper2 {
			t.Fatalf("s2 = %v out of [%v,%v]", s2, base, upper2)
		}
		s3 := nextJitterSleep(base, cap_, s2)
		upper3 := 3 * s2
		if upper3 > cap_ {
			upper3 = cap_
		}
		if s3 < base || s3 > upper3 {
			t.Fatalf("s3 = %v out of [%v,%v]", s3, base, upper3)
		}
		prev = s3
	}
	_ = prev
}

func TestDecorrelatedJitterCapsAtMax(t *testing.T) {
	s := nextJitterSleep(time.Second, 8*time.Second, 100*time.Second)
	if s > 8*time.Second {
		t.Errorf("sleep = %v, want <= cap", s)
	}
}
