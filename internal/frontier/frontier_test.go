package frontier

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corpusflow/crawlcore/internal/coordstore"
)

// newTestFrontier dials a local Redis instance and skips the test if one
// isn't reachable, the same pattern the teacher's recovery_test.go uses for
// its Redis-backed tests.
func newTestFrontier(t *testing.T) (*Frontier, func()) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("redis not reachable at 127.0.0.1:6379, skipping integration test")
	}

	prefix := "crawlcore_test:" + t.Name()
	store := coordstore.NewFromClient(client)

	f, err := New(store, Config{
		KeyPrefix:         prefix,
		DefaultDelay:      2 * time.Second,
		MinDelay:          500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		PolitenessAlpha:   10,
		ExpectedItems:     10_000,
		FalsePositiveRate: 0.01,
		MetadataTTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cleanup := func() {
		ctx := context.Background()
		client.Del(ctx, prefix+":bloom:filter", prefix+":priority_queue",
			prefix+":crawl_times", prefix+":domain_delays", prefix+":active_domains", prefix+":stats")
		client.Close()
	}

	return f, cleanup
}

func TestFrontierAdmitDedup(t *testing.T) {
	f, cleanup := newTestFrontier(t)
	defer cleanup()

	ctx := context.Background()
	added1, err := f.Admit(ctx, "https://x.test/a", 10, nil, false)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !added1 {
		t.Fatalf("first Admit returned added=false")
	}

	added2, err := f.Admit(ctx, "https://x.test/a", 10, nil, false)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if added2 {
		t.Fatalf("second Admit returned added=true, want false (duplicate)")
	}

	record, err := f.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if record == nil {
		t.Fatalf("Next returned nil, want the admitted URL")
	}

	record2, err := f.Next(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if record2 != nil {
		t.Fatalf("Next returned a second record, want nil (URL consumed once)")
	}
}

func TestFrontierPoliteness(t *testing.T) {
	f, cleanup := newTestFrontier(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := f.Admit(ctx, "https://h.test/1", 10, nil, false); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := f.Admit(ctx, "https://h.test/2", 10, nil, false); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	first, err := f.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first == nil {
		t.Fatalf("Next returned nil for first dequeue")
	}

	quick, err := f.Next(ctx, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if quick != nil {
		t.Fatalf("Next returned a URL before the default delay elapsed")
	}

	time.Sleep(2 * time.Second)
	second, err := f.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second == nil {
		t.Fatalf("Next returned nil after delay elapsed")
	}
}

func TestFrontierPriorityOrdering(t *testing.T) {
	f, cleanup := newTestFrontier(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := f.Admit(ctx, "https://p.test/low", 5, nil, false); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := f.Admit(ctx, "https://p.test/high", 50, nil, false); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	first, err := f.Next(ctx, time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first == nil || first.URL != "https://p.test/high" {
		t.Fatalf("Next returned %v, want the higher-priority URL first", first)
	}
}

func TestDoubleDelayDoublesTheRealCurrentDelay(t *testing.T) {
	f, cleanup := newTestFrontier(t)
	defer cleanup()

	ctx := context.Background()
	const host = "double.test"

	if err := f.SetDelay(ctx, host, 4*time.Second); err != nil {
		t.Fatalf("SetDelay: %v", err)
	}

	if err := f.DoubleDelay(ctx, host); err != nil {
		t.Fatalf("DoubleDelay: %v", err)
	}

	state, err := f.GetHostState(ctx, host)
	if err != nil {
		t.Fatalf("GetHostState: %v", err)
	}
	if state.Delay != 8*time.Second {
		t.Fatalf("Delay = %v, want 8s (double of the real current delay, not DefaultDelay)", state.Delay)
	}
}
