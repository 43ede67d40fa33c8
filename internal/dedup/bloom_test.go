package dedup

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/corpusflow/crawlcore/internal/coordstore"
)

// fakeStore is an in-memory coordstore.Store covering just the bit
// operations the Bloom filter needs, for hermetic unit tests.
type fakeStore struct {
	bits map[string]map[uint64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{bits: make(map[string]map[uint64]bool)}
}

func (s *fakeStore) SetBits(_ context.Context, key string, positions []uint64) (bool, error) {
	m, ok := s.bits[key]
	if !ok {
		m = make(map[uint64]bool)
		s.bits[key] = m
	}
	allSet := true
	for _, p := range positions {
		if !m[p] {
			allSet = false
		}
		m[p] = true
	}
	return allSet, nil
}

func (s *fakeStore) TestBits(_ context.Context, key string, positions []uint64) (bool, error) {
	m := s.bits[key]
	for _, p := range positions {
		if !m[p] {
			return false, nil
		}
	}
	return true, nil
}

func (s *fakeStore) BitCount(_ context.Context, key string) (int64, error) {
	var n int64
	for _, v := range s.bits[key] {
		if v {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(s.bits, k)
	}
	return nil
}

func (s *fakeStore) ZAdd(context.Context, string, float64, string) error          { return nil }
func (s *fakeStore) ZRange(context.Context, string, int64, int64) ([]string, error) { return nil, nil }
func (s *fakeStore) ZRem(context.Context, string, string) (int64, error)         { return 0, nil }
func (s *fakeStore) ZCard(context.Context, string) (int64, error)                { return 0, nil }
func (s *fakeStore) RPush(context.Context, string, string) error                 { return nil }
func (s *fakeStore) LRem(context.Context, string, string) (int64, error)         { return 0, nil }
func (s *fakeStore) LLen(context.Context, string) (int64, error)                 { return 0, nil }
func (s *fakeStore) SAdd(context.Context, string, string) error                  { return nil }
func (s *fakeStore) SRem(context.Context, string, string) error                  { return nil }
func (s *fakeStore) SMembers(context.Context, string) ([]string, error)          { return nil, nil }
func (s *fakeStore) HGet(context.Context, string, string) (string, bool, error)  { return "", false, nil }
func (s *fakeStore) HSet(context.Context, string, string, string) error          { return nil }
func (s *fakeStore) HSetAll(context.Context, string, map[string]string) error    { return nil }
func (s *fakeStore) HGetAll(context.Context, string) (map[string]string, error) { return nil, nil }
func (s *fakeStore) HIncrBy(context.Context, string, string, int64) (int64, error) { return 0, nil }
func (s *fakeStore) Expire(context.Context, string, time.Duration) error         { return nil }
func (s *fakeStore) IncrBy(context.Context, string, int64) (int64, error)        { return 0, nil }
func (s *fakeStore) Ping(context.Context) error                                  { return nil }
func (s *fakeStore) Close() error                                                { return nil }

var _ coordstore.Store = (*fakeStore)(nil)

func TestBloomNoFalseNegatives(t *testing.T) {
	store := newFakeStore()
	f, err := New(store, Config{Key: "test:bloom", ExpectedItems: 100_000, FalsePositiveRate: 0.01})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	inserted := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("https://example.com/page/%d", i)
		if _, err := f.Insert(ctx, key); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		inserted = append(inserted, key)
	}

	for _, key := range inserted {
		ok, err := f.Contains(ctx, key)
		if err != nil {
			t.Fatalf("Contains: %v", err)
		}
		if !ok {
			t.Errorf("Contains(%q) = false, want true (false negative)", key)
		}
	}
}

func TestBloomFalsePositiveRateWithinBound(t *testing.T) {
	store := newFakeStore()
	const targetFPR = 0.01
	f, err := New(store, Config{Key: "test:bloom:fpr", ExpectedItems: 50_000, FalsePositiveRate: targetFPR})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 50_000; i++ {
		if _, err := f.Insert(ctx, fmt.Sprintf("inserted-%d", i)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(42))
	const samples = 20_000
	falsePositives := 0
	for i := 0; i < samples; i++ {
		key := fmt.Sprintf("absent-%d-%d", i, rng.Int63())
		ok, err := f.Contains(ctx, key)
		if err != nil {
			t.Fatalf("Contains: %v", err)
		}
		if ok {
			falsePositives++
		}
	}

	observedFPR := float64(falsePositives) / float64(samples)
	if observedFPR > targetFPR*1.5 {
		t.Errorf("observed FPR %.4f exceeds 1.5x target %.4f", observedFPR, targetFPR)
	}
}

func TestBloomInsertReportsPriorMembership(t *testing.T) {
	store := newFakeStore()
	f, err := New(store, Config{Key: "test:bloom:dup", ExpectedItems: 1000, FalsePositiveRate: 0.01})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	first, err := f.Insert(ctx, "https://x.test/a")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if first {
		t.Errorf("first Insert reported already-present = true, want false")
	}

	second, err := f.Insert(ctx, "https://x.test/a")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !second {
		t.Errorf("second Insert reported already-present = false, want true")
	}
}

func TestBloomReset(t *testing.T) {
	store := newFakeStore()
	f, err := New(store, Config{Key: "test:bloom:reset", ExpectedItems: 1000, FalsePositiveRate: 0.01})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if _, err := f.Insert(ctx, "https://x.test/a"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := f.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	ok, err := f.Contains(ctx, "https://x.test/a")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Errorf("Contains after Reset = true, want false")
	}
}
