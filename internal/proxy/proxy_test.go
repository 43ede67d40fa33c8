package proxy

import "testing"

func TestRotatorRoundRobin(t *testing.T) {
	r := NewRotator([]string{"p1", "p2", "p3"})

	seen := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		ep, ok := r.NextProxy()
		if !ok {
			t.Fatalf("NextProxy() ok=false")
		}
		seen = append(seen, ep)
	}

	want := []string{"p1", "p2", "p3", "p1", "p2", "p3"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestRotatorDisablesAfterMaxFailures(t *testing.T) {
	r := NewRotator([]string{"p1", "p2"})

	r.ReportFailure("p1")
	r.ReportFailure("p1")
	r.ReportFailure("p1")

	for i := 0; i < 4; i++ {
		ep, ok := r.NextProxy()
		if !ok {
			t.Fatalf("NextProxy() ok=false")
		}
		if ep == "p1" {
			t.Errorf("NextProxy returned disabled proxy p1")
		}
	}
}

func TestRotatorResetsWhenAllDisabled(t *testing.T) {
	r := NewRotator([]string{"p1", "p2"})

	for _, ep := range []string{"p1", "p2"} {
		r.ReportFailure(ep)
		r.ReportFailure(ep)
		r.ReportFailure(ep)
	}

	// Both proxies disabled; the set should have reset, so p1 (or p2)
	// is usable again.
	_, ok := r.NextProxy()
	if !ok {
		t.Fatalf("NextProxy() ok=false after reset")
	}
	e := r.find("p1")
	if e.disabled {
		t.Errorf("p1 still disabled after all-disabled reset")
	}
}

func TestRotatorReportSuccessClearsFailures(t *testing.T) {
	r := NewRotator([]string{"p1"})
	r.ReportFailure("p1")
	r.ReportFailure("p1")
	r.ReportSuccess("p1")

	e := r.find("p1")
	if e.consecutiveFails != 0 {
		t.Errorf("consecutiveFails = %d after success, want 0", e.consecutiveFails)
	}
}

func TestRotatorEmpty(t *testing.T) {
	r := NewRotator(nil)
	if _, ok := r.NextProxy(); ok {
		t.Errorf("NextProxy() on empty rotator returned ok=true")
	}
}
