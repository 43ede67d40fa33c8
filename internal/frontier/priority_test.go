package frontier

import "testing"

func TestComputePrioritySeed(t *testing.T) {
	got := ComputePriority("https://example.com/", PriorityInputs{IsSeed: true, IsHTTPS: true})
	want := 1000.0 + 5.0
	if got != want {
		t.Errorf("ComputePriority = %v, want %v", got, want)
	}
}

func TestComputePriorityNonSeed(t *testing.T) {
	got := ComputePriority("https://example.com/a/b?x=1&y=2", PriorityInputs{
		Depth:           1,
		ParentPriority:  100,
		AnchorRelevance: 0.5,
		DomainAuthority: 0.2,
		IsHTTPS:         true,
	})
	want := 0.5*0.8*100 + 100*0.5 + 50*0.2 - 2*2 - 5*2 + 5
	if got != want {
		t.Errorf("ComputePriority = %v, want %v", got, want)
	}
}

func TestComputePriorityUnknownParentIsZero(t *testing.T) {
	got := ComputePriority("https://example.com/a", PriorityInputs{Depth: 1})
	if got != 0 {
		t.Errorf("ComputePriority for unscored seedless URL = %v, want 0", got)
	}
}
