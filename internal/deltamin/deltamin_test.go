package deltamin

import "testing"

func TestMinimizeReducesToCulprit(t *testing.T) {
	changes := []string{"a.txt", "b.txt", "culprit.txt", "c.txt"}
	test := func(subset []string) bool {
		for _, s := range subset {
			if s == "culprit.txt" {
				return true
			}
		}
		return false
	}

	res := Minimize(changes, test, 5000)
	if len(res.Minimal) != 1 || res.Minimal[0] != "culprit.txt" {
		t.Errorf("expected minimal=[culprit.txt], got %v", res.Minimal)
	}
	if !res.ReplayOK {
		t.Error("expected replay_ok=true for the minimized set")
	}
}

func TestMinimizeAllNeeded(t *testing.T) {
	changes := []string{"a.txt", "b.txt"}
	test := func(subset []string) bool { return len(subset) == len(changes) }

	res := Minimize(changes, test, 5000)
	if len(res.Minimal) != len(changes) {
		t.Errorf("expected no reduction when every file is required, got %v", res.Minimal)
	}
}

func TestMinimizeBudgetStopsEventually(t *testing.T) {
	changes := []string{"a.txt"}
	test := func(subset []string) bool { return true }

	res := Minimize(changes, test, 1)
	if res.Iterations == 0 {
		t.Error("expected at least one iteration")
	}
}
