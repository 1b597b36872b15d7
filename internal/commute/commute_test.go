package commute

import "testing"

func TestAnalyzeIndependentDirectories(t *testing.T) {
	changes := []string{"pkg/a/foo.go", "pkg/b/bar.go"}
	res := Analyze(changes)

	if len(res.ConflictPairs) != 0 {
		t.Errorf("expected no conflicts between sibling dirs, got %v", res.ConflictPairs)
	}
	if len(res.IndependentSets) != 2 {
		t.Errorf("expected 2 independent sets, got %d: %v", len(res.IndependentSets), res.IndependentSets)
	}
}

func TestAnalyzeAncestorConflict(t *testing.T) {
	changes := []string{"pkg/a/foo.go", "pkg/a/sub/bar.go"}
	res := Analyze(changes)

	if len(res.ConflictPairs) == 0 {
		t.Error("expected a conflict between a directory and its ancestor")
	}
}

func TestAnalyzeDegradesToSingletonsWhenAllConflict(t *testing.T) {
	changes := []string{"a/foo.go", "a/b/bar.go", "a/b/c/baz.go"}
	res := Analyze(changes)

	if len(res.IndependentSets) != len(changes) {
		t.Fatalf("expected singleton degradation, got %v", res.IndependentSets)
	}
	for _, set := range res.IndependentSets {
		if len(set) != 1 {
			t.Errorf("expected singleton sets, got %v", set)
		}
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	res := Analyze(nil)
	if len(res.IndependentSets) != 0 || len(res.ConflictPairs) != 0 {
		t.Errorf("expected empty result for no changes, got %+v", res)
	}
}
