// Package deltamin implements delta-debugging minimization: given a set
// of changed files and a predicate that reports whether a subset still
// reproduces a failure, find a minimal reproducing subset.
package deltamin

import (
	"strings"
	"time"
)

// TestFunc reports whether the given subset of changes still
// reproduces the target failure. Per the RPC layer's
// {target_cmd, expect_exit_code} contract, this is a real test, not the
// always-true stub the tool was distilled from.
type TestFunc func(subset []string) bool

// Result mirrors the capsule/deltamin RPC response.
type Result struct {
	MinimalPatch string   `json:"minimal_patch"`
	ReplayOK     bool     `json:"replay_ok"`
	RootHash     string   `json:"root_hash"`
	Iterations   int      `json:"iterations"`
	Minimal      []string `json:"-"`
}

// defaultBudget matches the original tool's 120000ms default.
const defaultBudget = 120 * time.Second

// Minimize runs ddmin: repeatedly try removing one change at a time,
// keeping the removal whenever test still reports a reproduction,
// until a full pass removes nothing or the time budget runs out.
func Minimize(changes []string, test TestFunc, budgetMs int) Result {
	budget := defaultBudget
	if budgetMs > 0 {
		budget = time.Duration(budgetMs) * time.Millisecond
	}
	deadline := time.Now().Add(budget)

	minimal := append([]string{}, changes...)
	iterations := 0

	for {
		iterations++
		if time.Now().After(deadline) {
			break
		}

		reduced := false
		for i := range minimal {
			if len(minimal) <= 1 {
				break
			}
			candidate := make([]string, 0, len(minimal)-1)
			candidate = append(candidate, minimal[:i]...)
			candidate = append(candidate, minimal[i+1:]...)

			if test(candidate) {
				minimal = candidate
				reduced = true
				break
			}
		}

		if !reduced {
			break
		}
	}

	var lines []string
	for _, p := range minimal {
		lines = append(lines, "--- "+p)
	}

	return Result{
		MinimalPatch: strings.Join(lines, "\n"),
		ReplayOK:     test(minimal),
		Iterations:   iterations,
		Minimal:      minimal,
	}
}
