// Package commute analyzes which changed files could be applied
// independently of one another, grouping by directory and flagging
// ancestor-overlapping directories as conflicting.
package commute

import (
	"path/filepath"
	"strings"
)

// Result mirrors the capsule/commutativity RPC response.
type Result struct {
	IndependentSets [][]string `json:"independent_sets"`
	ConflictPairs   [][2]string `json:"conflict_pairs"`
}

// Analyze groups changes by parent directory, then treats two
// directories as conflicting whenever one is an ancestor of the other
// (including equal directories). A directory group that doesn't
// conflict with any other becomes an independent set; if every
// directory conflicts with something, the analysis degrades to one
// singleton set per file so promotion can still proceed change-by-change.
func Analyze(changes []string) Result {
	byDir := make(map[string][]string)
	var dirs []string
	for _, c := range changes {
		dir := filepath.Dir(c)
		if _, ok := byDir[dir]; !ok {
			dirs = append(dirs, dir)
		}
		byDir[dir] = append(byDir[dir], c)
	}

	var independentSets [][]string
	var conflictPairs [][2]string

	for i, dir1 := range dirs {
		files1 := byDir[dir1]
		conflicts := false
		for j, dir2 := range dirs {
			if i == j {
				continue
			}
			if pathsOverlap(dir1, dir2) {
				conflicts = true
				for _, f1 := range files1 {
					for _, f2 := range byDir[dir2] {
						conflictPairs = append(conflictPairs, [2]string{f1, f2})
					}
				}
			}
		}
		if !conflicts && len(files1) > 0 {
			independentSets = append(independentSets, append([]string{}, files1...))
		}
	}

	if len(independentSets) == 0 && len(changes) > 0 {
		for _, c := range changes {
			independentSets = append(independentSets, []string{c})
		}
	}

	return Result{IndependentSets: independentSets, ConflictPairs: conflictPairs}
}

// pathsOverlap reports whether one directory is an ancestor of (or
// equal to) the other.
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	aClean, bClean := filepath.Clean(a), filepath.Clean(b)
	return strings.HasPrefix(bClean, aClean+string(filepath.Separator)) ||
		strings.HasPrefix(aClean, bClean+string(filepath.Separator))
}
