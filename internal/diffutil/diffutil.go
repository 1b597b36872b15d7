// Package diffutil generates unified text diffs (used by the registry's
// capsule/diff) and structural diffs of JSON-decoded maps.
package diffutil

import (
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// contextLines matches Python's difflib.unified_diff default of n=3.
const contextLines = 3

// Unified returns a unified diff between the files at oldPath and
// newPath. A missing file reads as empty content rather than an error,
// so creating or deleting a file still produces a usable diff.
func Unified(oldPath, newPath string) (string, error) {
	oldLines, err := readLines(oldPath)
	if err != nil {
		return "", err
	}
	newLines, err := readLines(newPath)
	if err != nil {
		return "", err
	}

	diff := difflib.UnifiedDiff{
		A:        oldLines,
		B:        newLines,
		FromFile: oldPath,
		ToFile:   newPath,
		Context:  contextLines,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return difflib.SplitLines(string(data)), nil
}

// Changes counts additions and deletions in a unified diff, skipping the
// "+++"/"---" file-header lines.
type Changes struct {
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

func CountChanges(diffText string) Changes {
	var c Changes
	for _, line := range strings.Split(diffText, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			// file header, not a content line
		case strings.HasPrefix(line, "+"):
			c.Added++
		case strings.HasPrefix(line, "-"):
			c.Deleted++
		}
	}
	return c
}

// StructuralDiff compares two JSON-decoded maps key by key and reports
// additions, removals, and modifications. Non-map inputs produce an
// empty diff, matching the original tool's behavior of only comparing
// dict-shaped data.
type StructuralDiff struct {
	Added    map[string]any            `json:"added"`
	Removed  map[string]any            `json:"removed"`
	Modified map[string]ModifiedFields `json:"modified"`
}

type ModifiedFields struct {
	Old any `json:"old"`
	New any `json:"new"`
}

func Structural(oldData, newData map[string]any) StructuralDiff {
	result := StructuralDiff{
		Added:    map[string]any{},
		Removed:  map[string]any{},
		Modified: map[string]ModifiedFields{},
	}

	for k, v := range newData {
		if _, ok := oldData[k]; !ok {
			result.Added[k] = v
		}
	}
	for k, v := range oldData {
		if _, ok := newData[k]; !ok {
			result.Removed[k] = v
		}
	}
	for k, oldV := range oldData {
		if newV, ok := newData[k]; ok && !deepEqual(oldV, newV) {
			result.Modified[k] = ModifiedFields{Old: oldV, New: newV}
		}
	}
	return result
}

// deepEqual compares decoded JSON values (maps, slices, scalars) for
// equality without reflect.DeepEqual's strictness on numeric types.
func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
