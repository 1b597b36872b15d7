package diffutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUnifiedBasic(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.txt")
	newPath := filepath.Join(dir, "new.txt")
	if err := os.WriteFile(oldPath, []byte("line1\nline2\nline3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newPath, []byte("line1\nCHANGED\nline3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	diff, err := Unified(oldPath, newPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(diff, "-line2") || !strings.Contains(diff, "+CHANGED") {
		t.Errorf("diff missing expected lines: %s", diff)
	}
}

func TestUnifiedMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	newPath := filepath.Join(dir, "new.txt")
	if err := os.WriteFile(newPath, []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}

	diff, err := Unified(filepath.Join(dir, "missing.txt"), newPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(diff, "+hello") {
		t.Errorf("expected created-file diff to show additions, got: %s", diff)
	}
}

func TestCountChanges(t *testing.T) {
	diff := "--- a\n+++ b\n-old1\n-old2\n+new1\n context\n"
	c := CountChanges(diff)
	if c.Added != 1 || c.Deleted != 2 {
		t.Errorf("got %+v, want added=1 deleted=2", c)
	}
}

func TestStructural(t *testing.T) {
	old := map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}
	new := map[string]any{"a": 1.0, "b": 99.0, "d": 4.0}

	d := Structural(old, new)
	if _, ok := d.Added["d"]; !ok {
		t.Error("expected 'd' in added")
	}
	if _, ok := d.Removed["c"]; !ok {
		t.Error("expected 'c' in removed")
	}
	mod, ok := d.Modified["b"]
	if !ok || mod.Old != 2.0 || mod.New != 99.0 {
		t.Errorf("expected 'b' modified 2.0->99.0, got %+v", d.Modified)
	}
	if _, ok := d.Modified["a"]; ok {
		t.Error("unchanged key 'a' should not appear in modified")
	}
}
