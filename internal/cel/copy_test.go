package cel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCopyCELMountCopiesBase(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "a.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	c := newCopyCEL(base)
	defer c.Cleanup()

	root, err := c.Mount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q", data)
	}
}

func TestCopyCELExecuteDetectsWrites(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "existing.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	c := newCopyCEL(base)
	defer c.Cleanup()

	res, err := c.Execute(context.Background(), ExecSpec{
		Cmd: []string{"sh", "-c", "echo new > new.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code %d, stderr %q", res.ExitCode, res.Stderr)
	}

	found := false
	for _, w := range res.Touched.Written {
		if w == "new.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected new.txt in written list, got %v", res.Touched.Written)
	}
}

func TestCopyCELExecuteTimeout(t *testing.T) {
	c := newCopyCEL(t.TempDir())
	defer c.Cleanup()

	res, err := c.Execute(context.Background(), ExecSpec{
		Cmd:       []string{"sleep", "5"},
		TimeoutMs: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut=true")
	}
	if res.ExitCode != -1 {
		t.Errorf("expected exit code -1 on timeout, got %d", res.ExitCode)
	}
}

func TestCopyCELChangesAgainstBase(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "keep.txt"), []byte("same"), 0644); err != nil {
		t.Fatal(err)
	}

	c := newCopyCEL(base)
	defer c.Cleanup()
	root, err := c.Mount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "added.txt"), []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}

	changes, err := c.Changes()
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0] != "added.txt" {
		t.Errorf("got %v, want [added.txt]", changes)
	}
}

func TestCopyCELExecuteDetectsDeletions(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "gone.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	c := newCopyCEL(base)
	defer c.Cleanup()

	res, err := c.Execute(context.Background(), ExecSpec{
		Cmd: []string{"rm", "gone.txt"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code %d, stderr %q", res.ExitCode, res.Stderr)
	}

	found := false
	for _, w := range res.Touched.Written {
		if w == "[deleted] gone.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected [deleted] gone.txt in written list, got %v", res.Touched.Written)
	}
}

func TestResolveCwdRejectsEscape(t *testing.T) {
	root := t.TempDir()
	resolved, err := resolveCwd(root, "/etc")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(resolved) != root {
		t.Errorf("resolveCwd escaped root: %s", resolved)
	}
}
