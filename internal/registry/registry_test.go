package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ehrlich-b/ccw-mcp/internal/cel"
)

func TestCreateGetExecuteDelete(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	storage := t.TempDir()

	reg, err := New(storage)
	if err != nil {
		t.Fatal(err)
	}

	res, err := reg.Create(context.Background(), CreateParams{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}
	if res.CapsuleID == "" || res.Mount == "" {
		t.Fatalf("incomplete create result: %+v", res)
	}

	meta, _, ok := reg.Get(res.CapsuleID)
	if !ok {
		t.Fatal("expected capsule to be found")
	}
	if meta.Workspace != workspace {
		t.Errorf("workspace = %q, want %q", meta.Workspace, workspace)
	}

	metaFile := filepath.Join(storage, res.CapsuleID, "metadata.json")
	if _, err := os.Stat(metaFile); err != nil {
		t.Errorf("expected metadata.json at %s: %v", metaFile, err)
	}

	execRes, err := reg.Execute(context.Background(), res.CapsuleID, cel.ExecSpec{
		Cmd: []string{"sh", "-c", "echo hi"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if execRes.ExitCode != 0 {
		t.Errorf("exit code = %d, stderr=%q", execRes.ExitCode, execRes.Stderr)
	}

	if !reg.Delete(res.CapsuleID) {
		t.Error("expected Delete to succeed")
	}
	if _, _, ok := reg.Get(res.CapsuleID); ok {
		t.Error("expected capsule to be gone after Delete")
	}
}

func TestExecuteUnknownCapsule(t *testing.T) {
	reg, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	res, err := reg.Execute(context.Background(), "cap_missing", cel.ExecSpec{Cmd: []string{"true"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != -1 {
		t.Errorf("expected exit_code -1 for unknown capsule, got %d", res.ExitCode)
	}
}

func TestCloneUsesSourceMountAsBase(t *testing.T) {
	workspace := t.TempDir()
	storage := t.TempDir()
	reg, err := New(storage)
	if err != nil {
		t.Fatal(err)
	}

	src, err := reg.Create(context.Background(), CreateParams{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Execute(context.Background(), src.CapsuleID, cel.ExecSpec{
		Cmd: []string{"sh", "-c", "echo cloned > seed.txt"},
	}); err != nil {
		t.Fatal(err)
	}

	clone, err := reg.Clone(context.Background(), src.CapsuleID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(clone.Mount, "seed.txt")); err != nil {
		t.Errorf("expected clone to inherit source's seed.txt: %v", err)
	}
}

func TestRehydrateReloadsFromDisk(t *testing.T) {
	workspace := t.TempDir()
	storage := t.TempDir()

	reg1, err := New(storage)
	if err != nil {
		t.Fatal(err)
	}
	res, err := reg1.Create(context.Background(), CreateParams{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}

	reg2, err := New(storage)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg2.Rehydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := reg2.Get(res.CapsuleID); !ok {
		t.Error("expected rehydrated registry to find prior capsule")
	}
}
