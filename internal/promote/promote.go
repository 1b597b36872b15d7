// Package promote applies a capsule's changes to the real filesystem,
// gated by policy validation.
package promote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ehrlich-b/ccw-mcp/internal/policy"
)

// Result mirrors the capsule/promote RPC response. A denied promotion
// is never a JSON-RPC error — it's promoted=false with a populated
// PolicyReport the caller can inspect.
type Result struct {
	Promoted     bool          `json:"promoted"`
	Applied      []string      `json:"applied"`
	PolicyReport policy.Report `json:"policy_report"`
	Error        string        `json:"error,omitempty"`
}

// Params bundles everything Promote needs to validate and apply.
type Params struct {
	CapsuleMount string
	TargetDir    string
	Changes      []string
	Policies     []string
	Usage        policy.Usage
	ReplayHash   string
	ExpectedHash string
	DryRun       bool
}

// Engine promotes validated capsule changes using a shared policy
// engine so the same named policies govern both promote and any future
// standalone policy/check callers.
type Engine struct {
	policies *policy.Engine
}

func New(policies *policy.Engine) *Engine {
	return &Engine{policies: policies}
}

func (e *Engine) Promote(ctx context.Context, p Params) Result {
	report := e.policies.Validate(ctx, policy.ValidateParams{
		PolicyNames:  p.Policies,
		ChangedPaths: p.Changes,
		Usage:        p.Usage,
		ReplayHash:   p.ReplayHash,
		ExpectedHash: p.ExpectedHash,
		Workspace:    p.TargetDir,
	})

	if !report.Passed {
		return Result{
			Promoted:     false,
			Applied:      nil,
			PolicyReport: report,
			Error:        fmt.Sprintf("policy validation failed: %s", report.Details),
		}
	}

	if p.DryRun {
		return Result{
			Promoted:     false,
			Applied:      append([]string{}, p.Changes...),
			PolicyReport: report,
			Error:        "dry run - no changes applied",
		}
	}

	var applied []string
	for _, change := range p.Changes {
		src := filepath.Join(p.CapsuleMount, change)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(p.TargetDir, change)

		if err := applyOne(src, dst); err != nil {
			return Result{
				Promoted:     false,
				Applied:      applied,
				PolicyReport: report,
				Error:        fmt.Sprintf("failed to apply changes: %v", err),
			}
		}
		applied = append(applied, change)
	}

	return Result{Promoted: true, Applied: applied, PolicyReport: report}
}

// applyOne copies src to a temp file beside dst then renames it into
// place, so a reader of dst never observes a partially written file.
func applyOne(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	if err := copyFile(src, tmp, info.Mode()); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
