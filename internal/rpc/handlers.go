package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ehrlich-b/ccw-mcp/internal/ccwerr"
	"github.com/ehrlich-b/ccw-mcp/internal/cel"
	"github.com/ehrlich-b/ccw-mcp/internal/commute"
	"github.com/ehrlich-b/ccw-mcp/internal/deltamin"
	"github.com/ehrlich-b/ccw-mcp/internal/policy"
	"github.com/ehrlich-b/ccw-mcp/internal/promote"
	"github.com/ehrlich-b/ccw-mcp/internal/registry"
	"github.com/ehrlich-b/ccw-mcp/internal/witness"
)

func unmarshalArgs(op string, raw json.RawMessage, dst any) *ccwerr.Error {
	if len(raw) == 0 {
		return ccwerr.Invalid(op, fmt.Errorf("missing arguments"))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return ccwerr.Invalid(op, err)
	}
	return nil
}

func handleCapsuleCreate(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		Workspace      string   `json:"workspace"`
		Base           string   `json:"base"`
		ClockOffsetSec int      `json:"clock_offset_sec"`
		EnvWhitelist   []string `json:"env_whitelist"`
	}
	if err := unmarshalArgs("capsule/create", raw, &args); err != nil {
		return nil, err
	}
	if args.Workspace == "" {
		return nil, ccwerr.Invalid("capsule/create", fmt.Errorf("workspace is required"))
	}

	res, err := s.Registry.Create(ctx, registry.CreateParams{
		Workspace:      args.Workspace,
		Base:           args.Base,
		ClockOffsetSec: args.ClockOffsetSec,
		EnvWhitelist:   args.EnvWhitelist,
	})
	if err != nil {
		return nil, ccwerr.IOFailed("capsule/create", err)
	}
	return res, nil
}

func handleCapsuleExec(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		CapsuleID string            `json:"capsule_id"`
		Cmd       []string          `json:"cmd"`
		Cwd       string            `json:"cwd"`
		Env       map[string]string `json:"env"`
		TimeoutMs int               `json:"timeout_ms"`
		Stdin     string            `json:"stdin"`
	}
	if err := unmarshalArgs("capsule/exec", raw, &args); err != nil {
		return nil, err
	}
	if args.CapsuleID == "" || len(args.Cmd) == 0 {
		return nil, ccwerr.Invalid("capsule/exec", fmt.Errorf("capsule_id and cmd are required"))
	}

	res, err := s.Registry.Execute(ctx, args.CapsuleID, cel.ExecSpec{
		Cmd:       args.Cmd,
		Cwd:       args.Cwd,
		Env:       args.Env,
		TimeoutMs: args.TimeoutMs,
		Stdin:     args.Stdin,
	})
	if err != nil {
		return nil, ccwerr.IOFailed("capsule/exec", err)
	}
	return res, nil
}

func handleCapsuleDiff(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		CapsuleID string `json:"capsule_id"`
		Format    string `json:"format"`
	}
	if err := unmarshalArgs("capsule/diff", raw, &args); err != nil {
		return nil, err
	}
	if args.CapsuleID == "" {
		return nil, ccwerr.Invalid("capsule/diff", fmt.Errorf("capsule_id is required"))
	}
	if args.Format == "" {
		args.Format = "unified"
	}

	res, err := s.Registry.Diff(args.CapsuleID, args.Format)
	if err != nil {
		return nil, ccwerr.IOFailed("capsule/diff", err)
	}
	return res, nil
}

func handleCapsuleWitness(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		CapsuleID    string `json:"capsule_id"`
		Compress     string `json:"compress"`
		IncludeBlobs *bool  `json:"include_blobs"`
	}
	if err := unmarshalArgs("capsule/witness", raw, &args); err != nil {
		return nil, err
	}
	if args.CapsuleID == "" {
		return nil, ccwerr.Invalid("capsule/witness", fmt.Errorf("capsule_id is required"))
	}
	if args.Compress == "" {
		args.Compress = "zstd"
	}
	includeBlobs := true
	if args.IncludeBlobs != nil {
		includeBlobs = *args.IncludeBlobs
	}

	var res witness.CreateResult
	found, err := s.Registry.WithCapsule(args.CapsuleID, func(meta registry.Metadata, c cel.CEL) error {
		changes, err := c.Changes()
		if err != nil {
			return err
		}
		var createErr error
		res, createErr = s.Witness.Create(witness.CreateParams{
			CapsuleID:    args.CapsuleID,
			CapsuleMount: c.MountPoint(),
			Changes:      changes,
			Compress:     args.Compress,
			IncludeBlobs: includeBlobs,
		})
		return createErr
	})
	if !found {
		return nil, ccwerr.NotFound("capsule/witness", fmt.Errorf("capsule %s not found", args.CapsuleID))
	}
	if err != nil {
		return nil, ccwerr.IOFailed("capsule/witness", err)
	}
	return res, nil
}

func handleCapsuleReplay(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		WitnessID string `json:"witness_id"`
	}
	if err := unmarshalArgs("capsule/replay", raw, &args); err != nil {
		return nil, err
	}
	if args.WitnessID == "" {
		return nil, ccwerr.Invalid("capsule/replay", fmt.Errorf("witness_id is required"))
	}

	res, err := s.Witness.Replay(args.WitnessID)
	if err != nil {
		return nil, ccwerr.IOFailed("capsule/replay", err)
	}
	return res, nil
}

func handleCapsulePromote(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		CapsuleID    string   `json:"capsule_id"`
		TargetDir    string   `json:"target_dir"`
		Policies     []string `json:"policies"`
		ReplayHash   string   `json:"replay_hash"`
		ExpectedHash string   `json:"expected_hash"`
		DryRun       bool     `json:"dry_run"`
	}
	if err := unmarshalArgs("capsule/promote", raw, &args); err != nil {
		return nil, err
	}
	if args.CapsuleID == "" {
		return nil, ccwerr.Invalid("capsule/promote", fmt.Errorf("capsule_id is required"))
	}
	if len(args.Policies) == 0 {
		args.Policies = []string{"baseline"}
	}

	var res promote.Result
	found, err := s.Registry.WithCapsule(args.CapsuleID, func(meta registry.Metadata, c cel.CEL) error {
		changes, err := c.Changes()
		if err != nil {
			return err
		}

		targetDir := args.TargetDir
		if targetDir == "" {
			targetDir = meta.Workspace
		}

		res = s.Promote.Promote(ctx, promote.Params{
			CapsuleMount: c.MountPoint(),
			TargetDir:    targetDir,
			Changes:      changes,
			Policies:     args.Policies,
			ReplayHash:   args.ReplayHash,
			ExpectedHash: args.ExpectedHash,
			DryRun:       args.DryRun,
		})
		return nil
	})
	if !found {
		return nil, ccwerr.NotFound("capsule/promote", fmt.Errorf("capsule %s not found", args.CapsuleID))
	}
	if err != nil {
		return nil, ccwerr.IOFailed("capsule/promote", err)
	}
	return res, nil
}

func handleCapsuleDeltamin(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		CapsuleID      string   `json:"capsule_id"`
		TargetCmd      []string `json:"target_cmd"`
		ExpectExitCode int      `json:"expect_exit_code"`
		BudgetMs       int      `json:"budget_ms"`
	}
	if err := unmarshalArgs("capsule/deltamin", raw, &args); err != nil {
		return nil, err
	}
	if args.CapsuleID == "" || len(args.TargetCmd) == 0 {
		return nil, ccwerr.Invalid("capsule/deltamin", fmt.Errorf("capsule_id and target_cmd are required"))
	}

	var res deltamin.Result
	found, err := s.Registry.WithCapsule(args.CapsuleID, func(meta registry.Metadata, c cel.CEL) error {
		changes, err := c.Changes()
		if err != nil {
			return err
		}

		mount := c.MountPoint()
		test := func(subset []string) bool {
			return runsWithExitCode(mount, args.TargetCmd, args.ExpectExitCode, changes, subset)
		}

		res = deltamin.Minimize(changes, test, args.BudgetMs)
		return nil
	})
	if !found {
		return nil, ccwerr.NotFound("capsule/deltamin", fmt.Errorf("capsule %s not found", args.CapsuleID))
	}
	if err != nil {
		return nil, ccwerr.IOFailed("capsule/deltamin", err)
	}
	return res, nil
}

// runsWithExitCode re-runs targetCmd inside mount and reports whether
// its exit code matches expectExitCode, which is what "still
// reproduces the failure" means for delta-debugging purposes. changes
// is every path the capsule touched relative to base; subset is the
// candidate ddmin is currently testing. Every changed path not in
// subset is renamed aside for the duration of the run, so the command
// sees neither the changed nor the base version of those paths, and is
// restored regardless of outcome.
func runsWithExitCode(mount string, targetCmd []string, expectExitCode int, changes, subset []string) bool {
	if len(subset) == 0 {
		return false
	}

	restore, err := shadowExcluded(mount, changes, subset)
	defer restore()
	if err != nil {
		return false
	}

	cmd := exec.Command(targetCmd[0], targetCmd[1:]...)
	cmd.Dir = mount
	err = cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return exitCode == expectExitCode
}

// shadowExcluded temporarily renames every path in changes that isn't
// in subset out of mount and returns a restore func that moves them
// all back. Paths that don't currently exist under mount (already
// reported as deletions) are skipped. restore is always safe to call,
// even after a partial failure.
func shadowExcluded(mount string, changes, subset []string) (restore func(), err error) {
	keep := make(map[string]bool, len(subset))
	for _, p := range subset {
		keep[p] = true
	}

	type moved struct{ from, to string }
	var shadowed []moved
	restore = func() {
		for i := len(shadowed) - 1; i >= 0; i-- {
			m := shadowed[i]
			_ = os.Rename(m.to, m.from)
		}
	}

	for _, rel := range changes {
		if keep[rel] {
			continue
		}
		full := filepath.Join(mount, rel)
		if _, statErr := os.Stat(full); statErr != nil {
			continue
		}
		shadow := full + ".ccw-deltamin-shadow"
		if renameErr := os.Rename(full, shadow); renameErr != nil {
			restore()
			return func() {}, renameErr
		}
		shadowed = append(shadowed, moved{from: full, to: shadow})
	}
	return restore, nil
}

func handleCapsuleCommutativity(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		CapsuleID string `json:"capsule_id"`
	}
	if err := unmarshalArgs("capsule/commutativity", raw, &args); err != nil {
		return nil, err
	}
	if args.CapsuleID == "" {
		return nil, ccwerr.Invalid("capsule/commutativity", fmt.Errorf("capsule_id is required"))
	}

	var res commute.Result
	found, err := s.Registry.WithCapsule(args.CapsuleID, func(meta registry.Metadata, c cel.CEL) error {
		changes, err := c.Changes()
		if err != nil {
			return err
		}
		res = commute.Analyze(changes)
		return nil
	})
	if !found {
		return nil, ccwerr.NotFound("capsule/commutativity", fmt.Errorf("capsule %s not found", args.CapsuleID))
	}
	if err != nil {
		return nil, ccwerr.IOFailed("capsule/commutativity", err)
	}
	return res, nil
}

func handleCapsuleClone(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		CapsuleID    string   `json:"capsule_id"`
		EnvWhitelist []string `json:"env_whitelist"`
	}
	if err := unmarshalArgs("capsule/clone", raw, &args); err != nil {
		return nil, err
	}
	if args.CapsuleID == "" {
		return nil, ccwerr.Invalid("capsule/clone", fmt.Errorf("capsule_id is required"))
	}

	res, err := s.Registry.Clone(ctx, args.CapsuleID, args.EnvWhitelist)
	if err != nil {
		return nil, ccwerr.NotFound("capsule/clone", err)
	}
	return res, nil
}

func handlePolicySet(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		Name  string      `json:"name"`
		Rules policy.Rule `json:"rules"`
	}
	if err := unmarshalArgs("policy/set", raw, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, ccwerr.Invalid("policy/set", fmt.Errorf("name is required"))
	}
	rule := args.Rules
	rule.Name = args.Name
	s.Policy.Add(rule)
	return map[string]bool{"ok": true}, nil
}

func handlePolicyGet(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := unmarshalArgs("policy/get", raw, &args); err != nil {
		return nil, err
	}
	rule, ok := s.Policy.Get(args.Name)
	if !ok {
		return nil, ccwerr.NotFound("policy/get", fmt.Errorf("policy %s not found", args.Name))
	}
	return rule, nil
}

func handlePolicyList(ctx context.Context, s *Server, raw json.RawMessage) (any, *ccwerr.Error) {
	return map[string]any{"policies": s.Policy.List()}, nil
}
