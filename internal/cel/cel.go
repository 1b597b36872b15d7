// Package cel implements the Counterfactual Execution Layer: an
// isolated, disposable view of a workspace that commands can run
// against without mutating the real filesystem until a promotion is
// explicitly applied.
package cel

import (
	"context"
	"time"

	"github.com/ehrlich-b/ccw-mcp/internal/logger"
	"github.com/ehrlich-b/ccw-mcp/internal/trace"
)

// Touched lists paths read and written during one Execute call. Writes
// come from real change detection; reads are a best-effort
// approximation documented per variant.
type Touched struct {
	Read    []string `json:"read"`
	Written []string `json:"written"`
}

// ExecResult is the outcome of running one command inside a mounted CEL.
type ExecResult struct {
	ExitCode int         `json:"exit_code"`
	Stdout   string      `json:"stdout"`
	Stderr   string      `json:"stderr"`
	Usage    trace.Usage `json:"usage"`
	Touched  Touched     `json:"touched"`
	TimedOut bool        `json:"timed_out"`
}

// ExecSpec describes one command execution.
type ExecSpec struct {
	Cmd       []string
	Cwd       string // relative to, or absolute under, the mount root
	Env       map[string]string
	TimeoutMs int
	Stdin     string
}

// CEL is an isolated view of base rooted at Mount(). Implementations
// must be safe to reuse across multiple Execute calls: writes from one
// execution are visible to the next, matching a capsule's persistent
// overlay semantics.
type CEL interface {
	// Mount prepares (or returns the already-prepared) isolated root
	// and returns its absolute path on the host filesystem.
	Mount(ctx context.Context) (string, error)

	// Execute runs spec inside the mounted root, blocking until the
	// command exits, the context is canceled, or TimeoutMs elapses.
	Execute(ctx context.Context, spec ExecSpec) (ExecResult, error)

	// Changes lists paths that differ from the base, relative to the
	// mount root.
	Changes() ([]string, error)

	// MountPoint returns the absolute mount path, or "" if unmounted.
	MountPoint() string

	// Cleanup releases all resources (unmounts, removes temp dirs).
	Cleanup() error
}

// New picks the best available CEL backend for the current platform:
// overlayfs on Linux when /proc/filesystems lists it (or cannot be
// read), the copy variant everywhere else. New itself does not mount;
// an overlay candidate switches to the copy variant if its first
// Mount() fails.
func New(base string) CEL {
	if c := newOverlayCEL(base); c != nil {
		return withCopyFallback(c, base)
	}
	return newCopyCEL(base)
}

// Rehydrate reattaches to a previously mounted root recorded in a
// capsule's persisted metadata. If mountPoint no longer exists, the
// caller should fall back to New and re-mount from base.
func Rehydrate(base, mountPoint string, overlay bool) CEL {
	if overlay {
		if c := rehydrateOverlayCEL(base, mountPoint); c != nil {
			return withCopyFallback(c, base)
		}
	}
	return rehydrateCopyCEL(base, mountPoint)
}

// withCopyFallback wraps an overlay candidate so that a Mount failure
// -- the kernel refusing an unprivileged overlay mount at runtime, not
// just the /proc/filesystems pre-check -- silently retries against the
// copy variant instead of failing the whole capsule/create call.
func withCopyFallback(overlay CEL, base string) CEL {
	return &fallbackCEL{overlay: overlay, base: base}
}

// fallbackCEL starts out backed by overlay and swaps permanently to a
// fresh copy CEL the first time Mount fails, matching the documented
// degraded-path contract: overlay Mount failures fall back to the
// copy variant silently instead of surfacing to the caller.
type fallbackCEL struct {
	base    string
	overlay CEL
	active  CEL
}

func (f *fallbackCEL) current() CEL {
	if f.active != nil {
		return f.active
	}
	return f.overlay
}

func (f *fallbackCEL) Mount(ctx context.Context) (string, error) {
	if f.active != nil {
		return f.active.Mount(ctx)
	}
	mp, err := f.overlay.Mount(ctx)
	if err == nil {
		return mp, nil
	}
	logger.Warn("cel: overlay mount failed, falling back to copy variant", "err", err)
	f.active = newCopyCEL(f.base)
	return f.active.Mount(ctx)
}

func (f *fallbackCEL) Execute(ctx context.Context, spec ExecSpec) (ExecResult, error) {
	if _, err := f.Mount(ctx); err != nil {
		return ExecResult{}, err
	}
	return f.current().Execute(ctx, spec)
}

func (f *fallbackCEL) Changes() ([]string, error) { return f.current().Changes() }
func (f *fallbackCEL) MountPoint() string         { return f.current().MountPoint() }
func (f *fallbackCEL) Cleanup() error             { return f.current().Cleanup() }

// defaultTimeout mirrors the original tool's 600000ms (10 minute) default.
const defaultTimeout = 10 * time.Minute

func timeoutDuration(ms int) time.Duration {
	if ms <= 0 {
		return defaultTimeout
	}
	return time.Duration(ms) * time.Millisecond
}
