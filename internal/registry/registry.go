// Package registry implements the capsule registry: creation, lookup,
// execution, diffing, cloning, and rehydration of counterfactual
// execution environments.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ehrlich-b/ccw-mcp/internal/cel"
	"github.com/ehrlich-b/ccw-mcp/internal/diffutil"
	"github.com/ehrlich-b/ccw-mcp/internal/logger"
)

// Metadata is the on-disk and in-memory record for one capsule. JSON
// field names match what a previous run persisted, so Load can
// rehydrate a capsule created by an older process.
type Metadata struct {
	CapsuleID      string    `json:"capsule_id"`
	Workspace      string    `json:"workspace"`
	BaseDir        string    `json:"base_dir,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ClockOffsetSec int       `json:"clock_offset_sec"`
	EnvWhitelist   []string  `json:"env_whitelist,omitempty"`
	MountPoint     string    `json:"mount_point,omitempty"`
	Overlay        bool      `json:"overlay"`
}

type entry struct {
	meta Metadata
	cel  cel.CEL

	// opMu serializes every operation that touches this capsule's mount
	// (execute, changes, diff, witness, promote, deltamin,
	// commutativity) so they observe a consistent mount state instead
	// of racing with each other across concurrently dispatched RPCs.
	opMu sync.Mutex
}

// Registry holds every live capsule for one server process, persisting
// each one's metadata to <storageDir>/<capsule_id>/metadata.json so a
// restart can rehydrate rather than lose state.
type Registry struct {
	storageDir string

	mu       sync.Mutex
	capsules map[string]*entry
}

func New(storageDir string) (*Registry, error) {
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return nil, err
	}
	return &Registry{storageDir: storageDir, capsules: make(map[string]*entry)}, nil
}

// CreateParams mirrors the JSON-RPC capsule/create params.
type CreateParams struct {
	Workspace      string
	Base           string
	ClockOffsetSec int
	EnvWhitelist   []string
}

type CreateResult struct {
	CapsuleID string `json:"capsule_id"`
	Mount     string `json:"mount"`
	Clock     string `json:"clock"`
}

func (r *Registry) Create(ctx context.Context, p CreateParams) (CreateResult, error) {
	workspace, err := filepath.Abs(p.Workspace)
	if err != nil {
		return CreateResult{}, fmt.Errorf("registry: resolve workspace: %w", err)
	}
	base := p.Base
	if base == "" {
		base = workspace
	} else if base, err = filepath.Abs(base); err != nil {
		return CreateResult{}, fmt.Errorf("registry: resolve base: %w", err)
	}

	id := "cap_" + uuid.NewString()

	c := cel.New(base)
	mount, err := c.Mount(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("registry: mount: %w", err)
	}

	_, overlay := detectOverlay(c)
	meta := Metadata{
		CapsuleID:      id,
		Workspace:      workspace,
		BaseDir:        base,
		CreatedAt:      time.Now().UTC(),
		ClockOffsetSec: p.ClockOffsetSec,
		EnvWhitelist:   p.EnvWhitelist,
		MountPoint:     mount,
		Overlay:        overlay,
	}

	r.mu.Lock()
	r.capsules[id] = &entry{meta: meta, cel: c}
	r.mu.Unlock()

	if err := r.saveMetadata(meta); err != nil {
		return CreateResult{}, fmt.Errorf("registry: save metadata: %w", err)
	}

	logger.Info("registry: capsule created", "capsule_id", id, "mount", mount, "overlay", overlay)
	return CreateResult{CapsuleID: id, Mount: mount, Clock: meta.CreatedAt.Format(time.RFC3339)}, nil
}

// detectOverlay reports whether c is backed by the Linux overlay
// variant; it's approximated from the exported CEL interface since the
// concrete type is unexported in package cel. A cleaner signal isn't
// worth a larger CEL interface for what's purely a metadata hint.
func detectOverlay(c cel.CEL) (string, bool) {
	mp := c.MountPoint()
	return mp, filepath.Base(filepath.Dir(mp)) == "overlay" || filepath.Base(mp) == "merged"
}

func (r *Registry) Get(id string) (Metadata, cel.CEL, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.capsules[id]
	if !ok {
		return Metadata{}, nil, false
	}
	return e.meta, e.cel, true
}

// WithCapsule runs fn with exclusive access to the named capsule,
// serializing it against every other WithCapsule/Execute/Diff/Clone
// call on the same capsule so a concurrent execute/diff/witness/promote
// sequence can't interleave mid-operation. found is false if the
// capsule isn't registered, in which case fn is not called.
func (r *Registry) WithCapsule(id string, fn func(meta Metadata, c cel.CEL) error) (found bool, err error) {
	r.mu.Lock()
	e, ok := r.capsules[id]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return true, fn(e.meta, e.cel)
}

func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.capsules))
	for id := range r.capsules {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	e, ok := r.capsules[id]
	if ok {
		delete(r.capsules, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	_ = e.cel.Cleanup()
	_ = os.RemoveAll(filepath.Join(r.storageDir, id))
	logger.Info("registry: capsule deleted", "capsule_id", id)
	return true
}

// evict drops a capsule from the in-memory cache without touching disk
// or its CEL, for use when the watcher observes the capsule's storage
// directory disappearing out from under the process (an operator
// rm -rf), so a later lookup reports not-found instead of serving a
// mount that no longer has a backing record.
func (r *Registry) evict(id string) {
	r.mu.Lock()
	_, ok := r.capsules[id]
	if ok {
		delete(r.capsules, id)
	}
	r.mu.Unlock()
	if ok {
		logger.Warn("registry: evicted capsule after external deletion", "capsule_id", id)
	}
}

// WatchEvictions watches storageDir for externally deleted capsule
// subdirectories and evicts the matching in-memory entry, so a
// subsequent Get/Execute reports not-found rather than operating on a
// stale mount whose metadata.json is already gone. Runs until ctx is
// canceled; a watcher setup failure is logged and treated as
// best-effort, not fatal, since eviction is a consistency nicety, not a
// required capability.
func (r *Registry) WatchEvictions(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("registry: eviction watcher unavailable", "err", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(r.storageDir); err != nil {
		logger.Warn("registry: eviction watcher add failed", "dir", r.storageDir, "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Remove == 0 && event.Op&fsnotify.Rename == 0 {
				continue
			}
			id := filepath.Base(event.Name)
			r.evict(id)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("registry: eviction watcher error", "err", err)
		}
	}
}

// Execute runs cmd in the capsule's CEL. A missing capsule reports a
// normal result with exit_code -1 rather than a JSON-RPC fault, matching
// the original tool's capsule-not-found behavior.
func (r *Registry) Execute(ctx context.Context, id string, spec cel.ExecSpec) (cel.ExecResult, error) {
	var res cel.ExecResult
	found, err := r.WithCapsule(id, func(meta Metadata, c cel.CEL) error {
		env := map[string]string{}
		for k, v := range spec.Env {
			env[k] = v
		}
		for _, name := range meta.EnvWhitelist {
			if v, ok := os.LookupEnv(name); ok {
				env[name] = v
			}
		}
		if meta.ClockOffsetSec != 0 {
			env["CCW_CLOCK_OFFSET"] = fmt.Sprintf("%d", meta.ClockOffsetSec)
		}
		spec.Env = env

		var execErr error
		res, execErr = c.Execute(ctx, spec)
		return execErr
	})
	if !found {
		return cel.ExecResult{ExitCode: -1, Stderr: fmt.Sprintf("capsule %s not found", id)}, nil
	}
	return res, err
}

// DiffResult mirrors the capsule/diff RPC response shape.
type DiffResult struct {
	Summary DiffSummary `json:"summary"`
	Diff    string      `json:"diff"`
}

type DiffSummary struct {
	Added    int `json:"added"`
	Deleted  int `json:"deleted"`
	Modified int `json:"modified"`
}

func (r *Registry) Diff(id, format string) (DiffResult, error) {
	var res DiffResult
	_, err := r.WithCapsule(id, func(meta Metadata, c cel.CEL) error {
		changes, err := c.Changes()
		if err != nil {
			return err
		}

		var diffs []string
		var summary DiffSummary
		mount := c.MountPoint()

		for _, rel := range changes {
			basePath := filepath.Join(meta.BaseDir, rel)
			newPath := filepath.Join(mount, rel)

			if _, err := os.Stat(basePath); err != nil {
				summary.Added++
			} else {
				summary.Modified++
			}

			if format != "json" {
				d, err := diffutil.Unified(basePath, newPath)
				if err == nil {
					diffs = append(diffs, d)
				}
			}
		}

		combined := ""
		if format != "json" {
			for i, d := range diffs {
				if i > 0 {
					combined += "\n"
				}
				combined += d
			}
			if combined != "" {
				counts := diffutil.CountChanges(combined)
				summary.Added = counts.Added
				summary.Deleted = counts.Deleted
			}
		}

		res = DiffResult{Summary: summary, Diff: combined}
		return nil
	})
	return res, err
}

// Clone creates a new capsule whose base is the source capsule's current
// mount point, so the clone starts from exactly what the source has
// produced so far — a feature the distilled tool list omits but the
// registry's create/mount primitives already support directly.
func (r *Registry) Clone(ctx context.Context, sourceID string, envWhitelist []string) (CreateResult, error) {
	var params CreateParams
	found, err := r.WithCapsule(sourceID, func(meta Metadata, c cel.CEL) error {
		if len(envWhitelist) == 0 {
			envWhitelist = meta.EnvWhitelist
		}
		params = CreateParams{
			Workspace:      meta.Workspace,
			Base:           c.MountPoint(),
			ClockOffsetSec: meta.ClockOffsetSec,
			EnvWhitelist:   envWhitelist,
		}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	if !found {
		return CreateResult{}, fmt.Errorf("registry: capsule %s not found", sourceID)
	}
	return r.Create(ctx, params)
}

func (r *Registry) saveMetadata(m Metadata) error {
	dir := filepath.Join(r.storageDir, m.CapsuleID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0644)
}

// Rehydrate reloads persisted capsule metadata from storageDir and
// reattaches (or re-mounts, if the old mount is gone) a CEL for each
// one found. Called once at startup.
func (r *Registry) Rehydrate(ctx context.Context) error {
	dirEntries, err := os.ReadDir(r.storageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		metaPath := filepath.Join(r.storageDir, de.Name(), "metadata.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}

		var c cel.CEL
		if m.MountPoint != "" && dirExists(m.MountPoint) {
			c = cel.Rehydrate(m.BaseDir, m.MountPoint, m.Overlay)
			logger.Debug("registry: rehydrated capsule", "capsule_id", m.CapsuleID, "mount", m.MountPoint)
		} else {
			c = cel.New(m.BaseDir)
			mount, err := c.Mount(ctx)
			if err != nil {
				logger.Warn("registry: rehydrate re-mount failed", "capsule_id", m.CapsuleID, "err", err)
				continue
			}
			m.MountPoint = mount
			_ = r.saveMetadata(m)
			logger.Info("registry: re-mounted capsule on rehydrate", "capsule_id", m.CapsuleID, "mount", mount)
		}

		r.mu.Lock()
		r.capsules[m.CapsuleID] = &entry{meta: m, cel: c}
		r.mu.Unlock()
	}
	return nil
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
