package cel

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/ccw-mcp/internal/hashing"
)

// copyCEL is the portable fallback: base is copied wholesale into a
// scratch directory and every subsequent execution runs there directly,
// so writes simply land on disk with no mount involved.
type copyCEL struct {
	base      string
	sandboxed string
	tempRoot  string
	cache     *StatCache

	mu      sync.Mutex
	mounted bool
}

func newCopyCEL(base string) CEL {
	return &copyCEL{base: base, cache: NewStatCache(10000)}
}

// rehydrateCopyCEL reattaches to a sandbox dir that was persisted by a
// capsule's metadata.json, skipping the initial copy entirely.
func rehydrateCopyCEL(base, mountPoint string) CEL {
	return &copyCEL{
		base:      base,
		sandboxed: mountPoint,
		tempRoot:  filepath.Dir(mountPoint),
		cache:     NewStatCache(10000),
		mounted:   fileExists(mountPoint),
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func (c *copyCEL) Mount(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mounted {
		return c.sandboxed, nil
	}

	root, err := os.MkdirTemp("", "ccw-mcp-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return "", fmt.Errorf("cel: mkdir temp root: %w", err)
	}
	sandboxed := filepath.Join(root, "sandbox")
	if err := os.MkdirAll(sandboxed, 0755); err != nil {
		return "", fmt.Errorf("cel: mkdir sandbox: %w", err)
	}

	if fileExists(c.base) {
		if err := copyTree(c.base, sandboxed); err != nil {
			return "", fmt.Errorf("cel: copy base: %w", err)
		}
	}

	c.tempRoot = root
	c.sandboxed = sandboxed
	c.mounted = true
	return c.sandboxed, nil
}

func (c *copyCEL) MountPoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sandboxed
}

func (c *copyCEL) Execute(ctx context.Context, spec ExecSpec) (ExecResult, error) {
	root, err := c.Mount(ctx)
	if err != nil {
		return ExecResult{}, err
	}

	before := ScanFiles(root, c.cache)

	workDir, err := resolveCwd(root, spec.Cwd)
	if err != nil {
		return ExecResult{}, err
	}

	res, err := runWithTracer(ctx, workDir, spec)
	if err != nil {
		return ExecResult{}, err
	}

	// The after-scan must not refresh the cache: detectTouched reads the
	// pre-execution stats from it before re-stating each path.
	after := ScanFiles(root, nil)
	res.Touched = detectTouched(root, before, after, c.cache)
	return res, nil
}

// detectTouched diffs two file lists from before/after an execution.
// Written is exact (new paths, changed size/mtime, or a path present
// before and gone after, reported as "[deleted] <path>" per the
// original tool's windows.py convention); read is the original tool's
// documented approximation — everything that already existed going in,
// since the copy variant has no real read tracing.
func detectTouched(root string, before, after []string, cache *StatCache) Touched {
	beforeSet := make(map[string]FileInfo, len(before))
	for _, p := range before {
		if fi, ok := cache.Stat(p); ok {
			beforeSet[p] = fi
		}
	}
	afterSet := make(map[string]struct{}, len(after))

	var written []string
	for _, p := range after {
		afterSet[p] = struct{}{}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			continue
		}
		prior, existed := beforeSet[p]
		if !existed {
			written = append(written, rel)
			continue
		}
		cache.Invalidate(p)
		fi, ok := cache.Stat(p)
		if !ok {
			continue
		}
		if fi.Size != prior.Size || fi.Mtime != prior.Mtime {
			written = append(written, rel)
		}
	}

	for _, p := range before {
		if _, stillThere := afterSet[p]; stillThere {
			continue
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			continue
		}
		cache.Invalidate(p)
		written = append(written, "[deleted] "+rel)
	}

	read := make([]string, 0, len(before))
	for _, p := range before {
		if rel, err := filepath.Rel(root, p); err == nil {
			read = append(read, rel)
		}
	}
	if len(read) > 100 {
		read = read[:100]
	}

	return Touched{Read: read, Written: written}
}

func (c *copyCEL) Changes() ([]string, error) {
	root := c.MountPoint()
	if root == "" {
		return nil, nil
	}

	var changes []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		basePath := filepath.Join(c.base, rel)
		baseInfo, statErr := os.Stat(basePath)
		if statErr != nil {
			changes = append(changes, rel)
			return nil
		}
		curInfo, err := d.Info()
		if err != nil {
			return nil
		}
		if curInfo.Size() != baseInfo.Size() {
			changes = append(changes, rel)
			return nil
		}
		sameContent, err := filesEqual(path, basePath)
		if err == nil && !sameContent {
			changes = append(changes, rel)
		}
		return nil
	})
	return changes, err
}

func filesEqual(a, b string) (bool, error) {
	ha, err := hashing.File(a)
	if err != nil {
		return false, err
	}
	hb, err := hashing.File(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

func (c *copyCEL) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tempRoot == "" {
		return nil
	}
	err := os.RemoveAll(c.tempRoot)
	c.mounted = false
	return err
}

// copyTree recursively copies src into dst, preserving mode and
// following the original tool's shutil.copytree(symlinks=True): a
// symlink is recreated as a symlink, never dereferenced.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.Type()&fs.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode())
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFileMode(path, target, info.Mode())
	})
}

func copyFileMode(src, dst string, mode os.FileMode) error {
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
