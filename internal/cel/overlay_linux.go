//go:build linux

package cel

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// overlayCEL mounts a real overlayfs: base is the read-only lower
// layer, writes land in upperDir, and mountPoint is the merged view
// commands actually run against. Grounded on the teacher sandbox's
// setupOverlayHome, generalized from a HOME overlay to an arbitrary
// workspace overlay.
type overlayCEL struct {
	base       string
	tempRoot   string
	upperDir   string
	workDir    string
	mountPoint string
	cache      *StatCache

	mu      sync.Mutex
	mounted bool
}

func newOverlayCEL(base string) CEL {
	if !overlaySupported() {
		return nil
	}
	return &overlayCEL{base: base, cache: NewStatCache(10000)}
}

func rehydrateOverlayCEL(base, mountPoint string) CEL {
	overlayDir := filepath.Dir(mountPoint)
	return &overlayCEL{
		base:       base,
		tempRoot:   filepath.Dir(overlayDir),
		upperDir:   filepath.Join(overlayDir, "upper"),
		workDir:    filepath.Join(overlayDir, "work"),
		mountPoint: mountPoint,
		cache:      NewStatCache(10000),
		mounted:    fileExists(mountPoint),
	}
}

// overlaySupported does a best-effort check that overlayfs is
// available; actual mount failures still fall back at Mount() time.
func overlaySupported() bool {
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return true // can't tell, let Mount() decide
	}
	return strings.Contains(string(data), "overlay")
}

func (c *overlayCEL) Mount(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mounted {
		return c.mountPoint, nil
	}

	root, err := os.MkdirTemp("", "ccw-mcp-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return "", fmt.Errorf("cel: mkdir temp root: %w", err)
	}
	overlayDir := filepath.Join(root, "overlay")
	upper := filepath.Join(overlayDir, "upper")
	work := filepath.Join(overlayDir, "work")
	merged := filepath.Join(overlayDir, "merged")
	for _, d := range []string{upper, work, merged} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", fmt.Errorf("cel: mkdir %s: %w", d, err)
		}
	}
	if err := os.MkdirAll(c.base, 0755); err != nil {
		return "", fmt.Errorf("cel: mkdir base: %w", err)
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", c.base, upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		os.RemoveAll(root)
		return "", fmt.Errorf("overlay mount: %w", err)
	}

	c.tempRoot = root
	c.upperDir = upper
	c.workDir = work
	c.mountPoint = merged
	c.mounted = true
	return c.mountPoint, nil
}

func (c *overlayCEL) MountPoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mountPoint
}

func (c *overlayCEL) Execute(ctx context.Context, spec ExecSpec) (ExecResult, error) {
	root, err := c.Mount(ctx)
	if err != nil {
		return ExecResult{}, err
	}

	workDir, err := resolveCwd(root, spec.Cwd)
	if err != nil {
		return ExecResult{}, err
	}

	res, err := runWithTracer(ctx, workDir, spec)
	if err != nil {
		return ExecResult{}, err
	}

	res.Touched = c.collectTouched()
	return res, nil
}

// collectTouched reports every regular file under upperDir as written.
// Overlayfs gives us exact copy-up semantics for writes for free; reads
// are left empty here since the overlay variant has no read-tracing
// mechanism, same limitation the original tool documents.
func (c *overlayCEL) collectTouched() Touched {
	var written []string
	_ = filepath.WalkDir(c.upperDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(c.upperDir, path)
		if err == nil {
			written = append(written, rel)
		}
		return nil
	})
	return Touched{Written: written}
}

func (c *overlayCEL) Changes() ([]string, error) {
	var changes []string
	err := filepath.WalkDir(c.upperDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(c.upperDir, path)
		if err == nil {
			changes = append(changes, rel)
		}
		return nil
	})
	return changes, err
}

func (c *overlayCEL) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mounted {
		_ = unix.Unmount(c.mountPoint, 0)
		c.mounted = false
	}
	if c.tempRoot == "" {
		return nil
	}
	return os.RemoveAll(c.tempRoot)
}
