//go:build linux

package trace

import (
	"sync"

	"github.com/prometheus/procfs"
)

// procTracer samples /proc/<pid>/stat and /proc/<pid>/io via procfs.
// Counters only move forward: Finalize reports the high-water mark for
// RSS and the latest cumulative totals for CPU and IO, mirroring the
// original ProcessTracer's "max RSS, cumulative CPU/IO" semantics.
type procTracer struct {
	mu    sync.Mutex
	fs    procfs.FS
	proc  procfs.Proc
	valid bool
	usage Usage
}

func newPlatformTracer() Tracer {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return &procTracer{}
	}
	return &procTracer{fs: fs}
}

func (t *procTracer) Attach(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.fs.Proc(pid)
	if err != nil {
		return err
	}
	t.proc = p
	t.valid = true
	return nil
}

func (t *procTracer) Sample() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid {
		return
	}

	if stat, err := t.proc.Stat(); err == nil {
		cpuMs := int64((stat.UTime + stat.STime) * 10) // clock ticks are 1/100s on Linux
		if cpuMs > t.usage.CPUMs {
			t.usage.CPUMs = cpuMs
		}
		rssKB := int64(stat.ResidentMemory()) / 1024
		if rssKB > t.usage.RSSMaxKB {
			t.usage.RSSMaxKB = rssKB
		}
	}

	if io, err := t.proc.IO(); err == nil {
		if kb := int64(io.RChar) / 1024; kb > t.usage.IOReadKB {
			t.usage.IOReadKB = kb
		}
		if kb := int64(io.WChar) / 1024; kb > t.usage.IOWriteKB {
			t.usage.IOWriteKB = kb
		}
	}
}

func (t *procTracer) Finalize() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}
