// Package trace samples resource usage of a running child process for the
// duration of one CEL execute() call.
package trace

import "time"

// Usage mirrors the spec's ResourceUsage: non-negative, monotonic from
// attach to Finalize, zero for counters a platform can't produce.
type Usage struct {
	CPUMs     int64 `json:"cpu_ms"`
	RSSMaxKB  int64 `json:"rss_max_kb"`
	IOReadKB  int64 `json:"io_read_kb"`
	IOWriteKB int64 `json:"io_write_kb"`
}

// Tracer attaches to a child PID and accumulates resource counters across
// repeated Sample() calls until Finalize().
type Tracer interface {
	Attach(pid int) error
	Sample()
	Finalize() Usage
}

// New returns the platform tracer: procfs-backed on Linux, a zero-value
// stub everywhere else.
func New() Tracer { return newPlatformTracer() }

// SampleCadence returns the sleep interval for the next sample given how
// long the child has been running, per spec §4.1 step 4: 0.2s for the
// first 10s, 0.5s thereafter.
func SampleCadence(elapsed time.Duration) time.Duration {
	if elapsed < 10*time.Second {
		return 200 * time.Millisecond
	}
	return 500 * time.Millisecond
}

// Run drives a Tracer's sampling loop until stop is closed, using
// SampleCadence to pace ticks. The caller starts it once the child has
// been spawned and attached, closes stop after the child has exited, and
// waits on the returned done channel; closing stop takes one final
// sample before done is closed.
func Run(tr Tracer, start time.Time, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			d := SampleCadence(time.Since(start))
			timer := time.NewTimer(d)
			select {
			case <-stop:
				timer.Stop()
				tr.Sample()
				return
			case <-timer.C:
				tr.Sample()
			}
		}
	}()
	return done
}
