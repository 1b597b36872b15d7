//go:build !linux

package trace

// stubTracer backs platforms without /proc; all counters stay zero per
// spec: "missing counters on platforms that lack them yield zero".
type stubTracer struct{}

func newPlatformTracer() Tracer { return &stubTracer{} }

func (*stubTracer) Attach(pid int) error { return nil }
func (*stubTracer) Sample()              {}
func (*stubTracer) Finalize() Usage      { return Usage{} }
