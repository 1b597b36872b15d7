package trace

import (
	"os"
	"testing"
	"time"
)

func TestSampleCadence(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    time.Duration
	}{
		{0, 200 * time.Millisecond},
		{9 * time.Second, 200 * time.Millisecond},
		{10 * time.Second, 500 * time.Millisecond},
		{30 * time.Second, 500 * time.Millisecond},
	}
	for _, c := range cases {
		if got := SampleCadence(c.elapsed); got != c.want {
			t.Errorf("SampleCadence(%v) = %v, want %v", c.elapsed, got, c.want)
		}
	}
}

func TestNewAttachSelf(t *testing.T) {
	tr := New()
	if err := tr.Attach(os.Getpid()); err != nil {
		t.Fatalf("Attach(self): %v", err)
	}
	tr.Sample()
	u := tr.Finalize()
	if u.CPUMs < 0 || u.RSSMaxKB < 0 || u.IOReadKB < 0 || u.IOWriteKB < 0 {
		t.Errorf("negative usage counter: %+v", u)
	}
}

func TestRunStopsOnClose(t *testing.T) {
	tr := New()
	_ = tr.Attach(os.Getpid())
	stop := make(chan struct{})
	done := Run(tr, time.Now(), stop)
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after stop channel closed")
	}
}
