package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipback/clipback/internal/buffer"
	"github.com/clipback/clipback/internal/media"
)

// fakeSource scripts the platform half of a backend.
type fakeSource struct {
	mu      sync.Mutex
	openErr error
	read    func() (bool, error)
	opens   int
	closes  int
}

func (f *fakeSource) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

func (f *fakeSource) Read() (bool, error) {
	return f.read()
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSource) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// eventRecorder collects notifier callbacks thread-safely.
type eventRecorder struct {
	mu      sync.Mutex
	started int
	stopped int
	errs    []error
}

func (r *eventRecorder) notifier() Notifier {
	return Notifier{
		Started: func(Kind) {
			r.mu.Lock()
			r.started++
			r.mu.Unlock()
		},
		Stopped: func(Kind) {
			r.mu.Lock()
			r.stopped++
			r.mu.Unlock()
		},
		Error: func(_ Kind, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *eventRecorder) lastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

func (r *eventRecorder) stoppedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func newTestBackend(src Source, rec *eventRecorder) *Backend[media.AudioChunk] {
	ring := buffer.NewRing[media.AudioChunk](time.Minute)
	return NewBackend(Microphone, src, ring, rec.notifier(), zerolog.Nop())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 500; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func producingRead() func() (bool, error) {
	return func() (bool, error) {
		time.Sleep(time.Millisecond)
		return true, nil
	}
}

func TestStartStopLifecycle(t *testing.T) {
	rec := &eventRecorder{}
	src := &fakeSource{read: producingRead()}
	b := newTestBackend(src, rec)

	if b.State() != StateIdle {
		t.Fatal("expected Idle before Start")
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "capturing state", func() bool { return b.State() == StateCapturing })
	waitFor(t, "chunks produced", func() bool { return b.Stats().Chunks.Load() > 0 })

	if !b.Active() {
		t.Fatal("expected Active while capturing")
	}

	if err := b.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitFor(t, "idle state", func() bool { return b.State() == StateIdle })
	waitFor(t, "stopped event", func() bool { return rec.stoppedCount() == 1 })

	if err := rec.lastErr(); err != nil {
		t.Fatalf("unexpected error event: %v", err)
	}
}

func TestStartWhileActiveIsNoop(t *testing.T) {
	rec := &eventRecorder{}
	src := &fakeSource{read: producingRead()}
	b := newTestBackend(src, rec)

	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "capturing state", func() bool { return b.State() == StateCapturing })

	if err := b.Start(); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	if got := src.openCount(); got != 1 {
		t.Fatalf("expected 1 Open, got %d", got)
	}

	b.Stop(time.Second)
}

func TestSetDeviceWhileActiveFails(t *testing.T) {
	rec := &eventRecorder{}
	src := &fakeSource{read: producingRead()}
	b := newTestBackend(src, rec)

	b.Start()
	waitFor(t, "capturing state", func() bool { return b.State() == StateCapturing })

	if err := b.SetDevice("other"); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}

	b.Stop(time.Second)
}

func TestOpenFailureReportsDeviceUnavailable(t *testing.T) {
	rec := &eventRecorder{}
	src := &fakeSource{read: producingRead(), openErr: errors.New("no such device")}
	b := newTestBackend(src, rec)

	b.Start()
	waitFor(t, "error event", func() bool { return rec.lastErr() != nil })

	if err := rec.lastErr(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	waitFor(t, "idle state", func() bool { return b.State() == StateIdle })
}

func TestRecoveryReopensSource(t *testing.T) {
	rec := &eventRecorder{}
	var mu sync.Mutex
	failures := 2
	src := &fakeSource{}
	src.read = func() (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return false, errors.New("output lost")
		}
		time.Sleep(time.Millisecond)
		return true, nil
	}
	b := newTestBackend(src, rec)

	b.Start()
	waitFor(t, "chunks after recovery", func() bool { return b.Stats().Chunks.Load() > 0 })

	if got := b.Stats().Recoveries.Load(); got != 2 {
		t.Fatalf("expected 2 recoveries, got %d", got)
	}
	if got := src.openCount(); got != 3 {
		t.Fatalf("expected 3 opens (initial + 2 reinits), got %d", got)
	}
	if err := rec.lastErr(); err != nil {
		t.Fatalf("recovered session should not report errors, got %v", err)
	}

	b.Stop(time.Second)
}

func TestExhaustedRecoveryIsSessionLost(t *testing.T) {
	rec := &eventRecorder{}
	produced := false
	src := &fakeSource{}
	src.read = func() (bool, error) {
		if !produced {
			produced = true
			return true, nil
		}
		return false, errors.New("surface changed")
	}
	b := newTestBackend(src, rec)

	b.Start()
	waitFor(t, "fatal error event", func() bool { return rec.lastErr() != nil })

	if err := rec.lastErr(); !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}
	waitFor(t, "idle state", func() bool { return b.State() == StateIdle })
}

// reopenFailSource opens once, then refuses every reopen. Reads on a
// source that is not open are the bug being guarded against: the real
// audio source would dereference a nil stream there.
type reopenFailSource struct {
	mu          sync.Mutex
	opens       int
	open        bool
	readsClosed int
}

func (s *reopenFailSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.opens > 1 {
		return errors.New("device gone")
	}
	s.open = true
	return nil
}

func (s *reopenFailSource) Read() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		s.readsClosed++
		return false, errors.New("read on closed source")
	}
	return false, errors.New("output lost")
}

func (s *reopenFailSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func TestFailedReinitNeverReadsClosedSource(t *testing.T) {
	rec := &eventRecorder{}
	src := &reopenFailSource{}
	ring := buffer.NewRing[media.AudioChunk](time.Minute)
	b := NewBackend(Microphone, src, ring, rec.notifier(), zerolog.Nop())

	b.Start()
	waitFor(t, "fatal error event", func() bool { return rec.lastErr() != nil })
	waitFor(t, "idle state", func() bool { return b.State() == StateIdle })

	src.mu.Lock()
	readsClosed := src.readsClosed
	opens := src.opens
	src.mu.Unlock()

	if readsClosed != 0 {
		t.Fatalf("runner read a source whose reopen failed %d times", readsClosed)
	}
	// Initial open plus one reopen attempt per remaining budget slot.
	if opens != 1+maxConsecutiveFailures {
		t.Fatalf("expected %d opens, got %d", 1+maxConsecutiveFailures, opens)
	}
	if err := rec.lastErr(); !errors.Is(err, ErrNeverStarted) {
		t.Fatalf("expected ErrNeverStarted for a session that produced nothing, got %v", err)
	}
}

func TestZeroChunksIsNeverStarted(t *testing.T) {
	rec := &eventRecorder{}
	src := &fakeSource{read: func() (bool, error) { return false, nil }}
	b := newTestBackend(src, rec)

	b.Start()
	waitFor(t, "never-started error", func() bool { return rec.lastErr() != nil })

	if err := rec.lastErr(); !errors.Is(err, ErrNeverStarted) {
		t.Fatalf("expected ErrNeverStarted, got %v", err)
	}
	waitFor(t, "idle state", func() bool { return b.State() == StateIdle })
}

func TestFailureWithZeroChunksIsNeverStarted(t *testing.T) {
	rec := &eventRecorder{}
	src := &fakeSource{read: func() (bool, error) { return false, errors.New("access denied") }}
	b := newTestBackend(src, rec)

	b.Start()
	waitFor(t, "never-started error", func() bool { return rec.lastErr() != nil })

	if err := rec.lastErr(); !errors.Is(err, ErrNeverStarted) {
		t.Fatalf("expected ErrNeverStarted for zero-chunk failure, got %v", err)
	}
}

func TestStopTimesOutOnStuckLoop(t *testing.T) {
	rec := &eventRecorder{}
	src := &fakeSource{read: func() (bool, error) {
		time.Sleep(300 * time.Millisecond)
		return true, nil
	}}
	b := newTestBackend(src, rec)

	b.Start()
	waitFor(t, "capturing state", func() bool { return b.State() == StateCapturing })

	if err := b.Stop(20 * time.Millisecond); err == nil {
		t.Fatal("expected timeout error from Stop")
	}

	// The loop still winds down once the blocking read returns.
	waitFor(t, "idle state", func() bool { return b.State() == StateIdle })
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	rec := &eventRecorder{}
	b := newTestBackend(&fakeSource{read: producingRead()}, rec)

	if err := b.Stop(time.Second); err != nil {
		t.Fatalf("Stop on idle backend should be a no-op, got %v", err)
	}
}
