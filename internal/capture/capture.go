// Package capture produces timestamped audio and video chunks into
// time-bounded ring buffers, one backend per capture source.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipback/clipback/internal/buffer"
)

// Kind identifies a capture source.
type Kind int

const (
	Microphone Kind = iota
	DesktopAudio
	Screen
)

func (k Kind) String() string {
	switch k {
	case Microphone:
		return "microphone"
	case DesktopAudio:
		return "desktop-audio"
	case Screen:
		return "screen"
	default:
		return "unknown"
	}
}

// Device is one selectable capture endpoint.
type Device struct {
	ID      string
	Name    string
	Default bool
}

// State is the capture session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateCapturing
	StateStopping
)

// Source is the platform half of a backend. The session runner
// drives it: Open acquires native resources, Read blocks or polls a
// bounded interval for the next chunk and appends it to the ring
// buffer, Close releases everything. Recovery closes and reopens the
// source.
type Source interface {
	Open() error
	// Read reports whether a chunk was produced. A transient no-data
	// condition is (false, nil); a platform session loss is an error.
	Read() (bool, error)
	Close() error
}

// DeviceSelector is implemented by sources with selectable devices.
type DeviceSelector interface {
	SetDevice(id string) error
	Device() string
}

// Notifier receives capture lifecycle events. Any callback may be
// nil. Callbacks run on the capture goroutine and must not block.
type Notifier struct {
	Started func(Kind)
	Stopped func(Kind)
	Error   func(Kind, error)
}

func (n Notifier) started(k Kind) {
	if n.Started != nil {
		n.Started(k)
	}
}

func (n Notifier) stopped(k Kind) {
	if n.Stopped != nil {
		n.Stopped(k)
	}
}

func (n Notifier) error(k Kind, err error) {
	if n.Error != nil {
		n.Error(k, err)
	}
}

// Stats are per-session counters, reset on every Start.
type Stats struct {
	Chunks     atomic.Uint64 // chunks/frames appended to the buffer
	Dropped    atomic.Uint64 // frames dropped by compression failures
	Recoveries atomic.Uint64 // successful mid-session reinits
}

const (
	// maxConsecutiveFailures bounds the teardown/reinit recovery
	// attempts before the session is declared lost.
	maxConsecutiveFailures = 5

	// recoveryDelay is the pause between teardown and reinit.
	recoveryDelay = 500 * time.Millisecond

	// neverStartedReads: consecutive empty reads tolerated before a
	// session that has produced nothing is declared dead.
	neverStartedReads = 500

	// DefaultStopTimeout bounds how long Stop waits for the capture
	// goroutine to exit.
	DefaultStopTimeout = 10 * time.Second
)

// Backend runs one capture source against its own ring buffer on a
// dedicated goroutine. The zero value is not usable; construct with
// NewBackend or one of the source-specific constructors.
type Backend[T buffer.Timed] struct {
	kind   Kind
	source Source
	ring   *buffer.Ring[T]
	notify Notifier
	log    zerolog.Logger

	mu            sync.Mutex // guards Start/Stop/SetDevice transitions
	state         atomic.Int32
	stopRequested atomic.Bool
	done          chan struct{}

	stats Stats
}

// NewBackend wires a source to a ring buffer. Used directly by tests;
// production code uses NewMicrophone/NewDesktopAudio/NewScreen.
func NewBackend[T buffer.Timed](kind Kind, source Source, ring *buffer.Ring[T], notify Notifier, log zerolog.Logger) *Backend[T] {
	return &Backend[T]{
		kind:   kind,
		source: source,
		ring:   ring,
		notify: notify,
		log:    log.With().Stringer("source", kind).Logger(),
	}
}

// Kind returns the backend's source kind.
func (b *Backend[T]) Kind() Kind { return b.kind }

// State returns the current lifecycle state.
func (b *Backend[T]) State() State { return State(b.state.Load()) }

// Active reports whether a capture session is running.
func (b *Backend[T]) Active() bool {
	s := b.State()
	return s == StateInitializing || s == StateCapturing
}

// Buffer exposes the backend's ring buffer for snapshots.
func (b *Backend[T]) Buffer() *buffer.Ring[T] { return b.ring }

// SnapshotLast returns the most recent d worth of buffered chunks.
func (b *Backend[T]) SnapshotLast(d time.Duration) []T {
	return b.ring.SnapshotLast(d)
}

// Stats returns the per-session counters.
func (b *Backend[T]) Stats() *Stats { return &b.stats }

// SetDevice selects the device used on the next Start. Fails with
// ErrDeviceBusy while capture is active, and is a no-op for sources
// without selectable devices.
func (b *Backend[T]) SetDevice(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Active() {
		return ErrDeviceBusy
	}
	if ds, ok := b.source.(DeviceSelector); ok {
		return ds.SetDevice(id)
	}
	return nil
}

// Start launches the capture goroutine. Calling Start while a
// session is active is a no-op.
func (b *Backend[T]) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() != StateIdle {
		return nil
	}

	b.state.Store(int32(StateInitializing))
	b.stopRequested.Store(false)
	b.stats.Chunks.Store(0)
	b.stats.Dropped.Store(0)
	b.stats.Recoveries.Store(0)
	b.done = make(chan struct{})

	go b.run(b.done)
	return nil
}

// RequestStop sets the cooperative stop flag without waiting.
func (b *Backend[T]) RequestStop() {
	b.stopRequested.Store(true)
}

// Stop requests a stop and waits up to timeout for the capture
// goroutine to reach Idle. On timeout the goroutine is abandoned and
// native resources may be leaked; this is a degraded path and is
// logged as such.
func (b *Backend[T]) Stop(timeout time.Duration) error {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()

	if done == nil || b.State() == StateIdle {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	b.stopRequested.Store(true)
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		b.log.Warn().
			Dur("timeout", timeout).
			Msg("capture loop did not stop in time, abandoning it (native resources may leak)")
		return fmt.Errorf("%s capture did not stop within %v", b.kind, timeout)
	}
}

func (b *Backend[T]) run(done chan struct{}) {
	defer close(done)
	defer b.state.Store(int32(StateIdle))

	if err := b.source.Open(); err != nil {
		err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		b.log.Error().Err(err).Msg("capture failed to initialize")
		b.notify.error(b.kind, err)
		return
	}

	b.state.Store(int32(StateCapturing))
	b.log.Info().Msg("capture started")
	b.notify.started(b.kind)

	var (
		consecutiveFailures int
		emptyReads          int
		fatal               error
	)

	for !b.stopRequested.Load() {
		produced, err := b.source.Read()
		if err != nil {
			// Recovery closes the source, so a failed reopen must
			// retry here rather than fall back into Read on a source
			// that is no longer open. Every failed attempt counts
			// against the same budget as the read error.
			for {
				consecutiveFailures++
				if consecutiveFailures > maxConsecutiveFailures {
					fatal = err
					break
				}
				b.log.Warn().Err(err).
					Int("attempt", consecutiveFailures).
					Msg("capture session lost, reinitializing")
				rerr := b.recover()
				if rerr == nil {
					b.stats.Recoveries.Add(1)
					break
				}
				if b.stopRequested.Load() {
					break
				}
				err = rerr
			}
			if fatal != nil {
				break
			}
			continue
		}

		if produced {
			consecutiveFailures = 0
			emptyReads = 0
			b.stats.Chunks.Add(1)
			continue
		}

		// No data yet. Only suspicious if the session has never
		// produced anything at all.
		if b.stats.Chunks.Load() == 0 {
			emptyReads++
			if emptyReads > neverStartedReads {
				fatal = ErrNeverStarted
				break
			}
		}
	}

	b.state.Store(int32(StateStopping))
	if err := b.source.Close(); err != nil {
		b.log.Warn().Err(err).Msg("capture cleanup failed")
	}

	if fatal != nil {
		switch {
		case errors.Is(fatal, ErrNeverStarted):
			// Already classified.
		case b.stats.Chunks.Load() == 0:
			fatal = fmt.Errorf("%w (last error: %v)", ErrNeverStarted, fatal)
		default:
			fatal = fmt.Errorf("%w: %v", ErrSessionLost, fatal)
		}
		b.log.Error().Err(fatal).Msg("capture session failed")
		b.notify.error(b.kind, fatal)
	}

	b.log.Info().
		Uint64("chunks", b.stats.Chunks.Load()).
		Uint64("dropped", b.stats.Dropped.Load()).
		Uint64("recoveries", b.stats.Recoveries.Load()).
		Msg("capture stopped")
	b.notify.stopped(b.kind)
}

// recover tears the source down and reinitializes it after a short
// delay.
func (b *Backend[T]) recover() error {
	if err := b.source.Close(); err != nil {
		b.log.Debug().Err(err).Msg("teardown during recovery failed")
	}
	time.Sleep(recoveryDelay)
	return b.source.Open()
}
