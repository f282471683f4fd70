// Package app wires the capture backends and the encode orchestrator
// into the control surface consumed by UIs and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipback/clipback/internal/capture"
	"github.com/clipback/clipback/internal/config"
	"github.com/clipback/clipback/internal/encode"
	"github.com/clipback/clipback/internal/media"
)

// ErrSaveInProgress is returned by SaveClip while a previous job is
// still encoding.
var ErrSaveInProgress = errors.New("a clip save is already in progress")

// Events receives engine notifications. Any callback may be nil.
// Callbacks run on capture/encode goroutines and must not block.
type Events struct {
	CaptureStarted func(capture.Kind)
	CaptureStopped func(capture.Kind)
	CaptureError   func(capture.Kind, error)
	EncodeProgress func(percent int)
	EncodeComplete func(success bool, message string)
	EncodeError    func(err error)
}

// CaptureNotifier adapts the engine events to the capture package's
// notifier, for wiring backends at construction time.
func (e Events) CaptureNotifier() capture.Notifier {
	return capture.Notifier{
		Started: e.CaptureStarted,
		Stopped: e.CaptureStopped,
		Error:   e.CaptureError,
	}
}

// Config collects the engine's collaborators.
type Config struct {
	Mic     *capture.Backend[media.AudioChunk]
	Desktop *capture.Backend[media.AudioChunk]
	Screen  *capture.Backend[media.Frame]
	Encoder *encode.Orchestrator
	Config  *config.Config
	Logger  zerolog.Logger
	Events  Events
}

// Engine owns the three capture backends and the encode
// orchestrator. Saving a clip never blocks ongoing capture: encode
// jobs run on their own goroutine over snapshot copies.
type Engine struct {
	mic     *capture.Backend[media.AudioChunk]
	desktop *capture.Backend[media.AudioChunk]
	screen  *capture.Backend[media.Frame]
	encoder *encode.Orchestrator
	cfg     *config.Config
	log     zerolog.Logger
	events  Events

	mu     sync.Mutex
	saving bool
}

// New creates an engine from pre-wired collaborators.
func New(cfg Config) *Engine {
	return &Engine{
		mic:     cfg.Mic,
		desktop: cfg.Desktop,
		screen:  cfg.Screen,
		encoder: cfg.Encoder,
		cfg:     cfg.Config,
		log:     cfg.Logger,
		events:  cfg.Events,
	}
}

// Devices enumerates selectable endpoints for a source kind.
func (e *Engine) Devices(kind capture.Kind) ([]capture.Device, error) {
	return capture.Devices(kind)
}

// SelectDevice picks the device used on the next start. Fails with
// capture.ErrDeviceBusy while that backend is capturing.
func (e *Engine) SelectDevice(kind capture.Kind, id string) error {
	switch kind {
	case capture.Microphone:
		return e.mic.SetDevice(id)
	case capture.DesktopAudio:
		return e.desktop.SetDevice(id)
	case capture.Screen:
		return e.screen.SetDevice(id)
	default:
		return fmt.Errorf("unknown source kind %d", kind)
	}
}

// Start launches all three capture backends. Idempotent; a backend
// that is already capturing is left alone. Per-backend activation
// failures surface as capture error events, not as a Start error.
func (e *Engine) Start() error {
	e.log.Info().Msg("starting capture")
	if err := e.screen.Start(); err != nil {
		return err
	}
	if err := e.mic.Start(); err != nil {
		return err
	}
	return e.desktop.Start()
}

// Stop winds all backends down, waiting a bounded time for each.
// Idempotent.
func (e *Engine) Stop() {
	e.log.Info().Msg("stopping capture")

	// Request all stops first so the backends wind down in parallel,
	// then wait for each.
	e.screen.RequestStop()
	e.mic.RequestStop()
	e.desktop.RequestStop()

	for _, stop := range []func(time.Duration) error{e.screen.Stop, e.mic.Stop, e.desktop.Stop} {
		if err := stop(capture.DefaultStopTimeout); err != nil {
			e.log.Warn().Err(err).Msg("backend stop timed out")
		}
	}
}

// Active reports whether any backend is capturing.
func (e *Engine) Active() bool {
	return e.screen.Active() || e.mic.Active() || e.desktop.Active()
}

// SnapshotFrames returns the last d of buffered video.
func (e *Engine) SnapshotFrames(d time.Duration) []media.Frame {
	return e.screen.SnapshotLast(d)
}

// SnapshotAudio returns the last d of buffered audio for a kind, or
// nil for kinds that carry no audio.
func (e *Engine) SnapshotAudio(kind capture.Kind, d time.Duration) []media.AudioChunk {
	switch kind {
	case capture.Microphone:
		return e.mic.SnapshotLast(d)
	case capture.DesktopAudio:
		return e.desktop.SnapshotLast(d)
	default:
		return nil
	}
}

// SetBufferBudget re-applies a new retention budget to all buffers
// immediately.
func (e *Engine) SetBufferBudget(d time.Duration) {
	e.screen.Buffer().SetBudget(d)
	e.mic.Buffer().SetBudget(d)
	e.desktop.Buffer().SetBudget(d)
}

// Stats returns the per-session counters for a source kind.
func (e *Engine) Stats(kind capture.Kind) *capture.Stats {
	switch kind {
	case capture.DesktopAudio:
		return e.desktop.Stats()
	case capture.Screen:
		return e.screen.Stats()
	default:
		return e.mic.Stats()
	}
}

// SaveClip snapshots the last d from every buffer and encodes it
// asynchronously. An empty outputPath picks a timestamped name in
// the configured output directory. Returns the job id.
func (e *Engine) SaveClip(ctx context.Context, d time.Duration, outputPath string) (string, error) {
	e.mu.Lock()
	if e.saving {
		e.mu.Unlock()
		return "", ErrSaveInProgress
	}
	e.saving = true
	e.mu.Unlock()

	if outputPath == "" {
		var err error
		if outputPath, err = e.defaultClipPath(); err != nil {
			e.clearSaving()
			return "", err
		}
	}

	opts := encode.Options{
		OutputPath:   outputPath,
		FPS:          e.cfg.FPS,
		VideoBitrate: e.cfg.VideoBitrate,
		AudioBitrate: e.cfg.AudioBitrate,
		SampleRate:   e.cfg.SampleRate,
	}
	job := encode.NewJob(
		e.screen.SnapshotLast(d),
		e.mic.SnapshotLast(d),
		e.desktop.SnapshotLast(d),
		opts,
	)

	e.log.Info().
		Str("job", job.ID).
		Dur("duration", d).
		Str("output", outputPath).
		Int("frames", len(job.Frames)).
		Msg("saving clip")

	go func() {
		defer e.clearSaving()
		e.encoder.Encode(ctx, job, encode.Events{
			Progress: e.events.EncodeProgress,
			Complete: e.events.EncodeComplete,
			Error:    e.events.EncodeError,
		})
	}()
	return job.ID, nil
}

// Saving reports whether an encode job is in flight.
func (e *Engine) Saving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saving
}

func (e *Engine) clearSaving() {
	e.mu.Lock()
	e.saving = false
	e.mu.Unlock()
}

func (e *Engine) defaultClipPath() (string, error) {
	dir := e.cfg.OutputDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := fmt.Sprintf("clip_%s.mp4", time.Now().Format("20060102_150405"))
	return filepath.Join(dir, name), nil
}

// Shutdown stops capture. Pending encode jobs keep running; callers
// that care wait on the completion event.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()
	return nil
}
