// Package encode turns a buffered frame sequence plus mixed audio
// into a muxed output file. It prefers an external ffmpeg process
// and falls back to a degraded in-process MJPEG writer when ffmpeg
// cannot be found.
package encode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clipback/clipback/internal/media"
	"github.com/clipback/clipback/internal/mix"
)

var (
	// ErrInvalidInput reports empty or corrupt frame input. The job
	// fails immediately and emits no progress.
	ErrInvalidInput = errors.New("invalid encode input")

	// ErrEncoderUnavailable means no external encoder binary could be
	// located. The orchestrator reacts by selecting the fallback.
	ErrEncoderUnavailable = errors.New("ffmpeg not found on PATH or in known locations")

	// ErrProcessFailed reports a non-zero exit from the external
	// encoder. The wrapped message carries the encoder log path.
	ErrProcessFailed = errors.New("external encoder failed")
)

// Options configures one encode job.
type Options struct {
	OutputPath   string
	FPS          int
	VideoBitrate int // bits/s
	AudioBitrate int // bits/s
	SampleRate   int
}

// DefaultOptions mirrors the capture defaults: 30 fps, 5 Mbps video,
// 192 kbps audio at 48 kHz.
func DefaultOptions(outputPath string) Options {
	return Options{
		OutputPath:   outputPath,
		FPS:          30,
		VideoBitrate: 5_000_000,
		AudioBitrate: 192_000,
		SampleRate:   48000,
	}
}

// Job is an immutable snapshot of everything one encode needs. The
// slices are copies of buffer snapshots, so ongoing capture cannot
// invalidate an in-flight job.
type Job struct {
	ID      string
	Frames  []media.Frame
	Mic     []media.AudioChunk
	Desktop []media.AudioChunk
	Options Options
}

// NewJob snapshots the inputs into a job with a fresh id.
func NewJob(frames []media.Frame, mic, desktop []media.AudioChunk, opts Options) Job {
	job := Job{
		ID:      uuid.NewString(),
		Frames:  make([]media.Frame, len(frames)),
		Mic:     make([]media.AudioChunk, len(mic)),
		Desktop: make([]media.AudioChunk, len(desktop)),
		Options: opts,
	}
	copy(job.Frames, frames)
	copy(job.Mic, mic)
	copy(job.Desktop, desktop)
	return job
}

// Events receives job notifications. Any callback may be nil.
// Progress runs on the encode goroutine.
type Events struct {
	Progress func(percent int)
	Complete func(success bool, message string)
	Error    func(err error)
}

func (e Events) progress(p int) {
	if e.Progress != nil {
		e.Progress(p)
	}
}

func (e Events) complete(ok bool, msg string) {
	if e.Complete != nil {
		e.Complete(ok, msg)
	}
}

func (e Events) error(err error) {
	if e.Error != nil {
		e.Error(err)
	}
}

// Encoder is one encode strategy. Both the external-process path and
// the in-process fallback implement it, so tests can force either.
type Encoder interface {
	Name() string
	// Encode writes the output file. mixed is interleaved stereo at
	// Options.SampleRate and may be empty (no audio track). progress
	// is called with 0-100 as frames are processed.
	Encode(ctx context.Context, job Job, mixed []float32, progress func(int)) error
}

// Orchestrator validates a job, mixes its audio and runs it through
// the selected encoder strategy.
type Orchestrator struct {
	// Force overrides strategy probing when non-nil.
	Force Encoder

	mixer *mix.Mixer
	log   zerolog.Logger
}

// NewOrchestrator creates an orchestrator with its own mixer.
func NewOrchestrator(sampleRate int, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		mixer: mix.New(sampleRate, log),
		log:   log,
	}
}

// Encode runs the job synchronously, emitting progress and a final
// completion or error event. Callers wanting an async job run it on
// their own goroutine; encoding never blocks capture.
func (o *Orchestrator) Encode(ctx context.Context, job Job, ev Events) error {
	if err := validate(job); err != nil {
		o.log.Error().Err(err).Str("job", job.ID).Msg("encode input rejected")
		ev.error(err)
		ev.complete(false, err.Error())
		return err
	}

	mixed := o.mixer.Mix(job.Mic, job.Desktop)

	enc, degraded := o.selectEncoder()
	o.log.Info().
		Str("job", job.ID).
		Str("encoder", enc.Name()).
		Int("frames", len(job.Frames)).
		Int("audio_samples", len(mixed)).
		Msg("encode started")

	if degraded {
		// The fallback cannot mux audio; make that visible up front.
		mixed = nil
	}

	last := -1
	monotone := func(p int) {
		if p > last {
			last = p
			ev.progress(p)
		}
	}

	if err := enc.Encode(ctx, job, mixed, monotone); err != nil {
		o.log.Error().Err(err).Str("job", job.ID).Msg("encode failed")
		ev.error(err)
		ev.complete(false, err.Error())
		return err
	}

	monotone(100)
	outPath := job.Options.OutputPath
	if degraded {
		outPath = fallbackPath(outPath)
	}
	msg := fmt.Sprintf("Clip saved to %s", outPath)
	if degraded {
		msg += " (audio omitted: ffmpeg not found)"
	}
	o.log.Info().Str("job", job.ID).Msg("encode complete")
	ev.complete(true, msg)
	return nil
}

// selectEncoder probes for ffmpeg once per job and reports whether
// the degraded fallback was chosen.
func (o *Orchestrator) selectEncoder() (Encoder, bool) {
	if o.Force != nil {
		_, degraded := o.Force.(*MJPEGEncoder)
		return o.Force, degraded
	}
	if path, err := FindFFmpeg(); err == nil {
		return &FFmpegEncoder{Path: path, log: o.log}, false
	}
	o.log.Warn().Msg("ffmpeg not found, falling back to video-only MJPEG output")
	return &MJPEGEncoder{log: o.log}, true
}

// validate rejects empty input and frames whose payload does not
// decode as an image.
func validate(job Job) error {
	if len(job.Frames) == 0 {
		return fmt.Errorf("%w: no frames", ErrInvalidInput)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(job.Frames[0].Data)); err != nil {
		return fmt.Errorf("%w: first frame does not decode: %v", ErrInvalidInput, err)
	}
	return nil
}
