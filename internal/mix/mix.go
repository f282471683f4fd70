// Package mix merges the microphone and desktop audio streams into a
// single interleaved stereo buffer at a fixed sample rate.
package mix

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipback/clipback/internal/media"
)

const (
	// DefaultSampleRate matches the capture-side rate.
	DefaultSampleRate = 48000

	// Channels is the fixed output channel count.
	Channels = 2

	// Headroom attenuates the mixed signal to reduce audible
	// distortion near full scale.
	Headroom = 0.95

	// alignThreshold: start-time deltas at or below this are treated
	// as simultaneous. Capture timestamps are recorded at
	// chunk-arrival time and carry scheduling jitter, so sub-100ms
	// deltas are noise, not real offsets.
	alignThreshold = 100 * time.Millisecond

	// DefaultMaxOutput bounds the mixed buffer (and therefore
	// memory) regardless of what the inputs claim.
	DefaultMaxOutput = time.Hour
)

// Mixer combines two chunk streams. Output is a pure function of the
// inputs and their metadata.
type Mixer struct {
	SampleRate int
	MaxOutput  time.Duration
	log        zerolog.Logger
}

// New creates a mixer targeting the given sample rate (0 means
// DefaultSampleRate).
func New(sampleRate int, log zerolog.Logger) *Mixer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Mixer{SampleRate: sampleRate, MaxOutput: DefaultMaxOutput, log: log}
}

// stream is a normalized (stereo, target-rate) sample sequence with
// its start time.
type stream struct {
	samples []float32
	start   time.Time
}

func (s stream) empty() bool { return len(s.samples) == 0 }

// Mix merges two streams with timestamp-based offset correction and
// soft clipping. Either stream may be empty; both empty yields nil
// (no audio track).
func (m *Mixer) Mix(a, b []media.AudioChunk) []float32 {
	sa := m.normalize(a)
	sb := m.normalize(b)

	switch {
	case sa.empty() && sb.empty():
		return nil
	case sa.empty():
		return sb.samples
	case sb.empty():
		return sa.samples
	}

	// Offset whichever stream starts later onto a common timeline.
	var offA, offB int // in frames
	delta := sb.start.Sub(sa.start)
	if delta > alignThreshold {
		offB = int(delta.Seconds() * float64(m.SampleRate))
	} else if delta < -alignThreshold {
		offA = int((-delta).Seconds() * float64(m.SampleRate))
	}

	n := max(offA*Channels+len(sa.samples), offB*Channels+len(sb.samples))
	if limit := m.maxSamples(); n > limit {
		m.log.Warn().
			Dur("max", m.MaxOutput).
			Msg("mixed audio exceeds cap, truncating")
		n = limit
	}

	out := make([]float32, n)
	for i := range out {
		s := sampleAt(sa.samples, i-offA*Channels) + sampleAt(sb.samples, i-offB*Channels)
		out[i] = softClip(s)
	}
	return out
}

func (m *Mixer) maxSamples() int {
	maxOut := m.MaxOutput
	if maxOut <= 0 {
		maxOut = DefaultMaxOutput
	}
	return int(maxOut.Seconds()*float64(m.SampleRate)) * Channels
}

// sampleAt treats out-of-range indices as silence.
func sampleAt(s []float32, i int) float32 {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

// softClip keeps the linear region intact (scaled by Headroom) and
// compresses peaks beyond full scale toward the unit range with a
// reciprocal curve instead of hard-clipping them.
func softClip(s float32) float32 {
	abs := math.Abs(float64(s))
	if abs <= 1 {
		return s * Headroom
	}
	clipped := 1 - (1-Headroom)/abs
	if s < 0 {
		clipped = -clipped
	}
	return float32(clipped)
}

// normalize concatenates a chunk sequence into one stereo stream at
// the target sample rate. The stream's start time is the first
// chunk's capture timestamp. Chunks are gathered into contiguous
// same-rate runs and each run is resampled once; resampling chunk by
// chunk would accumulate a frame of rounding drift per chunk on
// non-integer rate ratios.
func (m *Mixer) normalize(chunks []media.AudioChunk) stream {
	var (
		out     stream
		started bool
		pending []float32
		rate    int
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		run := pending
		if rate != m.SampleRate {
			run = resampleLinear(run, rate, m.SampleRate)
		}
		out.samples = append(out.samples, run...)
		pending = nil
	}

	for _, c := range chunks {
		if len(c.Samples) == 0 || c.Channels <= 0 || c.SampleRate <= 0 {
			continue
		}
		if !started {
			out.start = c.Timestamp
			started = true
		}
		if c.SampleRate != rate {
			flush()
			rate = c.SampleRate
		}
		pending = append(pending, toStereo(c.Samples, c.Channels)...)
	}
	flush()
	return out
}

// toStereo duplicates mono into both channels and averages >2
// channel layouts down before duplication.
func toStereo(samples []float32, channels int) []float32 {
	switch {
	case channels == Channels:
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	case channels == 1:
		out := make([]float32, len(samples)*2)
		for i, s := range samples {
			out[i*2] = s
			out[i*2+1] = s
		}
		return out
	default:
		frames := len(samples) / channels
		out := make([]float32, frames*2)
		for f := 0; f < frames; f++ {
			var sum float32
			for ch := 0; ch < channels; ch++ {
				sum += samples[f*channels+ch]
			}
			avg := sum / float32(channels)
			out[f*2] = avg
			out[f*2+1] = avg
		}
		return out
	}
}

// resampleLinear converts interleaved stereo samples between rates
// using linear interpolation between the two nearest source frames.
// O(n) and good enough for screen-capture audio; higher-order
// interpolation is not worth the cost here.
func resampleLinear(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 {
		return samples
	}
	srcFrames := len(samples) / Channels
	dstFrames := int(math.Round(float64(srcFrames) * float64(to) / float64(from)))
	if dstFrames <= 0 {
		return nil
	}

	out := make([]float32, dstFrames*Channels)
	ratio := float64(from) / float64(to)
	for f := 0; f < dstFrames; f++ {
		pos := float64(f) * ratio
		i0 := int(pos)
		if i0 >= srcFrames-1 {
			i0 = srcFrames - 1
		}
		i1 := i0 + 1
		if i1 >= srcFrames {
			i1 = srcFrames - 1
		}
		frac := float32(pos - float64(i0))
		for ch := 0; ch < Channels; ch++ {
			s0 := samples[i0*Channels+ch]
			s1 := samples[i1*Channels+ch]
			out[f*Channels+ch] = s0 + (s1-s0)*frac
		}
	}
	return out
}
