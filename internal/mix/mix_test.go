package mix

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipback/clipback/internal/media"
)

func tone(frames int, value float32) []float32 {
	out := make([]float32, frames*Channels)
	for i := range out {
		out[i] = value
	}
	return out
}

func chunk(samples []float32, channels, rate int, ts time.Time) media.AudioChunk {
	return media.AudioChunk{Samples: samples, Channels: channels, SampleRate: rate, Timestamp: ts}
}

func approx(got, want float32) bool {
	return math.Abs(float64(got-want)) < 1e-6
}

func TestMixBothEmpty(t *testing.T) {
	m := New(0, zerolog.Nop())
	if got := m.Mix(nil, nil); got != nil {
		t.Fatalf("expected nil for two empty streams, got %d samples", len(got))
	}
}

func TestMixSingleStreamIsNormalizeOnly(t *testing.T) {
	m := New(48000, zerolog.Nop())
	ts := time.Now()
	b := []media.AudioChunk{chunk(tone(100, 0.5), 2, 48000, ts)}

	got := m.Mix(nil, b)
	if len(got) != 100*Channels {
		t.Fatalf("expected %d samples, got %d", 100*Channels, len(got))
	}
	// Single-stream path returns the normalized stream untouched; no
	// headroom attenuation is applied.
	for i, s := range got {
		if s != 0.5 {
			t.Fatalf("sample %d = %f, expected 0.5", i, s)
		}
	}

	// Symmetric for the other argument.
	got2 := m.Mix(b, nil)
	if len(got2) != len(got) {
		t.Fatalf("mix(A, empty) length %d != mix(empty, A) length %d", len(got2), len(got))
	}
}

func TestMixMonoDuplicatedToStereo(t *testing.T) {
	m := New(48000, zerolog.Nop())
	mono := []media.AudioChunk{chunk([]float32{0.1, 0.2, 0.3}, 1, 48000, time.Now())}

	got := m.Mix(mono, nil)
	want := []float32{0.1, 0.1, 0.2, 0.2, 0.3, 0.3}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %f, expected %f", i, got[i], want[i])
		}
	}
}

func TestMixResamplesToTargetRate(t *testing.T) {
	m := New(48000, zerolog.Nop())
	// 1s of audio at 24kHz must come out as 1s at 48kHz.
	a := []media.AudioChunk{chunk(tone(24000, 0.25), 2, 24000, time.Now())}

	got := m.Mix(a, nil)
	if len(got) != 48000*Channels {
		t.Fatalf("expected %d samples after resampling, got %d", 48000*Channels, len(got))
	}
}

func TestMixResampleHasNoPerChunkDrift(t *testing.T) {
	m := New(48000, zerolog.Nop())

	// 50 short 44.1kHz chunks. Rounding each chunk up independently
	// would yield 5450 output frames; resampling the stream as one
	// run must give the exact total.
	chunks := make([]media.AudioChunk, 50)
	ts := time.Now()
	for i := range chunks {
		chunks[i] = chunk(tone(100, 0.1), 2, 44100, ts.Add(time.Duration(i)*time.Millisecond))
	}

	got := m.Mix(chunks, nil)
	wantFrames := int(math.Round(5000 * 48000.0 / 44100.0))
	if len(got) != wantFrames*Channels {
		t.Fatalf("expected %d frames, got %d", wantFrames, len(got)/Channels)
	}
}

func TestMixCommutativeInContent(t *testing.T) {
	m := New(48000, zerolog.Nop())
	base := time.Now()
	a := []media.AudioChunk{chunk(tone(4800, 0.3), 2, 48000, base)}
	b := []media.AudioChunk{chunk(tone(4800, 0.4), 2, 48000, base.Add(300*time.Millisecond))}

	ab := m.Mix(a, b)
	ba := m.Mix(b, a)
	if len(ab) != len(ba) {
		t.Fatalf("lengths differ: %d vs %d", len(ab), len(ba))
	}
	for i := range ab {
		if ab[i] != ba[i] {
			t.Fatalf("sample %d differs: %f vs %f", i, ab[i], ba[i])
		}
	}
}

func TestMixTimestampAlignment(t *testing.T) {
	m := New(48000, zerolog.Nop())
	base := time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)

	// Mic starts at t, desktop 0.3s later; each carries 1s of tone.
	mic := []media.AudioChunk{chunk(tone(48000, 0.25), 2, 48000, base)}
	desk := []media.AudioChunk{chunk(tone(48000, 0.5), 2, 48000, base.Add(300*time.Millisecond))}

	got := m.Mix(mic, desk)

	wantFrames := 48000 + 14400 // 1.3s at 48kHz
	if len(got) != wantFrames*Channels {
		t.Fatalf("expected %d frames, got %d", wantFrames, len(got)/Channels)
	}

	// Before the desktop stream starts only the mic contributes.
	if !approx(got[0], 0.25*Headroom) {
		t.Fatalf("head sample = %f, expected mic-only %f", got[0], 0.25*Headroom)
	}
	// In the overlap both contribute.
	mid := 20000 * Channels
	if !approx(got[mid], 0.75*Headroom) {
		t.Fatalf("overlap sample = %f, expected %f", got[mid], 0.75*Headroom)
	}
	// After the mic stream ends only the desktop contributes.
	tail := (48000 + 7200) * Channels
	if !approx(got[tail], 0.5*Headroom) {
		t.Fatalf("tail sample = %f, expected desktop-only %f", got[tail], 0.5*Headroom)
	}
}

func TestMixSmallDeltaTreatedAsSimultaneous(t *testing.T) {
	m := New(48000, zerolog.Nop())
	base := time.Now()
	a := []media.AudioChunk{chunk(tone(4800, 0.2), 2, 48000, base)}
	b := []media.AudioChunk{chunk(tone(4800, 0.2), 2, 48000, base.Add(50*time.Millisecond))}

	got := m.Mix(a, b)
	if len(got) != 4800*Channels {
		t.Fatalf("expected no offset for 50ms delta, got %d frames", len(got)/Channels)
	}
}

func TestMixTruncatesAtCap(t *testing.T) {
	m := New(48000, zerolog.Nop())
	m.MaxOutput = 100 * time.Millisecond
	ts := time.Now()
	a := []media.AudioChunk{chunk(tone(48000, 0.1), 2, 48000, ts)}
	b := []media.AudioChunk{chunk(tone(48000, 0.1), 2, 48000, ts)}

	got := m.Mix(a, b)
	if len(got) != 4800*Channels {
		t.Fatalf("expected output capped at 4800 frames, got %d", len(got)/Channels)
	}
}

func TestSoftClipLinearRegion(t *testing.T) {
	for _, s := range []float32{-1, -0.5, 0, 0.25, 1} {
		got := softClip(s)
		want := s * Headroom
		if got != want {
			t.Fatalf("softClip(%f) = %f, expected %f", s, got, want)
		}
	}
}

func TestSoftClipBoundsPeaks(t *testing.T) {
	for _, s := range []float32{1.01, 1.5, 2, 10, 100, -1.5, -50} {
		got := float64(softClip(s))
		if math.Abs(got) > 1 {
			t.Fatalf("softClip(%f) = %f, exceeds unit range", s, got)
		}
		if math.Abs(got) < Headroom {
			t.Fatalf("softClip(%f) = %f, compressed below the linear ceiling", s, got)
		}
		if (s > 0) != (got > 0) {
			t.Fatalf("softClip(%f) = %f, sign flipped", s, got)
		}
	}
}

func TestSoftClipMonotone(t *testing.T) {
	prev := float64(-2)
	for s := float32(-10); s <= 10; s += 0.01 {
		got := float64(softClip(s))
		if got < prev {
			t.Fatalf("softClip not monotone at %f", s)
		}
		prev = got
	}
}
