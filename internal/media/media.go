package media

import "time"

// AudioChunk is one timestamped unit of captured audio: interleaved
// float32 samples in [-1, 1]. Immutable once produced; len(Samples)
// is always a multiple of Channels.
type AudioChunk struct {
	Samples    []float32
	Channels   int
	SampleRate int
	Timestamp  time.Time
}

// Duration returns the playback length of the chunk.
func (c AudioChunk) Duration() time.Duration {
	if c.Channels <= 0 || c.SampleRate <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(float64(frames) / float64(c.SampleRate) * float64(time.Second))
}

// Frames returns the number of sample frames (samples per channel).
func (c AudioChunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Frame is one compressed video frame. Data is never empty once the
// frame has been buffered; frames that fail compression are dropped
// before they reach a buffer.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string // "jpeg" or "png"
	Timestamp time.Time
	Interval  time.Duration // 1/fps, fixed per capture session
}

// Duration returns the display time of the frame (1/fps).
func (f Frame) Duration() time.Duration {
	return f.Interval
}
