package capture

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vova616/screenshot"

	"github.com/clipback/clipback/internal/buffer"
	"github.com/clipback/clipback/internal/compress"
	"github.com/clipback/clipback/internal/media"
)

// DefaultFPS is the capture frame rate.
const DefaultFPS = 30

// screenSource grabs full-screen frames at a fixed rate, compresses
// them and appends them to the frame ring buffer. Frames that fail
// compression are dropped and counted; the session continues.
type screenSource struct {
	fps      int
	interval time.Duration
	comp     *compress.Compressor
	ring     *buffer.Ring[media.Frame]
	stats    *Stats
	log      zerolog.Logger

	nextGrab time.Time
}

// NewScreen creates a screen-video backend capturing at fps into a
// ring buffer holding up to bufferBudget of frames.
func NewScreen(fps int, bufferBudget time.Duration, comp *compress.Compressor, notify Notifier, log zerolog.Logger) *Backend[media.Frame] {
	if fps <= 0 {
		fps = DefaultFPS
	}
	ring := buffer.NewRing[media.Frame](bufferBudget)
	src := &screenSource{
		fps:      fps,
		interval: time.Second / time.Duration(fps),
		comp:     comp,
		ring:     ring,
		log:      log.With().Stringer("source", Screen).Logger(),
	}
	b := NewBackend(Screen, src, ring, notify, log)
	src.stats = b.Stats()
	return b
}

func (s *screenSource) Open() error {
	// A failing probe here means no capturable display (headless
	// session, missing permission), which should surface before the
	// loop starts.
	if _, err := screenshot.ScreenRect(); err != nil {
		return fmt.Errorf("no capturable display: %w", err)
	}
	s.nextGrab = time.Now()
	return nil
}

func (s *screenSource) Read() (bool, error) {
	// Pace to the target frame rate. The sleep is at most one frame
	// interval, so stop requests are still observed promptly.
	if wait := time.Until(s.nextGrab); wait > 0 {
		time.Sleep(wait)
	}
	ts := time.Now()
	s.nextGrab = s.nextGrab.Add(s.interval)
	if s.nextGrab.Before(ts) {
		// Capture fell behind; don't try to catch up with a burst.
		s.nextGrab = ts.Add(s.interval)
	}

	img, err := screenshot.CaptureScreen()
	if err != nil {
		return false, fmt.Errorf("screen grab failed: %w", err)
	}

	frame, err := s.comp.Compress(img, ts, s.interval)
	if err != nil {
		s.stats.Dropped.Add(1)
		s.log.Warn().Err(err).Msg("dropping frame")
		return false, nil
	}

	s.ring.Append(frame)
	return true, nil
}

func (s *screenSource) Close() error {
	return nil
}

// ScreenDevices lists the capturable displays. The screenshot
// backend always grabs the primary display.
func ScreenDevices() ([]Device, error) {
	rect, err := screenshot.ScreenRect()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	name := fmt.Sprintf("Primary Display (%dx%d)", rect.Dx(), rect.Dy())
	return []Device{{ID: "primary", Name: name, Default: true}}, nil
}

// Devices enumerates selectable endpoints for any source kind.
func Devices(kind Kind) ([]Device, error) {
	if kind == Screen {
		return ScreenDevices()
	}
	return AudioDevices(kind)
}
