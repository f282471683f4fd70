// Package compress converts raw captured bitmaps into the compact
// frame representation held in the ring buffer. Buffers hold up to
// several minutes of frames, so memory footprint wins over fidelity.
package compress

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/clipback/clipback/internal/media"
)

// DefaultQuality is the JPEG quality used for buffered frames.
const DefaultQuality = 75

// Compressor encodes raw frames to JPEG, falling back to lossless
// PNG when the JPEG encode fails. A frame that fails both encodes is
// dropped by the caller; capture continues.
type Compressor struct {
	Quality  int
	MaxWidth int // downscale frames wider than this; 0 disables
	log      zerolog.Logger
}

// New creates a compressor with the given JPEG quality (0 means
// DefaultQuality).
func New(quality int, log zerolog.Logger) *Compressor {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Compressor{Quality: quality, log: log}
}

// Compress encodes a raw bitmap into a Frame payload. The caller
// stamps the timestamp and interval before buffering.
func (c *Compressor) Compress(raw image.Image, ts time.Time, interval time.Duration) (media.Frame, error) {
	img := c.conform(raw)
	bounds := img.Bounds()

	var buf bytes.Buffer
	err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality})
	if err == nil {
		return media.Frame{
			Data:      buf.Bytes(),
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
			Format:    "jpeg",
			Timestamp: ts,
			Interval:  interval,
		}, nil
	}
	c.log.Warn().Err(err).Msg("JPEG encode failed, trying PNG fallback")

	buf.Reset()
	if err := png.Encode(&buf, img); err != nil {
		return media.Frame{}, fmt.Errorf("frame compression failed: %w", err)
	}
	return media.Frame{
		Data:      buf.Bytes(),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Format:    "png",
		Timestamp: ts,
		Interval:  interval,
	}, nil
}

// conform crops odd dimensions down to even (H.264 requires even
// width and height) and applies the optional downscale cap.
func (c *Compressor) conform(raw image.Image) image.Image {
	b := raw.Bounds()
	w, h := b.Dx(), b.Dy()

	if c.MaxWidth > 0 && w > c.MaxWidth {
		raw = imaging.Resize(raw, c.MaxWidth, 0, imaging.Linear)
		b = raw.Bounds()
		w, h = b.Dx(), b.Dy()
	}

	if w%2 != 0 || h%2 != 0 {
		raw = imaging.CropAnchor(raw, w&^1, h&^1, imaging.TopLeft)
	}
	return raw
}
