package encode

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/icza/mjpeg"
	"github.com/rs/zerolog"

	"github.com/clipback/clipback/internal/compress"
)

// MJPEGEncoder is the degraded, always-available fallback: an
// in-process MJPEG AVI writer. Video only; the mixed audio is
// discarded and the caller surfaces a warning.
type MJPEGEncoder struct {
	log zerolog.Logger
}

// NewMJPEGEncoder creates the fallback strategy.
func NewMJPEGEncoder(log zerolog.Logger) *MJPEGEncoder {
	return &MJPEGEncoder{log: log}
}

func (e *MJPEGEncoder) Name() string { return "mjpeg" }

func (e *MJPEGEncoder) Encode(ctx context.Context, job Job, _ []float32, progress func(int)) error {
	first := job.Frames[0]
	out := fallbackPath(job.Options.OutputPath)
	if out != job.Options.OutputPath {
		e.log.Warn().Str("path", out).Msg("MJPEG fallback writes AVI, adjusting output extension")
	}

	writer, err := mjpeg.New(out, int32(first.Width), int32(first.Height), int32(job.Options.FPS))
	if err != nil {
		return fmt.Errorf("failed to create AVI writer: %w", err)
	}

	for i, frame := range job.Frames {
		if err := ctx.Err(); err != nil {
			writer.Close()
			return err
		}

		data := frame.Data
		if frame.Format != "jpeg" {
			if data, err = transcodeToJPEG(data); err != nil {
				// A single bad frame should not sink the whole clip.
				e.log.Warn().Err(err).Int("frame", i).Msg("skipping frame in fallback encode")
				continue
			}
		}
		if err := writer.AddFrame(data); err != nil {
			writer.Close()
			return fmt.Errorf("failed to add frame %d: %w", i, err)
		}
		progress(i * 100 / len(job.Frames))
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize AVI: %w", err)
	}
	return nil
}

// fallbackPath swaps the output extension to .avi; MJPEG payloads do
// not belong in an .mp4 container.
func fallbackPath(path string) string {
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, ".avi") {
		return path
	}
	return strings.TrimSuffix(path, ext) + ".avi"
}

func transcodeToJPEG(data []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: compress.DefaultQuality}); err != nil {
		return nil, fmt.Errorf("re-encode failed: %w", err)
	}
	return buf.Bytes(), nil
}
