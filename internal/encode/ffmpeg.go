package encode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// FFmpegEncoder invokes an external ffmpeg process: frames are
// materialized to a per-job temp directory with a concat-demuxer
// manifest, audio goes in as an uncompressed WAV, and ffmpeg muxes
// H.264 + AAC into the output container.
type FFmpegEncoder struct {
	Path string
	log  zerolog.Logger
}

// NewFFmpegEncoder creates the external-process strategy.
func NewFFmpegEncoder(path string, log zerolog.Logger) *FFmpegEncoder {
	return &FFmpegEncoder{Path: path, log: log}
}

func (e *FFmpegEncoder) Name() string { return "ffmpeg" }

func (e *FFmpegEncoder) Encode(ctx context.Context, job Job, mixed []float32, progress func(int)) error {
	tmpDir, err := os.MkdirTemp("", "clipback-"+job.ID)
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	manifest, err := e.writeFrames(tmpDir, job, progress)
	if err != nil {
		os.RemoveAll(tmpDir)
		return err
	}

	audioPath := ""
	if len(mixed) > 0 {
		audioPath = filepath.Join(tmpDir, "audio.wav")
		if err := writeWAV(audioPath, mixed, job.Options.SampleRate, 2); err != nil {
			os.RemoveAll(tmpDir)
			return fmt.Errorf("failed to write temp audio: %w", err)
		}
	}

	logPath := filepath.Join(tmpDir, "ffmpeg.log")
	if err := e.run(ctx, job.Options, manifest, audioPath, logPath); err != nil {
		// Keep the work directory so the reported log path stays
		// readable for diagnosis.
		return err
	}

	if info, err := os.Stat(job.Options.OutputPath); err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: output file missing or empty (log: %s)", ErrProcessFailed, logPath)
	}

	os.RemoveAll(tmpDir)
	return nil
}

// writeFrames materializes the frame payloads and the concat
// manifest, emitting per-frame progress.
func (e *FFmpegEncoder) writeFrames(dir string, job Job, progress func(int)) (string, error) {
	manifestPath := filepath.Join(dir, "frames.txt")
	manifest, err := os.Create(manifestPath)
	if err != nil {
		return "", fmt.Errorf("failed to create frame manifest: %w", err)
	}
	defer manifest.Close()

	frameDur := 1.0 / float64(job.Options.FPS)
	lastName := ""
	for i, frame := range job.Frames {
		ext := "jpg"
		if frame.Format == "png" {
			ext = "png"
		}
		name := fmt.Sprintf("frame_%06d.%s", i, ext)
		if err := os.WriteFile(filepath.Join(dir, name), frame.Data, 0644); err != nil {
			return "", fmt.Errorf("failed to write frame %d: %w", i, err)
		}
		fmt.Fprintf(manifest, "file '%s'\nduration %.6f\n", name, frameDur)
		lastName = name
		progress(i * 100 / len(job.Frames))
	}
	// The concat demuxer ignores the final duration unless the last
	// file is listed again.
	fmt.Fprintf(manifest, "file '%s'\n", lastName)

	if err := manifest.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize frame manifest: %w", err)
	}
	return manifestPath, nil
}

// buildArgs assembles the ffmpeg invocation. Video rate control is
// CRF; the configured video bitrate caps the VBV buffer rather than
// switching to bitrate mode, which would override the CRF target.
func buildArgs(opts Options, manifest, audioPath string) []string {
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
	}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-maxrate", strconv.Itoa(opts.VideoBitrate),
		"-bufsize", strconv.Itoa(2*opts.VideoBitrate),
		"-r", strconv.Itoa(opts.FPS),
	)
	if audioPath != "" {
		args = append(args,
			"-c:a", "aac",
			"-b:a", strconv.Itoa(opts.AudioBitrate),
			"-ar", strconv.Itoa(opts.SampleRate),
			// Video length governs the clip; don't pad with audio.
			"-shortest",
		)
	}
	return append(args, opts.OutputPath)
}

func (e *FFmpegEncoder) run(ctx context.Context, opts Options, manifest, audioPath, logPath string) error {
	args := buildArgs(opts, manifest, audioPath)

	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create encoder log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, e.Path, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	e.log.Debug().Strs("args", args).Msg("invoking ffmpeg")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v (log: %s)", ErrProcessFailed, err, logPath)
	}
	return nil
}

// FindFFmpeg locates the ffmpeg binary on PATH or in the usual
// install locations.
func FindFFmpeg() (string, error) {
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}

	var candidates []string
	if runtime.GOOS == "windows" {
		candidates = []string{
			`C:\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
		}
	} else {
		candidates = []string{
			"/usr/local/bin/ffmpeg",
			"/opt/homebrew/bin/ffmpeg",
			"/usr/bin/ffmpeg",
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", ErrEncoderUnavailable
}
