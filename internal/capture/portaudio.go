package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/clipback/clipback/internal/buffer"
	"github.com/clipback/clipback/internal/media"
)

const (
	// DefaultSampleRate and DefaultChannels match the original
	// capture format: 48 kHz stereo.
	DefaultSampleRate = 48000
	DefaultChannels   = 2

	// audioFramesPerRead bounds each blocking read to 50ms so the
	// stop flag is observed promptly.
	audioFramesPerRead = 2400
)

// loopbackMarkers identify desktop/monitor endpoints across the
// platforms PortAudio fronts (PulseAudio monitors, WASAPI loopback
// taps, virtual devices on macOS).
var loopbackMarkers = []string{
	"monitor",
	"loopback",
	"stereo mix",
	"what u hear",
	"blackhole",
	"soundflower",
}

// audioSource captures PCM from a PortAudio input device and appends
// normalized float chunks to the ring buffer. Used for both the
// microphone and the desktop-loopback backends; the two differ only
// in device selection.
type audioSource struct {
	kind       Kind
	deviceID   string
	sampleRate int
	channels   int
	ring       *buffer.Ring[media.AudioChunk]
	log        zerolog.Logger

	stream *portaudio.Stream
	buf    []int16
	inited bool
}

// NewMicrophone creates a microphone backend with its own ring
// buffer holding up to bufferBudget of audio.
func NewMicrophone(bufferBudget time.Duration, notify Notifier, log zerolog.Logger) *Backend[media.AudioChunk] {
	return newAudioBackend(Microphone, bufferBudget, notify, log)
}

// NewDesktopAudio creates a desktop-loopback backend. With no device
// selected it picks the first endpoint that looks like a
// monitor/loopback tap.
func NewDesktopAudio(bufferBudget time.Duration, notify Notifier, log zerolog.Logger) *Backend[media.AudioChunk] {
	return newAudioBackend(DesktopAudio, bufferBudget, notify, log)
}

func newAudioBackend(kind Kind, bufferBudget time.Duration, notify Notifier, log zerolog.Logger) *Backend[media.AudioChunk] {
	ring := buffer.NewRing[media.AudioChunk](bufferBudget)
	src := &audioSource{
		kind:       kind,
		sampleRate: DefaultSampleRate,
		channels:   DefaultChannels,
		ring:       ring,
		log:        log.With().Stringer("source", kind).Logger(),
	}
	return NewBackend(kind, src, ring, notify, log)
}

func (s *audioSource) SetDevice(id string) error {
	s.deviceID = id
	return nil
}

func (s *audioSource) Device() string { return s.deviceID }

func (s *audioSource) Open() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	s.inited = true

	device, err := s.findDevice()
	if err != nil {
		s.teardown()
		return err
	}

	channels := s.channels
	if device.MaxInputChannels < channels {
		channels = device.MaxInputChannels
	}
	if channels <= 0 {
		s.teardown()
		return fmt.Errorf("device %q has no input channels", device.Name)
	}

	s.buf = make([]int16, audioFramesPerRead*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.sampleRate),
		FramesPerBuffer: audioFramesPerRead,
	}, s.buf)
	if err != nil {
		s.teardown()
		return fmt.Errorf("failed to open audio stream: %w", err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		s.teardown()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	s.stream = stream
	s.log.Debug().Str("device", device.Name).Int("channels", channels).Msg("audio stream open")
	return nil
}

func (s *audioSource) Read() (bool, error) {
	if s.stream == nil {
		return false, errors.New("audio stream is not open")
	}
	err := s.stream.Read()
	switch {
	case err == nil:
	case errors.Is(err, portaudio.InputOverflowed):
		// Some captured data was lost but the buffer content is
		// valid; treat as a normal read.
	case errors.Is(err, portaudio.TimedOut):
		return false, nil
	default:
		return false, fmt.Errorf("audio read failed: %w", err)
	}

	channels := len(s.buf) / audioFramesPerRead
	s.ring.Append(media.AudioChunk{
		Samples:    pcm16ToFloat(s.buf),
		Channels:   channels,
		SampleRate: s.sampleRate,
		Timestamp:  time.Now(),
	})
	return true, nil
}

func (s *audioSource) Close() error {
	var err error
	if s.stream != nil {
		err = s.stream.Close()
		s.stream = nil
	}
	s.teardown()
	return err
}

func (s *audioSource) teardown() {
	if s.inited {
		portaudio.Terminate()
		s.inited = false
	}
}

// findDevice resolves the configured device id, or a sensible
// default: the default input device for microphones, the first
// loopback-looking endpoint for desktop audio.
func (s *audioSource) findDevice() (*portaudio.DeviceInfo, error) {
	if s.deviceID != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		for _, d := range devices {
			if d.Name == s.deviceID && d.MaxInputChannels > 0 {
				return d, nil
			}
		}
		return nil, fmt.Errorf("device not found: %s", s.deviceID)
	}

	if s.kind == DesktopAudio {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate devices: %w", err)
		}
		for _, d := range devices {
			if d.MaxInputChannels > 0 && isLoopbackName(d.Name) {
				return d, nil
			}
		}
		return nil, errNoLoopbackDevice
	}

	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to get default input device: %w", err)
	}
	return device, nil
}

func isLoopbackName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range loopbackMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// pcm16ToFloat normalizes 16-bit integer PCM into [-1, 1) by
// dividing by the integer range midpoint.
func pcm16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = float32(v) / 32768.0
	}
	return out
}

// AudioDevices enumerates input endpoints for the given kind.
// Desktop audio lists only loopback-looking endpoints.
func AudioDevices(kind Kind) ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defaultDevice, _ := portaudio.DefaultInputDevice()

	result := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels <= 0 {
			continue
		}
		if kind == DesktopAudio && !isLoopbackName(d.Name) {
			continue
		}
		result = append(result, Device{
			ID:      d.Name,
			Name:    d.Name,
			Default: d == defaultDevice,
		})
	}
	return result, nil
}
