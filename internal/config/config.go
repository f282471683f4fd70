package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

type Config struct {
	FPS           int         `json:"fps"`
	BufferSeconds int         `json:"buffer_seconds"`
	SampleRate    int         `json:"sample_rate"`
	VideoBitrate  int         `json:"video_bitrate"`
	AudioBitrate  int         `json:"audio_bitrate"`
	JPEGQuality   int         `json:"jpeg_quality"`
	OutputDir     string      `json:"output_dir"`
	Audio         AudioConfig `json:"audio"`
	LogLevel      string      `json:"log_level"` // "debug", "info", "warn", "error"
}

type AudioConfig struct {
	MicDevice     string `json:"mic_device"`     // empty = default input
	DesktopDevice string `json:"desktop_device"` // empty = auto-detect loopback
}

// BufferBudget returns the ring-buffer retention as a duration.
func (c *Config) BufferBudget() time.Duration {
	return time.Duration(c.BufferSeconds) * time.Second
}

// Load reads the config from disk or returns defaults
func Load() (*Config, error) {
	path := configPath()

	// Default config
	cfg := &Config{
		FPS:           30,
		BufferSeconds: 30,
		SampleRate:    48000,
		VideoBitrate:  5_000_000,
		AudioBitrate:  192_000,
		JPEGQuality:   75,
		OutputDir:     defaultOutputDir(),
		LogLevel:      "info",
	}

	// Load existing config if it exists
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := configPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "clipback", "config.json")
}

// defaultOutputDir returns the platform-specific clips directory
func defaultOutputDir() string {
	var base string

	switch runtime.GOOS {
	case "darwin", "windows":
		base = filepath.Join(homeDir(), "Movies")
		if runtime.GOOS == "windows" {
			base = filepath.Join(homeDir(), "Videos")
		}
	default:
		if xdg := os.Getenv("XDG_VIDEOS_DIR"); xdg != "" {
			base = xdg
		} else {
			base = filepath.Join(homeDir(), "Videos")
		}
	}

	return filepath.Join(base, "clipback")
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}
