package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipback/clipback/internal/app"
	"github.com/clipback/clipback/internal/capture"
	"github.com/clipback/clipback/internal/compress"
	"github.com/clipback/clipback/internal/config"
	"github.com/clipback/clipback/internal/encode"
	"github.com/clipback/clipback/internal/logging"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "clipback",
		Short: "Continuously buffer your screen and audio, save the last N seconds on demand",
	}
	root.AddCommand(runCmd(), devicesCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var bufferSeconds int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start capturing; type 'save [seconds]' to write a clip, 'quit' to exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if bufferSeconds > 0 {
				cfg.BufferSeconds = bufferSeconds
			}

			log := logging.NewWithLevel(cfg.LogLevel)

			events := app.Events{
				CaptureStarted: func(k capture.Kind) {
					log.Info().Stringer("source", k).Msg("capture running")
				},
				CaptureStopped: func(k capture.Kind) {
					log.Info().Stringer("source", k).Msg("capture finished")
				},
				CaptureError: func(k capture.Kind, err error) {
					log.Error().Stringer("source", k).Err(err).Msg("capture error")
				},
				EncodeProgress: func(p int) {
					log.Info().Int("percent", p).Msg("encoding")
				},
				EncodeComplete: func(ok bool, msg string) {
					log.Info().Bool("success", ok).Msg(msg)
				},
				EncodeError: func(err error) {
					log.Error().Err(err).Msg("encode error")
				},
			}
			notify := events.CaptureNotifier()

			comp := compress.New(cfg.JPEGQuality, log)
			budget := cfg.BufferBudget()

			mic := capture.NewMicrophone(budget, notify, log)
			desktop := capture.NewDesktopAudio(budget, notify, log)
			screen := capture.NewScreen(cfg.FPS, budget, comp, notify, log)

			if cfg.Audio.MicDevice != "" {
				if err := mic.SetDevice(cfg.Audio.MicDevice); err != nil {
					return err
				}
			}
			if cfg.Audio.DesktopDevice != "" {
				if err := desktop.SetDevice(cfg.Audio.DesktopDevice); err != nil {
					return err
				}
			}

			engine := app.New(app.Config{
				Mic:     mic,
				Desktop: desktop,
				Screen:  screen,
				Encoder: encode.NewOrchestrator(cfg.SampleRate, log),
				Config:  cfg,
				Logger:  log,
				Events:  events,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := engine.Start(); err != nil {
				return fmt.Errorf("failed to start capture: %w", err)
			}
			defer engine.Stop()

			log.Info().
				Int("fps", cfg.FPS).
				Int("buffer_seconds", cfg.BufferSeconds).
				Msg("clipback capturing, type 'save [seconds]' or 'quit'")

			// Shut down cleanly on Ctrl-C.
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				log.Info().Msg("shutting down...")
				engine.Shutdown(ctx)
				os.Exit(0)
			}()

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				fields := strings.Fields(scanner.Text())
				if len(fields) == 0 {
					continue
				}
				switch fields[0] {
				case "save":
					seconds := cfg.BufferSeconds
					if len(fields) > 1 {
						if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
							seconds = n
						}
					}
					id, err := engine.SaveClip(ctx, time.Duration(seconds)*time.Second, "")
					if err != nil {
						log.Error().Err(err).Msg("save failed")
						continue
					}
					log.Info().Str("job", id).Int("seconds", seconds).Msg("save started")
				case "status":
					printStatus(engine)
				case "quit", "exit":
					return nil
				default:
					fmt.Println("commands: save [seconds], status, quit")
				}
			}
			return scanner.Err()
		},
	}

	cmd.Flags().IntVarP(&bufferSeconds, "buffer", "b", 0, "override buffered seconds")
	return cmd
}

func printStatus(engine *app.Engine) {
	for _, kind := range []capture.Kind{capture.Screen, capture.Microphone, capture.DesktopAudio} {
		stats := engine.Stats(kind)
		fmt.Printf("%-14s chunks=%d dropped=%d recoveries=%d\n",
			kind, stats.Chunks.Load(), stats.Dropped.Load(), stats.Recoveries.Load())
	}
	if engine.Saving() {
		fmt.Println("encode job in progress")
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices for each source",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, kind := range []capture.Kind{capture.Microphone, capture.DesktopAudio, capture.Screen} {
				fmt.Printf("%s:\n", kind)
				devices, err := capture.Devices(kind)
				if err != nil {
					fmt.Printf("  unavailable: %v\n", err)
					continue
				}
				if len(devices) == 0 {
					fmt.Println("  none found")
					continue
				}
				for _, d := range devices {
					marker := " "
					if d.Default {
						marker = "*"
					}
					fmt.Printf("  %s %s\n", marker, d.Name)
				}
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clipback %s (%s)\n", Version, Commit)
		},
	}
}
