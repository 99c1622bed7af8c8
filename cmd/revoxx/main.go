package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/icelandic-lt/revoxx/internal/capture"
	"github.com/icelandic-lt/revoxx/internal/config"
	"github.com/icelandic-lt/revoxx/internal/device"
	"github.com/icelandic-lt/revoxx/internal/level"
	"github.com/icelandic-lt/revoxx/internal/logging"
	"github.com/icelandic-lt/revoxx/internal/mel"
	"github.com/icelandic-lt/revoxx/internal/session"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	log := logging.NewWithLevel(cfg.LogLevel)

	root := &cobra.Command{
		Use:          "revoxx",
		Short:        "Record speech datasets: sessions, takes, and live level monitoring",
		Version:      fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfg.Sessions, "base", cfg.Sessions, "session base directory")

	root.AddCommand(
		newDevicesCmd(log),
		newProbeCmd(log),
		newNewCmd(cfg, log),
		newSessionsCmd(cfg),
		newTakesCmd(cfg, log),
		newExportCmd(cfg, log),
		newRecordCmd(cfg, log),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func withBackend(log zerolog.Logger, fn func(*device.Prober) error) error {
	backend, err := device.NewPortAudioBackend()
	if err != nil {
		return fmt.Errorf("initialize audio: %w", err)
	}
	defer backend.Close()
	return fn(device.NewProber(backend, log))
}

func newDevicesCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(log, func(p *device.Prober) error {
				devs, err := p.Enumerate()
				if err != nil {
					return err
				}
				for _, d := range devs {
					fmt.Println(device.FormatDeviceLabel(d))
				}
				return nil
			})
		},
	}
}

func newProbeCmd(log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <device-id>",
		Short: "Probe a device for supported configurations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(log, func(p *device.Prober) error {
				caps, err := p.Probe(args[0])
				if err != nil {
					return err
				}
				for _, c := range caps.Configs {
					fmt.Println(c)
				}
				return nil
			})
		},
	}
}

func newNewCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var (
		name       string
		scriptPath string
		rate       int
		bits       int
		channels   int
		preset     string
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			audio := session.Config{SampleRate: rate, BitDepth: bits, Channels: channels}
			s, err := session.Create(cfg.Sessions, name, audio, scriptPath, preset, log)
			if err != nil {
				return err
			}
			fmt.Printf("Created session %s (%d utterances) at %s\n", s.Name(), s.Script().Len(), s.Dir())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&scriptPath, "script", "", "utterance script file")
	cmd.Flags().IntVar(&rate, "rate", cfg.Audio.SampleRate, "sample rate in Hz")
	cmd.Flags().IntVar(&bits, "bits", cfg.Audio.BitDepth, "bit depth (16 or 24)")
	cmd.Flags().IntVar(&channels, "channels", cfg.Audio.Channels, "channel count")
	cmd.Flags().StringVar(&preset, "preset", cfg.Preset, "calibration preset: "+strings.Join(level.PresetNames(), ", "))
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("script")
	return cmd
}

func newSessionsCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := session.List(cfg.Sessions)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func loadSession(cfg *config.Config, name string, log zerolog.Logger) (*session.Session, error) {
	return session.Load(filepath.Join(cfg.Sessions, name+session.DirSuffix), log)
}

func newTakesCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "takes <session> <utterance>",
		Short: "List an utterance's takes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cfg, args[0], log)
			if err != nil {
				return err
			}
			for _, t := range s.Takes(args[1]) {
				fmt.Printf("take_%03d  %-7s  %6.2fs  peak %6.1f dB  rms %6.1f dB  clipped=%v\n",
					t.Number, t.Status, t.Duration, t.PeakDB, t.RMSDB, t.Clipped)
			}
			return nil
		},
	}
}

func newExportCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "export <session>",
		Short: "Print the export listing as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cfg, args[0], log)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(s.Export(includeDeleted))
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "deleted", false, "include deleted takes")
	return cmd
}

// recordingFeedback prints level warnings while recording. Spectrogram
// frames are dropped; there is nothing to draw them on here.
type recordingFeedback struct{}

func (recordingFeedback) LevelReading(r level.Reading) {
	if r.Class != level.WithinRange {
		fmt.Printf("\r%-12s peak %6.1f dB  rms %6.1f dB", r.Class, r.PeakDB, r.RMSDB)
	}
}

func (recordingFeedback) SpectrogramFrame(mel.Frame) {}

func (recordingFeedback) StateChanged(utt string, from, to session.State) {}

func (recordingFeedback) ConsumerOverrun(consumer string, total int64) {
	fmt.Fprintf(os.Stderr, "\noverrun on %s (%d total)\n", consumer, total)
}

func newRecordCmd(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "record <session> <utterance>",
		Short: "Record one take, then accept or discard it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cfg, args[0], log)
			if err != nil {
				return err
			}
			return withBackend(log, func(p *device.Prober) error {
				return recordTake(cmd.Context(), s, p, deviceID, args[1], log)
			})
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", cfg.Audio.DeviceID, "input device ID (default input when empty)")
	return cmd
}

func recordTake(ctx context.Context, s *session.Session, p *device.Prober, deviceID, utt string, log zerolog.Logger) error {
	dev, err := pickInput(p, deviceID)
	if err != nil {
		return err
	}
	caps, err := p.Probe(dev.ID)
	if err != nil {
		return err
	}

	audio := s.Audio()
	dcfg := device.Config{SampleRate: audio.SampleRate, BitDepth: audio.BitDepth, Channels: audio.Channels}
	src, err := capture.OpenPortAudioSource(dev.ID, dcfg, capture.DefaultFramesPerBuffer)
	if err != nil {
		return err
	}

	engine := capture.NewEngine(log)
	c, err := engine.Open(src, dev, dcfg, caps)
	if err != nil {
		src.Close()
		return err
	}

	s.SetMonitor(recordingFeedback{})
	if err := s.Arm(utt); err != nil {
		c.Stop()
		return err
	}
	if err := s.StartRecording(ctx, c); err != nil {
		c.Stop()
		return err
	}

	fmt.Printf("Recording %s on %s. Press Enter to stop.\n", utt, dev.Name)
	waitForEnter()
	if err := s.StopRecording(); err != nil {
		return err
	}

	fmt.Print("Accept take? [y/N] ")
	if readLine() == "y" {
		take, err := s.Accept()
		if err != nil {
			return err
		}
		fmt.Printf("Accepted take_%03d (%.2fs, peak %.1f dB, rms %.1f dB)\n",
			take.Number, take.Duration, take.PeakDB, take.RMSDB)
		return nil
	}
	fmt.Println("Discarded")
	return s.Discard()
}

func pickInput(p *device.Prober, deviceID string) (device.AudioDevice, error) {
	inputs, err := p.Inputs()
	if err != nil {
		return device.AudioDevice{}, err
	}
	for _, d := range inputs {
		if deviceID == "" && d.Default {
			return d, nil
		}
		if d.ID == deviceID {
			return d, nil
		}
	}
	return device.AudioDevice{}, fmt.Errorf("no input device %q: %w", deviceID, device.ErrDeviceUnavailable)
}

func waitForEnter() { readLine() }

func readLine() string {
	sc := bufio.NewScanner(os.Stdin)
	if sc.Scan() {
		return strings.TrimSpace(sc.Text())
	}
	return ""
}
