package device

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gordonklaus/portaudio"
)

const trialFrames = 256

// PortAudioBackend implements Backend on top of PortAudio. It owns the
// library initialization; Close must be called when done.
type PortAudioBackend struct{}

// NewPortAudioBackend initializes PortAudio.
func NewPortAudioBackend() (*PortAudioBackend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudioBackend{}, nil
}

// Close terminates PortAudio.
func (b *PortAudioBackend) Close() error {
	return portaudio.Terminate()
}

// Devices lists all host devices, one entry per direction.
func (b *PortAudioBackend) Devices() ([]AudioDevice, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	defaultIn, _ := portaudio.DefaultInputDevice()
	defaultOut, _ := portaudio.DefaultOutputDevice()

	var devices []AudioDevice
	for _, info := range infos {
		if info.MaxInputChannels > 0 {
			devices = append(devices, AudioDevice{
				ID:                info.Name,
				Name:              info.Name,
				Direction:         Input,
				MaxChannels:       info.MaxInputChannels,
				DefaultSampleRate: int(info.DefaultSampleRate),
				Default:           info == defaultIn,
			})
		}
		if info.MaxOutputChannels > 0 {
			devices = append(devices, AudioDevice{
				ID:                info.Name,
				Name:              info.Name,
				Direction:         Output,
				MaxChannels:       info.MaxOutputChannels,
				DefaultSampleRate: int(info.DefaultSampleRate),
				Default:           info == defaultOut,
			})
		}
	}
	return devices, nil
}

// CheckInput trial-opens an input stream with cfg and closes it
// immediately.
func (b *PortAudioBackend) CheckInput(deviceID string, cfg Config) error {
	info, err := lookupInput(deviceID)
	if err != nil {
		return err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: cfg.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: trialFrames,
	}

	// The sample format is selected by the buffer's element type; 24-bit
	// capture rides in int32 frames, matching how it is persisted.
	var stream *portaudio.Stream
	switch cfg.BitDepth {
	case 16:
		stream, err = portaudio.OpenStream(params, make([]int16, trialFrames*cfg.Channels))
	case 24:
		stream, err = portaudio.OpenStream(params, make([]int32, trialFrames*cfg.Channels))
	default:
		return fmt.Errorf("bit depth %d not probeable", cfg.BitDepth)
	}
	if err != nil {
		return classifyOpenError(err)
	}
	return stream.Close()
}

func lookupInput(deviceID string) (*portaudio.DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	for _, info := range infos {
		if info.Name == deviceID && info.MaxInputChannels > 0 {
			return info, nil
		}
	}
	return nil, fmt.Errorf("input device %q: %w", deviceID, ErrDeviceUnavailable)
}

// classifyOpenError separates device-level failures from plain format
// rejections.
func classifyOpenError(err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.DeviceUnavailable, portaudio.InvalidDevice:
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}
	return err
}

// FormatDeviceLabel renders a device line for listings, mirroring how
// the session tooling prints devices.
func FormatDeviceLabel(d AudioDevice) string {
	label := d.Name + " [" + d.Direction.String() + ", " + strconv.Itoa(d.MaxChannels) + "ch"
	if d.DefaultSampleRate > 0 {
		label += ", " + strconv.Itoa(d.DefaultSampleRate) + "Hz"
	}
	label += "]"
	if d.Default {
		label += " (default)"
	}
	return label
}
