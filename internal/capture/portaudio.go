package capture

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/icelandic-lt/revoxx/internal/device"
)

// DefaultFramesPerBuffer is the capture block size in sample frames.
const DefaultFramesPerBuffer = 1024

// portAudioSource reads interleaved float32 blocks from a PortAudio
// input stream. PortAudio must already be initialized (the device
// backend owns that).
type portAudioSource struct {
	stream   *portaudio.Stream
	buf      []float32
	stopping atomic.Bool
	closed   atomic.Bool
}

// OpenPortAudioSource opens an input stream on the named device.
func OpenPortAudioSource(deviceID string, cfg device.Config, framesPerBuffer int) (Source, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	info, err := findInputInfo(deviceID)
	if err != nil {
		return nil, err
	}

	src := &portAudioSource{buf: make([]float32, framesPerBuffer*cfg.Channels)}
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: cfg.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}, src.buf)
	if err != nil {
		return nil, fmt.Errorf("open stream on %s: %w", deviceID, err)
	}
	src.stream = stream
	return src, nil
}

func findInputInfo(deviceID string) (*portaudio.DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	for _, info := range infos {
		if info.Name == deviceID && info.MaxInputChannels > 0 {
			return info, nil
		}
	}
	return nil, fmt.Errorf("input device %q: %w", deviceID, device.ErrDeviceUnavailable)
}

func (s *portAudioSource) Start() error {
	return s.stream.Start()
}

// Read blocks until one block is available. After Stop has been
// requested the stream error is reported as io.EOF so the run ends
// cleanly; any other error is a capture fault.
func (s *portAudioSource) Read() ([]float32, error) {
	if s.stopping.Load() {
		return nil, io.EOF
	}
	if err := s.stream.Read(); err != nil {
		if s.stopping.Load() {
			return nil, io.EOF
		}
		var paErr portaudio.Error
		if errors.As(err, &paErr) && paErr == portaudio.InputOverflowed {
			return nil, fmt.Errorf("input overflowed: %w", err)
		}
		return nil, err
	}
	out := make([]float32, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

func (s *portAudioSource) Stop() error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	if s.closed.Load() {
		return nil
	}
	return s.stream.Stop()
}

func (s *portAudioSource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.stream.Close()
}

// DownmixInterleaved folds an interleaved multi-channel block to mono
// for analysis consumers. The result is always a fresh slice.
func DownmixInterleaved(samples []float32, channels, frames int) []float32 {
	out := make([]float32, frames)
	if channels <= 1 {
		copy(out, samples)
		return out
	}
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
