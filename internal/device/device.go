// Package device enumerates audio hardware and probes the
// configurations each device supports.
package device

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable means the device cannot be opened at all.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrNoSupportedConfiguration means the device opened but no
	// rate/depth/channel combination succeeded.
	ErrNoSupportedConfiguration = errors.New("no supported configuration")
)

// Direction distinguishes capture and playback devices. A duplex device
// is enumerated once per direction.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// AudioDevice identifies one enumerated device. Immutable once
// enumerated.
type AudioDevice struct {
	ID                string
	Name              string
	Direction         Direction
	MaxChannels       int
	DefaultSampleRate int
	Default           bool
}

// Config is one (sample rate, bit depth, channel count) tuple.
type Config struct {
	SampleRate int `json:"sample_rate"`
	BitDepth   int `json:"bit_depth"`
	Channels   int `json:"channels"`
}

func (c Config) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", c.SampleRate, c.BitDepth, c.Channels)
}

// Capabilities is the set of supported configurations for one device.
type Capabilities struct {
	DeviceID string
	Configs  []Config
}

// Supports reports whether cfg was confirmed by probing.
func (c Capabilities) Supports(cfg Config) bool {
	for _, have := range c.Configs {
		if have == cfg {
			return true
		}
	}
	return false
}

// SampleRates returns the distinct supported rates in probe order.
func (c Capabilities) SampleRates() []int {
	seen := make(map[int]bool)
	var rates []int
	for _, cfg := range c.Configs {
		if !seen[cfg.SampleRate] {
			seen[cfg.SampleRate] = true
			rates = append(rates, cfg.SampleRate)
		}
	}
	return rates
}

// Backend abstracts the audio host API. The production implementation
// wraps PortAudio; tests substitute a fake.
type Backend interface {
	// Devices lists all devices, one entry per direction.
	Devices() ([]AudioDevice, error)
	// CheckInput trial-opens an input stream with cfg and closes it
	// immediately. Device-level open failures are wrapped in
	// ErrDeviceUnavailable; format rejections return other errors.
	CheckInput(deviceID string, cfg Config) error
}
