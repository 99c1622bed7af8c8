package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// standardRates are the sample rates trial-opened during a probe, in
// ascending order. The device's own default rate is added when missing.
var standardRates = []int{
	8000, 11025, 16000, 22050, 24000, 32000,
	44100, 48000, 88200, 96000, 176400, 192000,
}

// probedBitDepths are the storage depths the session layer can persist.
var probedBitDepths = []int{16, 24}

// Prober determines device capabilities by trial-opening streams.
// Results are cached per device for the process lifetime; repeated
// probes of an unchanged device are idempotent.
type Prober struct {
	backend Backend
	log     zerolog.Logger

	mu    sync.Mutex
	cache map[string]Capabilities
}

// NewProber creates a prober on top of a backend.
func NewProber(backend Backend, log zerolog.Logger) *Prober {
	return &Prober{
		backend: backend,
		log:     log,
		cache:   make(map[string]Capabilities),
	}
}

// Enumerate lists all devices.
func (p *Prober) Enumerate() ([]AudioDevice, error) {
	devices, err := p.backend.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	return devices, nil
}

// Inputs lists capture devices only.
func (p *Prober) Inputs() ([]AudioDevice, error) {
	devices, err := p.Enumerate()
	if err != nil {
		return nil, err
	}
	var in []AudioDevice
	for _, d := range devices {
		if d.Direction == Input {
			in = append(in, d)
		}
	}
	return in, nil
}

// Probe determines the supported configuration set for an input device.
// It opens and immediately closes trial streams and holds no resources
// afterwards.
func (p *Prober) Probe(deviceID string) (Capabilities, error) {
	p.mu.Lock()
	if caps, ok := p.cache[deviceID]; ok {
		p.mu.Unlock()
		return caps, nil
	}
	p.mu.Unlock()

	dev, err := p.findInput(deviceID)
	if err != nil {
		return Capabilities{}, err
	}

	rates := append([]int(nil), standardRates...)
	if dev.DefaultSampleRate > 0 && !containsInt(rates, dev.DefaultSampleRate) {
		rates = append(rates, dev.DefaultSampleRate)
		sort.Ints(rates)
	}
	maxCh := dev.MaxChannels
	if maxCh > 2 {
		maxCh = 2
	}

	caps := Capabilities{DeviceID: deviceID}
	unavailable := false
	for _, rate := range rates {
		for _, depth := range probedBitDepths {
			for ch := 1; ch <= maxCh; ch++ {
				cfg := Config{SampleRate: rate, BitDepth: depth, Channels: ch}
				err := p.backend.CheckInput(deviceID, cfg)
				switch {
				case err == nil:
					caps.Configs = append(caps.Configs, cfg)
				case errors.Is(err, ErrDeviceUnavailable):
					unavailable = true
				}
			}
		}
	}

	if len(caps.Configs) == 0 {
		if unavailable {
			return Capabilities{}, fmt.Errorf("probe %s: %w", deviceID, ErrDeviceUnavailable)
		}
		return Capabilities{}, fmt.Errorf("probe %s: %w", deviceID, ErrNoSupportedConfiguration)
	}

	p.log.Debug().
		Str("device", deviceID).
		Int("configurations", len(caps.Configs)).
		Msg("Probed device capabilities")

	p.mu.Lock()
	p.cache[deviceID] = caps
	p.mu.Unlock()
	return caps, nil
}

func (p *Prober) findInput(deviceID string) (AudioDevice, error) {
	devices, err := p.backend.Devices()
	if err != nil {
		return AudioDevice{}, fmt.Errorf("enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Direction == Input && d.ID == deviceID {
			return d, nil
		}
	}
	return AudioDevice{}, fmt.Errorf("input device %q: %w", deviceID, ErrDeviceUnavailable)
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
