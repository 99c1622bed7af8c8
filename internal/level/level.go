// Package level computes peak/RMS readings and classifies them against
// calibration presets.
package level

import (
	"math"
	"time"
)

const (
	// dbFloor guards log10 against zero amplitude.
	dbFloor = 1e-10

	// clippingThreshold is the fraction of full scale at or above which a
	// sample counts as clipped. Float capture rarely reports exactly 1.0
	// from a clipped converter, so the boundary sits just below it.
	clippingThreshold = 0.99

	// rmsWindow is the rolling window over which RMS is reported.
	rmsWindow = 300 * time.Millisecond
)

// Class is the calibration verdict for a reading.
type Class int

const (
	WithinRange Class = iota
	Clipping
	UnderLevel
)

func (c Class) String() string {
	switch c {
	case Clipping:
		return "clipping"
	case UnderLevel:
		return "under-level"
	default:
		return "within-range"
	}
}

// Reading is the level measurement for one audio frame. Seq is the
// sequence number of the frame that produced it.
type Reading struct {
	Seq       int64
	Timestamp time.Time
	PeakDB    float64
	RMSDB     float64
	Clipping  bool
	Class     Class
}

// Summary aggregates levels over a whole take.
type Summary struct {
	PeakDB  float64
	RMSDB   float64
	Clipped bool
}

// Preset is a named target peak/RMS band.
type Preset struct {
	Name      string
	PeakMaxDB float64
	RMSMinDB  float64
	RMSMaxDB  float64
}

// Built-in presets. EBU R128 reflects broadcast loudness practice;
// tts-dataset is the wider band used for dataset recording sessions.
var presets = map[string]Preset{
	"ebu-r128":    {Name: "ebu-r128", PeakMaxDB: -1.0, RMSMinDB: -23.0, RMSMaxDB: -18.0},
	"tts-dataset": {Name: "tts-dataset", PeakMaxDB: -3.0, RMSMinDB: -27.0, RMSMaxDB: -17.0},
}

// DefaultPreset is used when a session names no preset.
const DefaultPreset = "tts-dataset"

// PresetByName looks up a built-in preset.
func PresetByName(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists the built-in presets.
func PresetNames() []string {
	return []string{"ebu-r128", "tts-dataset"}
}

// Meter computes per-block peak and rolling RMS. It is stateless across
// takes except for the rolling window, which callers reset at take
// boundaries.
type Meter struct {
	preset     Preset
	sampleRate int

	windowSamples int
	blocks        []rmsBlock
	winSumSq      float64
	winCount      int

	takePeak  float64
	takeSumSq float64
	takeCount int
	clipped   bool
}

type rmsBlock struct {
	sumSq float64
	n     int
}

// NewMeter creates a meter for the given sample rate and preset.
func NewMeter(sampleRate int, preset Preset) *Meter {
	return &Meter{
		preset:        preset,
		sampleRate:    sampleRate,
		windowSamples: int(float64(sampleRate) * rmsWindow.Seconds()),
	}
}

// Reset clears the rolling window and the take accumulator.
func (m *Meter) Reset() {
	m.blocks = m.blocks[:0]
	m.winSumSq = 0
	m.winCount = 0
	m.takePeak = 0
	m.takeSumSq = 0
	m.takeCount = 0
	m.clipped = false
}

// Process consumes one block of samples and returns its reading.
func (m *Meter) Process(seq int64, ts time.Time, samples []float32) Reading {
	var peak float64
	var sumSq float64
	clipping := false
	for _, s := range samples {
		v := math.Abs(float64(s))
		if v > peak {
			peak = v
		}
		if v >= clippingThreshold {
			clipping = true
		}
		sumSq += v * v
	}

	m.blocks = append(m.blocks, rmsBlock{sumSq: sumSq, n: len(samples)})
	m.winSumSq += sumSq
	m.winCount += len(samples)
	for m.winCount > m.windowSamples && len(m.blocks) > 1 {
		old := m.blocks[0]
		m.blocks = m.blocks[1:]
		m.winSumSq -= old.sumSq
		m.winCount -= old.n
	}

	if peak > m.takePeak {
		m.takePeak = peak
	}
	m.takeSumSq += sumSq
	m.takeCount += len(samples)
	if clipping {
		m.clipped = true
	}

	rms := 0.0
	if m.winCount > 0 {
		rms = math.Sqrt(m.winSumSq / float64(m.winCount))
	}

	r := Reading{
		Seq:       seq,
		Timestamp: ts,
		PeakDB:    AmplitudeDB(peak),
		RMSDB:     AmplitudeDB(rms),
		Clipping:  clipping,
	}
	r.Class = m.classify(r)
	return r
}

func (m *Meter) classify(r Reading) Class {
	if r.Clipping {
		return Clipping
	}
	if r.RMSDB < m.preset.RMSMinDB {
		return UnderLevel
	}
	return WithinRange
}

// Summary reports the aggregate levels since the last Reset.
func (m *Meter) Summary() Summary {
	rms := 0.0
	if m.takeCount > 0 {
		rms = math.Sqrt(m.takeSumSq / float64(m.takeCount))
	}
	return Summary{
		PeakDB:  AmplitudeDB(m.takePeak),
		RMSDB:   AmplitudeDB(rms),
		Clipped: m.clipped,
	}
}

// AmplitudeDB converts a linear amplitude to dB relative to full scale.
func AmplitudeDB(v float64) float64 {
	if v < dbFloor {
		v = dbFloor
	}
	return 20 * math.Log10(v)
}
