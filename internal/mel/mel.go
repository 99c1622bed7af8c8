// Package mel computes mel-scaled spectrogram frames for live
// visualization feedback.
package mel

import (
	"math"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// STFT geometry. Fixed so that visualizations are reproducible across
// runs of the same sample rate.
const (
	FFTSize = 2048
	HopSize = 512

	// FMin is the lower bound for fundamental frequency content.
	FMin = 50.0

	// Display range in dB.
	DBMin = -70.0
	DBMax = 0.0

	// A band must rise this far above DBMin to count as energetic for
	// max-frequency detection.
	maxFreqThresholdDB = 20.0

	noiseFloor = 1e-10
)

// Adaptive band-count scaling, referenced to 48 kHz.
const (
	baseSampleRate = 48000
	baseFMax       = 24000.0
	baseBands      = 96
	minBands       = 80
	maxBands       = 110
)

// Params are the mel geometry derived for one sample rate.
type Params struct {
	SampleRate int
	Bands      int
	FMin       float64
	FMax       float64
}

// AdaptiveParams derives the mel band count and frequency ceiling for a
// sample rate. Rates at or below 48 kHz scale the band count linearly
// with the covered frequency range; higher rates scale logarithmically
// so filters keep enough frequency coverage per band.
func AdaptiveParams(sampleRate int) Params {
	nyquist := float64(sampleRate) / 2

	var fmax float64
	if sampleRate <= baseSampleRate {
		fmax = math.Min(nyquist-1000, baseFMax)
	} else {
		fmax = float64(sampleRate) * 0.48
	}
	fmax = math.Min(fmax, nyquist-100)

	var bands int
	if sampleRate <= baseSampleRate {
		scale := (fmax - FMin) / (baseFMax - FMin)
		bands = int(baseBands * scale)
		if bands < minBands {
			bands = minBands
		}
		if bands > maxBands {
			bands = maxBands
		}
	} else {
		scale := math.Log2(float64(sampleRate) / baseSampleRate)
		bands = int(baseBands * (1 + scale*0.25))
		if bands > maxBands {
			bands = maxBands
		}
	}

	return Params{SampleRate: sampleRate, Bands: bands, FMin: FMin, FMax: fmax}
}

// Frame is one mel spectrogram column. Bands are energies in dB clamped
// to [DBMin, DBMax], lowest frequency first. MaxFrequencyHz is the
// center frequency of the highest energetic band, 0 when the frame has
// no energy above the noise floor.
type Frame struct {
	Seq            int64
	Timestamp      time.Time
	Bands          []float64
	MaxFrequencyHz float64
}

// Analyzer maintains a short-time analysis window over the capture
// stream and emits mel frames at the fixed hop size. It holds no state
// across takes beyond the rolling window.
type Analyzer struct {
	params  Params
	fft     *fourier.FFT
	window  []float64
	filters [][]float64
	centers []float64

	buf     []float64
	scratch []float64
	coeffs  []complex128
	power   []float64

	// norm scales spectral power so a full-scale sine reads 0 dB.
	norm float64
}

// NewAnalyzer builds an analyzer for the given sample rate using the
// adaptive mel geometry.
func NewAnalyzer(sampleRate int) *Analyzer {
	params := AdaptiveParams(sampleRate)
	a := &Analyzer{
		params:  params,
		fft:     fourier.NewFFT(FFTSize),
		window:  hann(FFTSize),
		scratch: make([]float64, FFTSize),
		coeffs:  make([]complex128, FFTSize/2+1),
		power:   make([]float64, FFTSize/2+1),
	}
	a.filters, a.centers = filterbank(params)

	var windowSum float64
	for _, w := range a.window {
		windowSum += w
	}
	a.norm = (windowSum / 2) * (windowSum / 2)
	return a
}

// Params returns the geometry in use.
func (a *Analyzer) Params() Params { return a.params }

// Reset discards the rolling window at a take boundary.
func (a *Analyzer) Reset() { a.buf = a.buf[:0] }

// Process appends samples (mono) to the rolling window and returns the
// spectrogram frames completed by them, zero or more per call. Emitted
// frames carry the sequence number and timestamp of the capture frame
// that completed them.
func (a *Analyzer) Process(seq int64, ts time.Time, samples []float32) []Frame {
	for _, s := range samples {
		a.buf = append(a.buf, float64(s))
	}

	var out []Frame
	for len(a.buf) >= FFTSize {
		out = append(out, a.analyze(seq, ts, a.buf[:FFTSize]))
		a.buf = a.buf[HopSize:]
	}
	return out
}

func (a *Analyzer) analyze(seq int64, ts time.Time, block []float64) Frame {
	for i, v := range block {
		a.scratch[i] = v * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)
	for i, c := range a.coeffs {
		re, im := real(c), imag(c)
		a.power[i] = (re*re + im*im) / a.norm
	}

	bands := make([]float64, a.params.Bands)
	maxFreq := 0.0
	for b, filter := range a.filters {
		var e float64
		for i, w := range filter {
			if w != 0 {
				e += w * a.power[i]
			}
		}
		db := 10 * math.Log10(e+noiseFloor)
		if db < DBMin {
			db = DBMin
		}
		if db > DBMax {
			db = DBMax
		}
		bands[b] = db
		if db > DBMin+maxFreqThresholdDB {
			maxFreq = a.centers[b]
		}
	}

	return Frame{Seq: seq, Timestamp: ts, Bands: bands, MaxFrequencyHz: maxFreq}
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func hzToMel(f float64) float64 { return 2595 * math.Log10(1+f/700) }

func melToHz(m float64) float64 { return 700 * (math.Pow(10, m/2595) - 1) }

// filterbank builds triangular mel filters over the FFT bins and the
// per-band center frequencies.
func filterbank(p Params) ([][]float64, []float64) {
	bins := FFTSize/2 + 1
	binHz := float64(p.SampleRate) / FFTSize

	// Band edges equally spaced on the mel scale.
	melLo, melHi := hzToMel(p.FMin), hzToMel(p.FMax)
	edges := make([]float64, p.Bands+2)
	for i := range edges {
		m := melLo + (melHi-melLo)*float64(i)/float64(p.Bands+1)
		edges[i] = melToHz(m)
	}

	filters := make([][]float64, p.Bands)
	centers := make([]float64, p.Bands)
	for b := 0; b < p.Bands; b++ {
		lo, mid, hi := edges[b], edges[b+1], edges[b+2]
		centers[b] = mid
		f := make([]float64, bins)
		for i := 0; i < bins; i++ {
			freq := float64(i) * binHz
			switch {
			case freq <= lo || freq >= hi:
				// outside the triangle
			case freq <= mid:
				f[i] = (freq - lo) / (mid - lo)
			default:
				f[i] = (hi - freq) / (hi - mid)
			}
		}
		filters[b] = f
	}
	return filters, centers
}
