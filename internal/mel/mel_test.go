package mel

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveParamsStandardRates(t *testing.T) {
	p := AdaptiveParams(48000)
	assert.Equal(t, 91, p.Bands)
	assert.InDelta(t, 23000, p.FMax, 0.01)

	p = AdaptiveParams(22050)
	assert.Equal(t, 80, p.Bands) // clamped to the floor
	assert.InDelta(t, 10025, p.FMax, 0.01)
	assert.LessOrEqual(t, p.FMax, 22050.0/2-1000)

	p = AdaptiveParams(44100)
	assert.GreaterOrEqual(t, p.Bands, 80)
	assert.LessOrEqual(t, p.Bands, 110)
}

func TestAdaptiveParamsHighRates(t *testing.T) {
	p := AdaptiveParams(96000)
	assert.Equal(t, 110, p.Bands)
	assert.InDelta(t, 46080, p.FMax, 0.01)

	p = AdaptiveParams(192000)
	assert.Equal(t, 110, p.Bands)
	assert.Less(t, p.FMax, 192000.0/2)
}

func sine(amplitude, freq float64, sampleRate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestProcessEmitsAtHopSize(t *testing.T) {
	a := NewAnalyzer(48000)

	// Fewer samples than one FFT window: nothing yet.
	frames := a.Process(0, time.Now(), sine(0.5, 440, 48000, FFTSize-1))
	assert.Empty(t, frames)

	// One more block completes windows at the hop cadence.
	n := 48000
	frames = a.Process(1, time.Now(), sine(0.5, 440, 48000, n))
	total := n + FFTSize - 1
	want := (total-FFTSize)/HopSize + 1
	assert.Len(t, frames, want)
	for _, f := range frames {
		assert.Equal(t, int64(1), f.Seq)
		assert.Len(t, f.Bands, a.Params().Bands)
	}
}

func TestSineTonePeaksNearItsFrequency(t *testing.T) {
	const rate = 48000
	a := NewAnalyzer(rate)
	frames := a.Process(0, time.Now(), sine(0.5, 1000, rate, rate/2))
	require.NotEmpty(t, frames)

	f := frames[len(frames)-1]
	assert.InDelta(t, 1000, f.MaxFrequencyHz, 300)

	// Bands far above the tone stay at the display floor.
	assert.InDelta(t, DBMin, f.Bands[len(f.Bands)-1], 0.5)
}

func TestSilenceHasNoEnergeticFrequency(t *testing.T) {
	a := NewAnalyzer(48000)
	frames := a.Process(0, time.Now(), make([]float32, FFTSize))
	require.NotEmpty(t, frames)
	f := frames[0]
	assert.Zero(t, f.MaxFrequencyHz)
	for _, b := range f.Bands {
		assert.Equal(t, DBMin, b)
	}
}

func TestResetDiscardsRollingWindow(t *testing.T) {
	a := NewAnalyzer(48000)
	a.Process(0, time.Now(), sine(0.5, 440, 48000, FFTSize-10))
	a.Reset()
	frames := a.Process(1, time.Now(), sine(0.5, 440, 48000, FFTSize-10))
	assert.Empty(t, frames)
}

func TestDeterministicAcrossRuns(t *testing.T) {
	input := sine(0.3, 2000, 48000, FFTSize+HopSize)
	ts := time.Unix(0, 0)

	a1 := NewAnalyzer(48000)
	a2 := NewAnalyzer(48000)
	f1 := a1.Process(0, ts, input)
	f2 := a2.Process(0, ts, input)
	require.Equal(t, len(f1), len(f2))
	for i := range f1 {
		assert.Equal(t, f1[i].Bands, f2[i].Bands)
		assert.Equal(t, f1[i].MaxFrequencyHz, f2[i].MaxFrequencyHz)
	}
}
