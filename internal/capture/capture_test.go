package capture

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icelandic-lt/revoxx/internal/device"
)

// fakeSource produces a fixed number of blocks, or runs forever when
// endless is set. Read returns io.EOF after the blocks run out or a
// stop is requested.
type fakeSource struct {
	blocks  int
	size    int
	endless bool
	failAt  int // 1-based block index that returns an error; 0 = never

	reads   int
	stopped atomic.Bool
	closes  atomic.Int32
}

func (f *fakeSource) Start() error { return nil }

func (f *fakeSource) Read() ([]float32, error) {
	if f.stopped.Load() {
		return nil, io.EOF
	}
	f.reads++
	if f.failAt > 0 && f.reads == f.failAt {
		return nil, errors.New("simulated device discontinuity")
	}
	if !f.endless && f.reads > f.blocks {
		return nil, io.EOF
	}
	if f.endless {
		// Pace the producer so stall tests are not a busy loop.
		time.Sleep(time.Millisecond)
	}
	return make([]float32, f.size), nil
}

func (f *fakeSource) Stop() error {
	f.stopped.Store(true)
	return nil
}

func (f *fakeSource) Close() error {
	f.closes.Add(1)
	return nil
}

var testDevice = device.AudioDevice{ID: "mic", Name: "mic", Direction: device.Input, MaxChannels: 2}

func testConfig() device.Config {
	return device.Config{SampleRate: 48000, BitDepth: 16, Channels: 1}
}

func testCaps() device.Capabilities {
	return device.Capabilities{DeviceID: "mic", Configs: []device.Config{testConfig()}}
}

func TestOpenRejectsUnconfirmedConfig(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	bad := device.Config{SampleRate: 96000, BitDepth: 24, Channels: 1}
	_, err := e.Open(&fakeSource{}, testDevice, bad, testCaps())
	assert.ErrorIs(t, err, ErrUnsupportedConfiguration)
}

func TestOpenRejectsSecondClaim(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	first, err := e.Open(&fakeSource{}, testDevice, testConfig(), testCaps())
	require.NoError(t, err)

	_, err = e.Open(&fakeSource{}, testDevice, testConfig(), testCaps())
	assert.ErrorIs(t, err, ErrDeviceBusy)

	// Releasing the claim makes the engine available again.
	require.NoError(t, first.Stop())
	_, err = e.Open(&fakeSource{}, testDevice, testConfig(), testCaps())
	assert.NoError(t, err)
}

func TestAllFramesDeliveredWithContiguousSequence(t *testing.T) {
	const n = 50
	e := NewEngine(zerolog.Nop())
	c, err := e.Open(&fakeSource{blocks: n, size: 64}, testDevice, testConfig(), testCaps())
	require.NoError(t, err)

	sub, err := c.Subscribe("writer", n+1, Backpressure)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	var got []int64
	for f := range sub.Frames() {
		got = append(got, f.Seq)
		assert.Len(t, f.Samples, 64)
		assert.False(t, f.Timestamp.IsZero())
	}
	require.Len(t, got, n)
	for i, seq := range got {
		assert.Equal(t, int64(i), seq)
	}

	<-c.Done()
	assert.NoError(t, c.Err())
}

func TestDropOldestAttributesOverrunsToSlowConsumer(t *testing.T) {
	const n = 10
	e := NewEngine(zerolog.Nop())
	c, err := e.Open(&fakeSource{blocks: n, size: 8}, testDevice, testConfig(), testCaps())
	require.NoError(t, err)

	var overrunName string
	c.OnOverrun(func(consumer string, total int64) { overrunName = consumer })

	slow, err := c.Subscribe("meter", 2, DropOldest)
	require.NoError(t, err)
	writer, err := c.Subscribe("writer", n+1, Backpressure)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	<-c.Done()

	// The writer saw every frame.
	var writerSeqs []int64
	for f := range writer.Frames() {
		writerSeqs = append(writerSeqs, f.Seq)
	}
	require.Len(t, writerSeqs, n)

	// The slow consumer kept only the newest frames and owns the loss.
	assert.Equal(t, int64(n-2), slow.Overruns())
	assert.Equal(t, "meter", overrunName)
	var kept []int64
	for f := range slow.Frames() {
		kept = append(kept, f.Seq)
	}
	assert.Equal(t, []int64{n - 2, n - 1}, kept)

	assert.NoError(t, c.Err())
}

func TestBackpressureStallAborts(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	e.SetStallTimeout(30 * time.Millisecond)
	c, err := e.Open(&fakeSource{endless: true, size: 8}, testDevice, testConfig(), testCaps())
	require.NoError(t, err)

	// A writer that never reads.
	_, err = c.Subscribe("writer", 1, Backpressure)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not abort on stalled writer")
	}
	assert.ErrorIs(t, c.Err(), ErrWriteStalled)
}

func TestReadFaultAbortsRun(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	c, err := e.Open(&fakeSource{blocks: 100, size: 8, failAt: 4}, testDevice, testConfig(), testCaps())
	require.NoError(t, err)

	sub, err := c.Subscribe("writer", 128, Backpressure)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	<-c.Done()

	assert.ErrorIs(t, c.Err(), ErrCaptureFault)

	// Frames before the fault keep their numbering.
	var seqs []int64
	for f := range sub.Frames() {
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []int64{0, 1, 2}, seqs)
}

func TestStopFlushesAndClosesSubscribers(t *testing.T) {
	src := &fakeSource{endless: true, size: 8}
	e := NewEngine(zerolog.Nop())
	c, err := e.Open(src, testDevice, testConfig(), testCaps())
	require.NoError(t, err)

	sub, err := c.Subscribe("writer", 1024, Backpressure)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Stop())

	// Queued frames stay readable after Stop until the channel closes.
	count := 0
	for range sub.Frames() {
		count++
	}
	assert.Greater(t, count, 0)
	assert.True(t, src.stopped.Load())
	assert.Equal(t, int32(1), src.closes.Load())
}

func TestSubscribeAfterStartFails(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	c, err := e.Open(&fakeSource{blocks: 1, size: 8}, testDevice, testConfig(), testCaps())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	_, err = c.Subscribe("late", 8, DropOldest)
	assert.Error(t, err)
	<-c.Done()
}

func TestDownmixInterleavedMono(t *testing.T) {
	input := []float32{0.1, 0.2, 0.3, 0.4}
	got := DownmixInterleaved(input, 1, len(input))
	assert.Equal(t, input, got)
	assert.NotSame(t, &input[0], &got[0])
}

func TestDownmixInterleavedStereo(t *testing.T) {
	input := []float32{
		0.0, 1.0,
		0.5, 0.5,
		1.0, 0.0,
		-0.5, 0.5,
	}
	got := DownmixInterleaved(input, 2, 4)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.0}, got)
}

func TestDownmixInterleavedMoreChannels(t *testing.T) {
	input := []float32{
		1, 3, 5,
		2, 4, 6,
	}
	got := DownmixInterleaved(input, 3, 2)
	assert.Equal(t, []float32{3, 4}, got)
}
