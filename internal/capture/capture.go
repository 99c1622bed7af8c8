// Package capture streams timestamped, gap-free audio frames from an
// input device to multiple consumers.
//
// One producer goroutine performs blocking reads from the device and
// fans frames out through per-subscriber bounded queues. Display
// subscribers drop their own oldest frame under load; the disk writer
// subscriber is never dropped; the producer applies backpressure up to
// a bounded stall timeout and aborts the run rather than lose samples.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/icelandic-lt/revoxx/internal/device"
)

var (
	// ErrUnsupportedConfiguration means the device/config pair was not
	// confirmed by the prober.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")
	// ErrDeviceBusy means the engine already holds an open capture.
	ErrDeviceBusy = errors.New("device busy")
	// ErrWriteStalled means a backpressure consumer exceeded the stall
	// bound; the run is aborted rather than dropping its frames.
	ErrWriteStalled = errors.New("write stalled")
	// ErrCaptureFault wraps a device discontinuity or read failure. The
	// run is aborted; frames are never silently re-numbered.
	ErrCaptureFault = errors.New("capture fault")
)

// DefaultStallTimeout bounds how long the producer waits on a
// backpressure subscriber before aborting with ErrWriteStalled.
const DefaultStallTimeout = 5 * time.Second

// Frame is one fixed-size block of interleaved samples. Seq starts at 0
// and is contiguous for the duration of one capture run.
type Frame struct {
	Seq       int64
	Timestamp time.Time
	Samples   []float32
}

// Policy selects the overflow behavior of a subscription queue.
type Policy int

const (
	// DropOldest evicts the subscriber's oldest unread frame under
	// load. Display is best-effort.
	DropOldest Policy = iota
	// Backpressure makes the producer wait, bounded by the stall
	// timeout. Capture to disk is not best-effort.
	Backpressure
)

// OverrunFunc is notified when a DropOldest subscriber loses a frame.
// It runs on the producer goroutine and must not block.
type OverrunFunc func(consumer string, total int64)

// Subscription is one consumer's view of the frame stream. The Frames
// channel is closed when the run ends.
type Subscription struct {
	name     string
	policy   Policy
	ch       chan Frame
	overruns atomic.Int64
}

// Name identifies the consumer, used when attributing overruns.
func (s *Subscription) Name() string { return s.name }

// Frames delivers the stream in arrival order.
func (s *Subscription) Frames() <-chan Frame { return s.ch }

// Overruns reports how many frames this subscriber has lost.
func (s *Subscription) Overruns() int64 { return s.overruns.Load() }

// Source abstracts the device stream. Read blocks until one block is
// available and returns io.EOF after a requested stop has drained.
type Source interface {
	Start() error
	Read() ([]float32, error)
	Stop() error
	Close() error
}

// Engine opens validated device configurations for capture. Only one
// capture may be open at a time.
type Engine struct {
	log          zerolog.Logger
	stallTimeout time.Duration

	mu     sync.Mutex
	active *Capture
}

// NewEngine creates an engine with the default stall timeout.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log, stallTimeout: DefaultStallTimeout}
}

// SetStallTimeout overrides the backpressure bound. Tests use short
// timeouts.
func (e *Engine) SetStallTimeout(d time.Duration) { e.stallTimeout = d }

// Open claims the engine for one capture run. cfg must be confirmed by
// the prober's capability set for the device.
func (e *Engine) Open(source Source, dev device.AudioDevice, cfg device.Config, caps device.Capabilities) (*Capture, error) {
	if !caps.Supports(cfg) {
		return nil, fmt.Errorf("%s on %s: %w", cfg, dev.ID, ErrUnsupportedConfiguration)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, fmt.Errorf("%s: %w", dev.ID, ErrDeviceBusy)
	}
	c := &Capture{
		engine: e,
		source: source,
		dev:    dev,
		cfg:    cfg,
		log:    e.log.With().Str("device", dev.ID).Logger(),
		done:   make(chan struct{}),
	}
	e.active = c
	return c, nil
}

func (e *Engine) release(c *Capture) {
	e.mu.Lock()
	if e.active == c {
		e.active = nil
	}
	e.mu.Unlock()
}

// Capture is one open run against a device.
type Capture struct {
	engine *Engine
	source Source
	dev    device.AudioDevice
	cfg    device.Config
	log    zerolog.Logger

	mu        sync.Mutex
	subs      []*Subscription
	onOverrun OverrunFunc
	started   bool
	stopping  atomic.Bool

	done    chan struct{}
	runErr  error
	stopped sync.Once
}

// Config returns the validated device configuration.
func (c *Capture) Config() device.Config { return c.cfg }

// Device returns the device this capture was opened on.
func (c *Capture) Device() device.AudioDevice { return c.dev }

// OnOverrun installs the overrun callback. Must be set before Start.
func (c *Capture) OnOverrun(fn OverrunFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOverrun = fn
}

// Subscribe registers a consumer before the run starts.
func (c *Capture) Subscribe(name string, buffer int, policy Policy) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, fmt.Errorf("subscribe %s: capture already started", name)
	}
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{name: name, policy: policy, ch: make(chan Frame, buffer)}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Start begins producing frames.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("capture already started")
	}
	c.started = true
	subs := c.subs
	onOverrun := c.onOverrun
	c.mu.Unlock()

	if err := c.source.Start(); err != nil {
		for _, sub := range subs {
			close(sub.ch)
		}
		c.source.Close()
		c.finish(fmt.Errorf("%w: start stream: %v", ErrCaptureFault, err))
		return fmt.Errorf("start capture: %w", err)
	}
	go c.run(ctx, subs, onOverrun)
	return nil
}

func (c *Capture) run(ctx context.Context, subs []*Subscription, onOverrun OverrunFunc) {
	var seq int64
	var fatal error

loop:
	for {
		if ctx.Err() != nil {
			break
		}
		samples, err := c.source.Read()
		if err != nil {
			if err == io.EOF || c.stopping.Load() {
				break
			}
			fatal = fmt.Errorf("%w: %v", ErrCaptureFault, err)
			break
		}

		frame := Frame{Seq: seq, Timestamp: time.Now(), Samples: samples}
		seq++

		for _, sub := range subs {
			if err := c.deliver(sub, frame, onOverrun); err != nil {
				fatal = err
				break loop
			}
		}
	}

	c.source.Stop()
	c.source.Close()
	for _, sub := range subs {
		close(sub.ch)
	}
	c.finish(fatal)
}

func (c *Capture) deliver(sub *Subscription, frame Frame, onOverrun OverrunFunc) error {
	select {
	case sub.ch <- frame:
		return nil
	default:
	}

	switch sub.policy {
	case DropOldest:
		// Evict the subscriber's own oldest frame; nobody else waits.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- frame:
		default:
		}
		total := sub.overruns.Add(1)
		if onOverrun != nil {
			onOverrun(sub.name, total)
		}
		return nil

	case Backpressure:
		timer := time.NewTimer(c.engine.stallTimeout)
		defer timer.Stop()
		select {
		case sub.ch <- frame:
			return nil
		case <-timer.C:
			return fmt.Errorf("consumer %s: %w", sub.name, ErrWriteStalled)
		}
	}
	return nil
}

// Stop ends production cleanly. It returns once the producer has
// flushed its final block and closed all subscriber channels; queued
// frames remain readable by consumers until drained.
func (c *Capture) Stop() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	c.stopping.Store(true)
	if !started {
		// Never ran: release the claim directly.
		c.source.Close()
		c.finish(nil)
		return nil
	}
	c.source.Stop()
	<-c.done
	return c.Err()
}

func (c *Capture) finish(err error) {
	c.stopped.Do(func() {
		c.runErr = err
		c.engine.release(c)
		if err != nil {
			c.log.Error().Err(err).Msg("Capture aborted")
		}
		close(c.done)
	})
}

// Done closes when the run has ended and all subscriber channels are
// closed.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Err reports the fatal error that ended the run, nil after a clean
// stop. Valid once Done is closed.
func (c *Capture) Err() error {
	select {
	case <-c.done:
		return c.runErr
	default:
		return nil
	}
}
