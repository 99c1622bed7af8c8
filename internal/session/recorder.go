package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icelandic-lt/revoxx/internal/capture"
	"github.com/icelandic-lt/revoxx/internal/level"
	"github.com/icelandic-lt/revoxx/internal/mel"
	"github.com/icelandic-lt/revoxx/internal/wav"
)

// State is the session's recording state. Accepting or discarding a
// reviewed take returns the session to Idle.
type State int

const (
	Idle State = iota
	Armed
	Recording
	Reviewing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	case Reviewing:
		return "reviewing"
	}
	return "unknown"
}

// Monitor receives live feedback during a recording run. Callbacks
// fire on the session's consumer goroutines and must not block;
// anything slow belongs behind the caller's own queue.
type Monitor interface {
	LevelReading(level.Reading)
	SpectrogramFrame(mel.Frame)
	StateChanged(utt string, from, to State)
	ConsumerOverrun(consumer string, total int64)
}

const (
	// writerQueue holds several seconds of frames so short disk
	// hiccups never reach the backpressure timeout.
	writerQueue = 256
	meterQueue  = 16
)

type activeRun struct {
	cap     *capture.Capture
	writer  *wav.Writer
	pending string

	takeMeter *level.Meter
	startedAt time.Time

	wg       sync.WaitGroup
	errMu    sync.Mutex
	writeErr error

	summary  level.Summary
	duration time.Duration
}

func (r *activeRun) setWriteErr(err error) {
	r.errMu.Lock()
	if r.writeErr == nil {
		r.writeErr = err
	}
	r.errMu.Unlock()
}

func (r *activeRun) writeError() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.writeErr
}

// SetMonitor installs the live-feedback observer. Call it before
// starting a recording.
func (s *Session) SetMonitor(m Monitor) {
	s.mu.Lock()
	s.monitor = m
	s.mu.Unlock()
}

// State reports the current recording state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentUtterance returns the armed or recording utterance ID.
func (s *Session) CurrentUtterance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// setState must be called with s.mu held.
func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.log.Debug().Str("utterance", s.current).
		Stringer("from", from).Stringer("to", to).Msg("State changed")
	if s.monitor != nil {
		s.monitor.StateChanged(s.current, from, to)
	}
}

// Arm selects the utterance to record next. No capture resources are
// held until recording starts; re-arming a different utterance is
// allowed while still Armed.
func (s *Session) Arm(utt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Recording:
		return ErrRecordingActive
	case Reviewing:
		return fmt.Errorf("arm %s: %w: take under review", utt, ErrInvalidState)
	}
	if _, ok := s.script.ByID(utt); !ok {
		return fmt.Errorf("arm %s: %w", utt, ErrUnknownUtterance)
	}
	s.current = utt
	s.setState(Armed)
	return nil
}

// StartRecording begins capturing the armed utterance. Frames stream
// to a pending WAV file under the utterance's recordings directory and
// to the live level/spectrogram consumers. The capture's configuration
// must match the session's.
func (s *Session) StartRecording(ctx context.Context, c *capture.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Recording:
		return ErrRecordingActive
	case Idle, Reviewing:
		return fmt.Errorf("start recording: %w: no utterance armed", ErrInvalidState)
	}
	if !s.meta.Audio.Matches(c.Config()) {
		return fmt.Errorf("start recording: capture %s does not match session %dHz/%dbit/%dch",
			c.Config(), s.meta.Audio.SampleRate, s.meta.Audio.BitDepth, s.meta.Audio.Channels)
	}

	uttDir := filepath.Join(s.dir, recordingsDir, s.current)
	if err := os.MkdirAll(uttDir, 0755); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	pending := filepath.Join(uttDir, pendingPrefix+uuid.New().String()+".wav")

	cfg := s.meta.Audio
	writer, err := wav.NewWriter(pending, cfg.SampleRate, cfg.BitDepth, cfg.Channels)
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}

	wsub, err := c.Subscribe("writer", writerQueue, capture.Backpressure)
	if err != nil {
		writer.Abort()
		os.Remove(pending)
		return fmt.Errorf("start recording: %w", err)
	}
	msub, err := c.Subscribe("meter", meterQueue, capture.DropOldest)
	if err != nil {
		writer.Abort()
		os.Remove(pending)
		return fmt.Errorf("start recording: %w", err)
	}
	ssub, err := c.Subscribe("spectrogram", meterQueue, capture.DropOldest)
	if err != nil {
		writer.Abort()
		os.Remove(pending)
		return fmt.Errorf("start recording: %w", err)
	}

	preset, _ := level.PresetByName(s.meta.Preset)
	run := &activeRun{
		cap:       c,
		writer:    writer,
		pending:   pending,
		takeMeter: level.NewMeter(cfg.SampleRate, preset),
		startedAt: time.Now().UTC(),
	}

	mon := s.monitor
	if mon != nil {
		c.OnOverrun(mon.ConsumerOverrun)
	}

	channels := cfg.Channels
	live := level.NewMeter(cfg.SampleRate, preset)
	analyzer := mel.NewAnalyzer(cfg.SampleRate)

	writeHook := s.writeHook
	run.wg.Add(3)
	go func() {
		defer run.wg.Done()
		for f := range wsub.Frames() {
			if writeHook != nil {
				writeHook()
			}
			if err := run.writer.WriteSamples(f.Samples); err != nil {
				// Keep draining so the producer is never stalled on a
				// dead writer; the error surfaces at stop.
				run.setWriteErr(err)
				continue
			}
			mono := capture.DownmixInterleaved(f.Samples, channels, len(f.Samples)/channels)
			run.takeMeter.Process(f.Seq, f.Timestamp, mono)
		}
	}()
	go func() {
		defer run.wg.Done()
		for f := range msub.Frames() {
			mono := capture.DownmixInterleaved(f.Samples, channels, len(f.Samples)/channels)
			r := live.Process(f.Seq, f.Timestamp, mono)
			if mon != nil {
				mon.LevelReading(r)
			}
		}
	}()
	go func() {
		defer run.wg.Done()
		for f := range ssub.Frames() {
			mono := capture.DownmixInterleaved(f.Samples, channels, len(f.Samples)/channels)
			for _, sf := range analyzer.Process(f.Seq, f.Timestamp, mono) {
				if mon != nil {
					mon.SpectrogramFrame(sf)
				}
			}
		}
	}()

	if err := c.Start(ctx); err != nil {
		run.wg.Wait()
		run.writer.Abort()
		os.Remove(pending)
		s.setState(Idle)
		return fmt.Errorf("start recording: %w", err)
	}

	s.run = run
	s.setState(Recording)
	s.log.Info().Str("utterance", s.current).Str("file", filepath.Base(pending)).
		Msg("Recording started")
	return nil
}

// StopRecording ends the capture run, drains every queued frame to
// disk, finalizes the pending file, and moves to Reviewing. A capture
// fault or write failure retains the pending file on disk for
// forensics, returns the session to Idle, and leaves committed takes
// untouched.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Recording {
		return fmt.Errorf("stop recording: %w", ErrInvalidState)
	}
	run := s.run

	err := run.cap.Stop()
	run.wg.Wait()

	if err == nil {
		err = run.writeError()
	}
	if err == nil {
		err = run.writer.Finalize()
	}
	if err != nil {
		run.writer.Abort()
		s.run = nil
		s.setState(Idle)
		s.log.Error().Err(err).Str("utterance", s.current).
			Str("file", filepath.Base(run.pending)).Msg("Recording aborted, pending file retained")
		return fmt.Errorf("stop recording: %w", err)
	}

	run.summary = run.takeMeter.Summary()
	run.duration = run.writer.Duration()
	s.setState(Reviewing)
	s.log.Info().Str("utterance", s.current).
		Dur("duration", run.duration).Msg("Recording stopped")
	return nil
}

// Accept commits the reviewed recording as the utterance's next take.
// The sequence number is one past the highest ever used for the
// utterance, so numbers are never reused even after deletions.
func (s *Session) Accept() (Take, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Reviewing {
		return Take{}, fmt.Errorf("accept: %w", ErrInvalidState)
	}
	run := s.run

	n := s.nextNumber(s.current)
	take := Take{
		Utterance:  s.current,
		Number:     n,
		Status:     StatusActive,
		RecordedAt: run.startedAt,
		Duration:   run.duration.Seconds(),
		PeakDB:     run.summary.PeakDB,
		RMSDB:      run.summary.RMSDB,
		Clipped:    run.summary.Clipped,
	}

	if err := os.Rename(run.pending, s.TakePath(s.current, n)); err != nil {
		return Take{}, fmt.Errorf("accept: %w", err)
	}
	// The audio is committed under this number now; reserve it even if
	// the metadata write below fails.
	if n > s.maxSeen[s.current] {
		s.maxSeen[s.current] = n
	}
	if err := s.writeTakeMeta(take); err != nil {
		return Take{}, fmt.Errorf("accept: %w", err)
	}

	s.takes[s.current] = append(s.takes[s.current], take)
	s.run = nil
	s.setState(Idle)
	s.log.Info().Str("utterance", take.Utterance).Int("take", n).
		Float64("peak_db", take.PeakDB).Float64("rms_db", take.RMSDB).
		Msg("Take accepted")
	return take, nil
}

// Discard moves the reviewed recording out of the take history. The
// audio is kept under discarded/ but never numbered and never
// enumerated as a take.
func (s *Session) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Reviewing {
		return fmt.Errorf("discard: %w", ErrInvalidState)
	}
	run := s.run

	dir := filepath.Join(s.dir, discardedDir, s.current)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("discard: %w", err)
	}
	dest := filepath.Join(dir, run.startedAt.Format("20060102-150405.000000000")+".wav")
	if err := os.Rename(run.pending, dest); err != nil {
		return fmt.Errorf("discard: %w", err)
	}

	s.run = nil
	s.setState(Idle)
	s.log.Info().Str("utterance", s.current).Msg("Take discarded")
	return nil
}
