package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icelandic-lt/revoxx/internal/device"
	"github.com/icelandic-lt/revoxx/internal/level"
	"github.com/icelandic-lt/revoxx/internal/script"
)

const (
	// DirSuffix marks a session directory on disk.
	DirSuffix = ".revoxx"

	sessionFile   = "session.json"
	scriptName    = "utts.data"
	recordingsDir = "recordings"
	discardedDir  = "discarded"
	pendingPrefix = ".pending-"
)

var (
	ErrSessionExists    = errors.New("session already exists")
	ErrRecordingActive  = errors.New("recording already active")
	ErrInvalidState     = errors.New("operation not valid in current state")
	ErrUnknownUtterance = errors.New("utterance not in script")
	ErrTakeNotFound     = errors.New("take not found")
)

// Config is the session's audio configuration. It is chosen at
// creation and never changes afterwards; every take in the session
// shares it.
type Config struct {
	SampleRate int `json:"sample_rate"`
	BitDepth   int `json:"bit_depth"`
	Channels   int `json:"channels"`
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", c.SampleRate)
	}
	if c.BitDepth != 16 && c.BitDepth != 24 {
		return fmt.Errorf("unsupported bit depth %d", c.BitDepth)
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("unsupported channel count %d", c.Channels)
	}
	return nil
}

// Matches reports whether a capture device configuration carries the
// same audio parameters.
func (c Config) Matches(d device.Config) bool {
	return c.SampleRate == d.SampleRate && c.BitDepth == d.BitDepth && c.Channels == d.Channels
}

// Status is a take's logical state. Deleting a take flips the status
// and nothing else; the audio file stays on disk.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Take is one committed recording of an utterance.
type Take struct {
	Utterance  string    `json:"utterance"`
	Number     int       `json:"number"`
	Status     Status    `json:"status"`
	RecordedAt time.Time `json:"recorded_at"`
	Duration   float64   `json:"duration_seconds"`
	PeakDB     float64   `json:"peak_db"`
	RMSDB      float64   `json:"rms_db"`
	Clipped    bool      `json:"clipped"`
}

type manifest struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Audio     Config    `json:"audio"`
	Preset    string    `json:"preset"`
}

// Session owns one script, one immutable audio configuration, and the
// per-utterance take history under a single directory.
type Session struct {
	dir    string
	meta   manifest
	script *script.Script
	log    zerolog.Logger

	// guarded by mu: take history and the recording state machine
	takes   map[string][]Take
	state   State
	current string
	run     *activeRun
	monitor Monitor

	// maxSeen tracks the highest take number ever observed on disk per
	// utterance, orphaned audio without a metadata record included, so
	// a number is never handed out twice.
	maxSeen map[string]int

	// writeHook runs before each disk write when set; tests use it to
	// simulate a slow writer.
	writeHook func()

	mu sync.Mutex
}

// Create makes a new session directory under base, copies the script
// into it, and writes the immutable session manifest.
func Create(base, name string, cfg Config, scriptPath, preset string, log zerolog.Logger) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if _, ok := level.PresetByName(preset); !ok {
		return nil, fmt.Errorf("create session: unknown preset %q", preset)
	}

	scr, err := script.Load(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	dir := filepath.Join(base, name+DirSuffix)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("create session %s: %w", dir, ErrSessionExists)
	}
	if err := os.MkdirAll(filepath.Join(dir, recordingsDir), 0755); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := copyFile(scriptPath, filepath.Join(dir, scriptName)); err != nil {
		return nil, fmt.Errorf("create session: copy script: %w", err)
	}

	meta := manifest{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Audio:     cfg,
		Preset:    preset,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, sessionFile), data, 0644); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	log.Info().Str("session", name).Str("dir", dir).
		Int("sample_rate", cfg.SampleRate).Int("bit_depth", cfg.BitDepth).
		Msg("Session created")

	return &Session{
		dir:     dir,
		meta:    meta,
		script:  scr,
		log:     log,
		takes:   make(map[string][]Take),
		maxSeen: make(map[string]int),
	}, nil
}

// Load restores a session from its directory and rescans the take
// history. In-progress capture files from a crashed run are left in
// place and never enumerated as takes.
func Load(dir string, log zerolog.Logger) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, sessionFile))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var meta manifest
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("load session: parse %s: %w", sessionFile, err)
	}
	if err := meta.Audio.validate(); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if _, ok := level.PresetByName(meta.Preset); !ok {
		return nil, fmt.Errorf("load session: unknown preset %q", meta.Preset)
	}

	scr, err := script.Load(filepath.Join(dir, scriptName))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	s := &Session{
		dir:     dir,
		meta:    meta,
		script:  scr,
		log:     log,
		takes:   make(map[string][]Take),
		maxSeen: make(map[string]int),
	}
	if err := s.scanTakes(); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

// List returns the names of sessions found directly under base.
func List(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), DirSuffix) {
			continue
		}
		if _, err := os.Stat(filepath.Join(base, e.Name(), sessionFile)); err != nil {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), DirSuffix))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Session) scanTakes() error {
	root := filepath.Join(s.dir, recordingsDir)
	uttDirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, uttDir := range uttDirs {
		if !uttDir.IsDir() {
			continue
		}
		utt := uttDir.Name()
		files, err := os.ReadDir(filepath.Join(root, utt))
		if err != nil {
			return err
		}
		recorded := make(map[int]bool)
		audio := make(map[int]bool)
		for _, f := range files {
			name := f.Name()
			if strings.HasPrefix(name, pendingPrefix) {
				s.log.Warn().Str("utterance", utt).Str("file", name).
					Msg("Ignoring unfinished capture file from a previous run")
				continue
			}
			n, ok := parseTakeNumber(name)
			if !ok {
				continue
			}
			if n > s.maxSeen[utt] {
				s.maxSeen[utt] = n
			}
			if filepath.Ext(name) == ".wav" {
				audio[n] = true
				continue
			}
			if filepath.Ext(name) != ".json" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, utt, name))
			if err != nil {
				return err
			}
			var take Take
			if err := json.Unmarshal(data, &take); err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
			if _, err := os.Stat(s.TakePath(utt, take.Number)); err != nil {
				s.log.Warn().Str("utterance", utt).Int("take", take.Number).
					Msg("Take metadata present but audio file missing")
			}
			recorded[take.Number] = true
			s.takes[utt] = append(s.takes[utt], take)
		}
		for n := range audio {
			if !recorded[n] {
				// Committed audio without a metadata record, most
				// likely a crash between rename and metadata write.
				// The file is kept and its number stays reserved.
				s.log.Warn().Str("utterance", utt).Int("take", n).
					Msg("Take audio present without a metadata record")
			}
		}
		sort.Slice(s.takes[utt], func(i, j int) bool {
			return s.takes[utt][i].Number < s.takes[utt][j].Number
		})
	}
	return nil
}

// parseTakeNumber extracts the sequence number from a take_NNN.wav or
// take_NNN.json file name.
func parseTakeNumber(name string) (int, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if !strings.HasPrefix(base, "take_") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(base, "take_"))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (s *Session) ID() string     { return s.meta.ID }
func (s *Session) Name() string   { return s.meta.Name }
func (s *Session) Dir() string    { return s.dir }
func (s *Session) Audio() Config  { return s.meta.Audio }
func (s *Session) Preset() string { return s.meta.Preset }

// Script returns the session's utterance list.
func (s *Session) Script() *script.Script { return s.script }

// TakePath returns where a committed take's audio lives on disk.
func (s *Session) TakePath(utt string, n int) string {
	return filepath.Join(s.dir, recordingsDir, utt, takeName(n)+".wav")
}

func (s *Session) takeMetaPath(utt string, n int) string {
	return filepath.Join(s.dir, recordingsDir, utt, takeName(n)+".json")
}

func takeName(n int) string { return fmt.Sprintf("take_%03d", n) }

// Takes returns the committed takes for one utterance in sequence
// order, deleted ones included.
func (s *Session) Takes(utt string) []Take {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Take, len(s.takes[utt]))
	copy(out, s.takes[utt])
	return out
}

// ActiveTake returns the utterance's current take: the highest-numbered
// one whose status is still active.
func (s *Session) ActiveTake(utt string) (Take, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	takes := s.takes[utt]
	for i := len(takes) - 1; i >= 0; i-- {
		if takes[i].Status == StatusActive {
			return takes[i], true
		}
	}
	return Take{}, false
}

// DeleteTake marks a take deleted. The audio file and the rest of the
// metadata record stay exactly as they were; the take remains
// enumerable for audit and export.
func (s *Session) DeleteTake(utt string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	takes := s.takes[utt]
	for i := range takes {
		if takes[i].Number != n {
			continue
		}
		if takes[i].Status == StatusDeleted {
			return nil
		}
		takes[i].Status = StatusDeleted
		if err := s.writeTakeMeta(takes[i]); err != nil {
			takes[i].Status = StatusActive
			return fmt.Errorf("delete take: %w", err)
		}
		s.log.Info().Str("utterance", utt).Int("take", n).Msg("Take marked deleted")
		return nil
	}
	return fmt.Errorf("delete take %s/%d: %w", utt, n, ErrTakeNotFound)
}

func (s *Session) writeTakeMeta(t Take) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.takeMetaPath(t.Utterance, t.Number), data, 0644)
}

// nextNumber picks the next take sequence number for an utterance:
// one past the highest ever seen on disk, deleted takes and orphaned
// audio included, so a number is never reused.
func (s *Session) nextNumber(utt string) int {
	max := s.maxSeen[utt]
	for _, t := range s.takes[utt] {
		if t.Number > max {
			max = t.Number
		}
	}
	return max + 1
}

// ExportTake is one take in an export listing, with the on-disk audio
// path resolved.
type ExportTake struct {
	Take
	Path string `json:"path"`
}

// ExportEntry groups an utterance's exportable takes.
type ExportEntry struct {
	Utterance string       `json:"utterance"`
	Text      string       `json:"text"`
	Emotion   *int         `json:"emotion,omitempty"`
	Takes     []ExportTake `json:"takes"`
}

// Export enumerates utterances with their takes for the external
// dataset-export tool, in script order. Deleted takes appear only when
// asked for; discarded audio never appears.
func (s *Session) Export(includeDeleted bool) []ExportEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []ExportEntry
	for _, u := range s.script.Utterances {
		var takes []ExportTake
		for _, t := range s.takes[u.ID] {
			if t.Status == StatusDeleted && !includeDeleted {
				continue
			}
			takes = append(takes, ExportTake{Take: t, Path: s.TakePath(u.ID, t.Number)})
		}
		if len(takes) == 0 {
			continue
		}
		entries = append(entries, ExportEntry{
			Utterance: u.ID,
			Text:      u.Text,
			Emotion:   u.Emotion,
			Takes:     takes,
		})
	}
	return entries
}

// TakeAudio locates one take's raw audio and sample configuration for
// external analysis such as voice-activity detection.
type TakeAudio struct {
	Path       string
	SampleRate int
	BitDepth   int
	Channels   int
}

func (s *Session) TakeAudio(utt string, n int) (TakeAudio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.takes[utt] {
		if t.Number != n {
			continue
		}
		path := s.TakePath(utt, n)
		if _, err := os.Stat(path); err != nil {
			return TakeAudio{}, fmt.Errorf("take audio %s/%d: %w", utt, n, err)
		}
		return TakeAudio{
			Path:       path,
			SampleRate: s.meta.Audio.SampleRate,
			BitDepth:   s.meta.Audio.BitDepth,
			Channels:   s.meta.Audio.Channels,
		}, nil
	}
	return TakeAudio{}, fmt.Errorf("take audio %s/%d: %w", utt, n, ErrTakeNotFound)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
