package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icelandic-lt/revoxx/internal/capture"
)

func TestCreateWritesManifestAndScript(t *testing.T) {
	base := t.TempDir()
	cfg := Config{SampleRate: 44100, BitDepth: 24, Channels: 2}
	s, err := Create(base, "studio", cfg, writeScriptFile(t, base), "ebu-r128", zerolog.Nop())
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "studio", s.Name())
	assert.Equal(t, cfg, s.Audio())
	assert.Equal(t, "ebu-r128", s.Preset())
	assert.Equal(t, 2, s.Script().Len())

	assert.FileExists(t, filepath.Join(s.Dir(), "session.json"))
	assert.FileExists(t, filepath.Join(s.Dir(), "utts.data"))
	assert.DirExists(t, filepath.Join(s.Dir(), "recordings"))
}

func TestCreateRejectsBadInput(t *testing.T) {
	base := t.TempDir()
	script := writeScriptFile(t, base)
	good := Config{SampleRate: 48000, BitDepth: 16, Channels: 1}

	_, err := Create(base, "s1", Config{SampleRate: 48000, BitDepth: 8, Channels: 1}, script, "tts-dataset", zerolog.Nop())
	assert.ErrorContains(t, err, "bit depth")

	_, err = Create(base, "s1", good, script, "loudness-war", zerolog.Nop())
	assert.ErrorContains(t, err, "unknown preset")

	_, err = Create(base, "s1", good, filepath.Join(base, "nope.data"), "tts-dataset", zerolog.Nop())
	assert.Error(t, err)

	_, err = Create(base, "s1", good, script, "tts-dataset", zerolog.Nop())
	require.NoError(t, err)
	_, err = Create(base, "s1", good, script, "tts-dataset", zerolog.Nop())
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestLoadRestoresTakeHistory(t *testing.T) {
	s := newTestSession(t)
	e := capture.NewEngine(zerolog.Nop())
	recordTake(t, s, e, "a001")
	recordTake(t, s, e, "a001")
	recordTake(t, s, e, "a002")
	require.NoError(t, s.DeleteTake("a001", 1))

	loaded, err := Load(s.Dir(), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, s.ID(), loaded.ID())
	assert.Equal(t, s.Audio(), loaded.Audio())

	takes := loaded.Takes("a001")
	require.Len(t, takes, 2)
	assert.Equal(t, StatusDeleted, takes[0].Status)
	assert.Equal(t, StatusActive, takes[1].Status)

	current, ok := loaded.ActiveTake("a001")
	require.True(t, ok)
	assert.Equal(t, 2, current.Number)

	// Numbering continues where the original session left off.
	take := recordTake(t, loaded, e, "a001")
	assert.Equal(t, 3, take.Number)
}

func TestOrphanedTakeAudioReservesItsNumber(t *testing.T) {
	s := newTestSession(t)
	e := capture.NewEngine(zerolog.Nop())
	take := recordTake(t, s, e, "a001")

	// A crash between committing the audio and writing its metadata
	// record leaves the WAV orphaned.
	require.NoError(t, os.Remove(filepath.Join(s.Dir(), "recordings", "a001", "take_001.json")))
	before, err := os.ReadFile(s.TakePath("a001", take.Number))
	require.NoError(t, err)

	loaded, err := Load(s.Dir(), zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, loaded.Takes("a001"))

	// The orphan's number stays reserved and its audio is never
	// overwritten by the next take.
	next := recordTake(t, loaded, e, "a001")
	assert.Equal(t, 2, next.Number)

	after, err := os.ReadFile(s.TakePath("a001", 1))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadRejectsUnknownPreset(t *testing.T) {
	s := newTestSession(t)
	path := filepath.Join(s.Dir(), "session.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "tts-dataset", "loudness-war", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	_, err = Load(s.Dir(), zerolog.Nop())
	assert.ErrorContains(t, err, "unknown preset")
}

func TestLoadToleratesCrashedRun(t *testing.T) {
	s := newTestSession(t)
	e := capture.NewEngine(zerolog.Nop())
	recordTake(t, s, e, "a001")

	// A crash mid-take leaves an unfinished pending file behind.
	uttDir := filepath.Join(s.Dir(), "recordings", "a001")
	require.NoError(t, os.WriteFile(filepath.Join(uttDir, ".pending-deadbeef.wav"), []byte("partial"), 0644))

	loaded, err := Load(s.Dir(), zerolog.Nop())
	require.NoError(t, err)
	assert.Len(t, loaded.Takes("a001"), 1)
	assert.FileExists(t, filepath.Join(uttDir, ".pending-deadbeef.wav"))
}

func TestDeleteTakeTouchesOnlyStatus(t *testing.T) {
	s := newTestSession(t)
	e := capture.NewEngine(zerolog.Nop())
	take := recordTake(t, s, e, "a001")

	audio := s.TakePath("a001", take.Number)
	before, err := os.ReadFile(audio)
	require.NoError(t, err)

	require.NoError(t, s.DeleteTake("a001", take.Number))
	// Idempotent.
	require.NoError(t, s.DeleteTake("a001", take.Number))

	after, err := os.ReadFile(audio)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	takes := s.Takes("a001")
	require.Len(t, takes, 1)
	assert.Equal(t, StatusDeleted, takes[0].Status)
	assert.Equal(t, take.PeakDB, takes[0].PeakDB)
	assert.Equal(t, take.RecordedAt, takes[0].RecordedAt)

	_, ok := s.ActiveTake("a001")
	assert.False(t, ok)

	assert.ErrorIs(t, s.DeleteTake("a001", 99), ErrTakeNotFound)
}

func TestExportListing(t *testing.T) {
	s := newTestSession(t)
	e := capture.NewEngine(zerolog.Nop())
	recordTake(t, s, e, "a002")
	recordTake(t, s, e, "a001")
	recordTake(t, s, e, "a001")
	require.NoError(t, s.DeleteTake("a001", 1))

	entries := s.Export(false)
	require.Len(t, entries, 2)

	// Script order, not recording order.
	assert.Equal(t, "a001", entries[0].Utterance)
	assert.Equal(t, "hello world", entries[0].Text)
	assert.Nil(t, entries[0].Emotion)
	require.Len(t, entries[0].Takes, 1)
	assert.Equal(t, 2, entries[0].Takes[0].Number)
	assert.Equal(t, s.TakePath("a001", 2), entries[0].Takes[0].Path)

	assert.Equal(t, "a002", entries[1].Utterance)
	require.NotNil(t, entries[1].Emotion)
	assert.Equal(t, 2, *entries[1].Emotion)

	withDeleted := s.Export(true)
	require.Len(t, withDeleted[0].Takes, 2)
	assert.Equal(t, StatusDeleted, withDeleted[0].Takes[0].Status)
}

func TestTakeAudioForExternalAnalysis(t *testing.T) {
	s := newTestSession(t)
	e := capture.NewEngine(zerolog.Nop())
	take := recordTake(t, s, e, "a001")

	audio, err := s.TakeAudio("a001", take.Number)
	require.NoError(t, err)
	assert.Equal(t, s.TakePath("a001", take.Number), audio.Path)
	assert.Equal(t, 48000, audio.SampleRate)
	assert.Equal(t, 16, audio.BitDepth)
	assert.Equal(t, 1, audio.Channels)

	_, err = s.TakeAudio("a001", 42)
	assert.ErrorIs(t, err, ErrTakeNotFound)
}

func TestListSessions(t *testing.T) {
	base := t.TempDir()
	script := writeScriptFile(t, base)
	cfg := Config{SampleRate: 48000, BitDepth: 16, Channels: 1}

	_, err := Create(base, "beta", cfg, script, "tts-dataset", zerolog.Nop())
	require.NoError(t, err)
	_, err = Create(base, "alpha", cfg, script, "tts-dataset", zerolog.Nop())
	require.NoError(t, err)
	// Unrelated directories are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(base, "notes"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "stale.revoxx"), 0755))

	names, err := List(base)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestArmReselection(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Arm("a001"))
	assert.Equal(t, Armed, s.State())
	require.NoError(t, s.Arm("a002"))
	assert.Equal(t, "a002", s.CurrentUtterance())
}
