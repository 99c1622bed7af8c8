// Package script parses recording scripts in the festival data format.
package script

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Utterance is one scripted line to be recorded. Emotion is the optional
// numeric emotion level parsed from the text prefix; nil when the line
// carries no level, 0 means neutral.
type Utterance struct {
	ID      string
	Text    string
	Emotion *int
}

// Script is an ordered, read-only sequence of utterances.
type Script struct {
	Utterances []Utterance
	// Skipped counts lines that were present but could not be parsed.
	Skipped int

	index map[string]int
}

// Load reads and parses a script file.
func Load(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	return s, nil
}

// Parse reads utterances from r. Two grammars are accepted per line:
//
//	( id "text" )
//	( id "level: text" )
//
// Blank lines and lines starting with # are ignored. Malformed lines are
// skipped and counted rather than failing the whole script.
func Parse(r io.Reader) (*Script, error) {
	s := &Script{index: make(map[string]int)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		utt, ok := parseLine(line)
		if !ok {
			s.Skipped++
			continue
		}
		if _, dup := s.index[utt.ID]; dup {
			s.Skipped++
			continue
		}
		s.index[utt.ID] = len(s.Utterances)
		s.Utterances = append(s.Utterances, utt)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(s.Utterances) == 0 {
		return nil, fmt.Errorf("no valid utterances found")
	}
	return s, nil
}

func parseLine(line string) (Utterance, bool) {
	if !strings.HasPrefix(line, "(") || !strings.HasSuffix(line, ")") {
		return Utterance{}, false
	}
	content := strings.TrimSpace(line[1 : len(line)-1])

	// First field is the id, the rest is the quoted text.
	fields := strings.SplitN(content, " ", 2)
	if len(fields) != 2 {
		return Utterance{}, false
	}
	id := fields[0]
	text := strings.TrimSpace(fields[1])

	if !strings.HasPrefix(text, `"`) || !strings.HasSuffix(text, `"`) || len(text) < 2 {
		return Utterance{}, false
	}
	text = text[1 : len(text)-1]

	utt := Utterance{ID: id, Text: text}

	// Optional emotion level prefix: "2: hello world".
	if head, rest, found := strings.Cut(text, ":"); found {
		if lvl, err := strconv.Atoi(strings.TrimSpace(head)); err == nil && lvl >= 0 {
			utt.Emotion = &lvl
			utt.Text = strings.TrimSpace(rest)
		}
	}
	if utt.Text == "" {
		return Utterance{}, false
	}
	return utt, true
}

// Len returns the number of utterances.
func (s *Script) Len() int { return len(s.Utterances) }

// ByID looks up an utterance by its id.
func (s *Script) ByID(id string) (Utterance, bool) {
	i, ok := s.index[id]
	if !ok {
		return Utterance{}, false
	}
	return s.Utterances[i], true
}

// IDs returns the utterance ids in script order.
func (s *Script) IDs() []string {
	ids := make([]string, len(s.Utterances))
	for i, u := range s.Utterances {
		ids[i] = u.ID
	}
	return ids
}
