// Package chats persists team conversation transcripts as markdown, one
// directory per team.
package chats

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry is one recorded response of a transcript.
type Entry struct {
	AgentID string
	Label   string // "Name (@id)" or "@id"
	Text    string
}

// Transcript is everything written for one completed conversation.
type Transcript struct {
	TeamID          string
	TeamName        string
	Channel         string
	Sender          string
	TotalMessages   int
	OriginalMessage string
	Entries         []Entry
	Completed       time.Time
}

// Info describes one saved transcript file.
type Info struct {
	TeamID string `json:"teamId"`
	File   string `json:"file"`
	Time   int64  `json:"time"` // unix ms of last modification
}

// Store writes transcripts under a root directory.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Save writes t to <root>/<teamId>/<timestamp>.md and returns the path. The
// name is derived from the completion time; a numeric suffix is added if a
// transcript with the same name already exists.
func (s *Store) Save(t *Transcript) (string, error) {
	dir := filepath.Join(s.root, t.TeamID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create chat dir: %w", err)
	}

	when := t.Completed
	if when.IsZero() {
		when = time.Now()
	}
	base := fileStamp(when)
	content := []byte(Render(t, when))

	for n := 0; n < 1000; n++ {
		name := base + ".md"
		if n > 0 {
			name = fmt.Sprintf("%s-%d.md", base, n)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create transcript: %w", err)
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write transcript: %w", err)
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free transcript name for %s", base)
}

// List returns every transcript, newest first.
func (s *Store) List() ([]Info, error) {
	out := []Info{}
	teams, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	for _, team := range teams {
		if !team.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, team.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, Info{TeamID: team.Name(), File: e.Name(), Time: info.ModTime().UnixMilli()})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time > out[j].Time })
	return out, nil
}

// Render formats a transcript as markdown.
func Render(t *Transcript, when time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Team Conversation: %s (@%s)\n", t.TeamName, t.TeamID)
	fmt.Fprintf(&b, "**Date:** %s\n", when.UTC().Format("2006-01-02T15:04:05.000Z"))
	fmt.Fprintf(&b, "**Channel:** %s | **Sender:** %s\n", t.Channel, t.Sender)
	fmt.Fprintf(&b, "**Messages:** %d\n", t.TotalMessages)
	b.WriteString("\n------\n\n## User Message\n\n")
	b.WriteString(t.OriginalMessage)
	b.WriteString("\n\n")
	for _, e := range t.Entries {
		label := e.Label
		if label == "" {
			label = "@" + e.AgentID
		}
		fmt.Fprintf(&b, "------\n\n## %s\n\n%s\n\n", label, e.Text)
	}
	return b.String()
}

// fileStamp is the ISO time with ':' and '.' made filename-safe:
// 2006-01-02_15-04-05-000.
func fileStamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%03d", t.Format("2006-01-02_15-04-05"), t.Nanosecond()/int(time.Millisecond))
}
