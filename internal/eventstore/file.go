// Package eventstore persists processing events so pollers can ask for
// everything newer than a timestamp.
package eventstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jordanhubbard/tinyloom/internal/eventbus"
)

// DefaultLimit caps Since when the caller passes no limit.
const DefaultLimit = 50

// FileStore writes each event to its own file named <ts>-<rand>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the events directory.
func (s *FileStore) Dir() string { return s.dir }

// Append writes the event atomically.
func (s *FileStore) Append(ctx context.Context, event *eventbus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%d-%s.json", event.Millis(), randSuffix())
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}

// Since returns up to limit events with a timestamp strictly greater than
// since, newest first. Unreadable files are skipped.
func (s *FileStore) Since(ctx context.Context, since int64, limit int) ([]*eventbus.Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*eventbus.Event{}, nil
		}
		return nil, err
	}

	type candidate struct {
		name string
		ts   int64
	}
	var candidates []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ts, ok := stampOf(name)
		if !ok || ts <= since {
			continue
		}
		candidates = append(candidates, candidate{name: name, ts: ts})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ts != candidates[j].ts {
			return candidates[i].ts > candidates[j].ts
		}
		return candidates[i].name > candidates[j].name
	})

	events := make([]*eventbus.Event, 0, limit)
	for _, c := range candidates {
		if len(events) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(s.dir, c.name))
		if err != nil {
			continue
		}
		var ev eventbus.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		ev.ID = strings.TrimSuffix(c.name, ".json")
		events = append(events, &ev)
	}
	return events, nil
}

func stampOf(name string) (int64, bool) {
	i := strings.IndexByte(name, '-')
	if i <= 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(name[:i], 10, 64)
	return ts, err == nil
}

func randSuffix() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "000000"
	}
	return hex.EncodeToString(b)
}
