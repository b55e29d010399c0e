// Package queue implements the durable filesystem queue. Three directories
// act as the states of each message: incoming, processing and outgoing. A
// rename from incoming to processing is the claim; it is the only mutual
// exclusion primitive and it survives restarts.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jordanhubbard/tinyloom/pkg/messages"
)

// State names one of the queue directories.
type State string

const (
	Incoming   State = "incoming"
	Processing State = "processing"
	Outgoing   State = "outgoing"
	DeadLetter State = "dead-letter"
)

// File is a transient handle on one queued envelope.
type File struct {
	Name    string
	Path    string
	ModTime time.Time
}

// Queue is a filesystem-backed message queue rooted at one directory.
type Queue struct {
	root        string
	maxAttempts int

	mu       sync.Mutex
	attempts map[string]int
}

// Counts is the number of files in each state.
type Counts struct {
	Incoming   int `json:"incoming"`
	Processing int `json:"processing"`
	Outgoing   int `json:"outgoing"`
	DeadLetter int `json:"deadLetter"`
}

// New creates the queue directories under root. maxAttempts bounds how many
// times one file may fail before ReleaseFailure quarantines it; 0 retries
// forever.
func New(root string, maxAttempts int) (*Queue, error) {
	q := &Queue{
		root:        root,
		maxAttempts: maxAttempts,
		attempts:    make(map[string]int),
	}
	for _, st := range []State{Incoming, Processing, Outgoing, DeadLetter} {
		if err := os.MkdirAll(q.Dir(st), 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue dir %s: %w", st, err)
		}
	}
	return q, nil
}

// Dir returns the directory backing a state.
func (q *Queue) Dir(st State) string {
	return filepath.Join(q.root, string(st))
}

// Path returns the full path of name in a state.
func (q *Queue) Path(st State, name string) string {
	return filepath.Join(q.Dir(st), filepath.Base(name))
}

// Enqueue writes env as a new file in incoming under name.
func (q *Queue) Enqueue(name string, env *messages.Envelope) error {
	return q.writeJSON(Incoming, name, env)
}

// WriteResponse writes a completed reply into outgoing under name.
func (q *Queue) WriteResponse(name string, resp *messages.Response) error {
	return q.writeJSON(Outgoing, name, resp)
}

func (q *Queue) writeJSON(st State, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return writeFileAtomic(q.Path(st, name), data)
}

// writeFileAtomic writes through a dot-prefixed temp file in the same
// directory; List ignores anything not ending in .json so the scan never
// observes a partial envelope.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish %s: %w", filepath.Base(path), err)
	}
	return nil
}

// List returns the .json files of a state ordered by modification time,
// oldest first. Ties are broken by name so the order is deterministic.
func (q *Queue) List(st State) ([]File, error) {
	entries, err := os.ReadDir(q.Dir(st))
	if err != nil {
		return nil, err
	}

	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Claimed between ReadDir and Info.
			continue
		}
		files = append(files, File{
			Name:    e.Name(),
			Path:    filepath.Join(q.Dir(st), e.Name()),
			ModTime: info.ModTime(),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Name < files[j].Name
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// Claim moves name from incoming to processing. Exactly one caller can win:
// the loser gets ErrAlreadyClaimed.
func (q *Queue) Claim(name string) error {
	err := os.Rename(q.Path(Incoming, name), q.Path(Processing, name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrAlreadyClaimed
	}
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", name, err)
	}
	return nil
}

// ReleaseSuccess deletes the processing copy once every effect of the message
// is on disk.
func (q *Queue) ReleaseSuccess(name string) error {
	q.forget(name)
	err := os.Remove(q.Path(Processing, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to release %s: %w", name, err)
	}
	return nil
}

// ReleaseFailure moves the processing copy back to incoming for a retry on a
// later scan. Once a file has failed maxAttempts times in this process it is
// quarantined to dead-letter instead; quarantined reports which happened.
func (q *Queue) ReleaseFailure(name string, cause error) (quarantined bool, err error) {
	if q.maxAttempts > 0 && q.recordFailure(name) >= q.maxAttempts {
		return true, q.Quarantine(name, cause)
	}

	if err := os.Rename(q.Path(Processing, name), q.Path(Incoming, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to move %s back to incoming: %w", name, err)
	}
	return false, nil
}

// Quarantine moves a processing file to dead-letter with a sidecar .reason
// file describing why.
func (q *Queue) Quarantine(name string, cause error) error {
	q.forget(name)
	if err := os.Rename(q.Path(Processing, name), q.Path(DeadLetter, name)); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", name, err)
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	reasonPath := q.Path(DeadLetter, strings.TrimSuffix(name, ".json")+".reason")
	if err := os.WriteFile(reasonPath, []byte(reason+"\n"), 0644); err != nil {
		log.Printf("[Queue] Failed to write quarantine reason for %s: %v", name, err)
	}
	return nil
}

// Attempts returns how many times name has failed in this process.
func (q *Queue) Attempts(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempts[name]
}

func (q *Queue) recordFailure(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts[name]++
	return q.attempts[name]
}

func (q *Queue) forget(name string) {
	q.mu.Lock()
	delete(q.attempts, name)
	q.mu.Unlock()
}

// Recover moves every file left in processing back to incoming. Run it once
// at startup, before the first scan: anything in processing then is an
// orphan of a crash.
func (q *Queue) Recover() (int, error) {
	files, err := q.List(Processing)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, f := range files {
		if err := os.Rename(f.Path, q.Path(Incoming, f.Name)); err != nil {
			log.Printf("[Queue] Failed to recover orphaned file %s: %v", f.Name, err)
			continue
		}
		log.Printf("[Queue] Recovered orphaned file: %s", f.Name)
		recovered++
	}
	return recovered, nil
}

// Counts returns the number of files in each state.
func (q *Queue) Counts() (Counts, error) {
	var c Counts
	for st, dst := range map[State]*int{
		Incoming:   &c.Incoming,
		Processing: &c.Processing,
		Outgoing:   &c.Outgoing,
		DeadLetter: &c.DeadLetter,
	} {
		files, err := q.List(st)
		if err != nil {
			return c, err
		}
		*dst = len(files)
	}
	return c, nil
}

// ReadEnvelope loads an envelope from a state directory, repairing common
// malformed-escape damage before giving up with ErrMalformed.
func (q *Queue) ReadEnvelope(st State, name string) (*messages.Envelope, error) {
	data, err := os.ReadFile(q.Path(st, name))
	if err != nil {
		return nil, err
	}
	var env messages.Envelope
	if err := DecodeLenient(data, &env); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &env, nil
}

// ReadResponses returns up to limit outgoing responses, newest first.
func (q *Queue) ReadResponses(limit int) ([]messages.Response, error) {
	files, err := q.List(Outgoing)
	if err != nil {
		return nil, err
	}
	out := make([]messages.Response, 0, limit)
	for i := len(files) - 1; i >= 0 && len(out) < limit; i-- {
		data, err := os.ReadFile(files[i].Path)
		if err != nil {
			continue
		}
		var resp messages.Response
		if err := DecodeLenient(data, &resp); err != nil {
			continue
		}
		out = append(out, resp)
	}
	return out, nil
}
