// Package settings owns the agent/team settings file: loading it, shallow
// merging partial updates into it, and reloading it when it changes on disk.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jordanhubbard/tinyloom/pkg/models"
)

// Store holds the current settings document and the registry derived from it.
// Readers get immutable snapshots; a reload swaps them atomically.
type Store struct {
	path             string
	defaultWorkspace string

	mu       sync.RWMutex
	raw      *models.Ordered[json.RawMessage]
	registry *models.Registry
	handlers []func(*models.Registry)
	loaded   []byte

	writeMu sync.Mutex
}

// Open loads the settings file at path. A missing file is treated as an empty
// document so a fresh install still gets the synthesized default agent.
func Open(path, defaultWorkspace string) (*Store, error) {
	s := &Store{path: path, defaultWorkspace: defaultWorkspace}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// Reload re-reads the settings file and rebuilds the registry.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}

	raw := models.NewOrdered[json.RawMessage]()
	if err := json.Unmarshal(data, raw); err != nil {
		return fmt.Errorf("failed to parse settings %s: %w", s.path, err)
	}

	var typed models.Settings
	if err := json.Unmarshal(data, &typed); err != nil {
		return fmt.Errorf("failed to decode settings %s: %w", s.path, err)
	}
	reg := models.NewRegistry(&typed, s.defaultWorkspace)

	s.mu.Lock()
	s.raw = raw
	s.registry = reg
	s.loaded = data
	handlers := append([]func(*models.Registry){}, s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(reg)
	}
	return nil
}

// Registry returns the current registry snapshot.
func (s *Store) Registry() *models.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// Raw returns the full settings document as JSON.
func (s *Store) Raw() (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.raw)
}

// OnChange registers a handler called with every newly loaded registry.
func (s *Store) OnChange(fn func(*models.Registry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Merge shallow-merges the top-level keys of patch onto the current settings,
// persists the result and reloads. It returns the merged document.
func (s *Store) Merge(patch []byte) (json.RawMessage, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	updates := models.NewOrdered[json.RawMessage]()
	if err := json.Unmarshal(patch, updates); err != nil {
		return nil, fmt.Errorf("settings update must be a JSON object: %w", err)
	}

	s.mu.RLock()
	merged := models.NewOrdered[json.RawMessage]()
	s.raw.Each(func(k string, v json.RawMessage) bool {
		merged.Set(k, v)
		return true
	})
	s.mu.RUnlock()

	updates.Each(func(k string, v json.RawMessage) bool {
		merged.Set(k, v)
		return true
	})

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}

	// Validate before touching the file.
	var typed models.Settings
	if err := json.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("merged settings are invalid: %w", err)
	}

	if err := writeFileAtomic(s.path, append(data, '\n')); err != nil {
		return nil, err
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return data, nil
}

// Watch reloads the store whenever the settings file changes. It blocks until
// ctx is cancelled. The parent directory is watched so editors that replace
// the file by rename are picked up too.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	name := filepath.Clean(s.path)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(200 * time.Millisecond)
		case <-debounce:
			debounce = nil
			if !s.changedOnDisk() {
				continue
			}
			if err := s.Reload(); err != nil {
				log.Printf("[Settings] Reload failed, keeping previous settings: %v", err)
				continue
			}
			reg := s.Registry()
			log.Printf("[Settings] Reloaded %d agent(s), %d team(s)", reg.Agents.Len(), reg.Teams.Len())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Settings] Watcher error: %v", err)
		}
	}
}

// changedOnDisk reports whether the file differs from the last loaded
// document. Merge reloads on its own, so its write is skipped here.
func (s *Store) changedOnDisk() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return !os.IsNotExist(err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !bytes.Equal(data, s.loaded)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
