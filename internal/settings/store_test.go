package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/tinyloom/pkg/models"
)

func writeSettings(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestOpen_MissingFileSynthesizesDefault(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.json"), "/ws")
	require.NoError(t, err)

	reg := s.Registry()
	assert.Equal(t, 1, reg.Agents.Len())
	_, ok := reg.Agent(models.DefaultAgentID)
	assert.True(t, ok)
}

func TestOpen_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	writeSettings(t, path, "{not json")

	_, err := Open(path, "/ws")
	assert.Error(t, err)
}

func TestMerge_ShallowAndPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	writeSettings(t, path, `{
		"workspace": {"path": "/ws", "name": "main"},
		"channels": {"enabled": ["discord"]},
		"agents": {"a1": {"name": "A1", "model": "sonnet"}}
	}`)

	s, err := Open(path, "/fallback")
	require.NoError(t, err)

	changed := make(chan *models.Registry, 1)
	s.OnChange(func(r *models.Registry) { changed <- r })

	merged, err := s.Merge([]byte(`{"agents": {"a2": {"name": "A2"}}, "extra": 1}`))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(merged, &doc))
	assert.Contains(t, doc, "channels", "untouched keys survive")
	assert.Contains(t, doc, "extra")

	reg := <-changed
	assert.Equal(t, []string{"a2"}, reg.Agents.Keys(), "agents replaced wholesale by shallow merge")

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), `"extra": 1`)
}

func TestMerge_RejectsNonObject(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.json"), "/ws")
	require.NoError(t, err)

	_, err = s.Merge([]byte(`[1,2,3]`))
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	writeSettings(t, path, `{"agents": {"a1": {"name": "A1"}}}`)

	s, err := Open(path, "/ws")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeSettings(t, path, `{"agents": {"b1": {"name": "B1"}}}`)

	assert.Eventually(t, func() bool {
		_, ok := s.Registry().Agent("b1")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatch_MergeNotifiesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	writeSettings(t, path, `{"agents": {"a1": {"name": "A1"}}}`)

	s, err := Open(path, "/ws")
	require.NoError(t, err)

	var calls atomic.Int32
	s.OnChange(func(*models.Registry) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	_, err = s.Merge([]byte(`{"teams": {"t1": {"name": "T1", "agents": ["a1"]}}}`))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Give the watcher's debounce time to fire on the merge's own write.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "the watcher must not reload a file Merge already loaded")
}
