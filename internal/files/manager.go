package files

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// PreviewNote is appended to a clipped response whose full text was saved as
// an artifact.
const PreviewNote = "\n\n_(Full response attached as file)_"

const defaultMaxFileBytes = 10 << 20 // 10MB

// Manager stores response artifacts in one directory and serves them back.
type Manager struct {
	Dir       string
	Threshold int // characters; responses longer than this are split

	seq atomic.Int64
}

// FileResult is an artifact read back from the files directory.
type FileResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

func NewManager(dir string, threshold int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create files dir: %w", err)
	}
	return &Manager{Dir: dir, Threshold: threshold}, nil
}

// Split returns text unchanged when it is at most Threshold characters long.
// Longer text is saved in full as response_<ts>.md and replaced by its first
// Threshold characters plus PreviewNote; the artifact path is appended to
// files.
func (m *Manager) Split(text string, files []string) (string, []string, error) {
	runes := []rune(text)
	if m.Threshold <= 0 || len(runes) <= m.Threshold {
		return text, files, nil
	}

	path := filepath.Join(m.Dir, m.artifactName())
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return text, files, fmt.Errorf("failed to save long response: %w", err)
	}
	log.Printf("[Files] Long response (%d chars) saved to %s", len(runes), filepath.Base(path))

	preview := string(runes[:m.Threshold]) + PreviewNote
	out := append(append([]string(nil), files...), path)
	return preview, out, nil
}

// artifactName is response_<unix ms>.md, with a sequence suffix when two
// responses are split within the same millisecond.
func (m *Manager) artifactName() string {
	ms := time.Now().UnixMilli()
	for {
		prev := m.seq.Load()
		if ms > prev {
			if m.seq.CompareAndSwap(prev, ms) {
				return fmt.Sprintf("response_%d.md", ms)
			}
			continue
		}
		next := prev + 1
		if m.seq.CompareAndSwap(prev, next) {
			return fmt.Sprintf("response_%d.md", next)
		}
	}
}

// ReadFile returns an artifact by name, refusing paths outside the directory.
func (m *Manager) ReadFile(relPath string) (*FileResult, error) {
	target, err := safeJoin(m.Dir, relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory")
	}
	if info.Size() > defaultMaxFileBytes {
		return nil, fmt.Errorf("file too large")
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return nil, err
	}
	return &FileResult{Path: target, Content: string(content), Size: info.Size()}, nil
}

func safeJoin(base, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("path must be relative")
	}
	joined := filepath.Join(base, clean)
	baseClean := filepath.Clean(base)
	if !strings.HasPrefix(joined, baseClean+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes files dir")
	}
	return joined, nil
}
