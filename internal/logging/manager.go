package logging

import (
	"bufio"
	"container/ring"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// MaxBufferSize is the maximum number of log entries to keep in memory
	MaxBufferSize = 10000

	// LogLevelDebug represents debug-level logs
	LogLevelDebug = "debug"
	// LogLevelInfo represents info-level logs
	LogLevelInfo = "info"
	// LogLevelWarn represents warning-level logs
	LogLevelWarn = "warn"
	// LogLevelError represents error-level logs
	LogLevelError = "error"
)

// LogEntry represents a single log entry
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Line renders the entry the way it is written to the log file:
// "[2006-01-02T15:04:05.000Z] [INFO] [source] message".
func (e LogEntry) Line() string {
	ts := e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
	if e.Source == "" || e.Source == "system" {
		return fmt.Sprintf("[%s] [%s] %s", ts, strings.ToUpper(e.Level), e.Message)
	}
	return fmt.Sprintf("[%s] [%s] [%s] %s", ts, strings.ToUpper(e.Level), e.Source, e.Message)
}

// Manager handles log collection, buffering, and persistence to the queue
// log file.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	handlers []func(LogEntry)

	fileMu  sync.Mutex
	path    string
	file    *os.File
	console io.Writer
}

// NewManager creates a new logging manager. When path is non-empty every
// entry is appended to that file; console (may be nil) receives a copy.
func NewManager(path string, console io.Writer) *Manager {
	m := &Manager{
		buffer:   ring.New(MaxBufferSize),
		handlers: make([]func(LogEntry), 0),
		path:     path,
		console:  console,
	}

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create log directory: %v\n", err)
		} else if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file %s: %v\n", path, err)
		} else {
			m.file = f
		}
	}

	return m
}

// Close closes the log file.
func (m *Manager) Close() error {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// Log adds a log entry to the buffer and persists it
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	entry := LogEntry{
		ID:        fmt.Sprintf("log-%d", time.Now().UnixNano()),
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := m.handlers
	m.mu.Unlock()

	m.persist(entry)

	// Notify handlers (for SSE streaming)
	for _, handler := range handlers {
		go handler(entry)
	}
}

// persist appends the entry to the log file and the console. Writes are
// synchronous so the file order matches the call order.
func (m *Manager) persist(entry LogEntry) {
	line := entry.Line() + "\n"

	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	if m.console != nil {
		_, _ = io.WriteString(m.console, line)
	}
	if m.file != nil {
		if _, err := m.file.WriteString(line); err != nil && m.console != nil {
			fmt.Fprintf(m.console, "Failed to persist log entry: %v\n", err)
		}
	}
}

// GetRecent returns the most recent log entries from the buffer, newest first
func (m *Manager) GetRecent(limit int, levelFilter, sourceFilter string) []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > MaxBufferSize {
		limit = 100
	}

	all := make([]LogEntry, 0, limit)
	m.buffer.Do(func(v interface{}) {
		if v == nil {
			return
		}
		entry, ok := v.(LogEntry)
		if !ok {
			return
		}
		if levelFilter != "" && entry.Level != levelFilter {
			return
		}
		if sourceFilter != "" && entry.Source != sourceFilter {
			return
		}
		all = append(all, entry)
	})

	// Ring iteration starts at the oldest slot; keep the tail, newest first.
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	for i := 0; i < len(all)/2; i++ {
		all[i], all[len(all)-1-i] = all[len(all)-1-i], all[i]
	}
	return all
}

// TailFile returns the last limit lines of the log file, oldest first. It
// covers lines written before the current process started.
func (m *Manager) TailFile(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	if m.path == "" {
		lines := make([]string, 0, limit)
		recent := m.GetRecent(limit, "", "")
		for i := len(recent) - 1; i >= 0; i-- {
			lines = append(lines, recent[i].Line())
		}
		return lines, nil
	}

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	window := make([]string, 0, limit)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(window) == limit {
			window = window[1:]
		}
		window = append(window, line)
	}
	return window, scanner.Err()
}

// AddHandler registers a handler to be called for each new log entry (for SSE)
func (m *Manager) AddHandler(handler func(LogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Debug logs a debug-level message
func (m *Manager) Debug(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelDebug, source, message, metadata)
}

// Info logs an info-level message
func (m *Manager) Info(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelInfo, source, message, metadata)
}

// Warn logs a warning-level message
func (m *Manager) Warn(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelWarn, source, message, metadata)
}

// Error logs an error-level message
func (m *Manager) Error(source, message string, metadata map[string]interface{}) {
	m.Log(LogLevelError, source, message, metadata)
}

// logInterceptWriter implements io.Writer so that Go's standard log package
// output is captured and routed through the logging manager.
type logInterceptWriter struct {
	manager *Manager
}

// Write implements io.Writer. It parses "[Component] message" format from
// standard log.Printf calls and routes them into the structured log system.
func (w *logInterceptWriter) Write(p []byte) (n int, err error) {
	level, source, msg := parseLine(string(p))
	w.manager.Log(level, source, msg, nil)
	return len(p), nil
}

func parseLine(raw string) (level, source, msg string) {
	msg = strings.TrimSpace(raw)
	// Strip the default log prefix (date/time) if present
	// Standard log format: "2006/01/02 15:04:05 message"
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = strings.TrimSpace(msg[20:])
	}

	level = LogLevelInfo
	source = "system"

	lowerMsg := strings.ToLower(msg)
	switch {
	case strings.Contains(lowerMsg, "error") || strings.Contains(lowerMsg, "fail"):
		level = LogLevelError
	case strings.Contains(lowerMsg, "warn"):
		level = LogLevelWarn
	case strings.Contains(lowerMsg, "debug"):
		level = LogLevelDebug
	}

	// Parse [Source] prefix: "[Dispatcher] message" → source=dispatcher
	if len(msg) > 2 && msg[0] == '[' {
		end := strings.Index(msg, "]")
		if end > 1 {
			source = strings.ToLower(msg[1:end])
			msg = strings.TrimSpace(msg[end+1:])
		}
	}
	return level, source, msg
}

// InstallLogInterceptor redirects Go's standard log package through this manager.
// Call this once at startup after creating the manager.
func (m *Manager) InstallLogInterceptor() {
	log.SetOutput(&logInterceptWriter{manager: m})
	log.SetFlags(0) // We handle timestamps ourselves
}
