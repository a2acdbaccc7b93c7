// Package eventlog records dispatch and transport lifecycle events to daily
// rotated JSONL files for offline triage and replay.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one logged occurrence: a processed job, a dead-lettered job, an
// escalation transition, or a transport phase change.
type Event struct {
	Kind      string    `json:"kind"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Key       string    `json:"key,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Writer appends events to the current day's JSONL file, rotating at the
// date boundary.
type Writer struct {
	logDir      string
	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// NewWriter creates a writer rooted at logDir, creating the directory if
// needed.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("initialize event log: %w", err)
	}
	return w, nil
}

// Write appends one event. A zero timestamp is filled in.
func (w *Writer) Write(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotate event log: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	date := time.Now().UTC().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("close event log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open event log file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = date
	return nil
}

// CurrentFile returns the path of the active log file.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// Close closes the active log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("close event log file: %w", err)
	}
	return nil
}

// ReadEvents parses every event in a log file, in order.
func ReadEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event log %s: %w", path, err)
	}

	var events []Event
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return nil, fmt.Errorf("parse event log %s: %w", path, err)
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// ListLogFiles returns all event log files under logDir.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("list event logs: %w", err)
	}
	return files, nil
}
