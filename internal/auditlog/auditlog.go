// Package auditlog is an optional durable sink for rejected change events.
// spec.md §9 leaves auditability of OPERATION_CONFLICT events as an open
// question; cfg.AuditRejections turns it on. Records are appended as
// newline-delimited JSON under a date-bucketed directory layout.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowroom/engine/internal/model"
)

// Record is one audited rejection.
type Record struct {
	RoomID    uuid.UUID          `json:"room_id"`
	UserID    uuid.UUID          `json:"user_id"`
	Type      model.ChangeType   `json:"type"`
	Reason    model.RejectReason `json:"reason"`
	Timestamp int64              `json:"timestamp"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Log writes Records to a date-bucketed directory tree rooted at basePath,
// one append-only file per UTC day.
type Log struct {
	basePath string

	mu      sync.Mutex
	day     string
	current *os.File
}

// New ensures basePath exists and returns a Log writing beneath it.
func New(basePath string) (*Log, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory %s: %w", basePath, err)
	}
	return &Log{basePath: basePath}, nil
}

// Record appends one rejection event. Safe for concurrent use by multiple
// Room Controller executor goroutines.
func (l *Log) Record(ev model.ChangeEvent, reason model.RejectReason) error {
	rec := Record{
		RoomID:     ev.RoomID,
		UserID:     ev.UserID,
		Type:       ev.Type,
		Reason:     reason,
		Timestamp:  ev.Timestamp,
		RecordedAt: time.Now(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fileForToday()
	if err != nil {
		return err
	}
	_, err = f.Write(line)
	return err
}

// fileForToday returns the append-mode file handle for the current UTC
// date, rotating when the day rolls over. Caller must hold l.mu.
func (l *Log) fileForToday() (*os.File, error) {
	day := time.Now().UTC().Format("2006/01/02")
	if l.current != nil && l.day == day {
		return l.current, nil
	}
	if l.current != nil {
		l.current.Close()
	}

	dir := filepath.Join(l.basePath, filepath.Dir(day))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory %s: %w", dir, err)
	}
	path := filepath.Join(l.basePath, day+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %s: %w", path, err)
	}
	l.current = f
	l.day = day
	return f, nil
}

// Close releases the currently open file handle, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	err := l.current.Close()
	l.current = nil
	return err
}
