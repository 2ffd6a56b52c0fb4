// Package journal records one summary line per planned timeline so operators
// can see how often the external generator is bypassed and why.
//
// Journals are best-effort: the planner logs a failed Record and still serves
// the timeline.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry summarises one planned timeline. It never carries the transcript or
// the parameter values.
type Entry struct {
	RequestID  string        `json:"request_id"`
	Time       time.Time     `json:"time"`
	Source     string        `json:"source"`
	Reason     string        `json:"reason,omitempty"`
	Strategy   string        `json:"strategy"`
	Mode       string        `json:"mode"`
	Frames     int           `json:"frames"`
	Params     int           `json:"params"`
	Words      int           `json:"words"`
	Dropped    int           `json:"dropped"`
	DurationMs float64       `json:"timeline_duration_ms"`
	Latency    time.Duration `json:"latency_ns"`
}

// Journal persists [Entry] values. Implementations must be safe for
// concurrent use.
type Journal interface {
	// Record stores e.
	Record(ctx context.Context, e Entry) error

	// Ping reports whether the journal can currently accept writes.
	Ping(ctx context.Context) error

	// Close releases resources. Record must not be called afterwards.
	Close() error
}

// Nop discards every entry.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) Record(context.Context, Entry) error { return nil }
func (Nop) Ping(context.Context) error          { return nil }
func (Nop) Close() error                        { return nil }

// FileJournal appends entries as JSON lines to a local file. The file is
// opened per write so external log rotation needs no signal.
type FileJournal struct {
	mu   sync.Mutex
	path string
}

var _ Journal = (*FileJournal)(nil)

// NewFileJournal returns a FileJournal writing to path. The file is created
// on first write; its directory must exist.
func NewFileJournal(path string) *FileJournal {
	return &FileJournal{path: path}
}

// Path returns the file being written.
func (j *FileJournal) Path() string { return j.path }

// Record appends e as one JSON line.
func (j *FileJournal) Record(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("journal: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("journal: close file: %w", err)
	}
	return nil
}

// Ping checks that the target directory exists.
func (j *FileJournal) Ping(context.Context) error {
	dir := filepath.Dir(j.path)
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("journal: %s is not a directory", dir)
	}
	return nil
}

// Close is a no-op; FileJournal holds no open handle between writes.
func (j *FileJournal) Close() error { return nil }
