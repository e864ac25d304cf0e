// Package audit writes the attendance audit trail as CSV.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimestampFormat is the layout of the Timestamp column, in local time.
const TimestampFormat = "2006-01-02 15:04:05"

var header = []string{"Name", "Timestamp"}

// Sink appends (Name, Timestamp) rows to a CSV file. The header is written
// only when the file is new or empty. Every row is flushed and synced.
type Sink struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
}

// Open opens or creates the audit file at path.
func Open(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	s := &Sink{path: path, file: f, w: csv.NewWriter(f)}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat audit file: %w", err)
	}
	if info.Size() == 0 {
		if err := s.writeRow(header); err != nil {
			f.Close()
			return nil, err
		}
	}

	return s, nil
}

// Path returns the audit file path.
func (s *Sink) Path() string {
	return s.path
}

// Record appends one attendance row.
func (s *Sink) Record(name string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return os.ErrClosed
	}
	return s.writeRow([]string{name, ts.Local().Format(TimestampFormat)})
}

func (s *Sink) writeRow(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("failed to write audit row: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("failed to write audit row: %w", err)
	}
	return s.file.Sync()
}

// Close closes the audit file. Subsequent calls are no-ops.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
