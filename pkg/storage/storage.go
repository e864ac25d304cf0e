// Package storage persists enrolled identities and their attendance history.
// The file backend lives here; the Postgres backend is in the postgres
// subpackage. Both satisfy Store.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// StatusPresent is the status written for a confirmed attendance.
const StatusPresent = "Present"

// LegacyTimestampFormat is the timestamp layout used by older attendance
// records and by the audit CSV.
const LegacyTimestampFormat = "2006-01-02 15:04:05"

// AttendanceEntry is one attendance record in an identity's history.
type AttendanceEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// UnmarshalJSON accepts RFC 3339 timestamps and the legacy
// "2006-01-02 15:04:05" local-time layout.
func (e *AttendanceEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp string `json:"timestamp"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		ts, err = time.ParseInLocation(LegacyTimestampFormat, raw.Timestamp, time.Local)
		if err != nil {
			return fmt.Errorf("invalid attendance timestamp %q", raw.Timestamp)
		}
	}

	e.Timestamp = ts
	e.Status = raw.Status
	return nil
}

// Document is an identity as held by the store.
type Document struct {
	Name           string             `json:"name"`
	Embedding      recognition.Vector `json:"embedding"`
	ReferenceImage []byte             `json:"reference_image,omitempty"`
	Attendance     []AttendanceEntry  `json:"attendance"`
	EnrolledAt     time.Time          `json:"enrolled_at"`
}

// AppendResult reports what an attendance append did.
type AppendResult struct {
	Matched  int64
	Modified int64
	// Repaired is set when a malformed history was reset before the append.
	Repaired bool
}

// Store is the identity store contract shared by all backends.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	LoadAll(ctx context.Context) ([]recognition.Identity, error)
	AppendAttendance(ctx context.Context, name string, ts time.Time, status string) (AppendResult, error)
	Insert(ctx context.Context, doc Document) error
	Get(ctx context.Context, name string) (*Document, error)
	Close() error
}

// ErrIdentityNotFound is returned when the identity is not enrolled.
var ErrIdentityNotFound = errors.New("identity not found")

// ErrIdentityExists is returned when inserting an identity that is already enrolled.
var ErrIdentityExists = errors.New("identity already enrolled")

// ErrInvalidName is returned for names that cannot be stored.
var ErrInvalidName = errors.New("invalid identity name")

// ErrStorageAccess is returned when storage cannot be accessed.
var ErrStorageAccess = errors.New("failed to access storage")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// ValidateName rejects names that are empty or unsafe as file names.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ReconcileAttendance turns a stored attendance value into a valid history.
// An absent or null value is an empty history. Any other value that is not
// an array of {timestamp, status} objects is replaced by an empty history
// and reported with repaired == true.
func ReconcileAttendance(raw json.RawMessage) (history []AttendanceEntry, repaired bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []AttendanceEntry{}, false
	}

	if err := json.Unmarshal(trimmed, &history); err != nil {
		return []AttendanceEntry{}, true
	}
	for _, e := range history {
		if e.Timestamp.IsZero() || e.Status == "" {
			return []AttendanceEntry{}, true
		}
	}
	if history == nil {
		history = []AttendanceEntry{}
	}
	return history, false
}
