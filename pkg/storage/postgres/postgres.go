// Package postgres is the PostgreSQL identity store. Embeddings live in a
// pgvector column and attendance history in a JSONB array.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

const schema = `
	CREATE EXTENSION IF NOT EXISTS vector;
	CREATE TABLE IF NOT EXISTS identities (
		name TEXT PRIMARY KEY,
		embedding VECTOR(128),
		reference_image BYTEA,
		attendance JSONB DEFAULT '[]'::jsonb,
		enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

// Store implements storage.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, connString string) (*Store, error) {
	if connString == "" {
		return nil, errors.New("database URL is required")
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.Component("storage").Info("Connected to PostgreSQL identity store")
	return &Store{pool: pool}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Exists reports whether name is enrolled.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM identities WHERE name = $1)", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check identity exists: %w", err)
	}
	return exists, nil
}

// LoadAll returns every identity with an embedding, ordered by name.
func (s *Store) LoadAll(ctx context.Context) ([]recognition.Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, embedding::text
		FROM identities
		WHERE embedding IS NOT NULL
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var identities []recognition.Identity
	for rows.Next() {
		var name, text string
		if err := rows.Scan(&name, &text); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		var vec pgvector.Vector
		if err := vec.Scan(text); err != nil {
			return nil, fmt.Errorf("parse embedding for %s: %w", name, err)
		}
		identities = append(identities, recognition.Identity{Name: name, Embedding: vec.Slice()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return identities, nil
}

// Insert stores a new identity.
func (s *Store) Insert(ctx context.Context, doc storage.Document) error {
	if err := storage.ValidateName(doc.Name); err != nil {
		return err
	}

	history := doc.Attendance
	if history == nil {
		history = []storage.AttendanceEntry{}
	}
	attendance, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal attendance: %w", err)
	}
	enrolledAt := doc.EnrolledAt
	if enrolledAt.IsZero() {
		enrolledAt = time.Now()
	}

	var embedding any
	if len(doc.Embedding) > 0 {
		embedding = pgvector.NewVector(doc.Embedding)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO identities (name, embedding, reference_image, attendance, enrolled_at)
		VALUES ($1, $2::vector, $3, $4::jsonb, $5)
		ON CONFLICT (name) DO NOTHING
	`, doc.Name, embedding, doc.ReferenceImage, string(attendance), enrolledAt)
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrIdentityExists
	}
	return nil
}

// Get loads the full document for name.
func (s *Store) Get(ctx context.Context, name string) (*storage.Document, error) {
	var (
		doc        storage.Document
		embedding  *string
		attendance []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT name, embedding::text, reference_image, attendance::text, enrolled_at
		FROM identities
		WHERE name = $1
	`, name).Scan(&doc.Name, &embedding, &doc.ReferenceImage, &attendance, &doc.EnrolledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query identity: %w", err)
	}

	if embedding != nil {
		var vec pgvector.Vector
		if err := vec.Scan(*embedding); err != nil {
			return nil, fmt.Errorf("parse embedding for %s: %w", name, err)
		}
		doc.Embedding = vec.Slice()
	}
	doc.Attendance, _ = storage.ReconcileAttendance(attendance)
	return &doc, nil
}

// AppendAttendance appends an entry to name's history in one transaction.
// A malformed history is reset to an empty array first.
func (s *Store) AppendAttendance(ctx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error) {
	var result storage.AppendResult

	entry, err := json.Marshal([]storage.AttendanceEntry{{Timestamp: ts, Status: status}})
	if err != nil {
		return result, fmt.Errorf("marshal attendance: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var current []byte
	err = tx.QueryRow(ctx, "SELECT attendance::text FROM identities WHERE name = $1 FOR UPDATE", name).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return result, storage.ErrIdentityNotFound
	}
	if err != nil {
		return result, fmt.Errorf("lock identity: %w", err)
	}
	result.Matched = 1

	if _, repaired := storage.ReconcileAttendance(current); repaired {
		if _, err := tx.Exec(ctx, "UPDATE identities SET attendance = '[]'::jsonb WHERE name = $1", name); err != nil {
			return result, fmt.Errorf("repair attendance: %w", err)
		}
		result.Repaired = true
		logging.WithField("identity", name).Warn("Reset malformed attendance history")
	}

	tag, err := tx.Exec(ctx, `
		UPDATE identities
		SET attendance = COALESCE(attendance, '[]'::jsonb) || $2::jsonb
		WHERE name = $1
	`, name, string(entry))
	if err != nil {
		return result, fmt.Errorf("append attendance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("commit append: %w", err)
	}
	result.Modified = tag.RowsAffected()
	return result, nil
}
