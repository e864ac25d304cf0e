package storage

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/sys/unix"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

const (
	// NonceSize is the size of the nonce used for encryption
	NonceSize = 24
	// KeySize is the size of the encryption key
	KeySize = 32
)

const identitiesDir = "identities"

// fileDocument is the on-disk form of a Document. Attendance is kept raw so
// a malformed history can be reconciled instead of failing the whole read.
type fileDocument struct {
	Name           string             `json:"name"`
	Embedding      recognition.Vector `json:"embedding"`
	ReferenceImage []byte             `json:"reference_image,omitempty"`
	Attendance     json.RawMessage    `json:"attendance"`
	EnrolledAt     time.Time          `json:"enrolled_at"`
}

// FileStorage stores one JSON document per identity, optionally encrypted
// with NaCl secretbox. Writes go through a temp file and rename; appends are
// serialized across processes with an flock on a per-identity lock file.
type FileStorage struct {
	dataDir           string
	encryptionEnabled bool
	encryptionKey     [KeySize]byte
	maxHistory        int
}

// FileOptions configures a FileStorage.
type FileOptions struct {
	EncryptionEnabled bool
	// MaxHistory bounds the attendance entries kept in a document; older
	// entries are moved to <name>.archive.jsonl. Zero means unbounded.
	MaxHistory int
}

// NewFileStorage creates a new FileStorage instance.
func NewFileStorage(dataDir string, opts FileOptions) (*FileStorage, error) {
	fs := &FileStorage{
		dataDir:           dataDir,
		encryptionEnabled: opts.EncryptionEnabled,
		maxHistory:        opts.MaxHistory,
	}

	// Derive encryption key from machine-specific information
	if opts.EncryptionEnabled {
		key, err := deriveKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		fs.encryptionKey = key
	}

	if err := os.MkdirAll(filepath.Join(dataDir, identitiesDir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create identities directory: %w", err)
	}

	return fs, nil
}

// deriveKey derives an encryption key from machine-specific information.
// This ties the encrypted data to this specific machine.
func deriveKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	var identity strings.Builder

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		identity.Write(machineID)
	}
	if hostname, err := os.Hostname(); err == nil {
		identity.WriteString(hostname)
	}
	identity.WriteString(fmt.Sprintf("%d", os.Getuid()))
	identity.WriteString("rollcall-v1-salt")

	hash := sha256.Sum256([]byte(identity.String()))
	copy(key[:], hash[:])
	return key, nil
}

func (fs *FileStorage) dir() string {
	return filepath.Join(fs.dataDir, identitiesDir)
}

// documentPath returns the file path for an identity's document.
func (fs *FileStorage) documentPath(name string) string {
	ext := ".json"
	if fs.encryptionEnabled {
		ext = ".enc"
	}
	return filepath.Join(fs.dir(), name+ext)
}

func (fs *FileStorage) lockPath(name string) string {
	return filepath.Join(fs.dir(), name+".lock")
}

// ArchivePath returns the file that receives attendance entries trimmed by
// the history bound.
func (fs *FileStorage) ArchivePath(name string) string {
	return filepath.Join(fs.dir(), name+".archive.jsonl")
}

// lock takes an exclusive flock for name. The returned func releases it.
func (fs *FileStorage) lock(name string) (func(), error) {
	f, err := os.OpenFile(fs.lockPath(name), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: lock %s: %v", ErrStorageAccess, name, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// Exists reports whether name is enrolled.
func (fs *FileStorage) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}

	_, err := os.Stat(fs.documentPath(name))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
}

// Insert stores a new identity. It fails with ErrIdentityExists if name is
// already enrolled.
func (fs *FileStorage) Insert(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateName(doc.Name); err != nil {
		return err
	}

	unlock, err := fs.lock(doc.Name)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(fs.documentPath(doc.Name)); err == nil {
		return ErrIdentityExists
	}

	if doc.Attendance == nil {
		doc.Attendance = []AttendanceEntry{}
	}
	if doc.EnrolledAt.IsZero() {
		doc.EnrolledAt = time.Now()
	}
	if err := fs.write(doc); err != nil {
		return err
	}

	logging.Infof("Enrolled identity: %s", doc.Name)
	return nil
}

// Get loads the full document for name.
func (fs *FileStorage) Get(ctx context.Context, name string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	doc, _, err := fs.read(name)
	return doc, err
}

// LoadAll returns every enrolled identity with an embedding, ordered by name.
func (fs *FileStorage) LoadAll(ctx context.Context) ([]recognition.Identity, error) {
	names, err := fs.names()
	if err != nil {
		return nil, err
	}

	identities := make([]recognition.Identity, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		doc, _, err := fs.read(name)
		if err != nil {
			return nil, err
		}
		if len(doc.Embedding) == 0 {
			logging.Warnf("Identity %s has no embedding, skipping", name)
			continue
		}
		identities = append(identities, recognition.Identity{Name: doc.Name, Embedding: doc.Embedding})
	}

	logging.Debugf("Loaded %d identities", len(identities))
	return identities, nil
}

// AppendAttendance appends an entry to name's history. A malformed history
// is reset to empty first and reported in the result.
func (fs *FileStorage) AppendAttendance(ctx context.Context, name string, ts time.Time, status string) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if err := ValidateName(name); err != nil {
		return AppendResult{}, err
	}

	if _, err := os.Stat(fs.documentPath(name)); os.IsNotExist(err) {
		return AppendResult{}, ErrIdentityNotFound
	}

	unlock, err := fs.lock(name)
	if err != nil {
		return AppendResult{}, err
	}
	defer unlock()

	doc, repaired, err := fs.read(name)
	if err != nil {
		return AppendResult{}, err
	}
	result := AppendResult{Matched: 1, Repaired: repaired}
	if repaired {
		logging.WithField("identity", name).Warn("Reset malformed attendance history")
	}

	doc.Attendance = append(doc.Attendance, AttendanceEntry{Timestamp: ts, Status: status})

	if fs.maxHistory > 0 && len(doc.Attendance) > fs.maxHistory {
		overflow := doc.Attendance[:len(doc.Attendance)-fs.maxHistory]
		if err := fs.archive(name, overflow); err != nil {
			return result, err
		}
		doc.Attendance = append([]AttendanceEntry(nil), doc.Attendance[len(overflow):]...)
	}

	if err := fs.write(*doc); err != nil {
		return result, err
	}
	result.Modified = 1
	return result, nil
}

// Archived returns the entries moved out of name's document by the history bound.
func (fs *FileStorage) Archived(name string) ([]AttendanceEntry, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	f, err := os.Open(fs.ArchivePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	defer f.Close()

	var entries []AttendanceEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AttendanceEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt archive line for %s: %w", name, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Close is a no-op for file storage.
func (fs *FileStorage) Close() error {
	return nil
}

func (fs *FileStorage) names() ([]string, error) {
	entries, err := os.ReadDir(fs.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	ext := filepath.Ext(fs.documentPath("x"))
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

func (fs *FileStorage) read(name string) (*Document, bool, error) {
	data, err := os.ReadFile(fs.documentPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, ErrIdentityNotFound
		}
		return nil, false, fmt.Errorf("failed to read identity: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.decrypt(data)
		if err != nil {
			return nil, false, fmt.Errorf("failed to decrypt identity: %w", err)
		}
	}

	var stored fileDocument
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	history, repaired := ReconcileAttendance(stored.Attendance)
	return &Document{
		Name:           stored.Name,
		Embedding:      stored.Embedding,
		ReferenceImage: stored.ReferenceImage,
		Attendance:     history,
		EnrolledAt:     stored.EnrolledAt,
	}, repaired, nil
}

func (fs *FileStorage) write(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if fs.encryptionEnabled {
		data, err = fs.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt identity: %w", err)
		}
	}

	return writeFileAtomic(fs.documentPath(doc.Name), data, 0600)
}

func (fs *FileStorage) archive(name string, entries []AttendanceEntry) error {
	f, err := os.OpenFile(fs.ArchivePath(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to archive attendance: %w", err)
		}
	}
	return f.Sync()
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// encrypt encrypts data using NaCl secretbox.
func (fs *FileStorage) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &fs.encryptionKey), nil
}

// decrypt decrypts data using NaCl secretbox.
func (fs *FileStorage) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrEncryption
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, &fs.encryptionKey)
	if !ok {
		return nil, ErrEncryption
	}
	return plaintext, nil
}
