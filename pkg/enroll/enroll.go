// Package enroll ingests a directory of reference photos into the identity
// store. Each image is one identity named after its file stem.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// Encoder computes the embedding of the single face in an image.
type Encoder interface {
	EncodeImage(data []byte) (recognition.Vector, error)
}

// Store is the part of the identity store used for enrollment.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	Insert(ctx context.Context, doc storage.Document) error
}

// Failure is an image that could not be enrolled.
type Failure struct {
	Name string
	Err  error
}

// Report lists what happened to every image.
type Report struct {
	Enrolled []string
	Existing []string
	NoFace   []string
	Failed   []Failure
}

// Total returns the number of images considered.
func (r *Report) Total() int {
	return len(r.Enrolled) + len(r.Existing) + len(r.NoFace) + len(r.Failed)
}

// Options tune enrollment.
type Options struct {
	// Progress receives a progress bar when set.
	Progress io.Writer
	Now      func() time.Time
}

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

var log = logging.Component("enroll")

// Images returns the enrollable images in dir, sorted by file name.
func Images(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// NameFromPath returns the identity name for an image path: its file stem.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Directory enrolls every image in dir. Identities that already exist and
// images without a face are skipped. Per-image errors are collected in the
// report; only a failure to list dir or a cancelled context is returned.
func Directory(ctx context.Context, dir string, enc Encoder, store Store, opts Options) (*Report, error) {
	paths, err := Images(dir)
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Enrolling"),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
		)
	}

	report := &Report{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		name := NameFromPath(path)
		outcome := enrollOne(ctx, path, name, enc, store, opts.Now)
		switch {
		case outcome == nil:
			report.Enrolled = append(report.Enrolled, name)
			log.WithField("name", name).Info("Enrolled identity")
		case errors.Is(outcome, storage.ErrIdentityExists):
			report.Existing = append(report.Existing, name)
			log.WithField("name", name).Debug("Identity already enrolled, skipping")
		case errors.Is(outcome, recognition.ErrNoFaceDetected):
			report.NoFace = append(report.NoFace, name)
			log.WithField("path", path).Warn("No face found, skipping")
		default:
			report.Failed = append(report.Failed, Failure{Name: name, Err: outcome})
			log.WithError(outcome).WithField("path", path).Warn("Failed to enroll image")
		}

		if bar != nil {
			_ = bar.Add(1)
		}
	}

	if bar != nil {
		_ = bar.Finish()
	}
	return report, nil
}

func enrollOne(ctx context.Context, path, name string, enc Encoder, store Store, now func() time.Time) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}

	exists, err := store.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return storage.ErrIdentityExists
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	embedding, err := enc.EncodeImage(data)
	if err != nil {
		return err
	}

	return store.Insert(ctx, storage.Document{
		Name:           name,
		Embedding:      embedding,
		ReferenceImage: data,
		Attendance:     []storage.AttendanceEntry{},
		EnrolledAt:     now(),
	})
}
