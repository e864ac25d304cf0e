// Package session runs an attendance session: it pulls frames, matches
// faces against the enrolled identities, gates marking on a confirmed
// blink and records each identity at most once per run.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/events"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/metrics"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// DefaultOverlayDuration is how long the "Attendance marked" overlay stays up.
const DefaultOverlayDuration = 3 * time.Second

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing session dependency")

// Extractor finds faces and their embeddings in a frame. It returns an
// empty result when the frame cannot be processed.
type Extractor interface {
	Extract(frame *camera.Frame) []recognition.Face
}

// IdentityStore is the part of the identity store used by a session.
type IdentityStore interface {
	LoadAll(ctx context.Context) ([]recognition.Identity, error)
	AppendAttendance(ctx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error)
}

// AuditSink receives one row per marking.
type AuditSink interface {
	Record(name string, ts time.Time) error
}

// Publisher announces markings to other systems.
type Publisher interface {
	PublishMarked(ctx context.Context, event events.AttendanceMarked) error
}

// Deps are the collaborators of a Controller. Source, Extractor and Store
// are required; the rest are optional.
type Deps struct {
	Source    camera.Source
	Extractor Extractor
	Predictor liveness.LandmarkPredictor
	Store     IdentityStore
	Audit     AuditSink
	Publisher Publisher
	Renderer  Renderer
	Metrics   *metrics.Metrics
}

// Options tune a session.
type Options struct {
	SessionID         string
	Tolerance         float64
	EARThreshold      float64
	PersistencePolicy string
	OverlayDuration   time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, sessionID string) Options {
	return Options{
		SessionID:         sessionID,
		Tolerance:         cfg.Recognition.Tolerance,
		EARThreshold:      cfg.Liveness.EARThreshold,
		PersistencePolicy: cfg.Session.PersistencePolicy,
		OverlayDuration:   cfg.Session.OverlayDuration,
	}
}

// Summary is the outcome of a session, also served while it runs.
type Summary struct {
	SessionID string    `json:"session_id"`
	Marked    []string  `json:"marked"`
	Pending   []string  `json:"pending,omitempty"`
	Count     int       `json:"count"`
	Frames    int64     `json:"frames"`
	Known     int       `json:"known_identities"`
	Started   time.Time `json:"started"`
	Ended     time.Time `json:"ended,omitempty"`
	Running   bool      `json:"running"`
}

// Controller owns the frame loop and the session state.
type Controller struct {
	source    camera.Source
	extractor Extractor
	predictor liveness.LandmarkPredictor
	store     IdentityStore
	audit     AuditSink
	publisher Publisher
	renderer  Renderer
	metrics   *metrics.Metrics

	opts    Options
	matcher *recognition.Matcher
	tracker *liveness.Tracker
	state   *State

	identities []recognition.Identity

	mu       sync.Mutex
	snapshot Summary

	releaseOnce sync.Once
}

var log = logging.Component("session")

// New creates a Controller. The controller takes ownership of the source
// and renderer and closes them when Run returns.
func New(deps Deps, opts Options) (*Controller, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("%w: frame source", ErrMissingDependency)
	case deps.Extractor == nil:
		return nil, fmt.Errorf("%w: extractor", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: identity store", ErrMissingDependency)
	}

	if deps.Renderer == nil {
		deps.Renderer = NopRenderer{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.PersistencePolicy == "" {
		opts.PersistencePolicy = config.PolicyAtMostOnce
	}
	if opts.OverlayDuration <= 0 {
		opts.OverlayDuration = DefaultOverlayDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Controller{
		source:    deps.Source,
		extractor: deps.Extractor,
		predictor: deps.Predictor,
		store:     deps.Store,
		audit:     deps.Audit,
		publisher: deps.Publisher,
		renderer:  deps.Renderer,
		metrics:   deps.Metrics,
		opts:      opts,
		matcher:   recognition.NewMatcher(opts.Tolerance),
		tracker:   liveness.NewTracker(opts.EARThreshold),
		state:     NewState(),
		snapshot:  Summary{SessionID: opts.SessionID, Marked: []string{}},
	}, nil
}

// Run loads the identity table and processes frames until ctx is done, the
// operator stops the session or the source is exhausted. The source and
// renderer are released on every return path. Only a failure to load the
// identity table is returned as an error.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	defer c.release()

	identities, err := c.store.LoadAll(ctx)
	if err != nil {
		return c.Summary(), fmt.Errorf("failed to load identities: %w", err)
	}
	c.identities = identities
	c.metrics.KnownIdentities.Set(float64(len(identities)))

	c.mu.Lock()
	c.snapshot.Known = len(identities)
	c.snapshot.Started = c.opts.Now()
	c.snapshot.Running = true
	c.mu.Unlock()

	log.WithFields(logging.Fields{
		"session_id": c.opts.SessionID,
		"identities": len(identities),
		"policy":     c.opts.PersistencePolicy,
	}).Info("Attendance session started")

	// Work inside a frame is not cancelled; stop takes effect between frames.
	frameCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("Session stopped")
			return c.finish(), nil
		default:
		}

		frame, err := c.source.Read()
		if err != nil {
			if errors.Is(err, camera.ErrEndOfStream) {
				log.Info("Capture exhausted, ending session")
			} else {
				log.WithError(err).Warn("Frame read failed, ending session")
			}
			return c.finish(), nil
		}

		annotations := c.ProcessFrame(frameCtx, frame)
		if c.renderer.Render(frame, annotations) {
			log.Info("Operator stop requested")
			return c.finish(), nil
		}
	}
}

// ProcessFrame runs recognition, liveness and marking for one frame and
// returns what should be drawn on it. Liveness advances at most once per
// identity per frame, on the face closest to that identity.
func (c *Controller) ProcessFrame(ctx context.Context, frame *camera.Frame) []Annotation {
	start := time.Now()
	faces := c.extractor.Extract(frame)

	matches := make([]recognition.Match, len(faces))
	best := make(map[string]int)
	var order []string
	for i, face := range faces {
		match := c.matcher.Match(face.Embedding, c.identities)
		c.metrics.RecordMatch(match.Known)
		matches[i] = match
		if !match.Known {
			continue
		}
		j, seen := best[match.Name]
		if !seen {
			order = append(order, match.Name)
			best[match.Name] = i
		} else if match.Distance < matches[j].Distance {
			best[match.Name] = i
		}
	}

	for _, name := range order {
		if c.state.IsMarked(name) {
			continue
		}
		c.state.Match(name)
		switch {
		case c.state.IsPending(name):
			c.mark(ctx, name)
		case c.blinkConfirmed(frame, faces[best[name]], name):
			c.mark(ctx, name)
		}
	}

	annotations := make([]Annotation, 0, len(faces))
	now := c.opts.Now()
	for i, face := range faces {
		match := matches[i]
		a := Annotation{Box: face.Box, Label: match.Label(), Known: match.Known}
		if match.Known {
			a.Marked = c.state.IsMarked(match.Name)
			a.Overlay = c.state.ShowOverlay(match.Name, now, c.opts.OverlayDuration)
		}
		annotations = append(annotations, a)
	}

	c.metrics.RecordFrame(len(faces), time.Since(start).Seconds())
	c.mu.Lock()
	c.snapshot.Frames++
	c.mu.Unlock()

	return annotations
}

// blinkConfirmed feeds the face's eye aspect ratio to the tracker.
func (c *Controller) blinkConfirmed(frame *camera.Frame, face recognition.Face, name string) bool {
	landmarks := face.Landmarks
	if len(landmarks) == 0 && c.predictor != nil {
		pts, err := c.predictor.Predict(frame, face.Box)
		if err != nil {
			log.WithError(err).WithField("name", name).Debug("Landmark prediction failed")
			return false
		}
		landmarks = pts
	}

	ear, err := liveness.FaceEAR(landmarks)
	if err != nil {
		return false
	}

	t := c.tracker.Observe(name, ear)
	log.WithFields(logging.Fields{
		"name":       name,
		"ear":        ear,
		"transition": t.String(),
	}).Debug("Liveness observation")

	if t == liveness.TransitionConfirmed {
		c.metrics.BlinksConfirmed.Inc()
		return true
	}
	return false
}

// mark persists attendance for name and advances it to the marked phase,
// subject to the persistence policy.
func (c *Controller) mark(ctx context.Context, name string) {
	ts := c.opts.Now()

	res, err := c.store.AppendAttendance(ctx, name, ts, storage.StatusPresent)
	fields := logging.Fields{
		"name":     name,
		"matched":  res.Matched,
		"modified": res.Modified,
	}
	if err != nil {
		c.metrics.PersistFailures.Inc()
		if c.opts.PersistencePolicy == config.PolicyRetryUntilSuccess {
			c.state.SetPending(name, ts)
			c.updatePending()
			log.WithError(err).WithFields(fields).Warn("Attendance write failed, will retry on next match")
			return
		}
		log.WithError(err).WithFields(fields).Warn("Attendance write failed, not retrying")
	} else {
		if res.Repaired {
			c.metrics.HistoryRepairs.Inc()
		}
		log.WithFields(fields).Info("Attendance recorded")
	}

	c.state.Mark(name, ts)
	c.tracker.Forget(name)
	c.metrics.AttendanceMarked.Inc()

	if c.audit != nil {
		if aerr := c.audit.Record(name, ts); aerr != nil {
			c.metrics.AuditWriteFailures.Inc()
			log.WithError(aerr).WithField("name", name).Warn("Failed to write audit row")
		}
	}

	if c.publisher != nil {
		event := events.AttendanceMarked{
			SessionID: c.opts.SessionID,
			Name:      name,
			Timestamp: ts,
			Status:    storage.StatusPresent,
			Persisted: err == nil,
		}
		if perr := c.publisher.PublishMarked(ctx, event); perr != nil {
			log.WithError(perr).WithField("name", name).Warn("Failed to publish attendance event")
		}
	}

	marked := c.state.Marked()
	c.metrics.MarkedIdentities.Set(float64(len(marked)))

	c.mu.Lock()
	c.snapshot.Marked = marked
	c.snapshot.Count = len(marked)
	c.snapshot.Pending = c.state.Pending()
	c.mu.Unlock()
}

func (c *Controller) updatePending() {
	pending := c.state.Pending()
	c.mu.Lock()
	c.snapshot.Pending = pending
	c.mu.Unlock()
}

// State returns the session state. It must only be used from the loop
// goroutine or after Run returns.
func (c *Controller) State() *State {
	return c.state
}

// Summary returns a snapshot of the session. It is safe to call from any
// goroutine.
func (c *Controller) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.snapshot
	s.Marked = append([]string(nil), c.snapshot.Marked...)
	if s.Marked == nil {
		s.Marked = []string{}
	}
	s.Pending = append([]string(nil), c.snapshot.Pending...)
	return s
}

func (c *Controller) finish() Summary {
	c.mu.Lock()
	c.snapshot.Ended = c.opts.Now()
	c.snapshot.Running = false
	c.mu.Unlock()

	s := c.Summary()
	if len(s.Pending) > 0 {
		log.WithField("pending", s.Pending).Warn("Session ended with unpersisted attendance")
	}
	log.WithFields(logging.Fields{
		"session_id": s.SessionID,
		"marked":     s.Count,
		"frames":     s.Frames,
	}).Info("Attendance session ended")
	return s
}

// release closes the frame source and renderer exactly once.
func (c *Controller) release() {
	c.releaseOnce.Do(func() {
		if err := c.source.Close(); err != nil {
			log.WithError(err).Warn("Failed to close frame source")
		}
		if err := c.renderer.Close(); err != nil {
			log.WithError(err).Warn("Failed to close renderer")
		}
	})
}
