package session

import (
	"context"
	"errors"
	"image"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/events"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/metrics"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

var (
	aliceEmbedding = recognition.Vector{0.1, 0.2, 0.3, 0.4}
	strangerVector = recognition.Vector{5, 5, 5, 5}
	faceBox        = image.Rect(100, 100, 200, 200)
)

// landmarksWithEAR builds a 68-point layout whose eyes both have the given
// aspect ratio.
func landmarksWithEAR(ear float64) []liveness.Point {
	pts := make([]liveness.Point, 68)
	eye := func(start int, x0 float64) {
		pts[start+0] = liveness.Point{X: x0, Y: 10}
		pts[start+1] = liveness.Point{X: x0 + 0.5, Y: 10 - ear}
		pts[start+2] = liveness.Point{X: x0 + 1.5, Y: 10 - ear}
		pts[start+3] = liveness.Point{X: x0 + 2, Y: 10}
		pts[start+4] = liveness.Point{X: x0 + 1.5, Y: 10 + ear}
		pts[start+5] = liveness.Point{X: x0 + 0.5, Y: 10 + ear}
	}
	eye(36, 0)
	eye(42, 5)
	return pts
}

type harness struct {
	source    *MockSource
	extractor *MockExtractor
	store     *MockStore
	audit     *MockAudit
	publisher *MockPublisher
	renderer  *MockRenderer
	metrics   *metrics.Metrics
	ctrl      *Controller
}

// newHarness serves one frame per EAR value, each containing a face that
// matches alice exactly.
func newHarness(t *testing.T, ears []float64, opts Options) *harness {
	t.Helper()

	h := &harness{
		source: &MockSource{Frames: len(ears)},
		store: &MockStore{
			LoadAllFunc: func(ctx context.Context) ([]recognition.Identity, error) {
				return []recognition.Identity{{Name: "alice", Embedding: aliceEmbedding}}, nil
			},
		},
		audit:     &MockAudit{},
		publisher: &MockPublisher{},
		renderer:  &MockRenderer{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	h.extractor = &MockExtractor{}
	h.extractor.ExtractFunc = func(frame *camera.Frame) []recognition.Face {
		i := h.extractor.calls - 1
		if i >= len(ears) {
			return nil
		}
		return []recognition.Face{{
			Box:       faceBox,
			Embedding: aliceEmbedding,
			Landmarks: landmarksWithEAR(ears[i]),
		}}
	}

	if opts.SessionID == "" {
		opts.SessionID = "test-session"
	}
	ctrl, err := New(Deps{
		Source:    h.source,
		Extractor: h.extractor,
		Store:     h.store,
		Audit:     h.audit,
		Publisher: h.publisher,
		Renderer:  h.renderer,
		Metrics:   h.metrics,
	}, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func TestNew_MissingDependencies(t *testing.T) {
	src := &MockSource{}
	ext := &MockExtractor{}
	store := &MockStore{}

	tests := []struct {
		name string
		deps Deps
	}{
		{"no source", Deps{Extractor: ext, Store: store}},
		{"no extractor", Deps{Source: src, Store: store}},
		{"no store", Deps{Source: src, Extractor: ext}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.deps, Options{})
			if !errors.Is(err, ErrMissingDependency) {
				t.Errorf("expected ErrMissingDependency, got %v", err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Deps{Source: &MockSource{}, Extractor: &MockExtractor{}, Store: &MockStore{}}, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.opts.PersistencePolicy != config.PolicyAtMostOnce {
		t.Errorf("expected default policy %s, got %s", config.PolicyAtMostOnce, c.opts.PersistencePolicy)
	}
	if c.opts.OverlayDuration != DefaultOverlayDuration {
		t.Errorf("expected default overlay %v, got %v", DefaultOverlayDuration, c.opts.OverlayDuration)
	}
	if c.tracker.Threshold() != liveness.DefaultEARThreshold {
		t.Errorf("expected default EAR threshold, got %v", c.tracker.Threshold())
	}
	if _, ok := c.renderer.(NopRenderer); !ok {
		t.Errorf("expected NopRenderer, got %T", c.renderer)
	}
}

func TestRun_BlinkMarksOnFourthFrame(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.15, 0.32}, Options{})

	var markedOnFrame int
	h.store.AppendFunc = func(ctx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error) {
		markedOnFrame = h.extractor.calls
		return storage.AppendResult{Matched: 1, Modified: 1}, nil
	}

	summary, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(h.store.Appends) != 1 {
		t.Fatalf("expected 1 attendance record, got %d", len(h.store.Appends))
	}
	if markedOnFrame != 4 {
		t.Errorf("expected record on frame 4, got frame %d", markedOnFrame)
	}
	if got := h.store.Appends[0]; got.Name != "alice" || got.Status != storage.StatusPresent {
		t.Errorf("unexpected append %+v", got)
	}
	if !reflect.DeepEqual(h.audit.Rows, []string{"alice"}) {
		t.Errorf("expected one audit row for alice, got %v", h.audit.Rows)
	}
	if summary.Count != 1 || !reflect.DeepEqual(summary.Marked, []string{"alice"}) {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.Frames != 4 {
		t.Errorf("expected 4 frames, got %d", summary.Frames)
	}
	if got := testutil.ToFloat64(h.metrics.AttendanceMarked); got != 1 {
		t.Errorf("expected marked counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.BlinksConfirmed); got != 1 {
		t.Errorf("expected 1 confirmed blink, got %v", got)
	}

	if len(h.publisher.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(h.publisher.Events))
	}
	ev := h.publisher.Events[0]
	if ev.SessionID != "test-session" || ev.Name != "alice" || !ev.Persisted {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestRun_NoBlinkNoRecord(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.30, 0.30}, Options{})

	summary, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(h.store.Appends) != 0 {
		t.Errorf("expected no attendance records, got %d", len(h.store.Appends))
	}
	if len(h.audit.Rows) != 0 {
		t.Errorf("expected no audit rows, got %v", h.audit.Rows)
	}
	if summary.Count != 0 {
		t.Errorf("expected count 0, got %d", summary.Count)
	}
	if got := h.ctrl.State().Phase("alice"); got != PhaseMatched {
		t.Errorf("expected alice matched but unmarked, got %s", got)
	}
}

func TestRun_ThresholdValueCountsAsOpen(t *testing.T) {
	// A reading exactly at the threshold never closes the eyes.
	h := newHarness(t, []float64{0.25, 0.25, 0.25}, Options{EARThreshold: 0.25})

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(h.store.Appends) != 0 {
		t.Errorf("expected no records, got %d", len(h.store.Appends))
	}
}

func TestRun_DedupAcrossBlinks(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30, 0.15, 0.30, 0.15, 0.30}, Options{})

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(h.store.Appends) != 1 {
		t.Errorf("expected exactly 1 record, got %d", len(h.store.Appends))
	}
	if len(h.audit.Rows) != 1 {
		t.Errorf("expected exactly 1 audit row, got %d", len(h.audit.Rows))
	}
	if got := testutil.ToFloat64(h.metrics.BlinksConfirmed); got != 1 {
		t.Errorf("expected later blinks ignored, got %v confirmations", got)
	}
}

func TestRun_UnmatchedNoRecord(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.source.Frames = 4
	ears := []float64{0.30, 0.15, 0.15, 0.32}
	h.extractor.ExtractFunc = func(frame *camera.Frame) []recognition.Face {
		return []recognition.Face{{
			Box:       faceBox,
			Embedding: strangerVector,
			Landmarks: landmarksWithEAR(ears[h.extractor.calls-1]),
		}}
	}

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(h.store.Appends) != 0 {
		t.Errorf("expected no records for unmatched face, got %d", len(h.store.Appends))
	}
	for _, anns := range h.renderer.Rendered {
		for _, a := range anns {
			if a.Known || a.Label != recognition.UnknownName {
				t.Errorf("expected Unknown annotation, got %+v", a)
			}
		}
	}
}

func TestRun_EmptyIdentityTable(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30}, Options{})
	h.store.LoadAllFunc = func(ctx context.Context) ([]recognition.Identity, error) {
		return nil, nil
	}

	summary, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(h.store.Appends) != 0 || summary.Count != 0 {
		t.Errorf("expected nothing marked, got %d appends", len(h.store.Appends))
	}
}

func TestRun_AtMostOnceDoesNotRetry(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30, 0.30, 0.15, 0.30}, Options{
		PersistencePolicy: config.PolicyAtMostOnce,
	})
	h.store.AppendFunc = func(ctx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error) {
		return storage.AppendResult{}, storage.ErrStorageAccess
	}

	summary, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(h.store.Appends) != 1 {
		t.Errorf("expected a single append attempt, got %d", len(h.store.Appends))
	}
	if summary.Count != 1 {
		t.Errorf("expected alice marked despite failure, got %+v", summary)
	}
	if got := testutil.ToFloat64(h.metrics.PersistFailures); got != 1 {
		t.Errorf("expected 1 persist failure, got %v", got)
	}
	if len(h.publisher.Events) != 1 || h.publisher.Events[0].Persisted {
		t.Errorf("expected one unpersisted event, got %+v", h.publisher.Events)
	}
}

func TestRun_RetryUntilSuccess(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30, 0.30, 0.30, 0.30}, Options{
		PersistencePolicy: config.PolicyRetryUntilSuccess,
	})
	failures := 2
	h.store.AppendFunc = func(ctx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error) {
		if failures > 0 {
			failures--
			return storage.AppendResult{}, storage.ErrStorageAccess
		}
		return storage.AppendResult{Matched: 1, Modified: 1}, nil
	}
	h.renderer.RenderFunc = func(frame *camera.Frame, annotations []Annotation) bool {
		switch h.extractor.calls {
		case 3, 4:
			if h.ctrl.State().Phase("alice") == PhaseMarked {
				t.Errorf("alice marked on frame %d before a successful write", h.extractor.calls)
			}
		}
		return false
	}

	summary, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Blink on frame 3 fails, frame 4 fails, frame 5 succeeds, frame 6 is deduped.
	if len(h.store.Appends) != 3 {
		t.Errorf("expected 3 append attempts, got %d", len(h.store.Appends))
	}
	if len(h.audit.Rows) != 1 {
		t.Errorf("expected 1 audit row, got %d", len(h.audit.Rows))
	}
	if summary.Count != 1 || len(summary.Pending) != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if len(h.publisher.Events) != 1 || !h.publisher.Events[0].Persisted {
		t.Errorf("expected one persisted event, got %+v", h.publisher.Events)
	}
}

func TestRun_RetryPendingReportedAtEnd(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30}, Options{
		PersistencePolicy: config.PolicyRetryUntilSuccess,
	})
	h.store.AppendFunc = func(ctx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error) {
		return storage.AppendResult{}, storage.ErrStorageAccess
	}

	summary, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Count != 0 {
		t.Errorf("expected nothing marked, got %d", summary.Count)
	}
	if !reflect.DeepEqual(summary.Pending, []string{"alice"}) {
		t.Errorf("expected alice pending, got %v", summary.Pending)
	}
	if len(h.audit.Rows) != 0 {
		t.Errorf("expected no audit rows, got %v", h.audit.Rows)
	}
}

func TestRun_AuditAndPublishFailuresAreNotFatal(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30, 0.30}, Options{})
	h.audit.RecordFunc = func(name string, ts time.Time) error { return errors.New("disk full") }
	h.publisher.PublishFunc = func(ctx context.Context, event events.AttendanceMarked) error {
		return errors.New("broker down")
	}

	summary, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Count != 1 || summary.Frames != 4 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if got := testutil.ToFloat64(h.metrics.AuditWriteFailures); got != 1 {
		t.Errorf("expected 1 audit failure, got %v", got)
	}
}

func TestRun_RepairCounted(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30}, Options{})
	h.store.AppendFunc = func(ctx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error) {
		return storage.AppendResult{Matched: 1, Modified: 1, Repaired: true}, nil
	}

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.HistoryRepairs); got != 1 {
		t.Errorf("expected 1 repair, got %v", got)
	}
}

func TestRun_LoadAllFailure(t *testing.T) {
	h := newHarness(t, []float64{0.30}, Options{})
	h.store.LoadAllFunc = func(ctx context.Context) ([]recognition.Identity, error) {
		return nil, storage.ErrStorageAccess
	}

	_, err := h.ctrl.Run(context.Background())
	if !errors.Is(err, storage.ErrStorageAccess) {
		t.Fatalf("expected ErrStorageAccess, got %v", err)
	}
	if h.source.reads != 0 {
		t.Errorf("expected no frames read, got %d", h.source.reads)
	}
	if h.source.closes != 1 || h.renderer.closes != 1 {
		t.Errorf("expected source and renderer closed once, got %d and %d", h.source.closes, h.renderer.closes)
	}
}

func TestRun_ReleasesOnce(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.30}, Options{})

	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	h.ctrl.release()

	if h.source.closes != 1 {
		t.Errorf("expected source closed once, got %d", h.source.closes)
	}
	if h.renderer.closes != 1 {
		t.Errorf("expected renderer closed once, got %d", h.renderer.closes)
	}
}

func TestRun_ReadErrorEndsCleanly(t *testing.T) {
	h := newHarness(t, []float64{0.30}, Options{})
	h.source.ReadFunc = func() (*camera.Frame, error) {
		if h.source.reads > 1 {
			return nil, camera.ErrNoFrame
		}
		return &camera.Frame{}, nil
	}

	summary, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("expected clean end on read failure, got %v", err)
	}
	if summary.Frames != 1 {
		t.Errorf("expected 1 frame processed, got %d", summary.Frames)
	}
	if summary.Running {
		t.Error("expected summary to report session not running")
	}
	if h.source.closes != 1 {
		t.Errorf("expected source closed once, got %d", h.source.closes)
	}
}

func TestRun_OperatorStop(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.30, 0.30, 0.30, 0.30}, Options{})
	h.renderer.RenderFunc = func(frame *camera.Frame, annotations []Annotation) bool {
		return len(h.renderer.Rendered) == 2
	}

	summary, err := h.ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Frames != 2 {
		t.Errorf("expected stop after 2 frames, got %d", summary.Frames)
	}
	if h.source.closes != 1 || h.renderer.closes != 1 {
		t.Errorf("expected source and renderer closed once, got %d and %d", h.source.closes, h.renderer.closes)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.30, 0.30}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if h.source.reads != 0 {
		t.Errorf("expected no frames read after cancellation, got %d", h.source.reads)
	}
	if summary.Frames != 0 {
		t.Errorf("expected 0 frames, got %d", summary.Frames)
	}
	if h.source.closes != 1 {
		t.Errorf("expected source closed once, got %d", h.source.closes)
	}
}

func TestRun_CancelTakesEffectAtFrameBoundary(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30, 0.30, 0.30}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.store.AppendFunc = func(actx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error) {
		cancel()
		if actx.Err() != nil {
			t.Error("expected in-frame work to ignore cancellation")
		}
		return storage.AppendResult{Matched: 1, Modified: 1}, nil
	}

	summary, err := h.ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Frames != 3 {
		t.Errorf("expected loop to stop after frame 3, got %d", summary.Frames)
	}
	if summary.Count != 1 {
		t.Errorf("expected alice marked, got %d", summary.Count)
	}
}

func TestProcessFrame_OverlayCooldown(t *testing.T) {
	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, []float64{0.30, 0.15, 0.30, 0.30, 0.30}, Options{
		Now: func() time.Time { return now },
	})
	h.ctrl.identities = []recognition.Identity{{Name: "alice", Embedding: aliceEmbedding}}
	ctx := context.Background()
	frame := &camera.Frame{}

	h.ctrl.ProcessFrame(ctx, frame)
	h.ctrl.ProcessFrame(ctx, frame)
	anns := h.ctrl.ProcessFrame(ctx, frame)
	if len(anns) != 1 || !anns[0].Marked || !anns[0].Overlay {
		t.Fatalf("expected marked with overlay on blink frame, got %+v", anns)
	}
	if anns[0].Label != "alice (100%)" {
		t.Errorf("expected label 'alice (100%%)', got %q", anns[0].Label)
	}

	now = now.Add(2 * time.Second)
	anns = h.ctrl.ProcessFrame(ctx, frame)
	if !anns[0].Overlay {
		t.Error("expected overlay 2s after marking")
	}

	now = now.Add(time.Second)
	anns = h.ctrl.ProcessFrame(ctx, frame)
	if anns[0].Overlay {
		t.Error("expected overlay gone 3s after marking")
	}
	if !anns[0].Marked || anns[0].Label != "alice (100%)" {
		t.Errorf("expected marked identity still labelled, got %+v", anns[0])
	}
}

func TestProcessFrame_UsesPredictorWithoutLandmarks(t *testing.T) {
	ears := []float64{0.30, 0.15, 0.30}
	h := newHarness(t, ears, Options{})
	h.extractor.ExtractFunc = func(frame *camera.Frame) []recognition.Face {
		return []recognition.Face{{Box: faceBox, Embedding: aliceEmbedding}}
	}

	var boxes []image.Rectangle
	call := 0
	predictor := &MockPredictor{PredictFunc: func(frame *camera.Frame, box image.Rectangle) ([]liveness.Point, error) {
		boxes = append(boxes, box)
		ear := ears[call]
		call++
		return landmarksWithEAR(ear), nil
	}}

	ctrl, err := New(Deps{
		Source:    h.source,
		Extractor: h.extractor,
		Predictor: predictor,
		Store:     h.store,
	}, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	summary, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Count != 1 {
		t.Errorf("expected alice marked via predicted landmarks, got %+v", summary)
	}
	for _, b := range boxes {
		if b != faceBox {
			t.Errorf("expected predictor called with matched face box, got %v", b)
		}
	}
}

func TestProcessFrame_PredictorErrorSkipsLiveness(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30}, Options{})
	h.extractor.ExtractFunc = func(frame *camera.Frame) []recognition.Face {
		return []recognition.Face{{Box: faceBox, Embedding: aliceEmbedding}}
	}

	ctrl, err := New(Deps{
		Source:    h.source,
		Extractor: h.extractor,
		Predictor: &MockPredictor{},
		Store:     h.store,
	}, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	summary, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Count != 0 || len(h.store.Appends) != 0 {
		t.Errorf("expected no marking without landmarks, got %+v", summary)
	}
}

func TestProcessFrame_MultipleFaces(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ctrl.identities = []recognition.Identity{
		{Name: "alice", Embedding: aliceEmbedding},
		{Name: "bob", Embedding: recognition.Vector{0.9, 0.9, 0.9, 0.9}},
	}
	ears := []float64{0.30, 0.15, 0.30}
	frameNo := 0
	h.extractor.ExtractFunc = func(frame *camera.Frame) []recognition.Face {
		return []recognition.Face{
			{Box: faceBox, Embedding: aliceEmbedding, Landmarks: landmarksWithEAR(ears[frameNo])},
			{Box: image.Rect(300, 100, 400, 200), Embedding: recognition.Vector{0.9, 0.9, 0.9, 0.9}, Landmarks: landmarksWithEAR(0.30)},
			{Box: image.Rect(500, 100, 600, 200), Embedding: strangerVector},
		}
	}

	for frameNo = 0; frameNo < len(ears); frameNo++ {
		anns := h.ctrl.ProcessFrame(context.Background(), &camera.Frame{})
		if len(anns) != 3 {
			t.Fatalf("expected 3 annotations, got %d", len(anns))
		}
	}

	if got := h.ctrl.State().Marked(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("expected only alice marked, got %v", got)
	}
	if got := h.ctrl.State().Phase("bob"); got != PhaseMatched {
		t.Errorf("expected bob matched, got %s", got)
	}
}

func TestProcessFrame_SameIdentityTwiceInOneFrame(t *testing.T) {
	tests := []struct {
		name string
		ears [2]float64
	}{
		{"closed then open", [2]float64{0.10, 0.30}},
		{"open then closed", [2]float64{0.30, 0.10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, Options{})
			h.ctrl.identities = []recognition.Identity{{Name: "alice", Embedding: aliceEmbedding}}
			h.extractor.ExtractFunc = func(frame *camera.Frame) []recognition.Face {
				return []recognition.Face{
					{Box: faceBox, Embedding: aliceEmbedding, Landmarks: landmarksWithEAR(tt.ears[0])},
					{Box: image.Rect(300, 100, 400, 200), Embedding: aliceEmbedding, Landmarks: landmarksWithEAR(tt.ears[1])},
				}
			}

			anns := h.ctrl.ProcessFrame(context.Background(), &camera.Frame{})
			if len(anns) != 2 {
				t.Fatalf("expected 2 annotations, got %d", len(anns))
			}
			if len(h.store.Appends) != 0 {
				t.Errorf("expected no attendance from a single frame, got %d appends", len(h.store.Appends))
			}
			if got := h.ctrl.State().Phase("alice"); got != PhaseMatched {
				t.Errorf("expected alice matched, got %s", got)
			}
		})
	}
}

func TestProcessFrame_LivenessUsesClosestFace(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.ctrl.identities = []recognition.Identity{{Name: "alice", Embedding: aliceEmbedding}}
	farther := recognition.Vector{0.1, 0.2, 0.3, 0.5}

	// The closer face blinks on the second frame; the farther one alternates
	// out of phase and must not drive the tracker.
	closer := []float64{0.30, 0.10, 0.30}
	other := []float64{0.10, 0.30, 0.10}
	frameNo := 0
	h.extractor.ExtractFunc = func(frame *camera.Frame) []recognition.Face {
		return []recognition.Face{
			{Box: image.Rect(300, 100, 400, 200), Embedding: farther, Landmarks: landmarksWithEAR(other[frameNo])},
			{Box: faceBox, Embedding: aliceEmbedding, Landmarks: landmarksWithEAR(closer[frameNo])},
		}
	}

	for frameNo = 0; frameNo < 2; frameNo++ {
		h.ctrl.ProcessFrame(context.Background(), &camera.Frame{})
	}
	if len(h.store.Appends) != 0 {
		t.Fatalf("expected no attendance before the eyes reopen, got %d", len(h.store.Appends))
	}

	anns := h.ctrl.ProcessFrame(context.Background(), &camera.Frame{})
	if len(h.store.Appends) != 1 {
		t.Fatalf("expected 1 append after the blink, got %d", len(h.store.Appends))
	}
	for i, a := range anns {
		if !a.Marked {
			t.Errorf("annotation %d: expected both alice faces shown as marked", i)
		}
	}
}

func TestSummary_IsSnapshot(t *testing.T) {
	h := newHarness(t, []float64{0.30, 0.15, 0.30}, Options{})
	if _, err := h.ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	s := h.ctrl.Summary()
	s.Marked[0] = "mallory"
	if got := h.ctrl.Summary().Marked[0]; got != "alice" {
		t.Errorf("expected snapshot copy, controller now reports %q", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	opts := OptionsFromConfig(cfg, "abc")

	if opts.SessionID != "abc" {
		t.Errorf("expected session id abc, got %s", opts.SessionID)
	}
	if opts.Tolerance != cfg.Recognition.Tolerance {
		t.Errorf("expected tolerance %v, got %v", cfg.Recognition.Tolerance, opts.Tolerance)
	}
	if opts.PersistencePolicy != cfg.Session.PersistencePolicy {
		t.Errorf("expected policy %s, got %s", cfg.Session.PersistencePolicy, opts.PersistencePolicy)
	}
}
