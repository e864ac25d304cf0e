package session

import (
	"context"
	"image"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/events"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// MockSource implements camera.Source for testing. Without ReadFunc it
// serves Frames frames and then ErrEndOfStream.
type MockSource struct {
	ReadFunc  func() (*camera.Frame, error)
	CloseFunc func() error
	Frames    int
	reads     int
	closes    int
}

func (m *MockSource) Read() (*camera.Frame, error) {
	m.reads++
	if m.ReadFunc != nil {
		return m.ReadFunc()
	}
	if m.reads > m.Frames {
		return nil, camera.ErrEndOfStream
	}
	return &camera.Frame{Width: 640, Height: 480, Timestamp: time.Now()}, nil
}

func (m *MockSource) Close() error {
	m.closes++
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// MockExtractor implements Extractor for testing.
type MockExtractor struct {
	ExtractFunc func(frame *camera.Frame) []recognition.Face
	calls       int
}

func (m *MockExtractor) Extract(frame *camera.Frame) []recognition.Face {
	m.calls++
	if m.ExtractFunc != nil {
		return m.ExtractFunc(frame)
	}
	return nil
}

// MockPredictor implements liveness.LandmarkPredictor for testing.
type MockPredictor struct {
	PredictFunc func(frame *camera.Frame, box image.Rectangle) ([]liveness.Point, error)
}

func (m *MockPredictor) Predict(frame *camera.Frame, box image.Rectangle) ([]liveness.Point, error) {
	if m.PredictFunc != nil {
		return m.PredictFunc(frame, box)
	}
	return nil, liveness.ErrInsufficientLandmarks
}

type appendCall struct {
	Name   string
	TS     time.Time
	Status string
}

// MockStore implements IdentityStore for testing.
type MockStore struct {
	LoadAllFunc func(ctx context.Context) ([]recognition.Identity, error)
	AppendFunc  func(ctx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error)
	Appends     []appendCall
}

func (m *MockStore) LoadAll(ctx context.Context) ([]recognition.Identity, error) {
	if m.LoadAllFunc != nil {
		return m.LoadAllFunc(ctx)
	}
	return nil, nil
}

func (m *MockStore) AppendAttendance(ctx context.Context, name string, ts time.Time, status string) (storage.AppendResult, error) {
	m.Appends = append(m.Appends, appendCall{Name: name, TS: ts, Status: status})
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, name, ts, status)
	}
	return storage.AppendResult{Matched: 1, Modified: 1}, nil
}

// MockAudit implements AuditSink for testing.
type MockAudit struct {
	RecordFunc func(name string, ts time.Time) error
	Rows       []string
}

func (m *MockAudit) Record(name string, ts time.Time) error {
	m.Rows = append(m.Rows, name)
	if m.RecordFunc != nil {
		return m.RecordFunc(name, ts)
	}
	return nil
}

// MockPublisher implements Publisher for testing.
type MockPublisher struct {
	PublishFunc func(ctx context.Context, event events.AttendanceMarked) error
	Events      []events.AttendanceMarked
}

func (m *MockPublisher) PublishMarked(ctx context.Context, event events.AttendanceMarked) error {
	m.Events = append(m.Events, event)
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, event)
	}
	return nil
}

// MockRenderer implements Renderer for testing.
type MockRenderer struct {
	RenderFunc func(frame *camera.Frame, annotations []Annotation) bool
	Rendered   [][]Annotation
	closes     int
}

func (m *MockRenderer) Render(frame *camera.Frame, annotations []Annotation) bool {
	m.Rendered = append(m.Rendered, annotations)
	if m.RenderFunc != nil {
		return m.RenderFunc(frame, annotations)
	}
	return false
}

func (m *MockRenderer) Close() error {
	m.closes++
	return nil
}
