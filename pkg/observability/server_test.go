package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrCodeEU/rollcall/pkg/metrics"
	"github.com/MrCodeEU/rollcall/pkg/session"
)

type staticProvider struct {
	summary session.Summary
}

func (p staticProvider) Summary() session.Summary {
	return p.summary
}

func TestHealthz(t *testing.T) {
	s := NewServer(":0", prometheus.NewRegistry(), nil)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("expected body ok, got %q", rec.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.AttendanceMarked.Inc()

	s := NewServer(":0", reg, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rollcall_attendance_marked_total 1") {
		t.Errorf("expected marked counter in output, got:\n%s", rec.Body.String())
	}
}

func TestAttendance(t *testing.T) {
	started := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	provider := staticProvider{summary: session.Summary{
		SessionID: "sess-1",
		Marked:    []string{"alice", "bob"},
		Count:     2,
		Frames:    120,
		Started:   started,
		Running:   true,
	}}

	s := NewServer(":0", prometheus.NewRegistry(), provider)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attendance", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %s", ct)
	}

	var got session.Summary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode summary: %v", err)
	}
	if got.SessionID != "sess-1" || got.Count != 2 || len(got.Marked) != 2 {
		t.Errorf("unexpected summary %+v", got)
	}
	if !got.Started.Equal(started) {
		t.Errorf("expected started %v, got %v", started, got.Started)
	}
}

func TestAttendance_NoProvider(t *testing.T) {
	s := NewServer(":0", prometheus.NewRegistry(), nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attendance", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestStartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", prometheus.NewRegistry(), nil)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
