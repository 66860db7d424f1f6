package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newEntry(stage string, status int) Entry {
	return Entry{
		ID:            uuid.New(),
		RequestID:     "req-1",
		Stage:         stage,
		Status:        status,
		AppointmentID: "41474",
		RecordedAt:    time.Now().UTC(),
	}
}

func TestMemoryRecorder_RecentNewestFirst(t *testing.T) {
	m := NewMemoryRecorder(10)
	ctx := context.Background()
	m.Record(ctx, newEntry("validate", 400))
	m.Record(ctx, newEntry("auth", 401))
	m.Record(ctx, newEntry("complete", 200))

	got, err := m.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Stage != "complete" || got[1].Stage != "auth" {
		t.Errorf("expected newest first, got %s, %s", got[0].Stage, got[1].Stage)
	}
}

func TestMemoryRecorder_Bounded(t *testing.T) {
	m := NewMemoryRecorder(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Record(ctx, newEntry("validate", 400))
	}
	if m.Len() != 3 {
		t.Errorf("expected 3 retained entries, got %d", m.Len())
	}
}

func TestLogRecorder_WritesEvent(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogRecorder(zerolog.New(&buf))

	if err := r.Record(context.Background(), newEntry("procedure_code", 404)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var evt map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &evt); err != nil {
		t.Fatalf("expected JSON log line, got %q", buf.String())
	}
	if evt["level"] != "warn" {
		t.Errorf("expected warn level for failed attempt, got %v", evt["level"])
	}
	if evt["stage"] != "procedure_code" {
		t.Errorf("expected stage procedure_code, got %v", evt["stage"])
	}
	if _, ok := evt["mrn"]; ok {
		t.Error("audit log must not carry the MRN")
	}
}

func TestMulti_ReturnsFirstError(t *testing.T) {
	mem := NewMemoryRecorder(10)
	boom := errors.New("boom")
	failing := RecorderFunc(func(context.Context, Entry) error { return boom })

	err := Multi(failing, mem).Record(context.Background(), newEntry("complete", 200))
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if mem.Len() != 1 {
		t.Error("expected later recorders to still receive the entry")
	}
}

func TestEntry_Succeeded(t *testing.T) {
	if !newEntry("complete", 200).Succeeded() {
		t.Error("expected 200 to succeed")
	}
	if newEntry("submit", 404).Succeeded() {
		t.Error("expected 404 to fail")
	}
}

func TestHandler_ListRecent(t *testing.T) {
	m := NewMemoryRecorder(10)
	m.Record(context.Background(), newEntry("complete", 200))
	h := NewHandler(m)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/audit?limit=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListRecent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"stage":"complete"`) {
		t.Errorf("expected entry in body, got %s", rec.Body.String())
	}
}

func TestHandler_ListRecent_BadLimit(t *testing.T) {
	h := NewHandler(NewMemoryRecorder(10))
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/audit?limit=abc", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.ListRecent(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", httpErr.Code)
	}
}
