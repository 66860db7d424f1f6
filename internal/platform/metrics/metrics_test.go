package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOutcome("complete", 200)
	m.ObserveOutcome("complete", 200)
	m.ObserveOutcome("validate", 400)

	if got := testutil.ToFloat64(m.transactions.WithLabelValues("complete", "200")); got != 2 {
		t.Errorf("expected 2 completed transactions, got %v", got)
	}
	if got := testutil.ToFloat64(m.transactions.WithLabelValues("validate", "400")); got != 1 {
		t.Errorf("expected 1 validation failure, got %v", got)
	}
}

func TestObserveStageAndCall(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveStage("auth", 30*time.Millisecond)
	m.ObserveCall("token", 200, 25*time.Millisecond)
	m.ObserveCall("appointments", 0, time.Second)

	if n := testutil.CollectAndCount(m.stageDuration); n != 1 {
		t.Errorf("expected 1 stage series, got %d", n)
	}
	if n := testutil.CollectAndCount(m.ehrCalls); n != 2 {
		t.Errorf("expected 2 call series, got %d", n)
	}
}

func TestHandler(t *testing.T) {
	m := New(NewRegistry())
	m.ObserveOutcome("complete", 200)
	m.ObserveCall("services", 0, time.Millisecond)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`relay_transactions_total{stage="complete",status="200"} 1`,
		`relay_ehr_call_duration_seconds_count{call="services",code="error"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}
