package transaction

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/relay/internal/platform/ehr"
	"github.com/ehr/relay/internal/platform/ehr/ehrtest"
	"github.com/ehr/relay/internal/platform/ehrconfig"
	"github.com/ehr/relay/internal/platform/middleware"
)

func newTestServer(t *testing.T, loader ehrconfig.Loader, mw ...echo.MiddlewareFunc) *echo.Echo {
	t.Helper()
	e := echo.New()
	h := NewHandler(NewRelay(loader, ehr.NewClient()))
	h.RegisterRoutes(e.Group(""), mw...)
	return e
}

func post(e *echo.Echo, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/transaction", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateTransaction_Success(t *testing.T) {
	srv := ehrtest.NewServer()
	defer srv.Close()
	e := newTestServer(t, ehrconfig.Static(srv.Config("MRN")))

	rec := post(e, validPayload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "Success" {
		t.Errorf("expected body Success, got %q", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMETextPlain) {
		t.Errorf("expected text/plain, got %q", ct)
	}
	if n := srv.Calls(ehr.CallServices); n != 1 {
		t.Errorf("expected 1 services call, got %d", n)
	}
}

func TestHandler_CreateTransaction_MissingFields(t *testing.T) {
	srv := ehrtest.NewServer()
	defer srv.Close()
	e := newTestServer(t, ehrconfig.Static(srv.Config("MRN")))

	tests := []struct {
		body string
		want string
	}{
		{``, "No valid JSON in HTTP request."},
		{`{"Visit":{"VisitNumber":"41474"},"Transactions":[{}]}`, "Financial transaction missing required data: Patient"},
		{`{"Patient":{"Identifiers":[]},"Transactions":[{}]}`, "Financial transaction missing required data: Visit"},
		{`{"Patient":{"Identifiers":[]},"Visit":{"VisitNumber":"41474"}}`, "Financial transaction missing required data: Transactions"},
	}

	for _, tt := range tests {
		rec := post(e, tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", tt.body, rec.Code)
		}
		if rec.Body.String() != tt.want {
			t.Errorf("%q: expected %q, got %q", tt.body, tt.want, rec.Body.String())
		}
	}
	if n := srv.TotalCalls(); n != 0 {
		t.Errorf("expected no EHR calls, got %d", n)
	}
}

func TestHandler_CreateTransaction_MissingConfig(t *testing.T) {
	e := newTestServer(t, ehrconfig.NewFileLoader(filepath.Join(t.TempDir(), "configs.json")))

	rec := post(e, validPayload)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec.Body.String() != "Missing configuration" {
		t.Errorf("expected Missing configuration, got %q", rec.Body.String())
	}
}

func TestHandler_CreateTransaction_FailureStatuses(t *testing.T) {
	tests := []struct {
		name   string
		call   string
		status int
		body   string
		want   int
		msg    string
	}{
		{"auth", ehr.CallToken, http.StatusUnauthorized, `{}`, http.StatusUnauthorized, "EHR Authentication failed"},
		{"procedure code", ehr.CallProcedureCodes, http.StatusOK, `[]`, http.StatusNotFound, "Procedure code invalid for Encounter: 11100"},
		{"submit", ehr.CallServices, http.StatusOK, `{"error":"Invalid procedure code"}`, http.StatusNotFound,
			"Failed to POST financial data to EHR: Invalid procedure code"},
		{"upstream", ehr.CallAppointments, http.StatusBadGateway, `bad gateway`, http.StatusBadGateway, MsgUpstreamFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ehrtest.NewServer()
			defer srv.Close()
			srv.Respond(tt.call, tt.status, tt.body)
			e := newTestServer(t, ehrconfig.Static(srv.Config("MRN")))

			rec := post(e, validPayload)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if rec.Body.String() != tt.msg {
				t.Errorf("expected %q, got %q", tt.msg, rec.Body.String())
			}
		})
	}
}

func TestHandler_CreateTransaction_BodyTooLarge(t *testing.T) {
	srv := ehrtest.NewServer()
	defer srv.Close()
	e := newTestServer(t, ehrconfig.Static(srv.Config("MRN")), middleware.BodyLimit("1K"))

	req := httptest.NewRequest(http.MethodPost, "/transaction", bytes.NewReader(bytes.Repeat([]byte(" "), 4096)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	if n := srv.TotalCalls(); n != 0 {
		t.Errorf("expected no EHR calls, got %d", n)
	}
}

func TestHandler_CreateTransaction_MethodNotAllowed(t *testing.T) {
	e := newTestServer(t, ehrconfig.Static(ehrconfig.Config{}))

	req := httptest.NewRequest(http.MethodGet, "/transaction", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
