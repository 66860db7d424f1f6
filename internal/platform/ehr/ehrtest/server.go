// Package ehrtest provides a fake EHR for tests of code that uses package ehr.
package ehrtest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/ehr/relay/internal/platform/ehr"
	"github.com/ehr/relay/internal/platform/ehrconfig"
)

// Defaults used by Config and the canned happy-path responses.
const (
	TokenEndpoint = "/oauth2/v1/token"
	PracticeID    = "195900"
	ClientID      = "test-client"
	Secret        = "test-secret"
	AccessToken   = "test-access-token"
)

// Request is what the fake recorded about one inbound call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
	Header http.Header
}

type response struct {
	status int
	body   string
}

// Server is an httptest.Server answering the four EHR calls with canned
// responses. Responses can be replaced per call with Respond.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	responses map[string]response
	requests  map[string][]Request
}

// NewServer starts a fake EHR whose responses describe appointment 41474 for
// patient 555 with encounter 9001, a valid CPT code and a successful
// submission.
func NewServer() *Server {
	s := &Server{
		responses: map[string]response{
			ehr.CallToken:          {http.StatusOK, `{"access_token":"` + AccessToken + `","token_type":"Bearer","expires_in":"3600"}`},
			ehr.CallAppointments:   {http.StatusOK, `[{"appointmentid":"41474","patientid":"555","encounterid":"9001"}]`},
			ehr.CallProcedureCodes: {http.StatusOK, `{"totalcount":"1","procedurecodes":[{"procedurecode":"11100"}]}`},
			ehr.CallServices:       {http.StatusOK, `{}`},
		},
		requests: map[string][]Request{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Config returns an EHR configuration pointing at the fake.
func (s *Server) Config(idType string) ehrconfig.Config {
	return ehrconfig.Config{
		IDType:        idType,
		ClientID:      ClientID,
		Secret:        Secret,
		BaseURL:       s.URL,
		TokenEndpoint: TokenEndpoint,
		PracticeID:    PracticeID,
	}
}

// Respond replaces the canned response for call.
func (s *Server) Respond(call string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[call] = response{status: status, body: body}
}

// Calls returns how many times call was received.
func (s *Server) Calls(call string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests[call])
}

// TotalCalls returns the number of calls of any kind.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, reqs := range s.requests {
		n += len(reqs)
	}
	return n
}

// Requests returns the recorded requests for call in arrival order.
func (s *Server) Requests(call string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests[call]...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	call := classify(r)
	if call == "" {
		http.NotFound(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))

	s.mu.Lock()
	s.requests[call] = append(s.requests[call], Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Form:   form,
		Header: r.Header.Clone(),
	})
	resp := s.responses[call]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

// classify maps a request path onto one of the ehr.Call* names.
func classify(r *http.Request) string {
	path := r.URL.Path
	if path == TokenEndpoint && r.Method == http.MethodPost {
		return ehr.CallToken
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[2] == "appointments" && r.Method == http.MethodGet:
		return ehr.CallAppointments
	case len(parts) == 4 && parts[0] == "v1" && parts[3] == "procedurecodes" && r.Method == http.MethodGet:
		return ehr.CallProcedureCodes
	case len(parts) == 5 && parts[0] == "v1" && parts[2] == "encounter" && parts[4] == "services" && r.Method == http.MethodPost:
		return ehr.CallServices
	}
	return ""
}
