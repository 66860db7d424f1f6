// Package ehr is a client for the subset of the athenahealth-style EHR REST
// API used by the transaction relay: client-credentials authentication,
// appointment lookup, procedure code search and encounter service submission.
//
// The client is safe for concurrent use. Connection settings are passed on
// every call because they are reloaded per request by the caller.
package ehr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/relay/internal/platform/ehrconfig"
	"github.com/ehr/relay/pkg/codesets"
	"github.com/ehr/relay/pkg/jsonutil"
)

// Scope requested in the client-credentials grant.
const Scope = "athena/service/Athenanet.MDP.*"

// Call names reported to the CallObserver.
const (
	CallToken          = "token"
	CallAppointments   = "appointments"
	CallProcedureCodes = "procedurecodes"
	CallServices       = "services"
)

// maxResponseBytes bounds how much of an EHR response is read.
const maxResponseBytes = 1 << 20

var (
	// ErrNoAccessToken is returned when the token endpoint answers without an
	// access_token.
	ErrNoAccessToken = errors.New("token response has no access_token")
)

// StatusError is returned when the EHR answers with a non-2xx status and the
// body carries nothing the caller can act on.
type StatusError struct {
	Call       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ehr %s: unexpected status %d: %s", e.Call, e.StatusCode, e.Body)
}

// Token is the client-credentials grant response.
type Token struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	ExpiresIn   jsonutil.FlexInt `json:"expires_in"`
	Scope       string           `json:"scope"`
}

// Appointment is one record of the appointment lookup response.
type Appointment struct {
	AppointmentID     jsonutil.FlexString `json:"appointmentid"`
	PatientID         jsonutil.FlexString `json:"patientid"`
	EncounterID       jsonutil.FlexString `json:"encounterid"`
	DepartmentID      jsonutil.FlexString `json:"departmentid"`
	AppointmentStatus string              `json:"appointmentstatus"`
	Date              string              `json:"date"`
	StartTime         string              `json:"starttime"`
}

// ProcedureCode is one match of the procedure code search.
type ProcedureCode struct {
	ProcedureCode string `json:"procedurecode"`
	Description   string `json:"description"`
}

// ProcedureCodeResult is the procedure code search response.
type ProcedureCodeResult struct {
	TotalCount     jsonutil.FlexInt `json:"totalcount"`
	ProcedureCodes []ProcedureCode  `json:"procedurecodes"`
}

// Valid reports whether the search matched at least one procedure code.
func (r *ProcedureCodeResult) Valid() bool {
	return r.TotalCount > 0 || len(r.ProcedureCodes) > 0
}

// ServiceRequest is the billing data posted to an encounter.
type ServiceRequest struct {
	ICD10Codes    []string
	ProcedureCode string
	Modifiers     []string
	Units         int
}

// Form encodes the request as the EHR expects it. Field names are fixed.
func (r ServiceRequest) Form() url.Values {
	units := r.Units
	if units <= 0 {
		units = 1
	}
	form := url.Values{}
	form.Set("billforservice", codesets.BillForService)
	form.Set("icd10codes", strings.Join(r.ICD10Codes, ","))
	form.Set("modifiers", strings.Join(r.Modifiers, ","))
	form.Set("procedurecode", r.ProcedureCode)
	form.Set("units", fmt.Sprint(units))
	return form
}

// ServiceResult is the encounter services response. HasError is set when the
// body is an object whose "error" field is present and not null, false, 0 or "".
type ServiceResult struct {
	Error    string
	HasError bool
	Raw      json.RawMessage
}

// CallObserver receives one notification per outbound call. status is 0 when
// the call failed before a response arrived.
type CallObserver interface {
	ObserveCall(call string, status int, d time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout sets the per-call timeout of the default HTTP client. Zero
// means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.httpClient.Timeout = d }
}

// WithObserver registers a CallObserver.
func WithObserver(o CallObserver) Option {
	return func(cl *Client) { cl.observer = o }
}

// Client talks to the EHR.
type Client struct {
	httpClient *http.Client
	observer   CallObserver
}

// NewClient creates a Client. Without options it uses an http.Client with no
// timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Authenticate exchanges the configured client id and secret for a bearer
// token.
func (c *Client) Authenticate(ctx context.Context, cfg *ehrconfig.Config) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(cfg.ClientID, cfg.Secret)

	status, body, err := c.do(CallToken, req)
	if err != nil {
		return nil, err
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		if !isSuccess(status) {
			return nil, &StatusError{Call: CallToken, StatusCode: status, Body: truncate(body)}
		}
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w (status %d)", ErrNoAccessToken, status)
	}
	return &tok, nil
}

// GetAppointments fetches the appointment records for apptID. A 404 or a
// non-array body yields an empty list.
func (c *Client) GetAppointments(ctx context.Context, cfg *ehrconfig.Config, token, apptID string) ([]Appointment, error) {
	u := fmt.Sprintf("%s/v1/%s/appointments/%s", cfg.BaseURL, url.PathEscape(cfg.PracticeID), url.PathEscape(apptID))
	req, err := c.newBearerRequest(ctx, http.MethodGet, u, token, nil)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(CallAppointments, req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if !isSuccess(status) {
		return nil, &StatusError{Call: CallAppointments, StatusCode: status, Body: truncate(body)}
	}

	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "[") {
		return nil, nil
	}
	var appts []Appointment
	if err := json.Unmarshal(body, &appts); err != nil {
		return nil, fmt.Errorf("decode appointments response: %w", err)
	}
	return appts, nil
}

// SearchProcedureCodes searches the procedure codes available to an
// encounter. The path has no "encounter" segment; that is the shape the
// EHR integration has always used.
func (c *Client) SearchProcedureCodes(ctx context.Context, cfg *ehrconfig.Config, token, encounterID, cpt string) (*ProcedureCodeResult, error) {
	q := url.Values{}
	q.Set("searchvalue", cpt)
	u := fmt.Sprintf("%s/v1/%s/%s/procedurecodes?%s", cfg.BaseURL, url.PathEscape(cfg.PracticeID), url.PathEscape(encounterID), q.Encode())
	req, err := c.newBearerRequest(ctx, http.MethodGet, u, token, nil)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(CallProcedureCodes, req)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, &StatusError{Call: CallProcedureCodes, StatusCode: status, Body: truncate(body)}
	}

	result := &ProcedureCodeResult{}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &result.ProcedureCodes); err != nil {
			return nil, fmt.Errorf("decode procedure codes response: %w", err)
		}
		result.TotalCount = jsonutil.FlexInt(len(result.ProcedureCodes))
		return result, nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("decode procedure codes response: %w", err)
	}
	return result, nil
}

// CreateEncounterServices posts billing data to the encounter. An "error"
// field in the response is reported through ServiceResult, not as an error.
func (c *Client) CreateEncounterServices(ctx context.Context, cfg *ehrconfig.Config, token, encounterID string, sr ServiceRequest) (*ServiceResult, error) {
	u := fmt.Sprintf("%s/v1/%s/encounter/%s/services", cfg.BaseURL, url.PathEscape(cfg.PracticeID), url.PathEscape(encounterID))
	req, err := c.newBearerRequest(ctx, http.MethodPost, u, token, strings.NewReader(sr.Form().Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := c.do(CallServices, req)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		if !isSuccess(status) {
			return nil, &StatusError{Call: CallServices, StatusCode: status, Body: truncate(body)}
		}
		return nil, fmt.Errorf("decode services response: %w", err)
	}

	result := &ServiceResult{Raw: raw}
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil {
		if msg, ok := obj["error"]; ok && !isBlank(msg) {
			result.HasError = true
			result.Error = rawText(msg)
			return result, nil
		}
	}
	if !isSuccess(status) {
		return nil, &StatusError{Call: CallServices, StatusCode: status, Body: truncate(body)}
	}
	return result, nil
}

func (c *Client) newBearerRequest(ctx context.Context, method, u, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, u, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// do sends the request and returns the status and at most maxResponseBytes
// of the body.
func (c *Client) do(call string, req *http.Request) (int, []byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(call, 0, time.Since(start))
		return 0, nil, fmt.Errorf("ehr %s: %w", call, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.observe(call, resp.StatusCode, time.Since(start))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("ehr %s: read body: %w", call, err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) observe(call string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveCall(call, status, d)
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// rawText renders a JSON value for a human: strings are unquoted, anything
// else is returned verbatim.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// isBlank reports whether a JSON value carries no information: null, false,
// zero or the empty string.
func isBlank(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
