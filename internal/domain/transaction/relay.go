package transaction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/relay/internal/platform/audit"
	"github.com/ehr/relay/internal/platform/ehr"
	"github.com/ehr/relay/internal/platform/ehrconfig"
)

// Stage names one step of the relay pipeline.
type Stage string

const (
	StageValidate      Stage = "validate"
	StageConfig        Stage = "config"
	StageIdentifiers   Stage = "identifiers"
	StageAuth          Stage = "auth"
	StageAppointment   Stage = "appointment"
	StageBillingCodes  Stage = "billing_codes"
	StageProcedureCode Stage = "procedure_code"
	StageSubmit        Stage = "submit"
	StageComplete      Stage = "complete"
)

// Response bodies shared by several failures.
const (
	MsgSuccess        = "Success"
	MsgUpstreamFailed = "Error: EHR request failed"
	MsgInternalError  = "Error: internal server error"
)

// Failure is the terminal error of a relay attempt. Status and Message are
// what the caller sees; Err is kept for logs.
type Failure struct {
	Stage   Stage
	Status  int
	Message string
	Err     error
	// Unexpected marks failures outside the documented taxonomy: transport
	// errors and undecodable EHR responses.
	Unexpected bool
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Stage, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Stage, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(stage Stage, status int, msg string, err error) *Failure {
	return &Failure{Stage: stage, Status: status, Message: msg, Err: err}
}

func upstream(stage Stage, err error) *Failure {
	return &Failure{Stage: stage, Status: http.StatusBadGateway, Message: MsgUpstreamFailed, Err: err, Unexpected: true}
}

// Receipt describes a successful submission.
type Receipt struct {
	AppointmentID string
	EncounterID   string
	Codes         BillingCodes
}

// EHR is the subset of the EHR API the relay calls.
type EHR interface {
	Authenticate(ctx context.Context, cfg *ehrconfig.Config) (*ehr.Token, error)
	GetAppointments(ctx context.Context, cfg *ehrconfig.Config, token, apptID string) ([]ehr.Appointment, error)
	SearchProcedureCodes(ctx context.Context, cfg *ehrconfig.Config, token, encounterID, cpt string) (*ehr.ProcedureCodeResult, error)
	CreateEncounterServices(ctx context.Context, cfg *ehrconfig.Config, token, encounterID string, sr ehr.ServiceRequest) (*ehr.ServiceResult, error)
}

// Observer receives stage timings and the final outcome of each attempt.
type Observer interface {
	ObserveStage(stage string, d time.Duration)
	ObserveOutcome(stage string, status int)
}

// Relay validates inbound transactions and forwards billing data to the
// EHR. It holds no per-request state and is safe for concurrent use.
type Relay struct {
	configs  ehrconfig.Loader
	ehr      EHR
	recorder audit.Recorder
	observer Observer
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRecorder sets where audit entries go.
func WithRecorder(r audit.Recorder) RelayOption {
	return func(rl *Relay) { rl.recorder = r }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) RelayOption {
	return func(rl *Relay) { rl.observer = o }
}

func NewRelay(configs ehrconfig.Loader, client EHR, opts ...RelayOption) *Relay {
	r := &Relay{configs: configs, ehr: client}
	for _, o := range opts {
		o(r)
	}
	return r
}

// attempt carries values between pipeline steps.
type attempt struct {
	body []byte

	payload     *Payload
	cfg         *ehrconfig.Config
	mrn         string
	apptID      string
	token       string
	encounterID string
	codes       BillingCodes
}

type step struct {
	stage Stage
	run   func(context.Context, *attempt) *Failure
}

func (r *Relay) steps() []step {
	return []step{
		{StageValidate, r.validate},
		{StageConfig, r.loadConfig},
		{StageIdentifiers, r.resolveIdentifiers},
		{StageAuth, r.authenticate},
		{StageAppointment, r.matchAppointment},
		{StageBillingCodes, r.extractCodes},
		{StageProcedureCode, r.checkProcedureCode},
		{StageSubmit, r.submit},
	}
}

// Process runs one relay attempt over a raw request body. It returns a
// *Failure for every unsuccessful outcome. Submissions are not
// deduplicated: processing the same body twice submits twice.
func (r *Relay) Process(ctx context.Context, requestID string, body []byte) (*Receipt, error) {
	log := zerolog.Ctx(ctx)
	start := time.Now()
	a := &attempt{body: body}

	for _, s := range r.steps() {
		stepStart := time.Now()
		f := r.runStep(ctx, s, a)
		if r.observer != nil {
			r.observer.ObserveStage(string(s.stage), time.Since(stepStart))
		}
		if f == nil {
			continue
		}

		evt := log.Warn()
		if f.Unexpected {
			evt = log.Error()
		}
		evt.Err(f.Err).
			Str("stage", string(f.Stage)).
			Int("status", f.Status).
			Str("appointment_id", a.apptID).
			Str("encounter_id", a.encounterID).
			Msg(f.Message)

		r.finish(ctx, requestID, a, f.Stage, f.Status, f.Message, start)
		return nil, f
	}

	log.Info().
		Str("appointment_id", a.apptID).
		Str("encounter_id", a.encounterID).
		Str("procedure_code", a.codes.CPT).
		Int("diagnosis_count", len(a.codes.ICD10)).
		Msg("billing data submitted")

	r.finish(ctx, requestID, a, StageComplete, http.StatusOK, MsgSuccess, start)
	return &Receipt{AppointmentID: a.apptID, EncounterID: a.encounterID, Codes: a.codes}, nil
}

// runStep converts a panic inside a step into an unexpected failure so one
// bad payload cannot take the process down.
func (r *Relay) runStep(ctx context.Context, s step, a *attempt) (f *Failure) {
	defer func() {
		if rec := recover(); rec != nil {
			f = &Failure{
				Stage:      s.stage,
				Status:     http.StatusInternalServerError,
				Message:    MsgInternalError,
				Err:        fmt.Errorf("panic: %v", rec),
				Unexpected: true,
			}
		}
	}()
	return s.run(ctx, a)
}

func (r *Relay) finish(ctx context.Context, requestID string, a *attempt, stage Stage, status int, msg string, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveOutcome(string(stage), status)
	}
	if r.recorder == nil {
		return
	}
	entry := audit.Entry{
		ID:             uuid.New(),
		RequestID:      requestID,
		Stage:          string(stage),
		Status:         status,
		Message:        msg,
		AppointmentID:  a.apptID,
		EncounterID:    a.encounterID,
		ProcedureCode:  a.codes.CPT,
		DiagnosisCount: len(a.codes.ICD10),
		Duration:       time.Since(start),
		RecordedAt:     time.Now().UTC(),
	}
	if err := r.recorder.Record(ctx, entry); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("audit_id", entry.ID.String()).Msg("failed to record relay audit entry")
	}
}

// -- Steps --

func (r *Relay) validate(_ context.Context, a *attempt) *Failure {
	p, err := ValidatePayload(a.body)
	if err != nil {
		return fail(StageValidate, http.StatusBadRequest, err.Error(), err)
	}
	a.payload = p
	return nil
}

func (r *Relay) loadConfig(ctx context.Context, a *attempt) *Failure {
	cfg, err := r.configs.Load(ctx)
	switch {
	case errors.Is(err, ehrconfig.ErrConfigMissing):
		return fail(StageConfig, http.StatusNotFound, "Missing configuration", err)
	case err != nil:
		return fail(StageConfig, http.StatusNotFound, "Configuration not valid", err)
	case cfg == nil:
		return fail(StageConfig, http.StatusNotFound, "Configuration not valid", ehrconfig.ErrConfigInvalid)
	}
	a.cfg = cfg
	return nil
}

func (r *Relay) resolveIdentifiers(_ context.Context, a *attempt) *Failure {
	mrn, err := a.payload.Patient.MRN(a.cfg.IDType)
	if err != nil {
		return fail(StageIdentifiers, http.StatusNotFound, "No MRN found for patient", err)
	}
	apptID, err := a.payload.Visit.AppointmentID()
	if err != nil {
		return fail(StageIdentifiers, http.StatusNotFound, "No Appointment ID found", err)
	}
	a.mrn = mrn
	a.apptID = apptID
	return nil
}

func (r *Relay) authenticate(ctx context.Context, a *attempt) *Failure {
	tok, err := r.ehr.Authenticate(ctx, a.cfg)
	if err != nil {
		return fail(StageAuth, http.StatusUnauthorized, "EHR Authentication failed", err)
	}
	a.token = tok.AccessToken
	return nil
}

func (r *Relay) matchAppointment(ctx context.Context, a *attempt) *Failure {
	appts, err := r.ehr.GetAppointments(ctx, a.cfg, a.token, a.apptID)
	if err != nil {
		return upstream(StageAppointment, err)
	}
	if len(appts) == 0 {
		return fail(StageAppointment, http.StatusNotFound, "No Appointment found in EHR query", nil)
	}

	var match *ehr.Appointment
	for i := range appts {
		if appts[i].AppointmentID.String() == a.apptID {
			match = &appts[i]
			break
		}
	}
	if match == nil {
		return fail(StageAppointment, http.StatusNotFound,
			"Appointment ID not found in EHR appointment query response: "+a.apptID, nil)
	}
	if match.PatientID == "" || match.PatientID.String() != a.mrn {
		return fail(StageAppointment, http.StatusNotFound,
			"Patient returned from EHR does not match query patient", nil)
	}
	if match.EncounterID == "" {
		return fail(StageAppointment, http.StatusNotFound, "No encounter associated with appointment", nil)
	}
	a.encounterID = match.EncounterID.String()
	return nil
}

func (r *Relay) extractCodes(_ context.Context, a *attempt) *Failure {
	codes, err := a.payload.BillingCodes()
	if err != nil {
		return fail(StageBillingCodes, http.StatusNotFound, "No procedure or diagnosis codes found", err)
	}
	a.codes = codes
	return nil
}

func (r *Relay) checkProcedureCode(ctx context.Context, a *attempt) *Failure {
	res, err := r.ehr.SearchProcedureCodes(ctx, a.cfg, a.token, a.encounterID, a.codes.CPT)
	if err != nil {
		return upstream(StageProcedureCode, err)
	}
	if !res.Valid() {
		return fail(StageProcedureCode, http.StatusNotFound, "Procedure code invalid for Encounter: "+a.codes.CPT, nil)
	}
	return nil
}

func (r *Relay) submit(ctx context.Context, a *attempt) *Failure {
	sr := ehr.ServiceRequest{
		ICD10Codes:    a.codes.ICD10,
		ProcedureCode: a.codes.CPT,
		Units:         1,
	}
	res, err := r.ehr.CreateEncounterServices(ctx, a.cfg, a.token, a.encounterID, sr)
	if err != nil {
		return upstream(StageSubmit, err)
	}
	if res.HasError {
		return fail(StageSubmit, http.StatusNotFound, "Failed to POST financial data to EHR: "+res.Error, nil)
	}
	return nil
}
