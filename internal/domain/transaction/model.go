package transaction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/relay/pkg/codesets"
	"github.com/ehr/relay/pkg/jsonutil"
)

// Payload is the inbound financial transaction notification.
type Payload struct {
	Patient      Patient  `json:"Patient"`
	Visit        Visit    `json:"Visit"`
	Transactions []Record `json:"Transactions"`
}

type Patient struct {
	Identifiers []Identifier `json:"Identifiers"`
}

type Identifier struct {
	ID     jsonutil.FlexString `json:"ID"`
	IDType string              `json:"IDType"`
}

type Visit struct {
	VisitNumber jsonutil.FlexString `json:"VisitNumber"`
}

// Record is one visit transaction: the diagnoses and the procedure billed.
type Record struct {
	Diagnoses []Code `json:"Diagnoses"`
	Procedure *Code  `json:"Procedure"`
}

type Code struct {
	Code    string `json:"Code"`
	Codeset string `json:"Codeset"`
}

// BillingCodes are the codes submitted to the EHR for one encounter.
type BillingCodes struct {
	ICD10 []string
	CPT   string
}

// Top-level fields of the payload, in the order they are checked.
const (
	FieldPatient      = "Patient"
	FieldVisit        = "Visit"
	FieldTransactions = "Transactions"
)

// ValidationKind classifies a payload shape violation.
type ValidationKind string

const (
	KindEmptyBody ValidationKind = "empty_body"
	KindMalformed ValidationKind = "malformed"
	KindMissing   ValidationKind = "missing"
	KindEmpty     ValidationKind = "empty"
	KindWrongType ValidationKind = "wrong_type"
)

// ValidationError reports the first shape violation found in a payload.
type ValidationError struct {
	Kind  ValidationKind
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindEmptyBody, KindMalformed:
		return "No valid JSON in HTTP request."
	default:
		return "Financial transaction missing required data: " + e.Field
	}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var (
	errNoMRN           = errors.New("no identifier matches the configured idType")
	errNoAppointmentID = errors.New("visit has no VisitNumber")
	errNoBillingCodes  = errors.New("first transaction has no diagnoses")
)

// ValidatePayload checks the shape of a raw request body and decodes it.
// Patient and Visit must be non-empty objects, Transactions a non-empty
// array. Nothing else about the payload is checked here.
func ValidatePayload(raw []byte) (*Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, &ValidationError{Kind: KindEmptyBody}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ValidationError{Kind: KindMalformed, Err: err}
	}
	if len(top) == 0 {
		return nil, &ValidationError{Kind: KindEmptyBody}
	}

	for _, field := range []string{FieldPatient, FieldVisit} {
		if err := requireObject(top, field); err != nil {
			return nil, err
		}
	}
	if err := requireArray(top, FieldTransactions); err != nil {
		return nil, err
	}

	p := &Payload{}
	if err := json.Unmarshal(top[FieldPatient], &p.Patient); err != nil {
		return nil, &ValidationError{Kind: KindWrongType, Field: FieldPatient, Err: err}
	}
	if err := json.Unmarshal(top[FieldVisit], &p.Visit); err != nil {
		return nil, &ValidationError{Kind: KindWrongType, Field: FieldVisit, Err: err}
	}
	if err := json.Unmarshal(top[FieldTransactions], &p.Transactions); err != nil {
		return nil, &ValidationError{Kind: KindWrongType, Field: FieldTransactions, Err: err}
	}
	return p, nil
}

func requireObject(top map[string]json.RawMessage, field string) error {
	raw, ok := top[field]
	if !ok {
		return &ValidationError{Kind: KindMissing, Field: field}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &ValidationError{Kind: KindWrongType, Field: field, Err: err}
	}
	if len(obj) == 0 {
		return &ValidationError{Kind: KindEmpty, Field: field}
	}
	return nil
}

func requireArray(top map[string]json.RawMessage, field string) error {
	raw, ok := top[field]
	if !ok {
		return &ValidationError{Kind: KindMissing, Field: field}
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return &ValidationError{Kind: KindWrongType, Field: field, Err: err}
	}
	if len(arr) == 0 {
		return &ValidationError{Kind: KindEmpty, Field: field}
	}
	return nil
}

// MRN returns the ID of the first identifier whose IDType equals idType.
func (p *Patient) MRN(idType string) (string, error) {
	if idType == "" {
		return "", fmt.Errorf("%w: idType is not configured", errNoMRN)
	}
	for _, ident := range p.Identifiers {
		if ident.IDType != idType {
			continue
		}
		if ident.ID == "" {
			return "", fmt.Errorf("%w: %s identifier has no ID", errNoMRN, idType)
		}
		return ident.ID.String(), nil
	}
	return "", errNoMRN
}

// AppointmentID returns the visit number, which the EHR uses as the
// appointment id.
func (v *Visit) AppointmentID() (string, error) {
	if v.VisitNumber == "" {
		return "", errNoAppointmentID
	}
	return v.VisitNumber.String(), nil
}

// BillingCodes extracts the ICD-10 diagnoses and the CPT procedure of the
// first transaction record. Later records are ignored.
func (p *Payload) BillingCodes() (BillingCodes, error) {
	if len(p.Transactions) == 0 {
		return BillingCodes{}, errNoBillingCodes
	}
	first := p.Transactions[0]
	if len(first.Diagnoses) == 0 {
		return BillingCodes{}, errNoBillingCodes
	}

	codes := BillingCodes{ICD10: []string{}}
	for _, d := range first.Diagnoses {
		if d.Codeset == codesets.ICD10 {
			codes.ICD10 = append(codes.ICD10, d.Code)
		}
	}
	if first.Procedure != nil && first.Procedure.Codeset == codesets.CPT {
		codes.CPT = first.Procedure.Code
	}
	return codes, nil
}
