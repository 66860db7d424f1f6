// Package audit records the outcome of every transaction relay attempt.
//
// Entries carry identifiers of the EHR objects touched (appointment,
// encounter) and the billing code summary, never the patient's MRN.
// Recorders are best effort: a failed write is logged by the caller and does
// not change the response.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Entry is one relay attempt.
type Entry struct {
	ID             uuid.UUID     `json:"id"`
	RequestID      string        `json:"request_id"`
	Stage          string        `json:"stage"`
	Status         int           `json:"status"`
	Message        string        `json:"message"`
	AppointmentID  string        `json:"appointment_id,omitempty"`
	EncounterID    string        `json:"encounter_id,omitempty"`
	ProcedureCode  string        `json:"procedure_code,omitempty"`
	DiagnosisCount int           `json:"diagnosis_count"`
	Duration       time.Duration `json:"duration_ns"`
	RecordedAt     time.Time     `json:"recorded_at"`
}

// Succeeded reports whether the attempt reached the EHR successfully.
func (e Entry) Succeeded() bool {
	return e.Status >= 200 && e.Status < 300
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Lister returns the most recent entries, newest first.
type Lister interface {
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, e Entry) error

func (f RecorderFunc) Record(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// Multi fans an entry out to every recorder and returns the first error.
func Multi(recorders ...Recorder) Recorder {
	return RecorderFunc(func(ctx context.Context, e Entry) error {
		var first error
		for _, r := range recorders {
			if err := r.Record(ctx, e); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// LogRecorder writes entries as structured zerolog events.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (l *LogRecorder) Record(_ context.Context, e Entry) error {
	evt := l.logger.Info()
	if !e.Succeeded() {
		evt = l.logger.Warn()
	}
	evt.
		Str("audit_id", e.ID.String()).
		Str("request_id", e.RequestID).
		Str("stage", e.Stage).
		Int("status", e.Status).
		Str("appointment_id", e.AppointmentID).
		Str("encounter_id", e.EncounterID).
		Str("procedure_code", e.ProcedureCode).
		Int("diagnosis_count", e.DiagnosisCount).
		Dur("duration", e.Duration).
		Msg("relay audit")
	return nil
}

// MemoryRecorder keeps the last N entries in memory. It is used when no
// database is configured and in tests.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

// NewMemoryRecorder creates a MemoryRecorder holding at most max entries.
func NewMemoryRecorder(max int) *MemoryRecorder {
	if max <= 0 {
		max = 1000
	}
	return &MemoryRecorder{max: max}
}

func (m *MemoryRecorder) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.max; over > 0 {
		m.entries = append([]Entry(nil), m.entries[over:]...)
	}
	return nil
}

func (m *MemoryRecorder) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// Len returns the number of retained entries.
func (m *MemoryRecorder) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
