package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// maxRecent bounds a single Recent query.
const maxRecent = 500

// PGRecorder writes audit entries to the relay_audit table.
type PGRecorder struct {
	pool *pgxpool.Pool
}

// NewPGRecorder creates a PGRecorder backed by the given connection pool.
func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

func (p *PGRecorder) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO relay_audit (
			id, request_id, stage, status, message,
			appointment_id, encounter_id, procedure_code, diagnosis_count,
			duration_ms, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err := p.pool.Exec(ctx, query,
		e.ID, e.RequestID, e.Stage, e.Status, e.Message,
		e.AppointmentID, e.EncounterID, e.ProcedureCode, e.DiagnosisCount,
		e.Duration.Milliseconds(), e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert relay audit entry: %w", err)
	}
	return nil
}

func (p *PGRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	limit = recentLimit(limit)

	const query = `
		SELECT id, request_id, stage, status, message,
			appointment_id, encounter_id, procedure_code, diagnosis_count,
			duration_ms, recorded_at
		FROM relay_audit
		ORDER BY recorded_at DESC
		LIMIT $1`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query relay audit: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durationMS int64
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Stage, &e.Status, &e.Message,
			&e.AppointmentID, &e.EncounterID, &e.ProcedureCode, &e.DiagnosisCount,
			&durationMS, &e.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan relay audit entry: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relay audit: %w", err)
	}
	return entries, nil
}

// recentLimit defaults a non-positive limit to 50 and caps it at maxRecent.
func recentLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > maxRecent:
		return maxRecent
	}
	return limit
}
