package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

// GetPatient returns a single patient by ID.
func (d *DB) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	var p Patient
	err := d.queryRow(ctx,
		`SELECT id, additional_marked_with_errors, marking_log, reprocessed_at FROM patients WHERE id = ?`, id,
	).Scan(&p.ID, &p.AdditionalMarkedWithErrors, &p.MarkingLog, &p.ReprocessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsurePatient creates the patient row if it does not exist.
func (d *DB) EnsurePatient(ctx context.Context, id int64) error {
	_, err := d.exec(ctx,
		`INSERT INTO patients (id) SELECT CAST(? AS BIGINT) WHERE NOT EXISTS (SELECT 1 FROM patients WHERE id = ?)`,
		id, id)
	if err != nil {
		return fmt.Errorf("ensuring patient %d: %w", id, err)
	}
	return nil
}

// MaxClassifiedAt returns the latest classified_at among the patient's
// finished protocols, or 0 when none is classified. Claims still in progress
// are ignored so their completion triggers another reprocessing.
func (d *DB) MaxClassifiedAt(ctx context.Context, patientID int64) (int64, error) {
	var maxAt sql.NullInt64
	err := d.queryRow(ctx,
		`SELECT MAX(classified_at) FROM protocols WHERE patient_id = ? AND attention_required <> ?`,
		patientID, string(feature.RequiredNoneFirst),
	).Scan(&maxAt)
	if err != nil {
		return 0, err
	}
	return maxAt.Int64, nil
}

// SavePatientMarking persists the outcome of additional marking.
func (d *DB) SavePatientMarking(ctx context.Context, id int64, withErrors bool, log string, reprocessedAt int64) error {
	if err := d.EnsurePatient(ctx, id); err != nil {
		return err
	}
	_, err := d.exec(ctx,
		`UPDATE patients SET additional_marked_with_errors = ?, marking_log = ?, reprocessed_at = ? WHERE id = ?`,
		withErrors, log, reprocessedAt, id)
	if err != nil {
		return fmt.Errorf("saving marking of patient %d: %w", id, err)
	}
	return nil
}
