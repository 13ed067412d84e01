package db

import (
	"context"
	"fmt"
)

// AddDiagnosis attaches a disease to a protocol.
func (d *DB) AddDiagnosis(ctx context.Context, protocolID, patientID int64, disease string) error {
	_, err := d.exec(ctx,
		`INSERT INTO protocol_diagnoses (protocol_id, patient_id, disease_name) VALUES (?, ?, ?)`,
		protocolID, patientID, disease)
	if err != nil {
		return fmt.Errorf("adding diagnosis to protocol %d: %w", protocolID, err)
	}
	return nil
}

// PatientDiagnoses returns the diseases of each of the patient's protocols.
func (d *DB) PatientDiagnoses(ctx context.Context, patientID int64) (map[int64][]string, error) {
	rows, err := d.query(ctx,
		`SELECT protocol_id, disease_name FROM protocol_diagnoses WHERE patient_id = ? ORDER BY protocol_id, disease_name`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]string)
	for rows.Next() {
		var protocolID int64
		var disease string
		if err := rows.Scan(&protocolID, &disease); err != nil {
			return nil, err
		}
		out[protocolID] = append(out[protocolID], disease)
	}
	return out, rows.Err()
}
