package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

const protocolColumns = `id, patient_id, user_id, loaded_at, classified_at, reprocessed_at,
	unmarked_features_left, attentions_changed, marked_with_errors, marking_log, attention_required`

// scanProtocol scans a row into a Protocol. The row must have protocolColumns in order.
func scanProtocol(scanner interface{ Scan(dest ...any) error }) (Protocol, error) {
	var p Protocol
	err := scanner.Scan(
		&p.ID, &p.PatientID, &p.UserID, &p.LoadedAt, &p.ClassifiedAt, &p.ReprocessedAt,
		&p.UnmarkedFeaturesLeft, &p.AttentionsChanged, &p.MarkedWithErrors, &p.MarkingLog,
		&p.AttentionRequired,
	)
	return p, err
}

// GetProtocol returns a single protocol by ID.
func (d *DB) GetProtocol(ctx context.Context, id int64) (*Protocol, error) {
	row := d.queryRow(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE id = ?`, id)
	p, err := scanProtocol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("protocol %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PatientProtocols returns every protocol of a patient ordered by ID.
func (d *DB) PatientProtocols(ctx context.Context, patientID int64) ([]Protocol, error) {
	rows, err := d.query(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE patient_id = ? ORDER BY id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var protocols []Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		protocols = append(protocols, p)
	}
	return protocols, rows.Err()
}

// InsertProtocol creates a protocol row that is not yet visible to marking.
func (d *DB) InsertProtocol(ctx context.Context, id, patientID, userID int64) error {
	_, err := d.exec(ctx,
		`INSERT INTO protocols (id, patient_id, user_id) VALUES (?, ?, ?)`,
		id, patientID, userID)
	if err != nil {
		return fmt.Errorf("inserting protocol %d: %w", id, err)
	}
	return nil
}

// MarkLoaded sets loaded_at, which makes the protocol eligible for marking.
func (d *DB) MarkLoaded(ctx context.Context, id, now int64) error {
	_, err := d.exec(ctx, `UPDATE protocols SET loaded_at = ? WHERE id = ?`, now, id)
	return err
}

// NextProtocol picks the next loaded, unclaimed protocol. Protocols owned by
// a priority user come first; IDs in exclude are never returned.
func (d *DB) NextProtocol(ctx context.Context, priorityUsers, exclude []int64) (int64, error) {
	if len(priorityUsers) > 0 {
		id, err := d.nextProtocol(ctx, priorityUsers, exclude)
		if !errors.Is(err, ErrNotFound) {
			return id, err
		}
	}
	return d.nextProtocol(ctx, nil, exclude)
}

func (d *DB) nextProtocol(ctx context.Context, users, exclude []int64) (int64, error) {
	query := `SELECT id FROM protocols WHERE loaded_at IS NOT NULL AND classified_at IS NULL`
	var args []any
	if len(users) > 0 {
		query += ` AND user_id IN (` + placeholders(len(users)) + `)`
		args = append(args, int64Args(users)...)
	}
	if len(exclude) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		args = append(args, int64Args(exclude)...)
	}
	query += ` ORDER BY loaded_at, id LIMIT 1`

	var id int64
	err := d.queryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// ClaimProtocol sets classified_at if nobody holds the protocol yet.
// It returns false when another worker claimed it first.
func (d *DB) ClaimProtocol(ctx context.Context, id, now int64) (bool, error) {
	res, err := d.exec(ctx,
		`UPDATE protocols SET classified_at = ? WHERE id = ? AND classified_at IS NULL AND loaded_at IS NOT NULL`,
		now, id)
	if err != nil {
		return false, fmt.Errorf("claiming protocol %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResetClaim clears classified_at so the protocol is selected again.
func (d *DB) ResetClaim(ctx context.Context, id int64) error {
	_, err := d.exec(ctx, `UPDATE protocols SET classified_at = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resetting claim of protocol %d: %w", id, err)
	}
	return nil
}

// ResetStaleClaims un-claims protocols claimed before olderThan whose rollup
// was never written. Returns the number of protocols released.
func (d *DB) ResetStaleClaims(ctx context.Context, olderThan int64) (int64, error) {
	res, err := d.exec(ctx,
		`UPDATE protocols SET classified_at = NULL
		 WHERE classified_at IS NOT NULL AND classified_at < ? AND attention_required = ?`,
		olderThan, string(feature.RequiredNoneFirst))
	if err != nil {
		return 0, fmt.Errorf("resetting stale claims: %w", err)
	}
	return res.RowsAffected()
}

// SaveProtocolMarking persists the outcome of a protocol marking pass.
func (d *DB) SaveProtocolMarking(ctx context.Context, id int64, m ProtocolMarking) error {
	_, err := d.exec(ctx,
		`UPDATE protocols SET attention_required = ?, unmarked_features_left = ?, attentions_changed = ?,
		 marked_with_errors = ?, marking_log = ? WHERE id = ?`,
		string(m.Required), m.UnmarkedFeaturesLeft, m.AttentionsChanged, m.MarkedWithErrors, m.MarkingLog, id)
	if err != nil {
		return fmt.Errorf("saving marking of protocol %d: %w", id, err)
	}
	return nil
}

// SaveProtocolRollup persists a rollup re-derived by additional marking.
func (d *DB) SaveProtocolRollup(ctx context.Context, id int64, required feature.Required, unmarkedLeft, changed bool, now int64) error {
	_, err := d.exec(ctx,
		`UPDATE protocols SET attention_required = ?, unmarked_features_left = ?, attentions_changed = ?,
		 reprocessed_at = ? WHERE id = ?`,
		string(required), unmarkedLeft, changed, now, id)
	if err != nil {
		return fmt.Errorf("saving rollup of protocol %d: %w", id, err)
	}
	return nil
}

// PatientsToReprocess returns patients with a protocol classified after the
// patient was last reprocessed, or with unmarked features left.
// Protocols whose claim has no rollup yet are ignored.
func (d *DB) PatientsToReprocess(ctx context.Context) ([]int64, error) {
	rows, err := d.query(ctx,
		`SELECT DISTINCT pr.patient_id FROM protocols pr
		 LEFT JOIN patients pa ON pa.id = pr.patient_id
		 WHERE pr.classified_at IS NOT NULL AND pr.attention_required <> ?
		   AND (pa.reprocessed_at IS NULL OR pr.classified_at > pa.reprocessed_at OR pr.unmarked_features_left = ?)
		 ORDER BY pr.patient_id`,
		string(feature.RequiredNoneFirst), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Status returns backlog counts for the status report.
func (d *DB) Status(ctx context.Context) (*StatusCounts, error) {
	s := &StatusCounts{ByRequired: make(map[feature.Required]int)}

	err := d.queryRow(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN loaded_at IS NOT NULL AND classified_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN classified_at IS NOT NULL AND attention_required = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN loaded_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN marked_with_errors = ? THEN 1 ELSE 0 END), 0)
		 FROM protocols`,
		string(feature.RequiredNoneFirst), true,
	).Scan(&s.Pending, &s.Claimed, &s.NotLoaded, &s.ProtocolsWithErr)
	if err != nil {
		return nil, fmt.Errorf("counting protocols: %w", err)
	}

	rows, err := d.query(ctx, `SELECT attention_required, COUNT(*) FROM protocols GROUP BY attention_required`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var req feature.Required
		var n int
		if err := rows.Scan(&req, &n); err != nil {
			rows.Close()
			return nil, err
		}
		s.ByRequired[req] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	patients, err := d.PatientsToReprocess(ctx)
	if err != nil {
		return nil, err
	}
	s.PatientsToRedo = len(patients)
	return s, nil
}
