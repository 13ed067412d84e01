package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

const rowColumns = `e.id, e.child_id, e.parent_id, c.node_index, c.name, c.class, p.name, p.class,
	e.chain, e.value, e.attention, e.score, e.protocol_id, e.patient_id, e.parent_not_found`

const rowJoins = ` FROM feature_edges e
	JOIN feature_nodes c ON c.id = e.child_id
	JOIN feature_nodes p ON p.id = e.parent_id`

// scanRow scans a joined edge row into a feature.Row.
func scanRow(scanner interface{ Scan(dest ...any) error }) (feature.Row, error) {
	var r feature.Row
	var attention sql.NullInt64
	var score sql.NullFloat64
	err := scanner.Scan(
		&r.EdgeID, &r.ChildID, &r.ParentID, &r.Index, &r.Name, &r.Class, &r.ParentName, &r.ParentClass,
		&r.Chain, &r.Value, &attention, &score, &r.ProtocolID, &r.PatientID, &r.ParentNotFound,
	)
	if err != nil {
		return r, err
	}
	if attention.Valid {
		a := feature.Attention(attention.Int64)
		r.Attention = &a
	}
	if score.Valid {
		s := score.Float64
		r.Score = &s
	}
	return r, nil
}

func collectRows(rows *sql.Rows) ([]feature.Row, error) {
	defer rows.Close()
	var out []feature.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertEdge stores one feature edge.
func (d *DB) InsertEdge(ctx context.Context, e Edge) error {
	_, err := d.exec(ctx,
		`INSERT INTO feature_edges (id, child_id, parent_id, protocol_id, patient_id, chain, value,
		 attention, score, parent_not_found, created_by_neuro, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ChildID, e.ParentID, e.ProtocolID, e.PatientID, e.Chain, e.Value,
		e.Attention, e.Score, e.ParentNotFound, e.CreatedByNeuro, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting edge %s: %w", e.Chain, err)
	}
	return nil
}

// ProtocolFeatures returns every feature edge of a protocol, ordered by chain.
func (d *DB) ProtocolFeatures(ctx context.Context, protocolID int64) ([]feature.Row, error) {
	rows, err := d.query(ctx,
		`SELECT `+rowColumns+rowJoins+` WHERE e.protocol_id = ? ORDER BY e.chain, c.node_index`,
		protocolID)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

// markedProtocols limits a patient query to protocols whose marking pass has
// finished. A claimed protocol keeps NONE_FIRST until its rollup is written.
const markedProtocols = ` AND e.protocol_id IN (SELECT id FROM protocols WHERE patient_id = ? AND attention_required <> ?)`

// PatientFeatures returns the patient's feature edges whose attention is one
// of the given labels. Protocols still being marked are left out.
func (d *DB) PatientFeatures(ctx context.Context, patientID int64, attentions ...feature.Attention) ([]feature.Row, error) {
	query := `SELECT ` + rowColumns + rowJoins + ` WHERE e.patient_id = ?` + markedProtocols
	args := []any{patientID, patientID, string(feature.RequiredNoneFirst)}
	if len(attentions) > 0 {
		query += ` AND e.attention IN (` + placeholders(len(attentions)) + `)`
		for _, a := range attentions {
			args = append(args, int(a))
		}
	}
	query += ` ORDER BY e.protocol_id, e.chain, c.node_index`

	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

// HasChildEdge reports whether, within the protocol, an edge carrying chain
// links a node (child.Class, child.Name) to a node (parent.Class, parent.Name).
func (d *DB) HasChildEdge(ctx context.Context, protocolID int64, child, parent feature.NodeRef, chain string) (bool, error) {
	var n int
	err := d.queryRow(ctx,
		`SELECT COUNT(*)`+rowJoins+`
		 WHERE e.protocol_id = ? AND c.class = ? AND c.name = ? AND p.class = ? AND p.name = ? AND e.chain = ?`,
		protocolID, child.Class, child.Name, parent.Class, parent.Name, chain,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ProtocolEdges returns the raw edges of a protocol.
func (d *DB) ProtocolEdges(ctx context.Context, protocolID int64) ([]Edge, error) {
	rows, err := d.query(ctx,
		`SELECT id, child_id, parent_id, protocol_id, patient_id, chain, value, attention, score,
		 parent_not_found, created_by_neuro, updated_at
		 FROM feature_edges WHERE protocol_id = ? ORDER BY chain`, protocolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.ID, &e.ChildID, &e.ParentID, &e.ProtocolID, &e.PatientID, &e.Chain, &e.Value,
			&e.Attention, &e.Score, &e.ParentNotFound, &e.CreatedByNeuro, &e.UpdatedAt); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

const keyFilter = ` WHERE protocol_id = ? AND patient_id = ? AND chain = ? AND value = ?
	AND child_id IN (SELECT id FROM feature_nodes WHERE protocol_id = ? AND class = ? AND name = ?)
	AND parent_id IN (SELECT id FROM feature_nodes WHERE protocol_id = ? AND class = ? AND name = ?)`

func keyArgs(k feature.EdgeKey) []any {
	return []any{
		k.ProtocolID, k.PatientID, k.Chain, k.Value,
		k.ProtocolID, k.ChildClass, k.ChildName,
		k.ProtocolID, k.ParentClass, k.ParentName,
	}
}

// SetEdgeAttention writes attention and score on every edge matching key.
// A nil score clears it. Keys mixing both quote kinds are refused with
// ErrQuoteConflict. Returns the number of edges updated.
func (d *DB) SetEdgeAttention(ctx context.Context, key feature.EdgeKey, attention feature.Attention, score *float64, now int64) (int64, error) {
	if v, bad := key.QuoteConflict(); bad {
		return 0, fmt.Errorf("%w: %s", ErrQuoteConflict, v)
	}
	args := append([]any{int(attention), score, now}, keyArgs(key)...)
	res, err := d.exec(ctx, `UPDATE feature_edges SET attention = ?, score = ?, updated_at = ?`+keyFilter, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetEdgeAttentionKeepScore writes attention on every edge matching key and
// leaves the stored score untouched.
func (d *DB) SetEdgeAttentionKeepScore(ctx context.Context, key feature.EdgeKey, attention feature.Attention, now int64) (int64, error) {
	if v, bad := key.QuoteConflict(); bad {
		return 0, fmt.Errorf("%w: %s", ErrQuoteConflict, v)
	}
	args := append([]any{int(attention), now}, keyArgs(key)...)
	res, err := d.exec(ctx, `UPDATE feature_edges SET attention = ?, updated_at = ?`+keyFilter, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ProtocolAttentions returns the distinct attentions present on each of the
// patient's finished protocols. Protocols without any marked edge and
// protocols still being marked are absent.
func (d *DB) ProtocolAttentions(ctx context.Context, patientID int64) (map[int64]feature.AttentionSet, error) {
	rows, err := d.query(ctx,
		`SELECT DISTINCT e.protocol_id, e.attention FROM feature_edges e
		 WHERE e.patient_id = ? AND e.attention IS NOT NULL`+markedProtocols,
		patientID, patientID, string(feature.RequiredNoneFirst))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]feature.AttentionSet)
	for rows.Next() {
		var protocolID int64
		var a int
		if err := rows.Scan(&protocolID, &a); err != nil {
			return nil, err
		}
		set, ok := out[protocolID]
		if !ok {
			set = feature.NewAttentionSet()
			out[protocolID] = set
		}
		set.Add(feature.Attention(a))
	}
	return out, rows.Err()
}
