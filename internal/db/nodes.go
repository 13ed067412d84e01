package db

import (
	"context"
	"fmt"
)

// scanNode scans a row into a Node. The row must have all 6 columns in standard order.
func scanNode(scanner interface{ Scan(dest ...any) error }) (Node, error) {
	var n Node
	err := scanner.Scan(&n.ID, &n.ProtocolID, &n.PatientID, &n.Index, &n.Class, &n.Name)
	return n, err
}

// InsertNode stores one feature node.
func (d *DB) InsertNode(ctx context.Context, n Node) error {
	_, err := d.exec(ctx,
		`INSERT INTO feature_nodes (id, protocol_id, patient_id, node_index, class, name) VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.ProtocolID, n.PatientID, n.Index, n.Class, n.Name)
	if err != nil {
		return fmt.Errorf("inserting node %s: %w", n.Name, err)
	}
	return nil
}

// ProtocolNodes returns all nodes of a protocol ordered by index.
func (d *DB) ProtocolNodes(ctx context.Context, protocolID int64) ([]Node, error) {
	rows, err := d.query(ctx,
		`SELECT id, protocol_id, patient_id, node_index, class, name
		 FROM feature_nodes WHERE protocol_id = ? ORDER BY node_index`, protocolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
