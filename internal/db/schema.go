package db

import (
	"context"
	"fmt"
	"strings"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id BIGINT PRIMARY KEY,
		additional_marked_with_errors BOOLEAN NOT NULL DEFAULT FALSE,
		marking_log TEXT NOT NULL DEFAULT '',
		reprocessed_at BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS protocols (
		id BIGINT PRIMARY KEY,
		patient_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL DEFAULT 0,
		loaded_at BIGINT,
		classified_at BIGINT,
		reprocessed_at BIGINT,
		unmarked_features_left BOOLEAN NOT NULL DEFAULT FALSE,
		attentions_changed BOOLEAN NOT NULL DEFAULT FALSE,
		marked_with_errors BOOLEAN NOT NULL DEFAULT FALSE,
		marking_log TEXT NOT NULL DEFAULT '',
		attention_required TEXT NOT NULL DEFAULT 'NONE_FIRST'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_protocols_pending ON protocols (classified_at, loaded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_protocols_patient ON protocols (patient_id)`,
	`CREATE TABLE IF NOT EXISTS task_locks (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS feature_nodes (
		id TEXT PRIMARY KEY,
		protocol_id BIGINT NOT NULL,
		patient_id BIGINT NOT NULL,
		node_index INTEGER NOT NULL,
		class TEXT NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feature_nodes_lookup ON feature_nodes (protocol_id, class, name)`,
	`CREATE TABLE IF NOT EXISTS feature_edges (
		id TEXT PRIMARY KEY,
		child_id TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		protocol_id BIGINT NOT NULL,
		patient_id BIGINT NOT NULL,
		chain TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		attention INTEGER,
		score DOUBLE PRECISION,
		parent_not_found BOOLEAN NOT NULL DEFAULT FALSE,
		created_by_neuro INTEGER NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feature_edges_protocol ON feature_edges (protocol_id, chain)`,
	`CREATE INDEX IF NOT EXISTS idx_feature_edges_patient ON feature_edges (patient_id, attention)`,
	`CREATE TABLE IF NOT EXISTS protocol_diagnoses (
		protocol_id BIGINT NOT NULL,
		patient_id BIGINT NOT NULL,
		disease_name TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_protocol_diagnoses_patient ON protocol_diagnoses (patient_id)`,
	`CREATE TABLE IF NOT EXISTS description_embeddings (
		description TEXT PRIMARY KEY,
		embedding BLOB NOT NULL
	)`,
}

// Migrate creates every table and index if missing.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if d.Driver == DriverPostgres {
			stmt = strings.ReplaceAll(stmt, "BLOB", "BYTEA")
		}
		if _, err := d.Conn().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}
