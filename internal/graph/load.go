package graph

import (
	"context"
	"fmt"

	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

// Store is the subset of the database the loader writes to.
type Store interface {
	EnsurePatient(ctx context.Context, id int64) error
	InsertProtocol(ctx context.Context, id, patientID, userID int64) error
	InsertNode(ctx context.Context, n db.Node) error
	InsertEdge(ctx context.Context, e db.Edge) error
	AddDiagnosis(ctx context.Context, protocolID, patientID int64, disease string) error
	MarkLoaded(ctx context.Context, id, now int64) error
}

// Load writes a protocol tree into the graph tables and makes the protocol
// visible to marking by setting loaded_at last.
func Load(ctx context.Context, s Store, t *Tree, chains feature.Chains, now int64) (*Plan, error) {
	plan, err := Build(t, chains, now)
	if err != nil {
		return nil, err
	}

	if err := s.EnsurePatient(ctx, t.PatientID); err != nil {
		return nil, err
	}
	if err := s.InsertProtocol(ctx, t.ProtocolID, t.PatientID, t.UserID); err != nil {
		return nil, err
	}
	for _, n := range plan.Nodes {
		if err := s.InsertNode(ctx, n); err != nil {
			return nil, err
		}
	}
	for _, e := range plan.Edges {
		if err := s.InsertEdge(ctx, e); err != nil {
			return nil, err
		}
	}
	for _, d := range t.Diagnoses {
		if err := s.AddDiagnosis(ctx, t.ProtocolID, t.PatientID, d); err != nil {
			return nil, err
		}
	}
	if err := s.MarkLoaded(ctx, t.ProtocolID, now); err != nil {
		return nil, fmt.Errorf("marking protocol %d loaded: %w", t.ProtocolID, err)
	}
	return plan, nil
}
