package graph

import (
	"context"
	"fmt"

	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

type edgeSig struct {
	child  feature.NodeRef
	parent feature.NodeRef
	chain  string
}

// Snapshot holds one protocol's feature edges keyed by the node names and
// chain they connect.
type Snapshot struct {
	ProtocolID int64
	sigs       map[edgeSig]struct{}
}

// NewSnapshot builds a Snapshot from raw nodes and edges. Edges whose
// endpoints are missing are ignored.
func NewSnapshot(protocolID int64, nodes []db.Node, edges []db.Edge) *Snapshot {
	byID := make(map[string]db.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	s := &Snapshot{ProtocolID: protocolID, sigs: make(map[edgeSig]struct{}, len(edges))}
	for _, e := range edges {
		child, ok := byID[e.ChildID]
		if !ok {
			continue
		}
		parent, ok := byID[e.ParentID]
		if !ok {
			continue
		}
		s.sigs[edgeSig{
			child:  feature.NodeRef{Class: child.Class, Name: child.Name},
			parent: feature.NodeRef{Class: parent.Class, Name: parent.Name},
			chain:  e.Chain,
		}] = struct{}{}
	}
	return s
}

// SnapshotSource reads one protocol's graph rows.
type SnapshotSource interface {
	ProtocolNodes(ctx context.Context, protocolID int64) ([]db.Node, error)
	ProtocolEdges(ctx context.Context, protocolID int64) ([]db.Edge, error)
}

// LoadSnapshot reads a protocol's graph from the store.
func LoadSnapshot(ctx context.Context, src SnapshotSource, protocolID int64) (*Snapshot, error) {
	nodes, err := src.ProtocolNodes(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("loading nodes of protocol %d: %w", protocolID, err)
	}
	edges, err := src.ProtocolEdges(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("loading edges of protocol %d: %w", protocolID, err)
	}
	return NewSnapshot(protocolID, nodes, edges), nil
}

// HasChildEdge answers the same question as db.DB.HasChildEdge from memory.
func (s *Snapshot) HasChildEdge(_ context.Context, protocolID int64, child, parent feature.NodeRef, chain string) (bool, error) {
	if protocolID != s.ProtocolID {
		return false, nil
	}
	_, ok := s.sigs[edgeSig{child: child, parent: parent, chain: chain}]
	return ok, nil
}

// HasChildren reports whether some node hangs from a node named parent
// under chain, i.e. an edge with that parent carries chain plus one segment.
func (s *Snapshot) HasChildren(parent feature.NodeRef, chain string, chains feature.Chains) bool {
	for sig := range s.sigs {
		if sig.parent == parent && sig.chain == chains.Extend(chain, sig.child.Name) {
			return true
		}
	}
	return false
}
