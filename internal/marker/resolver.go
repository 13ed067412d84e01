package marker

import (
	"context"
	"fmt"

	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

// ChildProber answers whether, within a protocol, an edge carrying chain
// links child to parent. Implemented by db.DB and graph.Snapshot.
type ChildProber interface {
	HasChildEdge(ctx context.Context, protocolID int64, child, parent feature.NodeRef, chain string) (bool, error)
}

// Partition splits a protocol's rows by their place in the chain tree.
type Partition struct {
	Terminal     []feature.Row
	Transitional []feature.Row
	Unresolved   []Unresolved
}

// Unresolved is a row whose status could not be decided because a probe
// kept failing. It is neither written nor counted.
type Unresolved struct {
	Row feature.Row
	Err error
}

// Resolver decides which features are leaves of the chain tree.
type Resolver struct {
	Chains  feature.Chains
	Prober  ChildProber
	Retries int
}

type probeKey struct {
	child, parent feature.NodeRef
	chain         string
}

// Resolve partitions rows of one protocol. A row is transitional when some
// other row hangs from it under its chain and its own value has no letter
// or digit. A row whose probes failed is reported as unresolved; errors
// that end the whole pass (lost connection, cancelled context) are returned.
func (r *Resolver) Resolve(ctx context.Context, rows []feature.Row) (Partition, error) {
	byChain := make(map[string][]int, len(rows))
	for i, row := range rows {
		byChain[row.Chain] = append(byChain[row.Chain], i)
	}

	hasChild := make(map[int]bool) // node index -> has a child under the prefix
	failed := make(map[int]error)  // node index -> probe error
	memo := make(map[probeKey]bool)

	for _, f := range rows {
		prefix, ok := r.Chains.TrimLast(f.Chain)
		if !ok {
			continue
		}
		for _, pi := range byChain[prefix] {
			p := rows[pi]
			if p.ProtocolID != f.ProtocolID || hasChild[p.Index] {
				continue
			}
			key := probeKey{
				child:  feature.NodeRef{Class: f.Class, Name: f.Name},
				parent: feature.NodeRef{Class: p.Class, Name: p.Name},
				chain:  f.Chain,
			}
			found, seen := memo[key]
			if !seen {
				var err error
				found, err = r.probe(ctx, f.ProtocolID, key)
				if err != nil {
					if fatal(ctx, err) {
						return Partition{}, err
					}
					failed[p.Index] = err
					continue
				}
				memo[key] = found
			}
			if found {
				hasChild[p.Index] = true
				delete(failed, p.Index)
			}
		}
	}

	var part Partition
	for _, row := range rows {
		switch {
		case hasChild[row.Index] && !feature.HasAlnum(row.Value):
			part.Transitional = append(part.Transitional, row)
		case failed[row.Index] != nil && !feature.HasAlnum(row.Value):
			part.Unresolved = append(part.Unresolved, Unresolved{Row: row, Err: failed[row.Index]})
		default:
			part.Terminal = append(part.Terminal, row)
		}
	}
	return part, nil
}

func (r *Resolver) probe(ctx context.Context, protocolID int64, key probeKey) (bool, error) {
	var found bool
	err := retry(ctx, r.Retries, func() error {
		var err error
		found, err = r.Prober.HasChildEdge(ctx, protocolID, key.child, key.parent, key.chain)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("probing %s under %s: %w", key.child.Name, key.parent.Name, err)
	}
	return found, nil
}
