package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

// RootClass is the class of the synthetic node every protocol tree hangs from.
const RootClass = "Protocol"

var (
	// ErrCycle is returned for protocol trees whose parent links loop.
	ErrCycle = errors.New("protocol tree contains a cycle")

	// ErrBadSegment is returned for entry names that cannot be chain segments.
	ErrBadSegment = errors.New("invalid chain segment")
)

// Entry is one observation of a protocol tree as produced by the extractor.
type Entry struct {
	Name    string `json:"name"`
	Class   string `json:"class"`
	Index   int    `json:"index"`
	Value   string `json:"value"`
	Parents []int  `json:"parents"`
}

// Tree is a protocol tree together with the protocol it belongs to.
type Tree struct {
	ProtocolID int64    `json:"protocol_id"`
	PatientID  int64    `json:"patient_id"`
	UserID     int64    `json:"user_id"`
	Entries    []Entry  `json:"entries"`
	Diagnoses  []string `json:"diagnoses"`
}

// ReadTree decodes a JSON protocol tree.
func ReadTree(r io.Reader) (*Tree, error) {
	var t Tree
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decoding protocol tree: %w", err)
	}
	return &t, nil
}

// Plan is the set of graph rows a tree expands to.
type Plan struct {
	Nodes    []db.Node
	Edges    []db.Edge
	Warnings []string
}

// Build expands a tree into nodes and edges. Each entry gets one edge per
// distinct root-to-entry path; an entry citing an unknown parent index hangs
// from the protocol root with parent_not_found set.
func Build(t *Tree, chains feature.Chains, now int64) (*Plan, error) {
	byIndex := make(map[int]*Entry, len(t.Entries))
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.Index < 0 {
			return nil, fmt.Errorf("entry %q has negative index %d", e.Name, e.Index)
		}
		if _, dup := byIndex[e.Index]; dup {
			return nil, fmt.Errorf("duplicate entry index %d", e.Index)
		}
		if !chains.ValidSegment(e.Name) {
			return nil, fmt.Errorf("%w: entry %d name %q", ErrBadSegment, e.Index, e.Name)
		}
		byIndex[e.Index] = e
	}

	plan := &Plan{}
	root := db.Node{
		ID: uuid.NewString(), ProtocolID: t.ProtocolID, PatientID: t.PatientID,
		Index: -1, Class: RootClass, Name: fmt.Sprint(t.ProtocolID),
	}
	plan.Nodes = append(plan.Nodes, root)

	nodeIDs := make(map[int]string, len(t.Entries))
	indexes := make([]int, 0, len(t.Entries))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		e := byIndex[idx]
		id := uuid.NewString()
		nodeIDs[idx] = id
		plan.Nodes = append(plan.Nodes, db.Node{
			ID: id, ProtocolID: t.ProtocolID, PatientID: t.PatientID,
			Index: e.Index, Class: e.Class, Name: e.Name,
		})
	}

	w := &chainWalker{byIndex: byIndex, chains: chains, memo: map[int][]string{}, state: map[int]int{}}
	for _, idx := range indexes {
		if _, err := w.chainsOf(idx); err != nil {
			return nil, err
		}
	}

	forest := newEntryForest(indexes)
	for _, idx := range indexes {
		e := byIndex[idx]
		edge := func(parentID, chain string, notFound bool) {
			plan.Edges = append(plan.Edges, db.Edge{
				ID: uuid.NewString(), ChildID: nodeIDs[idx], ParentID: parentID,
				ProtocolID: t.ProtocolID, PatientID: t.PatientID,
				Chain: chain, Value: e.Value, ParentNotFound: notFound, UpdatedAt: now,
			})
		}

		if len(e.Parents) == 0 {
			edge(root.ID, e.Name, false)
			forest.link(rootIndex, idx)
			continue
		}
		for _, p := range dedupInts(e.Parents) {
			if _, ok := byIndex[p]; !ok {
				edge(root.ID, e.Name, true)
				plan.Warnings = append(plan.Warnings,
					fmt.Sprintf("entry %d (%s): parent %d not found", e.Index, e.Name, p))
				continue
			}
			forest.link(p, idx)
			for _, pc := range w.memo[p] {
				edge(nodeIDs[p], chains.Extend(pc, e.Name), false)
			}
		}
	}

	if detached := forest.detached(); len(detached) > 0 {
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("protocol %d: entries %v are disconnected from the root", t.ProtocolID, detached))
	}
	return plan, nil
}

// chainWalker computes every chain of an entry with a DFS; state 1 marks
// entries on the current path.
type chainWalker struct {
	byIndex map[int]*Entry
	chains  feature.Chains
	memo    map[int][]string
	state   map[int]int
}

func (w *chainWalker) chainsOf(idx int) ([]string, error) {
	if c, ok := w.memo[idx]; ok {
		return c, nil
	}
	if w.state[idx] == 1 {
		return nil, fmt.Errorf("%w at entry %d", ErrCycle, idx)
	}
	w.state[idx] = 1
	defer func() { w.state[idx] = 2 }()

	e := w.byIndex[idx]
	var out []string
	seen := make(map[string]bool)
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	if len(e.Parents) == 0 {
		add(e.Name)
	}
	for _, p := range e.Parents {
		if _, ok := w.byIndex[p]; !ok {
			add(e.Name)
			continue
		}
		parentChains, err := w.chainsOf(p)
		if err != nil {
			return nil, err
		}
		for _, pc := range parentChains {
			add(w.chains.Extend(pc, e.Name))
		}
	}
	w.memo[idx] = out
	return out, nil
}

func dedupInts(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := in[:0:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
