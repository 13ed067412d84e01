package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

func liverTree() *Tree {
	return &Tree{
		ProtocolID: 1, PatientID: 7, UserID: 3,
		Entries: []Entry{
			{Name: "liver", Class: "Organ", Index: 0},
			{Name: "size", Class: "Property", Index: 1, Parents: []int{0}},
			{Name: "increased", Class: "Finding", Index: 2, Parents: []int{1}},
			{Name: "temperature", Class: "Vital", Index: 3, Value: "37.2"},
		},
		Diagnoses: []string{"hepatitis"},
	}
}

func chainsByName(p *Plan) map[string][]string {
	names := make(map[string]string)
	for _, n := range p.Nodes {
		names[n.ID] = n.Name
	}
	out := make(map[string][]string)
	for _, e := range p.Edges {
		out[names[e.ChildID]] = append(out[names[e.ChildID]], e.Chain)
	}
	return out
}

func TestBuild_Chains(t *testing.T) {
	plan, err := Build(liverTree(), feature.Chains{}, 1000)
	require.NoError(t, err)

	require.Len(t, plan.Nodes, 5)
	assert.Equal(t, RootClass, plan.Nodes[0].Class)
	assert.Equal(t, -1, plan.Nodes[0].Index)
	require.Len(t, plan.Edges, 4)
	assert.Empty(t, plan.Warnings)

	chains := chainsByName(plan)
	assert.Equal(t, []string{"liver"}, chains["liver"])
	assert.Equal(t, []string{"liver$iamb$size"}, chains["size"])
	assert.Equal(t, []string{"liver$iamb$size$iamb$increased"}, chains["increased"])
	assert.Equal(t, []string{"temperature"}, chains["temperature"])

	for _, e := range plan.Edges {
		assert.Equal(t, int64(1000), e.UpdatedAt)
		assert.False(t, e.ParentNotFound)
	}
}

func TestBuild_SharedChildGetsOneEdgePerPath(t *testing.T) {
	tree := &Tree{ProtocolID: 2, PatientID: 7, Entries: []Entry{
		{Name: "thyroid", Class: "Organ", Index: 0},
		{Name: "left-lobe", Class: "Part", Index: 1, Parents: []int{0}},
		{Name: "right-lobe", Class: "Part", Index: 2, Parents: []int{0}},
		{Name: "size", Class: "Property", Index: 3, Parents: []int{1, 2, 1}},
	}}
	plan, err := Build(tree, feature.Chains{Sep: "/"}, 1)
	require.NoError(t, err)

	chains := chainsByName(plan)
	assert.ElementsMatch(t, []string{"thyroid/left-lobe/size", "thyroid/right-lobe/size"}, chains["size"])
}

func TestBuild_ParentNotFound(t *testing.T) {
	tree := &Tree{ProtocolID: 3, PatientID: 7, Entries: []Entry{
		{Name: "liver", Class: "Organ", Index: 0},
		{Name: "size", Class: "Property", Index: 1, Parents: []int{42}},
	}}
	plan, err := Build(tree, feature.Chains{}, 1)
	require.NoError(t, err)

	var orphan db.Edge
	for _, e := range plan.Edges {
		if e.ParentNotFound {
			orphan = e
		}
	}
	assert.Equal(t, "size", orphan.Chain)
	assert.Equal(t, plan.Nodes[0].ID, orphan.ParentID, "orphans hang from the root")
	require.Len(t, plan.Warnings, 2)
	assert.Contains(t, plan.Warnings[0], "parent 42 not found")
	assert.Contains(t, plan.Warnings[1], "entries [1] are disconnected")
}

func TestBuild_Rejects(t *testing.T) {
	cycle := &Tree{Entries: []Entry{
		{Name: "a", Index: 0, Parents: []int{2}},
		{Name: "b", Index: 1, Parents: []int{0}},
		{Name: "c", Index: 2, Parents: []int{1}},
	}}
	_, err := Build(cycle, feature.Chains{}, 1)
	assert.True(t, errors.Is(err, ErrCycle))

	bad := &Tree{Entries: []Entry{{Name: "a$iamb$b", Index: 0}}}
	_, err = Build(bad, feature.Chains{}, 1)
	assert.ErrorIs(t, err, ErrBadSegment)

	dup := &Tree{Entries: []Entry{{Name: "a", Index: 0}, {Name: "b", Index: 0}}}
	_, err = Build(dup, feature.Chains{}, 1)
	assert.Error(t, err)

	negative := &Tree{Entries: []Entry{{Name: "a", Index: -1}}}
	_, err = Build(negative, feature.Chains{}, 1)
	assert.Error(t, err)
}

func TestReadTree(t *testing.T) {
	tree, err := ReadTree(strings.NewReader(`{"protocol_id": 5, "patient_id": 9, "entries": [
		{"name": "temperature", "class": "Vital", "index": 0, "value": "37.2", "parents": []}
	], "diagnoses": ["flu"]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(5), tree.ProtocolID)
	assert.Equal(t, "37.2", tree.Entries[0].Value)

	_, err = ReadTree(strings.NewReader(`{"protocol": 5}`))
	assert.Error(t, err)
}

func TestLoad_IntoDatabase(t *testing.T) {
	d, err := db.OpenDB(t.TempDir() + "/graph.db")
	require.NoError(t, err)
	defer d.Close()
	ctx := context.Background()
	require.NoError(t, d.Migrate(ctx))

	plan, err := Load(ctx, d, liverTree(), feature.Chains{}, 5000)
	require.NoError(t, err)
	assert.Len(t, plan.Edges, 4)

	p, err := d.GetProtocol(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p.LoadedAt)
	assert.Equal(t, int64(5000), *p.LoadedAt)

	rows, err := d.ProtocolFeatures(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	diagnoses, err := d.PatientDiagnoses(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"hepatitis"}, diagnoses[1])

	snap, err := LoadSnapshot(ctx, d, 1)
	require.NoError(t, err)
	assert.True(t, snap.HasChildren(feature.NodeRef{Class: "Organ", Name: "liver"}, "liver", feature.Chains{}))

	ok, err := snap.HasChildEdge(ctx, 1,
		feature.NodeRef{Class: "Property", Name: "size"}, feature.NodeRef{Class: "Organ", Name: "liver"}, "liver$iamb$size")
	require.NoError(t, err)
	assert.True(t, ok)

	fromDB, err := d.HasChildEdge(ctx, 1,
		feature.NodeRef{Class: "Property", Name: "size"}, feature.NodeRef{Class: "Organ", Name: "liver"}, "liver$iamb$size")
	require.NoError(t, err)
	assert.Equal(t, fromDB, ok, "snapshot and store agree")

	ok, err = snap.HasChildEdge(ctx, 2,
		feature.NodeRef{Class: "Property", Name: "size"}, feature.NodeRef{Class: "Organ", Name: "liver"}, "liver$iamb$size")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEntryForest(t *testing.T) {
	f := newEntryForest([]int{0, 1, 2, 3, 4})
	f.link(rootIndex, 0)
	f.link(0, 1)
	f.link(3, 4)
	assert.Equal(t, []int{2, 3, 4}, f.detached())

	f.link(1, 4)
	f.link(4, 1)
	assert.Equal(t, f.find(0), f.find(3))
	assert.Equal(t, []int{2}, f.detached())
}

func TestBuild_ChildOfOrphanIsDetached(t *testing.T) {
	tree := &Tree{ProtocolID: 4, Entries: []Entry{
		{Name: "liver", Class: "Organ", Index: 0},
		{Name: "size", Class: "Property", Index: 1, Parents: []int{9}},
		{Name: "unit", Class: "Unit", Index: 2, Parents: []int{1}},
		{Name: "edge", Class: "Property", Index: 3, Parents: []int{9, 0}},
	}}
	plan, err := Build(tree, feature.Chains{}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[len(plan.Warnings)-1], "entries [1 2] are disconnected")
}
