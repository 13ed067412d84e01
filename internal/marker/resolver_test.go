package marker

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

// rowsProber answers probes from the rows themselves: an edge exists when
// some row has that child, chain and a parent row one segment up.
type rowsProber struct {
	rows  []feature.Row
	fail  map[string]error // chain -> error
	calls int
}

func (p *rowsProber) HasChildEdge(_ context.Context, protocolID int64, child, parent feature.NodeRef, chain string) (bool, error) {
	p.calls++
	if err := p.fail[chain]; err != nil {
		return false, err
	}
	for _, r := range p.rows {
		if r.ProtocolID == protocolID && r.Chain == chain && r.Class == child.Class && r.Name == child.Name &&
			r.ParentClass == parent.Class && r.ParentName == parent.Name {
			return true, nil
		}
	}
	return false, nil
}

func row(index int, parent, name, chain, value string) feature.Row {
	return feature.Row{
		Index: index, Name: name, Class: "Finding", ParentName: parent, ParentClass: "Finding",
		Chain: chain, Value: value, ProtocolID: 1, PatientID: 7,
	}
}

func chainsOf(rows []feature.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Chain
	}
	return out
}

func TestResolve_Partition(t *testing.T) {
	rows := []feature.Row{
		row(0, "1", "liver", "liver", ""),
		row(1, "liver", "size", "liver/size", ""),
		row(2, "size", "increased", "liver/size/increased", ""),
		row(3, "1", "spleen", "spleen", "normal"),
		row(4, "spleen", "size", "spleen/size", "12 cm"),
	}
	r := &Resolver{Chains: testChains, Prober: &rowsProber{rows: rows}}

	part, err := r.Resolve(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, []string{"liver", "liver/size"}, chainsOf(part.Transitional))
	// spleen has a child but its own value keeps it terminal.
	assert.Equal(t, []string{"liver/size/increased", "spleen", "spleen/size"}, chainsOf(part.Terminal))
	assert.Empty(t, part.Unresolved)
}

func TestResolve_MemoizesProbes(t *testing.T) {
	rows := []feature.Row{
		row(0, "1", "a", "a", ""),
		row(1, "a", "b", "a/b", ""),
		row(2, "a", "b", "a/b", ""),
	}
	p := &rowsProber{rows: rows}
	r := &Resolver{Chains: testChains, Prober: p}
	_, err := r.Resolve(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestResolve_ProbeFailures(t *testing.T) {
	rows := []feature.Row{
		row(0, "1", "liver", "liver", ""),
		row(1, "liver", "size", "liver/size", "big"),
	}

	t.Run("persistent failure leaves the parent unresolved", func(t *testing.T) {
		p := &rowsProber{rows: rows, fail: map[string]error{"liver/size": errors.New("timeout")}}
		r := &Resolver{Chains: testChains, Prober: p, Retries: 2}
		part, err := r.Resolve(context.Background(), rows)
		require.NoError(t, err)
		assert.Equal(t, 3, p.calls)
		require.Len(t, part.Unresolved, 1)
		assert.Equal(t, "liver", part.Unresolved[0].Row.Chain)
		assert.Equal(t, []string{"liver/size"}, chainsOf(part.Terminal))
	})

	t.Run("lost connection ends the pass", func(t *testing.T) {
		p := &rowsProber{rows: rows, fail: map[string]error{"liver/size": fmt.Errorf("probe: %w", driver.ErrBadConn)}}
		r := &Resolver{Chains: testChains, Prober: p, Retries: 2}
		_, err := r.Resolve(context.Background(), rows)
		assert.ErrorIs(t, err, driver.ErrBadConn)
		assert.Equal(t, 1, p.calls)
	})
}

// genRows builds rows of a random tree over a two-letter alphabet. Each
// code picks a path of depth 1-3; every prefix of it is present too.
func genRows(codes []int, valued []bool) []feature.Row {
	seen := make(map[string]bool)
	var rows []feature.Row
	for i, code := range codes {
		depth := 1 + code%3
		var segs []string
		for d := 0; d < depth; d++ {
			name := "a"
			if code>>(d+2)&1 == 1 {
				name = "b"
			}
			parent := "root"
			if len(segs) > 0 {
				parent = segs[len(segs)-1]
			}
			segs = append(segs, name)
			chain := testChains.Join(segs...)
			if seen[chain] {
				continue
			}
			seen[chain] = true
			value := ""
			if valued[i%len(valued)] && d == depth-1 {
				value = "x1"
			}
			rows = append(rows, row(len(rows), parent, name, chain, value))
		}
	}
	return rows
}

func TestResolve_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	resolve := func(rows []feature.Row) Partition {
		r := &Resolver{Chains: testChains, Prober: &rowsProber{rows: rows}}
		part, err := r.Resolve(context.Background(), rows)
		if err != nil {
			panic(err)
		}
		return part
	}

	properties.Property("resolving twice gives the same partition", prop.ForAll(
		func(codes []int, valued []bool) bool {
			rows := genRows(codes, valued)
			a, b := resolve(rows), resolve(rows)
			return fmt.Sprint(chainsOf(a.Terminal), chainsOf(a.Transitional)) ==
				fmt.Sprint(chainsOf(b.Terminal), chainsOf(b.Transitional))
		},
		gen.SliceOfN(8, gen.IntRange(0, 31)),
		gen.SliceOfN(3, gen.Bool()),
	))

	properties.Property("every row lands in exactly one part", prop.ForAll(
		func(codes []int, valued []bool) bool {
			rows := genRows(codes, valued)
			part := resolve(rows)
			return len(part.Terminal)+len(part.Transitional)+len(part.Unresolved) == len(rows)
		},
		gen.SliceOfN(8, gen.IntRange(0, 31)),
		gen.SliceOfN(3, gen.Bool()),
	))

	properties.Property("transitional rows have no value", prop.ForAll(
		func(codes []int, valued []bool) bool {
			for _, r := range resolve(genRows(codes, valued)).Transitional {
				if feature.HasAlnum(r.Value) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 31)),
		gen.SliceOfN(3, gen.Bool()),
	))

	properties.TestingRun(t)
}
