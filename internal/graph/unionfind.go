package graph

import "sort"

// rootIndex stands for the protocol root in an entryForest.
const rootIndex = -1

// entryForest is a union-find over protocol entry indexes, used to tell
// which entries actually reach the protocol root through known parents.
type entryForest struct {
	parent map[int]int
	rank   map[int]int
}

func newEntryForest(indexes []int) *entryForest {
	f := &entryForest{
		parent: make(map[int]int, len(indexes)+1),
		rank:   make(map[int]int, len(indexes)+1),
	}
	f.parent[rootIndex] = rootIndex
	for _, idx := range indexes {
		f.parent[idx] = idx
	}
	return f
}

// find returns the representative of idx, halving the path on the way.
func (f *entryForest) find(idx int) int {
	for f.parent[idx] != idx {
		f.parent[idx] = f.parent[f.parent[idx]]
		idx = f.parent[idx]
	}
	return idx
}

// link joins the sets of a and b by rank.
func (f *entryForest) link(a, b int) {
	ra, rb := f.find(a), f.find(b)
	if ra == rb {
		return
	}
	switch {
	case f.rank[ra] < f.rank[rb]:
		f.parent[ra] = rb
	case f.rank[ra] > f.rank[rb]:
		f.parent[rb] = ra
	default:
		f.parent[rb] = ra
		f.rank[ra]++
	}
}

// detached returns, sorted, the entries not connected to the root.
func (f *entryForest) detached() []int {
	root := f.find(rootIndex)
	var out []int
	for idx := range f.parent {
		if idx != rootIndex && f.find(idx) != root {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}
