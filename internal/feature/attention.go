// Package feature holds the vocabulary shared by every marking stage:
// attention labels, the protocol rollup rule, chains and feature rows.
package feature

import "fmt"

// Attention is the ternary importance label stored on a feature edge.
// The numeric values are persisted and must not change.
type Attention int

const (
	False Attention = 0
	True  Attention = 1
	None  Attention = 2
)

func (a Attention) String() string {
	switch a {
	case False:
		return "FALSE"
	case True:
		return "TRUE"
	case None:
		return "NONE"
	default:
		return fmt.Sprintf("Attention(%d)", int(a))
	}
}

// Valid reports whether a is one of the three allowed labels.
func (a Attention) Valid() bool {
	return a == False || a == True || a == None
}

// ParseAttention parses the string form produced by String.
func ParseAttention(s string) (Attention, error) {
	switch s {
	case "FALSE":
		return False, nil
	case "TRUE":
		return True, nil
	case "NONE":
		return None, nil
	}
	return False, fmt.Errorf("unknown attention %q", s)
}

// Required is the protocol-level attention_required value.
type Required string

const (
	RequiredNoneFirst    Required = "NONE_FIRST" // never rolled up
	RequiredFalse        Required = "FALSE"
	RequiredTrue         Required = "TRUE"
	RequiredNone         Required = "NONE"
	RequiredTrueWithNone Required = "TRUE_WITH_NONE"
)

// AttentionSet is the set of attentions seen on a protocol's edges.
type AttentionSet map[Attention]struct{}

// NewAttentionSet builds a set from the given labels.
func NewAttentionSet(as ...Attention) AttentionSet {
	s := make(AttentionSet, len(as))
	for _, a := range as {
		s.Add(a)
	}
	return s
}

func (s AttentionSet) Add(a Attention) { s[a] = struct{}{} }

func (s AttentionSet) Has(a Attention) bool {
	_, ok := s[a]
	return ok
}

// Rollup maps the attentions seen on a protocol to attention_required:
// TRUE and NONE together give TRUE_WITH_NONE, then TRUE, then NONE, else FALSE.
func Rollup(seen AttentionSet) Required {
	hasTrue, hasNone := seen.Has(True), seen.Has(None)
	switch {
	case hasTrue && hasNone:
		return RequiredTrueWithNone
	case hasTrue:
		return RequiredTrue
	case hasNone:
		return RequiredNone
	default:
		return RequiredFalse
	}
}

// Collapse reduces the verdicts gathered for one candidate to a single
// attention. TRUE beats NONE beats FALSE; no verdicts at all means NONE.
func Collapse(markers AttentionSet) Attention {
	switch {
	case markers.Has(True):
		return True
	case markers.Has(None) || len(markers) == 0:
		return None
	default:
		return False
	}
}
