// Package classify decides the attention of a single feature.
package classify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dizel0110/ITMO-sub000/internal/feature"
	"github.com/dizel0110/ITMO-sub000/internal/scorer"
)

// Default distance boundaries.
const (
	DefaultPositiveBoundary = 0.36
	DefaultNegativeBoundary = 0.48
)

// Rule names reported in verdicts.
const (
	RuleFalseImportance = "NODE_FALSE_IMPORTANCE"
	RuleIfValueNotFalse = "NODE_IF_VALUE_NOT_FALSE"
	RuleTrueImportance  = "NODE_TRUE_IMPORTANCE"
	RuleFalseSingleNode = "FALSE_SINGLE_NODE"
	RuleEmptyValue      = "EMPTY_VALUE"
	RuleDistance        = "DISTANCE"
)

// Scorer is the semantic lookup the classifier falls back to.
type Scorer interface {
	Score(ctx context.Context, name, value string) scorer.Match
}

// Verdict is the classification of one feature.
type Verdict struct {
	Attention feature.Attention
	Score     *float64 // nil for auto-rules
	Rule      string
	SymptomID string
	Err       error // lookup failure behind a sentinel score
}

// Boundaries are the distance limits of the TRUE and FALSE bands.
type Boundaries struct {
	Positive float64
	Negative float64
}

// Validate rejects inverted bands.
func (b Boundaries) Validate() error {
	if b.Positive > b.Negative {
		return fmt.Errorf("positive boundary %.3f above negative boundary %.3f", b.Positive, b.Negative)
	}
	return nil
}

// Classifier runs the auto-rule cascade and the distance bands.
type Classifier struct {
	rules      compiledRules
	chains     feature.Chains
	scorer     Scorer
	boundaries atomic.Pointer[Boundaries]
}

// New creates a Classifier.
func New(rules Rules, chains feature.Chains, s Scorer, b Boundaries) (*Classifier, error) {
	c := &Classifier{rules: rules.compile(), chains: chains, scorer: s}
	if err := c.SetBoundaries(b); err != nil {
		return nil, err
	}
	return c, nil
}

// SetBoundaries replaces the distance bands for subsequent calls.
func (c *Classifier) SetBoundaries(b Boundaries) error {
	if err := b.Validate(); err != nil {
		return err
	}
	c.boundaries.Store(&b)
	return nil
}

// Boundaries returns the bands currently in use.
func (c *Classifier) Boundaries() Boundaries {
	return *c.boundaries.Load()
}

// ApplyRules runs the class-based auto-rules only. ok is false when none
// of them decides the feature.
func (c *Classifier) ApplyRules(chain, class, value string) (Verdict, bool) {
	switch {
	case c.rules.falseImportance.has(class):
		return Verdict{Attention: feature.False, Rule: RuleFalseImportance}, true
	case c.rules.ifValueNotFalse.has(class) && !feature.HasAlnum(value):
		return Verdict{Attention: feature.False, Rule: RuleIfValueNotFalse}, true
	case c.rules.trueImportance.has(class):
		return Verdict{Attention: feature.True, Rule: RuleTrueImportance}, true
	case !c.chains.IsNested(chain) && c.rules.falseSingleNode.has(class) && !feature.HasAlnum(value):
		return Verdict{Attention: feature.False, Rule: RuleFalseSingleNode}, true
	}
	return Verdict{}, false
}

// Classify decides the attention of a feature from its chain, node class
// and value.
func (c *Classifier) Classify(ctx context.Context, chain, class, value string) Verdict {
	if v, ok := c.ApplyRules(chain, class, value); ok {
		return v
	}

	name, query := Synthesize(c.chains, chain, value)
	m := c.scorer.Score(ctx, name, query)
	if m.Empty {
		return Verdict{Attention: feature.False, Rule: RuleEmptyValue}
	}
	d := m.Distance
	v := Verdict{Score: &d, Rule: RuleDistance, SymptomID: m.SymptomID, Err: m.Err}
	if m.Sentinel() {
		v.Attention = feature.None
		return v
	}

	b := c.Boundaries()
	switch {
	case d < b.Positive:
		v.Attention = feature.True
	case d > b.Negative:
		v.Attention = feature.False
	default:
		v.Attention = feature.None
	}
	return v
}

// Synthesize builds the (name, value) pair looked up for a feature: the
// first chain segment, then the remaining segments followed by the value
// with brackets stripped. A singleton chain moves into the value.
func Synthesize(chains feature.Chains, chain, value string) (string, string) {
	segments := chains.Split(chain)
	value = feature.StripBrackets(value)
	if len(segments) == 0 {
		return "", value
	}
	if len(segments) == 1 {
		return "", strings.TrimSpace(segments[0] + " " + value)
	}
	return segments[0], strings.TrimSpace(strings.Join(segments[1:], " ") + " " + value)
}
