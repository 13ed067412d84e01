package classify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dizel0110/ITMO-sub000/internal/feature"
	"github.com/dizel0110/ITMO-sub000/internal/scorer"
)

// fakeScorer returns a fixed distance per (name, value) and remembers the
// last query.
type fakeScorer struct {
	distances map[[2]string]float64
	fail      bool
	last      [2]string
	calls     int
}

func (f *fakeScorer) Score(_ context.Context, name, value string) scorer.Match {
	f.calls++
	f.last = [2]string{name, value}
	if value == "" {
		return scorer.Match{Empty: true}
	}
	if f.fail {
		return scorer.Match{Distance: scorer.ScoreForErrors, Err: errors.New("index down")}
	}
	d, ok := f.distances[f.last]
	if !ok {
		d = 1
	}
	return scorer.Match{SymptomID: "S1", Distance: d}
}

func newClassifier(t *testing.T, s Scorer) *Classifier {
	t.Helper()
	c, err := New(DefaultRules(), feature.Chains{}, s, Boundaries{Positive: DefaultPositiveBoundary, Negative: DefaultNegativeBoundary})
	require.NoError(t, err)
	return c
}

func TestClassify_AutoRules(t *testing.T) {
	fs := &fakeScorer{}
	c := newClassifier(t, fs)
	ctx := context.Background()

	tests := []struct {
		name  string
		chain string
		class string
		value string
		want  feature.Attention
		rule  string
	}{
		{"false importance wins over value", "visit$iamb$date", "Date", "2024-01-01", feature.False, RuleFalseImportance},
		{"value not false without value", "blood$iamb$hb", "Parameter", "-", feature.False, RuleIfValueNotFalse},
		{"true importance", "complaint$iamb$pain", "Complaint", "", feature.True, RuleTrueImportance},
		{"false single node", "liver", "Organ", "", feature.False, RuleFalseSingleNode},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := c.Classify(ctx, tc.chain, tc.class, tc.value)
			assert.Equal(t, tc.want, v.Attention)
			assert.Equal(t, tc.rule, v.Rule)
			assert.Nil(t, v.Score, "auto-rules never set a score")
		})
	}
	assert.Zero(t, fs.calls, "auto-rules do not consult the scorer")
}

func TestClassify_ValueBearingSkipsRules(t *testing.T) {
	fs := &fakeScorer{distances: map[[2]string]float64{{"blood", "hb 95"}: 0.2}}
	c := newClassifier(t, fs)

	v := c.Classify(context.Background(), "blood$iamb$hb", "Parameter", "95")
	assert.Equal(t, feature.True, v.Attention)
	require.NotNil(t, v.Score)
	assert.Equal(t, 0.2, *v.Score)

	v = c.Classify(context.Background(), "liver", "Organ", "enlarged")
	assert.Equal(t, RuleDistance, v.Rule, "single node with a value goes to the scorer")
}

func TestClassify_Bands(t *testing.T) {
	fs := &fakeScorer{distances: map[[2]string]float64{
		{"", "temperature 37.2"}: 0.30,
		{"", "pulse 80"}:         0.40,
		{"", "weight 70"}:        0.60,
		{"", "height 180"}:       0.36,
		{"", "bmi 24"}:           0.48,
	}}
	c := newClassifier(t, fs)
	ctx := context.Background()

	tests := []struct {
		chain, value string
		want         feature.Attention
	}{
		{"temperature", "37.2", feature.True},
		{"pulse", "80", feature.None},
		{"weight", "70", feature.False},
		{"height", "180", feature.None},
		{"bmi", "24", feature.None},
	}
	for _, tc := range tests {
		t.Run(tc.chain, func(t *testing.T) {
			v := c.Classify(ctx, tc.chain, "Vital", tc.value)
			assert.Equal(t, tc.want, v.Attention)
			require.NotNil(t, v.Score)
		})
	}

	require.NoError(t, c.SetBoundaries(Boundaries{Positive: 0.45, Negative: 0.5}))
	assert.Equal(t, feature.True, c.Classify(ctx, "pulse", "Vital", "80").Attention)
	assert.Error(t, c.SetBoundaries(Boundaries{Positive: 0.6, Negative: 0.5}))
	assert.Equal(t, 0.45, c.Boundaries().Positive, "rejected bands are not applied")
}

func TestClassify_SentinelIsNone(t *testing.T) {
	c := newClassifier(t, &fakeScorer{fail: true})
	v := c.Classify(context.Background(), "temperature", "Vital", "37.2")
	assert.Equal(t, feature.None, v.Attention)
	require.NotNil(t, v.Score)
	assert.Equal(t, scorer.ScoreForErrors, *v.Score)
	assert.Error(t, v.Err)
}

func TestClassify_Synthesis(t *testing.T) {
	fs := &fakeScorer{}
	c := newClassifier(t, fs)
	ctx := context.Background()

	c.Classify(ctx, "liver$iamb$size$iamb$increased", "Finding", "(moderately)")
	assert.Equal(t, [2]string{"liver", "size increased moderately"}, fs.last)

	c.Classify(ctx, "temperature", "Vital", "37.2")
	assert.Equal(t, [2]string{"", "temperature 37.2"}, fs.last)

	c.Classify(ctx, "cough", "Finding", "")
	assert.Equal(t, [2]string{"", "cough"}, fs.last)
}

func TestLoadRules(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), r)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_true_importance: [Pain]\n"), 0o644))
	r, err = LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Pain"}, r.TrueImportance)
	assert.Equal(t, DefaultRules().FalseImportance, r.FalseImportance)

	_, err = LoadRules(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}

func TestClassify_Pure(t *testing.T) {
	fs := &fakeScorer{distances: map[[2]string]float64{}}
	c := newClassifier(t, fs)
	ctx := context.Background()

	classes := append(append([]string{}, DefaultRules().FalseImportance...), "Vital", "Finding", "Complaint", "Organ", "Parameter")

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs give the same verdict", prop.ForAll(
		func(segments []string, classIdx int, value string) bool {
			chain := feature.Chains{}.Join(segments...)
			class := classes[classIdx%len(classes)]
			a := c.Classify(ctx, chain, class, value)
			b := c.Classify(ctx, chain, class, value)
			if a.Attention != b.Attention || a.Rule != b.Rule {
				return false
			}
			if (a.Score == nil) != (b.Score == nil) {
				return false
			}
			return a.Score == nil || *a.Score == *b.Score
		},
		gen.SliceOfN(3, gen.AlphaString()),
		gen.IntRange(0, 100),
		gen.AnyString(),
	))

	properties.Property("auto-rule verdicts carry no score", prop.ForAll(
		func(classIdx int, value string) bool {
			v, ok := c.ApplyRules("x", classes[classIdx%len(classes)], value)
			return !ok || v.Score == nil
		},
		gen.IntRange(0, 100),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
