package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules holds the node-class sets of the auto-rules.
type Rules struct {
	FalseImportance []string `yaml:"node_false_importance"`
	TrueImportance  []string `yaml:"node_true_importance"`
	IfValueNotFalse []string `yaml:"node_if_value_not_false"`
	FalseSingleNode []string `yaml:"false_single_node"`
}

// DefaultRules returns the built-in class sets.
func DefaultRules() Rules {
	return Rules{
		FalseImportance: []string{"Date", "Doctor", "Organization", "Recommendation", "Procedure"},
		TrueImportance:  []string{"Complaint", "Symptom"},
		IfValueNotFalse: []string{"Parameter", "Measurement", "LabResult"},
		FalseSingleNode: []string{"Anamnesis", "Organ", "Section"},
	}
}

// LoadRules reads a YAML file over the defaults. Sets absent from the file
// keep their default members.
func LoadRules(path string) (Rules, error) {
	r := DefaultRules()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("reading rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parsing rules %s: %w", path, err)
	}
	return r, nil
}

type classSet map[string]struct{}

func newClassSet(classes []string) classSet {
	s := make(classSet, len(classes))
	for _, c := range classes {
		s[c] = struct{}{}
	}
	return s
}

func (s classSet) has(class string) bool {
	_, ok := s[class]
	return ok
}

type compiledRules struct {
	falseImportance classSet
	trueImportance  classSet
	ifValueNotFalse classSet
	falseSingleNode classSet
}

func (r Rules) compile() compiledRules {
	return compiledRules{
		falseImportance: newClassSet(r.FalseImportance),
		trueImportance:  newClassSet(r.TrueImportance),
		ifValueNotFalse: newClassSet(r.IfValueNotFalse),
		falseSingleNode: newClassSet(r.FalseSingleNode),
	}
}
