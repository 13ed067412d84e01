package feature

// EdgeKey is the tuple that identifies feature edges for an update. Several
// edges may share one key; an update applies to all of them.
type EdgeKey struct {
	ChildClass  string
	ChildName   string
	ParentClass string
	ParentName  string
	Chain       string
	Value       string
	ProtocolID  int64
	PatientID   int64
}

// QuoteConflict returns the first textual component containing both quote
// kinds. Such keys are skipped rather than written.
func (k EdgeKey) QuoteConflict() (string, bool) {
	for _, s := range []string{k.ChildClass, k.ChildName, k.ParentClass, k.ParentName, k.Chain, k.Value} {
		if HasQuoteConflict(s) {
			return s, true
		}
	}
	return "", false
}

// Row is one feature edge loaded into memory for marking.
type Row struct {
	EdgeID         string
	ChildID        string
	ParentID       string
	Index          int
	Name           string
	Class          string
	ParentName     string
	ParentClass    string
	Chain          string
	Value          string
	Attention      *Attention // nil until marked
	Score          *float64
	ProtocolID     int64
	PatientID      int64
	ParentNotFound bool
	Diseases       []string
}

// Key returns the identifying tuple of the row's edge.
func (r Row) Key() EdgeKey {
	return EdgeKey{
		ChildClass:  r.Class,
		ChildName:   r.Name,
		ParentClass: r.ParentClass,
		ParentName:  r.ParentName,
		Chain:       r.Chain,
		Value:       r.Value,
		ProtocolID:  r.ProtocolID,
		PatientID:   r.PatientID,
	}
}

// SharesDisease reports whether r and other have at least one diagnosis in common.
func (r Row) SharesDisease(other Row) bool {
	if len(r.Diseases) == 0 || len(other.Diseases) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(r.Diseases))
	for _, d := range r.Diseases {
		set[d] = struct{}{}
	}
	for _, d := range other.Diseases {
		if _, ok := set[d]; ok {
			return true
		}
	}
	return false
}

// NodeRef names a feature node by class and name.
type NodeRef struct {
	Class string
	Name  string
}
