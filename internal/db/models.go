package db

import "github.com/dizel0110/ITMO-sub000/internal/feature"

// Protocol represents a row in the protocols table
type Protocol struct {
	ID                   int64            `json:"id"`
	PatientID            int64            `json:"patient_id"`
	UserID               int64            `json:"user_id"`
	LoadedAt             *int64           `json:"loaded_at"`      // Unix millis
	ClassifiedAt         *int64           `json:"classified_at"`  // Unix millis, doubles as the claim
	ReprocessedAt        *int64           `json:"reprocessed_at"` // Unix millis
	UnmarkedFeaturesLeft bool             `json:"unmarked_features_left"`
	AttentionsChanged    bool             `json:"attentions_changed"`
	MarkedWithErrors     bool             `json:"marked_with_errors"`
	MarkingLog           string           `json:"marking_log"`
	AttentionRequired    feature.Required `json:"attention_required"`
}

// Patient represents a row in the patients table
type Patient struct {
	ID                         int64  `json:"id"`
	AdditionalMarkedWithErrors bool   `json:"additional_marked_with_errors"`
	MarkingLog                 string `json:"marking_log"`
	ReprocessedAt              *int64 `json:"reprocessed_at"` // Unix millis
}

// Node represents a row in the feature_nodes table
type Node struct {
	ID         string `json:"id"`
	ProtocolID int64  `json:"protocol_id"`
	PatientID  int64  `json:"patient_id"`
	Index      int    `json:"index"` // -1 for the protocol root
	Class      string `json:"class"`
	Name       string `json:"name"`
}

// Edge represents a row in the feature_edges table
type Edge struct {
	ID             string   `json:"id"`
	ChildID        string   `json:"child_id"`
	ParentID       string   `json:"parent_id"`
	ProtocolID     int64    `json:"protocol_id"`
	PatientID      int64    `json:"patient_id"`
	Chain          string   `json:"chain"`
	Value          string   `json:"value"`
	Attention      *int     `json:"attention"`
	Score          *float64 `json:"score"`
	ParentNotFound bool     `json:"parent_not_found"`
	CreatedByNeuro int      `json:"created_by_neuro"`
	UpdatedAt      int64    `json:"updated_at"` // Unix millis
}

// ProtocolMarking is the protocol-level outcome persisted after a marking pass.
type ProtocolMarking struct {
	Required             feature.Required
	UnmarkedFeaturesLeft bool
	AttentionsChanged    bool
	MarkedWithErrors     bool
	MarkingLog           string
}

// StatusCounts summarises the marking backlog.
type StatusCounts struct {
	Pending          int                      `json:"pending"`
	Claimed          int                      `json:"claimed"`
	NotLoaded        int                      `json:"not_loaded"`
	ByRequired       map[feature.Required]int `json:"by_attention_required"`
	PatientsToRedo   int                      `json:"patients_to_reprocess"`
	ProtocolsWithErr int                      `json:"protocols_with_errors"`
}
