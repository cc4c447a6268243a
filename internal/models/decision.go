package models

// DecisionState is the per-entity state reached by a resolution pass.
type DecisionState string

const (
	StateUnseen     DecisionState = "unseen"
	StatePending    DecisionState = "pending"
	StateApplied    DecisionState = "applied"
	StateSuppressed DecisionState = "suppressed"
	StateSkipped    DecisionState = "skipped"
	StateFailed     DecisionState = "failed"
)

const (
	ReasonApply          = "apply"
	ReasonConfirmBC      = "confirm_bc"
	ReasonBCNewer        = "bc_newer"
	ReasonAlreadyApplied = "already_applied"
	ReasonDryRun         = "dry_run"
	ReasonRecordLocked   = "record_locked"
	ReasonNotLinked      = "not_linked"
	ReasonSourceDeleted  = "source_deleted"
	ReasonETagConflict   = "etag_conflict"
	ReasonError          = "error"
)

// SyncDecision is produced by the resolver; it never mutates state by itself.
type SyncDecision struct {
	RequestID string        `json:"requestId"`
	DryRun    bool          `json:"dryRun"`
	PreferBC  bool          `json:"preferBc"`
	GraceMs   int64         `json:"graceMs"`
	Winner    Source        `json:"winner"`
	Reason    string        `json:"reason"`
	State     DecisionState `json:"state"`
	Event     ChangeEvent   `json:"event"`
}

// Actionable reports whether the executor should act on the decision.
func (d SyncDecision) Actionable() bool {
	return !d.DryRun && d.State == StatePending && d.Winner != SourceNone
}
