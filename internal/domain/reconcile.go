package domain

import "time"

// MismatchKind classifies a reconciliation finding.
type MismatchKind string

const (
	MismatchDiverged MismatchKind = "diverged" // known locally, disagrees with venue
	MismatchOrphaned MismatchKind = "orphaned" // on the venue, unknown locally
)

// FieldDiff is one disagreeing field of a matched order.
type FieldDiff struct {
	Field string `json:"field"`
	Local string `json:"local"`
	Venue string `json:"venue"`
}

// StateMismatch records divergence between local and venue state for one
// order.
type StateMismatch struct {
	ID            string       `json:"id"`
	Kind          MismatchKind `json:"kind"`
	Venue         Venue        `json:"venue"`
	Symbol        string       `json:"symbol"`
	ClientOrderID string       `json:"client_order_id"`
	Fields        []FieldDiff  `json:"fields,omitempty"`
	DetectedAt    time.Time    `json:"detected_at"`
}

// ReconciliationEventType names a reconciler lifecycle or finding event.
type ReconciliationEventType string

const (
	EventCycleStarted     ReconciliationEventType = "cycle_started"
	EventCycleCompleted   ReconciliationEventType = "cycle_completed"
	EventCycleSkipped     ReconciliationEventType = "cycle_skipped"
	EventVenueQueryFailed ReconciliationEventType = "venue_query_failed"
	EventMismatch         ReconciliationEventType = "mismatch_detected"
	EventOrphan           ReconciliationEventType = "orphan_detected"
	EventOrderCorrected   ReconciliationEventType = "order_corrected"
	EventOrphanCancelled  ReconciliationEventType = "orphan_cancelled"
	EventCorrectionFailed ReconciliationEventType = "correction_failed"
	EventStrategyFrozen   ReconciliationEventType = "strategy_frozen"
	EventStrategyResumed  ReconciliationEventType = "strategy_resumed"
)

// ReconciliationEvent is one append-only audit record.
type ReconciliationEvent struct {
	ID        string                  `json:"id"`
	Type      ReconciliationEventType `json:"type"`
	Cycle     uint64                  `json:"cycle"`
	Venue     Venue                   `json:"venue,omitempty"`
	Message   string                  `json:"message"`
	Mismatch  *StateMismatch          `json:"mismatch,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}
