package enums

type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusFailed    PurchaseStatus = "failed"
	PurchaseStatusCancelled PurchaseStatus = "cancelled"
	PurchaseStatusTimedOut  PurchaseStatus = "timed_out"
)

// IsTerminal reports whether no further automatic transition is possible
// without an explicit retry.
func (s PurchaseStatus) IsTerminal() bool {
	switch s {
	case PurchaseStatusCompleted, PurchaseStatusFailed, PurchaseStatusCancelled, PurchaseStatusTimedOut:
		return true
	default:
		return false
	}
}

// Retryable reports whether a purchase in this status may be pushed to the
// gateway again under a fresh gateway reference.
func (s PurchaseStatus) Retryable() bool {
	return s == PurchaseStatusFailed || s == PurchaseStatusTimedOut
}
