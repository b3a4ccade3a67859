package domain

// Event is a lifecycle event applied to a subscription.
type Event string

const (
	EventApprove       Event = "approve"
	EventReject        Event = "reject"
	EventCancel        Event = "cancel"
	EventExpire        Event = "expire"
	EventRenewalReject Event = "renewal-reject"
)

// IsValid reports whether the event is a known lifecycle event.
func (e Event) IsValid() bool {
	switch e {
	case EventApprove, EventReject, EventCancel, EventExpire, EventRenewalReject:
		return true
	default:
		return false
	}
}

type transitionKey struct {
	From  Status
	Event Event
}

// transitions is the single source of truth for legal lifecycle moves.
// Terminal states have no entries, so every event from them is rejected.
var transitions = map[transitionKey]Status{
	{StatusPending, EventApprove}:      StatusActive,
	{StatusPending, EventReject}:       StatusRejected,
	{StatusActive, EventCancel}:        StatusCancelled,
	{StatusActive, EventExpire}:        StatusExpired,
	{StatusActive, EventRenewalReject}: StatusCancelled,
}

// NextStatus returns the target status for (from, event), or false when the
// transition is not in the table.
func NextStatus(from Status, event Event) (Status, bool) {
	to, ok := transitions[transitionKey{From: from, Event: event}]
	return to, ok
}

// Events returns all lifecycle events, for exhaustive checks.
func Events() []Event {
	return []Event{EventApprove, EventReject, EventCancel, EventExpire, EventRenewalReject}
}
