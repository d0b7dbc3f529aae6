package orders

import (
	"errors"
)

const (
	Pending   = "pending"
	Approved  = "approved"
	Rejected  = "rejected"
	Delivered = "delivered"
	Failed    = "failed"
)

var (
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrAlreadyClaimed    = errors.New("order is already being processed")
	ErrNotFound          = errors.New("order not found")
	ErrStateChanged      = errors.New("order state changed concurrently")
	ErrNotOwner          = errors.New("order belongs to another requester")
)

type Event string

const (
	EventClaim   Event = "CLAIM"
	EventDeliver Event = "DELIVER"
	EventFail    Event = "FAIL"
	EventRetry   Event = "RETRY"
	EventReject  Event = "REJECT"
)

// CanTransition reports whether the ledger may move an order from one status to another.
// Rejected -> rejected is accepted so a repeated reject reports success.
func CanTransition(from, to string) bool {
	switch from {
	case Pending:
		return to == Approved || to == Rejected
	case Approved:
		return to == Delivered || to == Failed || to == Rejected
	case Failed:
		return to == Approved
	case Rejected:
		return to == Rejected
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventClaim:
		if from != Pending {
			return from, ErrInvalidTransition
		}
		return Transition(from, Approved)
	case EventDeliver:
		return Transition(from, Delivered)
	case EventFail:
		return Transition(from, Failed)
	case EventRetry:
		if from != Failed {
			return from, ErrInvalidTransition
		}
		return Transition(from, Approved)
	case EventReject:
		return Transition(from, Rejected)
	default:
		return from, ErrInvalidTransition
	}
}

// SourcesFor lists the statuses an event may start from. Used as the
// expected-status guard of a conditional ledger update.
func SourcesFor(event Event) []string {
	switch event {
	case EventClaim:
		return []string{Pending}
	case EventDeliver, EventFail:
		return []string{Approved}
	case EventRetry:
		return []string{Failed}
	case EventReject:
		return []string{Pending, Approved}
	default:
		return nil
	}
}

func IsTerminal(status string) bool {
	switch status {
	case Delivered, Rejected:
		return true
	default:
		return false
	}
}

// OpenStatuses are the statuses whose correlation fields may still change.
func OpenStatuses() []string {
	return []string{Pending, Approved, Failed}
}

func ValidStatus(status string) bool {
	switch status {
	case Pending, Approved, Rejected, Delivered, Failed:
		return true
	default:
		return false
	}
}
