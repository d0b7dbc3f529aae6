package notify

import (
	"context"
	"errors"
	"time"
)

type Audience string

const (
	AudienceOperator  Audience = "operator"
	AudienceRequester Audience = "requester"
)

const (
	KindOrderSubmitted  = "order.submitted"
	KindPaymentAttached = "order.payment_attached"
	KindOrderDelivered  = "order.delivered"
	KindOrderFailed     = "order.failed"
	KindOrderRejected   = "order.rejected"
	KindStateConflict   = "order.state_conflict"
	KindRiskIncident    = "risk.incident"
	KindRiskUnfrozen    = "risk.unfrozen"
	KindRiskWhitelisted = "risk.whitelisted"
	KindExpiryReminder  = "expiry.reminder"
	KindExpiryCleanup   = "expiry.cleanup"
	KindBulkCompleted   = "bulk.completed"
)

// Action is a quick action attached to a notification. The front end turns
// it into a callback token.
type Action struct {
	Tag   string `json:"tag"`
	Ref   string `json:"ref"`
	Label string `json:"label"`
}

type Notification struct {
	Kind        string         `json:"kind"`
	Audience    Audience       `json:"audience"`
	RecipientID string         `json:"recipient_id,omitempty"`
	OrderID     string         `json:"order_id,omitempty"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Level       string         `json:"level,omitempty"`
	Category    string         `json:"category,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Actions     []Action       `json:"actions,omitempty"`
	At          time.Time      `json:"at"`
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops notifications.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) error { return nil }
