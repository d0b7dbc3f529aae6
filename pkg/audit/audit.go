package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	ActionSubmit           = "submit"
	ActionReuse            = "reuse_pending"
	ActionPaymentProof     = "payment_proof"
	ActionOperatorMessage  = "operator_message"
	ActionClaim            = "claim"
	ActionDeliver          = "deliver"
	ActionFail             = "fail"
	ActionReject           = "reject"
	ActionCancel           = "cancel"
	ActionRetry            = "retry"
	ActionStateConflict    = "provisioned_state_conflict"
	ActionTransitionDenied = "transition_denied"
)

var ErrMissingOrder = errors.New("audit entry requires order id")

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends write-once rows to order_audit_logs.
type Writer struct {
	DB auditDB
	// Redact scrubs credentials out of details before they are stored.
	Redact bool
}

type Entry struct {
	OrderID   string    `json:"order_id"`
	Action    string    `json:"action"`
	ActorID   string    `json:"actor_id"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.OrderID) == "" {
		return ErrMissingOrder
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	detail := truncateDetail(e.Detail)
	if w.Redact {
		detail = redactDetail(detail)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO order_audit_logs (order_id, action, actor_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, e.OrderID, e.Action, e.ActorID, detail, e.CreatedAt)
	return err
}

// ListByOrder returns the trail oldest first.
func (w *Writer) ListByOrder(ctx context.Context, orderID string) ([]Entry, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT order_id, action, actor_id, detail, created_at
		FROM order_audit_logs WHERE order_id=$1 ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.OrderID, &e.Action, &e.ActorID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
