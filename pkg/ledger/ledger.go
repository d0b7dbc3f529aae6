package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const orderColumns = `order_id, requester_id, plan_key, kind, target_ref, status, payment_proof,
	request_msg_ref, waiting_msg_ref, operator_msg_ref, delivered_ref, error_category, error_detail,
	created_at, updated_at`

// Store keeps orders and subscriptions in Postgres. Status changes are
// conditional updates; a zero row count means another writer got there first.
type Store struct {
	DB ledgerDB
}

var _ orders.Ledger = (*Store)(nil)

// CreateOrReusePending serializes submits per requester with a transaction
// scoped advisory lock, so two concurrent submits cannot both insert.
func (s *Store) CreateOrReusePending(ctx context.Context, o orders.Order) (orders.Order, bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return orders.Order{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "order:"+o.RequesterID); err != nil {
		return orders.Order{}, false, err
	}
	existing, err := scanOrder(tx.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE requester_id=$1 AND status=$2
		ORDER BY created_at DESC LIMIT 1
	`, o.RequesterID, orders.Pending))
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return orders.Order{}, false, err
		}
		return existing, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return orders.Order{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, o.OrderID, o.RequesterID, o.PlanKey, string(o.Kind), o.TargetRef, o.Status, o.PaymentProof,
		o.RequestMsgRef, o.WaitingMsgRef, o.OperatorMsgRef, o.DeliveredRef, string(o.ErrorCategory), o.ErrorDetail,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return orders.Order{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return orders.Order{}, false, err
	}
	return o, true, nil
}

func (s *Store) Get(ctx context.Context, orderID string) (orders.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, err
}

func (s *Store) CompareAndSet(ctx context.Context, orderID string, from []string, u orders.Update) (bool, error) {
	if len(from) == 0 {
		return false, orders.ErrInvalidTransition
	}
	for _, f := range from {
		if !orders.CanTransition(f, u.To) {
			return false, orders.ErrInvalidTransition
		}
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	cmd, err := s.DB.Exec(ctx, `
		UPDATE orders
		SET status=$2, error_category=$3, error_detail=$4,
			delivered_ref=COALESCE(NULLIF($5, ''), delivered_ref), updated_at=$6
		WHERE order_id=$1 AND status = ANY($7)
	`, orderID, u.To, string(u.ErrorCategory), u.ErrorDetail, u.DeliveredRef, at, from)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (s *Store) AttachPaymentProof(ctx context.Context, orderID, masked, waitingRef string, at time.Time) (bool, error) {
	cmd, err := s.DB.Exec(ctx, `
		UPDATE orders SET payment_proof=$2, waiting_msg_ref=$3, updated_at=$4
		WHERE order_id=$1 AND status=$5
	`, orderID, masked, waitingRef, at, orders.Pending)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// AttachOperatorMessage leaves delivered and rejected rows untouched.
func (s *Store) AttachOperatorMessage(ctx context.Context, orderID, ref string, at time.Time) (bool, error) {
	cmd, err := s.DB.Exec(ctx, `
		UPDATE orders SET operator_msg_ref=$2, updated_at=$3
		WHERE order_id=$1 AND status = ANY($4)
	`, orderID, ref, at, orders.OpenStatuses())
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

// List returns newest orders first; Before pages by created_at.
func (s *Store) List(ctx context.Context, f orders.Filter) ([]orders.Order, error) {
	where := []string{"TRUE"}
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(clause, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.Status != "" {
		add("status=?", f.Status)
	}
	if f.RequesterID != "" {
		add("requester_id=?", f.RequesterID)
	}
	if !f.Before.IsZero() {
		add("created_at<?", f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := s.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+strings.Join(where, " AND ")+
		` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []orders.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	var kind, category string
	err := row.Scan(&o.OrderID, &o.RequesterID, &o.PlanKey, &kind, &o.TargetRef, &o.Status, &o.PaymentProof,
		&o.RequestMsgRef, &o.WaitingMsgRef, &o.OperatorMsgRef, &o.DeliveredRef, &category, &o.ErrorDetail,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return orders.Order{}, err
	}
	o.Kind = orders.Kind(kind)
	o.ErrorCategory = orders.Category(category)
	return o, nil
}
