package ledger

import (
	"context"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
)

func (s *Store) AddSubscription(ctx context.Context, sub orders.Subscription) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO subscriptions (entitlement_uuid, requester_id, plan_key, order_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (entitlement_uuid) DO NOTHING
	`, sub.EntitlementUUID, sub.RequesterID, sub.PlanKey, sub.OrderID, sub.CreatedAt)
	return err
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]orders.Subscription, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT entitlement_uuid, requester_id, plan_key, order_id, created_at,
			COALESCE(last_reminder_at, 'epoch'::timestamptz)
		FROM subscriptions ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []orders.Subscription{}
	for rows.Next() {
		var sub orders.Subscription
		if err := rows.Scan(&sub.EntitlementUUID, &sub.RequesterID, &sub.PlanKey, &sub.OrderID, &sub.CreatedAt, &sub.LastReminderAt); err != nil {
			return nil, err
		}
		if sub.LastReminderAt.Unix() == 0 {
			sub.LastReminderAt = time.Time{}
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) MarkReminded(ctx context.Context, entitlementUUID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE subscriptions SET last_reminder_at=$2 WHERE entitlement_uuid=$1`, entitlementUUID, at)
	return err
}

func (s *Store) DeleteSubscription(ctx context.Context, entitlementUUID string) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM subscriptions WHERE entitlement_uuid=$1`, entitlementUUID)
	return err
}
