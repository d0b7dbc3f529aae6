// Package expiry reminds requesters before their entitlement lapses and
// removes entitlements that stayed expired past the grace period.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ike666888/RemnaShop-Pro/pkg/metrics"
	"github.com/ike666888/RemnaShop-Pro/pkg/notify"
	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
	"github.com/ike666888/RemnaShop-Pro/pkg/panel"
	"github.com/ike666888/RemnaShop-Pro/pkg/store"
)

const DefaultCooldown = 20 * time.Hour

var ErrInvalidSettings = errors.New("invalid expiry settings")

type subscriptionStore interface {
	ListSubscriptions(ctx context.Context) ([]orders.Subscription, error)
	MarkReminded(ctx context.Context, entitlementUUID string, at time.Time) error
	DeleteSubscription(ctx context.Context, entitlementUUID string) error
}

type entitlements interface {
	GetEntitlement(ctx context.Context, uuid string) (*panel.Profile, error)
	DeleteEntitlement(ctx context.Context, uuid string) error
}

type Settings struct {
	NotifyDays  int
	CleanupDays int
	Cooldown    time.Duration
	Concurrency int
}

func DefaultSettings() Settings {
	return Settings{NotifyDays: 3, CleanupDays: 7, Cooldown: DefaultCooldown, Concurrency: 4}
}

func (s Settings) Validate() error {
	if s.NotifyDays < 0 || s.CleanupDays < 0 {
		return fmt.Errorf("%w: day counts must not be negative", ErrInvalidSettings)
	}
	return nil
}

// Sweeper runs one pass over all recorded subscriptions.
type Sweeper struct {
	Subs     subscriptionStore
	Panel    entitlements
	Notify   notify.Sink
	Settings func() Settings
	Now      func() time.Time

	// Cache guards reminders across replicas; optional.
	Cache store.Cache
}

type Report struct {
	Checked  int `json:"checked"`
	Reminded int `json:"reminded"`
	Cleaned  int `json:"cleaned"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// DaysLeft counts whole days until expiry, rounding toward the past so an
// entitlement that expired an hour ago has -1 days left.
func DaysLeft(expireAt, now time.Time) int {
	d := expireAt.Sub(now)
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	settings := DefaultSettings()
	if s.Settings != nil {
		settings = s.Settings()
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = DefaultCooldown
	}
	subs, err := s.Subs.ListSubscriptions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list subscriptions: %w", err)
	}
	now := s.now()
	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := settings.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			outcome, err := s.check(gctx, sub, settings, now)
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case err != nil:
				report.Failed++
				log.Printf("expiry: check failed entitlement=%s err=%v", sub.EntitlementUUID, err)
			case outcome == outcomeReminded:
				report.Reminded++
			case outcome == outcomeCleaned:
				report.Cleaned++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Printf("expiry: sweep done checked=%d reminded=%d cleaned=%d failed=%d",
		report.Checked, report.Reminded, report.Cleaned, report.Failed)
	return report, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeReminded
	outcomeCleaned
)

func (s *Sweeper) check(ctx context.Context, sub orders.Subscription, settings Settings, now time.Time) (outcome, error) {
	profile, err := s.Panel.GetEntitlement(ctx, sub.EntitlementUUID)
	if err != nil {
		return outcomeNone, err
	}
	if profile == nil {
		return outcomeNone, nil
	}
	expireAt := profile.Expiry()
	if expireAt.IsZero() {
		return outcomeNone, nil
	}
	days := DaysLeft(expireAt, now)
	switch {
	case days >= 0 && days <= settings.NotifyDays:
		return s.remind(ctx, sub, days, expireAt, settings, now)
	case days < -settings.CleanupDays:
		return s.cleanup(ctx, sub, days, settings)
	}
	return outcomeNone, nil
}

func (s *Sweeper) remind(ctx context.Context, sub orders.Subscription, days int, expireAt time.Time, settings Settings, now time.Time) (outcome, error) {
	if !sub.LastReminderAt.IsZero() && now.Sub(sub.LastReminderAt) < settings.Cooldown {
		return outcomeNone, nil
	}
	if s.Cache != nil {
		ok, err := s.Cache.SetNX(ctx, "expiry:remind:"+sub.EntitlementUUID, now.Format(time.RFC3339), settings.Cooldown)
		if err != nil {
			return outcomeNone, err
		}
		if !ok {
			return outcomeNone, nil
		}
	}
	if err := s.Subs.MarkReminded(ctx, sub.EntitlementUUID, now); err != nil {
		return outcomeNone, err
	}
	metrics.ExpiryActionsTotal.WithLabelValues("reminder").Inc()
	s.emit(ctx, notify.Notification{
		Kind:        notify.KindExpiryReminder,
		Audience:    notify.AudienceRequester,
		RecipientID: sub.RequesterID,
		SubjectID:   sub.EntitlementUUID,
		Fields:      map[string]any{"days_left": days, "expire_at": panel.FormatExpiry(expireAt), "plan_key": sub.PlanKey},
		Actions:     []notify.Action{{Tag: "submit", Ref: sub.PlanKey + "@" + sub.EntitlementUUID, Label: "Renew"}},
		At:          now,
	})
	return outcomeReminded, nil
}

// cleanup keeps the subscription row when the panel delete fails so the next
// sweep tries again.
func (s *Sweeper) cleanup(ctx context.Context, sub orders.Subscription, days int, settings Settings) (outcome, error) {
	if err := s.Panel.DeleteEntitlement(ctx, sub.EntitlementUUID); err != nil {
		return outcomeNone, err
	}
	if err := s.Subs.DeleteSubscription(ctx, sub.EntitlementUUID); err != nil {
		return outcomeNone, err
	}
	metrics.ExpiryActionsTotal.WithLabelValues("cleanup").Inc()
	log.Printf("expiry: cleaned entitlement=%s requester=%s days_left=%d", sub.EntitlementUUID, sub.RequesterID, days)
	s.emit(ctx, notify.Notification{
		Kind:        notify.KindExpiryCleanup,
		Audience:    notify.AudienceRequester,
		RecipientID: sub.RequesterID,
		SubjectID:   sub.EntitlementUUID,
		Fields:      map[string]any{"cleanup_days": settings.CleanupDays},
	})
	return outcomeCleaned, nil
}

func (s *Sweeper) emit(ctx context.Context, n notify.Notification) {
	if s.Notify == nil {
		return
	}
	if n.At.IsZero() {
		n.At = s.now()
	}
	if err := s.Notify.Notify(ctx, n); err != nil {
		log.Printf("expiry: notify failed kind=%s entitlement=%s err=%v", n.Kind, n.SubjectID, err)
	}
}
