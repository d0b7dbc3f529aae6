package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
	"github.com/ike666888/RemnaShop-Pro/pkg/metrics"
	"github.com/ike666888/RemnaShop-Pro/pkg/notify"
	"github.com/ike666888/RemnaShop-Pro/pkg/panel"
)

var ErrEmptySubject = errors.New("subject id is required")

// StatusSetter is the slice of the panel gateway the responder needs.
type StatusSetter interface {
	SetStatus(ctx context.Context, uuid, status string) error
}

// Responder applies graduated actions for incidents and records every
// decision as an anomaly event.
type Responder struct {
	Panel    StatusSetter
	Events   EventLog
	Sets     SubjectSets
	Notify   notify.Sink
	Settings func() Settings
	Now      func() time.Time
}

// Outcome describes what Respond did for one incident.
type Outcome struct {
	Event  Event
	Action Action
	// RemoteErr is set when the panel call failed; the event is still written.
	RemoteErr error
}

func (r *Responder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Responder) settings() Settings {
	if r.Settings != nil {
		return r.Settings()
	}
	return DefaultSettings()
}

func (r *Responder) Respond(ctx context.Context, inc anomaly.Incident) (Outcome, error) {
	if strings.TrimSpace(inc.Subject) == "" {
		return Outcome{}, ErrEmptySubject
	}
	s := r.settings()
	level, action := Decide(inc.Score, s.LowScore, s.HighScore)
	now := r.now()

	var remoteErr error
	switch action {
	case ActionDisable:
		if s.Mode == ModeEnforce {
			remoteErr = r.Panel.SetStatus(ctx, inc.Subject, panel.StatusDisabled)
			if remoteErr == nil {
				r.setsErr("remove candidate", inc.Subject, r.Sets.RemoveCandidate(ctx, inc.Subject))
			}
		} else {
			r.setsErr("watch", inc.Subject, r.Sets.AddWatch(ctx, inc.Subject))
		}
	case ActionRateLimit:
		if s.Mode == ModeEnforce {
			remoteErr = r.Panel.SetStatus(ctx, inc.Subject, panel.StatusLimited)
			if remoteErr == nil {
				r.setsErr("add candidate", inc.Subject, r.Sets.AddCandidate(ctx, inc.Subject, now))
			}
		} else {
			r.setsErr("watch", inc.Subject, r.Sets.AddWatch(ctx, inc.Subject))
		}
	default:
		r.setsErr("watch", inc.Subject, r.Sets.AddWatch(ctx, inc.Subject))
	}

	ev := Event{
		SubjectID:   inc.Subject,
		Level:       level,
		Score:       inc.Score,
		IPCount:     inc.IPCount,
		UADiversity: inc.UADiversity,
		Density:     inc.Density,
		ActionTaken: actionLabel(action, s.Mode, remoteErr),
		Evidence:    inc.Evidence,
		CreatedAt:   now,
	}
	out := Outcome{Event: ev, Action: action, RemoteErr: remoteErr}
	id, err := r.Events.Append(ctx, ev)
	if err != nil {
		return out, fmt.Errorf("append anomaly event: %w", err)
	}
	out.Event.ID = id
	metrics.IncIncident(string(level), ev.ActionTaken)
	log.Printf("risk: incident subject=%s level=%s score=%d action=%s", inc.Subject, level, inc.Score, ev.ActionTaken)

	detail := ""
	if remoteErr != nil {
		detail = remoteErr.Error()
	}
	r.emit(ctx, notify.Notification{
		Kind:      notify.KindRiskIncident,
		Audience:  notify.AudienceOperator,
		SubjectID: inc.Subject,
		Level:     string(level),
		Detail:    detail,
		Fields: map[string]any{
			"score":        inc.Score,
			"ip_count":     inc.IPCount,
			"ua_diversity": inc.UADiversity,
			"density":      inc.Density,
			"action_taken": ev.ActionTaken,
			"evidence":     inc.Evidence,
		},
		Actions: []notify.Action{
			{Tag: "whitelist", Ref: inc.Subject, Label: "Whitelist"},
			{Tag: "unfreeze", Ref: inc.Subject, Label: "Unfreeze"},
		},
		At: now,
	})
	if remoteErr != nil {
		return out, fmt.Errorf("%s subject %s: %w", action, inc.Subject, remoteErr)
	}
	return out, nil
}

// Whitelist exempts a subject from future incidents and drops it from the
// watchlist. Remote status is left alone.
func (r *Responder) Whitelist(ctx context.Context, subject, actor string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ErrEmptySubject
	}
	if err := r.Sets.AddWhitelist(ctx, subject); err != nil {
		return err
	}
	r.setsErr("unwatch", subject, r.Sets.RemoveWatch(ctx, subject))
	log.Printf("risk: whitelisted subject=%s actor=%s", subject, actor)
	r.emit(ctx, notify.Notification{
		Kind:      notify.KindRiskWhitelisted,
		Audience:  notify.AudienceOperator,
		SubjectID: subject,
		Fields:    map[string]any{"actor": actor},
	})
	return nil
}

// ForceUnfreeze restores a subject immediately on operator request.
func (r *Responder) ForceUnfreeze(ctx context.Context, subject, actor string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ErrEmptySubject
	}
	if err := r.Panel.SetStatus(ctx, subject, panel.StatusActive); err != nil {
		metrics.UnfreezeTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("unfreeze subject %s: %w", subject, err)
	}
	metrics.UnfreezeTotal.WithLabelValues("forced").Inc()
	r.setsErr("remove candidate", subject, r.Sets.RemoveCandidate(ctx, subject))
	log.Printf("risk: force unfreeze subject=%s actor=%s", subject, actor)
	r.emit(ctx, notify.Notification{
		Kind:      notify.KindRiskUnfrozen,
		Audience:  notify.AudienceOperator,
		SubjectID: subject,
		Detail:    "forced",
		Fields:    map[string]any{"actor": actor},
	})
	return nil
}

type SweepReport struct {
	Unfrozen []string `json:"unfrozen"`
	Failed   []string `json:"failed"`
}

// SweepUnfreeze reactivates rate-limited subjects whose limit is older than
// the configured window. Failed subjects stay candidates for the next sweep.
func (r *Responder) SweepUnfreeze(ctx context.Context) (SweepReport, error) {
	s := r.settings()
	cutoff := r.now().Add(-time.Duration(s.AutoUnfreezeHours) * time.Hour)
	candidates, err := r.Sets.CandidatesBefore(ctx, cutoff)
	if err != nil {
		return SweepReport{}, err
	}
	var (
		mu     sync.Mutex
		report = SweepReport{Unfrozen: []string{}, Failed: []string{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(s.Concurrency))
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			err := r.Panel.SetStatus(gctx, c.SubjectID, panel.StatusActive)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				metrics.UnfreezeTotal.WithLabelValues("failed").Inc()
				log.Printf("risk: auto unfreeze failed subject=%s err=%v", c.SubjectID, err)
				report.Failed = append(report.Failed, c.SubjectID)
				return nil
			}
			metrics.UnfreezeTotal.WithLabelValues("auto").Inc()
			r.setsErr("remove candidate", c.SubjectID, r.Sets.RemoveCandidate(gctx, c.SubjectID))
			log.Printf("risk: auto unfreeze subject=%s limited_at=%s", c.SubjectID, c.LimitedAt.Format(time.RFC3339))
			report.Unfrozen = append(report.Unfrozen, c.SubjectID)
			return nil
		})
	}
	_ = g.Wait()
	for _, subject := range report.Unfrozen {
		r.emit(ctx, notify.Notification{
			Kind:      notify.KindRiskUnfrozen,
			Audience:  notify.AudienceOperator,
			SubjectID: subject,
			Detail:    "auto",
		})
	}
	return report, nil
}

func (r *Responder) setsErr(op, subject string, err error) {
	if err != nil {
		log.Printf("risk: subject set %s failed subject=%s err=%v", op, subject, err)
	}
}

func (r *Responder) emit(ctx context.Context, n notify.Notification) {
	if r.Notify == nil {
		return
	}
	if n.At.IsZero() {
		n.At = r.now()
	}
	if err := r.Notify.Notify(ctx, n); err != nil {
		log.Printf("risk: notify failed kind=%s subject=%s err=%v", n.Kind, n.SubjectID, err)
	}
}

func concurrency(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}
