// Package bulk applies one operator action to many entitlements at once.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/notify"
	"github.com/ike666888/RemnaShop-Pro/pkg/panel"
)

const DefaultChunkSize = 500

type Action string

const (
	ActionReset   Action = "reset"
	ActionDelete  Action = "delete"
	ActionDisable Action = "disable"
	ActionEnable  Action = "enable"
	ActionExpire  Action = "expire"
	ActionTraffic Action = "traffic"
)

var (
	ErrUnknownAction = errors.New("unknown bulk action")
	ErrNoUUIDs       = errors.New("no valid uuids")
	ErrInvalidValue  = errors.New("invalid bulk value")
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F-]{32,36}$`)

var separators = regexp.MustCompile(`[\s,;]+`)

// ParseUUIDs extracts uuid-looking tokens, dropping case-insensitive repeats
// and keeping first-seen order.
func ParseUUIDs(text string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, item := range separators.Split(strings.TrimSpace(text), -1) {
		if item == "" || !uuidPattern.MatchString(item) {
			continue
		}
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func Chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

type Request struct {
	Action    Action   `json:"action"`
	UUIDs     []string `json:"uuids"`
	Days      int      `json:"days,omitempty"`
	TrafficGB float64  `json:"traffic_gb,omitempty"`
	ActorID   string   `json:"actor_id,omitempty"`
}

// ParseText reads the operator text form: for expire and traffic the first
// line holds the value and the rest the uuid list.
func ParseText(action Action, text string) (Request, error) {
	req := Request{Action: action}
	body := text
	switch action {
	case ActionExpire, ActionTraffic:
		lines := strings.Split(strings.TrimSpace(text), "\n")
		if len(lines) < 2 {
			return Request{}, fmt.Errorf("%w: first line value then uuids", ErrInvalidValue)
		}
		first := strings.TrimSpace(lines[0])
		body = strings.Join(lines[1:], "\n")
		if action == ActionExpire {
			days, err := strconv.Atoi(first)
			if err != nil {
				return Request{}, fmt.Errorf("%w: days %q", ErrInvalidValue, first)
			}
			req.Days = days
		} else {
			gb, err := strconv.ParseFloat(first, 64)
			if err != nil {
				return Request{}, fmt.Errorf("%w: traffic %q", ErrInvalidValue, first)
			}
			req.TrafficGB = gb
		}
	}
	req.UUIDs = ParseUUIDs(body)
	return req, req.Validate()
}

func (r Request) Validate() error {
	switch r.Action {
	case ActionReset, ActionDelete, ActionDisable, ActionEnable:
	case ActionExpire:
		if r.Days <= 0 {
			return fmt.Errorf("%w: days must be positive", ErrInvalidValue)
		}
	case ActionTraffic:
		if r.TrafficGB <= 0 {
			return fmt.Errorf("%w: traffic must be positive", ErrInvalidValue)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
	}
	if len(r.UUIDs) == 0 {
		return ErrNoUUIDs
	}
	return nil
}

type bulkGateway interface {
	BulkUpdate(ctx context.Context, uuids []string, fields map[string]any) error
	BulkResetTraffic(ctx context.Context, uuids []string) error
	BulkDelete(ctx context.Context, uuids []string) error
}

type Runner struct {
	Panel     bulkGateway
	Notify    notify.Sink
	ChunkSize int
	Now       func() time.Time
}

type Report struct {
	Action Action   `json:"action"`
	OK     int      `json:"ok"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// Run sends one panel call per chunk. A failed chunk counts every uuid in it
// as failed and the run moves on to the next chunk.
func (r *Runner) Run(ctx context.Context, req Request) (Report, error) {
	req.UUIDs = dedupe(req.UUIDs)
	if err := req.Validate(); err != nil {
		return Report{}, err
	}
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}
	report := Report{Action: req.Action}
	for _, batch := range Chunk(req.UUIDs, r.ChunkSize) {
		if err := ctx.Err(); err != nil {
			report.Failed += len(batch)
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		if err := r.apply(ctx, req, batch, now); err != nil {
			report.Failed += len(batch)
			report.Errors = append(report.Errors, err.Error())
			log.Printf("bulk: chunk failed action=%s size=%d err=%v", req.Action, len(batch), err)
			continue
		}
		report.OK += len(batch)
	}
	log.Printf("bulk: done action=%s ok=%d failed=%d actor=%s", req.Action, report.OK, report.Failed, req.ActorID)
	if r.Notify != nil {
		err := r.Notify.Notify(ctx, notify.Notification{
			Kind:     notify.KindBulkCompleted,
			Audience: notify.AudienceOperator,
			Fields:   map[string]any{"action": string(req.Action), "ok": report.OK, "failed": report.Failed, "actor": req.ActorID},
			At:       now,
		})
		if err != nil {
			log.Printf("bulk: notify failed err=%v", err)
		}
	}
	return report, nil
}

func (r *Runner) apply(ctx context.Context, req Request, batch []string, now time.Time) error {
	switch req.Action {
	case ActionReset:
		return r.Panel.BulkResetTraffic(ctx, batch)
	case ActionDelete:
		return r.Panel.BulkDelete(ctx, batch)
	case ActionDisable:
		return r.Panel.BulkUpdate(ctx, batch, map[string]any{"status": panel.StatusDisabled})
	case ActionEnable:
		return r.Panel.BulkUpdate(ctx, batch, map[string]any{"status": panel.StatusActive})
	case ActionExpire:
		expireAt := now.Add(time.Duration(req.Days) * 24 * time.Hour)
		return r.Panel.BulkUpdate(ctx, batch, map[string]any{"expireAt": panel.FormatExpiry(expireAt)})
	case ActionTraffic:
		return r.Panel.BulkUpdate(ctx, batch, map[string]any{"trafficLimitBytes": int64(req.TrafficGB * 1024 * 1024 * 1024)})
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
}

func dedupe(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	seen := map[string]struct{}{}
	for _, u := range uuids {
		u = strings.TrimSpace(u)
		key := strings.ToLower(u)
		if u == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}
	return out
}
