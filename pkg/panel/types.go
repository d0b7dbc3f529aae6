package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StatusActive   = "ACTIVE"
	StatusDisabled = "DISABLED"
	StatusLimited  = "LIMITED"
)

// Kind classifies a failed panel call.
type Kind string

const (
	KindNetwork  Kind = "network"
	KindUpstream Kind = "upstream"
	KindBusiness Kind = "business_validation"
)

type Error struct {
	Kind   Kind
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("panel %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("panel %s: %s: status=%d body=%s", e.Op, e.Kind, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the panel error kind, or "" when err did not come from the panel.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Profile is the remote entitlement record.
type Profile struct {
	UUID                 string `json:"uuid"`
	Username             string `json:"username"`
	Status               string `json:"status"`
	ExpireAt             string `json:"expireAt"`
	TrafficLimitBytes    int64  `json:"trafficLimitBytes"`
	UsedTrafficBytes     int64  `json:"usedTrafficBytes"`
	TrafficLimitStrategy string `json:"trafficLimitStrategy"`
	SubscriptionURL      string `json:"subscriptionUrl"`
}

// Expiry parses ExpireAt; an unparsable value yields the zero time.
func (p Profile) Expiry() time.Time {
	return ParseExpiry(p.ExpireAt)
}

func ParseExpiry(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	trimmed := strings.TrimSuffix(strings.SplitN(raw, ".", 2)[0], "Z")
	if t, err := time.Parse("2006-01-02T15:04:05", trimmed); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func FormatExpiry(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

type CreateRequest struct {
	Username             string         `json:"username"`
	Status               string         `json:"status"`
	TrafficLimitBytes    int64          `json:"trafficLimitBytes"`
	TrafficLimitStrategy string         `json:"trafficLimitStrategy"`
	ExpireAt             string         `json:"expireAt"`
	ActiveInternalSquads []string       `json:"activeInternalSquads,omitempty"`
	Proxies              map[string]any `json:"proxies"`
}

// PatchRequest carries absolute values only, which keeps repeated sends harmless.
type PatchRequest struct {
	UUID                 string   `json:"uuid"`
	Status               string   `json:"status,omitempty"`
	TrafficLimitBytes    *int64   `json:"trafficLimitBytes,omitempty"`
	TrafficLimitStrategy string   `json:"trafficLimitStrategy,omitempty"`
	ExpireAt             string   `json:"expireAt,omitempty"`
	ActiveInternalSquads []string `json:"activeInternalSquads,omitempty"`
}

// extractPayload unwraps the panel's {"response": ...} or {"data": ...} envelope.
func extractPayload(body []byte) json.RawMessage {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if v, ok := env["response"]; ok {
		return v
	}
	if v, ok := env["data"]; ok {
		return v
	}
	return body
}
