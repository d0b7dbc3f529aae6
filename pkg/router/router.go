// Package router dispatches callback tokens to exactly one order or risk
// operation. Tokens are "<tag>:<ref>" and carry the full identifier.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ike666888/RemnaShop-Pro/pkg/notify"
	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
	"github.com/ike666888/RemnaShop-Pro/pkg/ratelimit"
)

type Tag string

const (
	TagSubmit    Tag = "submit"
	TagClaim     Tag = "claim"
	TagApprove   Tag = "approve"
	TagDeliver   Tag = "deliver"
	TagReject    Tag = "reject"
	TagRetry     Tag = "retry"
	TagCancel    Tag = "cancel"
	TagWhitelist Tag = "whitelist"
	TagUnfreeze  Tag = "unfreeze"
)

// tags maps every known tag to whether it needs an operator.
var tags = map[Tag]bool{
	TagSubmit:    false,
	TagCancel:    false,
	TagClaim:     true,
	TagApprove:   true,
	TagDeliver:   true,
	TagReject:    true,
	TagRetry:     true,
	TagWhitelist: true,
	TagUnfreeze:  true,
}

var (
	ErrMalformedToken = errors.New("malformed callback token")
	ErrUnknownTag     = errors.New("unknown callback tag")
	ErrForbidden      = errors.New("operator action")
)

// MaxTokenBytes bounds tokens to what chat callback payloads accept.
const MaxTokenBytes = 64

func Encode(tag Tag, ref string) (string, error) {
	if _, ok := tags[tag]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("%w: empty ref", ErrMalformedToken)
	}
	token := string(tag) + ":" + ref
	if len(token) > MaxTokenBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformedToken, len(token))
	}
	return token, nil
}

// Token encodes a notification quick action, or "" when it cannot be encoded.
func Token(a notify.Action) string {
	token, err := Encode(Tag(a.Tag), a.Ref)
	if err != nil {
		return ""
	}
	return token
}

func Decode(token string) (Tag, string, error) {
	tag, ref, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok || strings.TrimSpace(ref) == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedToken, token)
	}
	if _, known := tags[Tag(tag)]; !known {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return Tag(tag), ref, nil
}

// SubmitRef is the ref of a submit token: a plan key optionally followed by
// "@" and the entitlement to renew.
func SubmitRef(planKey, target string) string {
	if target == "" {
		return planKey
	}
	return planKey + "@" + target
}

func parseSubmitRef(ref string) (planKey string, kind orders.Kind, target string) {
	planKey, target, renew := strings.Cut(ref, "@")
	if renew && target != "" {
		return planKey, orders.KindRenew, target
	}
	return planKey, orders.KindNew, orders.NoTarget
}

type OrderMachine interface {
	Submit(ctx context.Context, requesterID, planKey string, kind orders.Kind, targetRef, requestMsgRef string) (orders.Result, error)
	Claim(ctx context.Context, orderID, actorID string) (orders.Result, error)
	Approve(ctx context.Context, orderID, actorID string) (orders.Result, error)
	Deliver(ctx context.Context, orderID, actorID string) (orders.Result, error)
	Reject(ctx context.Context, orderID, actorID, reason string) (orders.Result, error)
	RetryAndDeliver(ctx context.Context, orderID, actorID string) (orders.Result, error)
	Cancel(ctx context.Context, orderID, requesterID string) (orders.Result, error)
}

type RiskActions interface {
	Whitelist(ctx context.Context, subject, actorID string) error
	ForceUnfreeze(ctx context.Context, subject, actorID string) error
}

type Caller struct {
	ID       string
	Operator bool
	// MessageRef correlates a submit with the chat message that triggered it.
	MessageRef string
}

type Outcome struct {
	Tag     Tag            `json:"tag"`
	Ref     string         `json:"ref"`
	Order   *orders.Result `json:"order,omitempty"`
	Subject string         `json:"subject,omitempty"`
}

type Router struct {
	Orders   OrderMachine
	Risk     RiskActions
	Cooldown *ratelimit.Cooldown
}

func (r *Router) Dispatch(ctx context.Context, caller Caller, token string) (Outcome, error) {
	tag, ref, err := Decode(token)
	if err != nil {
		return Outcome{}, err
	}
	if tags[tag] && !caller.Operator {
		return Outcome{}, fmt.Errorf("%w: %s", ErrForbidden, tag)
	}
	if err := r.Cooldown.Check(ctx, caller.cooldownKey()); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Tag: tag, Ref: ref}
	var res orders.Result
	switch tag {
	case TagSubmit:
		planKey, kind, target := parseSubmitRef(ref)
		res, err = r.Orders.Submit(ctx, caller.ID, planKey, kind, target, caller.MessageRef)
	case TagClaim:
		res, err = r.Orders.Claim(ctx, ref, caller.ID)
	case TagApprove:
		res, err = r.Orders.Approve(ctx, ref, caller.ID)
	case TagDeliver:
		res, err = r.Orders.Deliver(ctx, ref, caller.ID)
	case TagReject:
		res, err = r.Orders.Reject(ctx, ref, caller.ID, "rejected by operator")
	case TagRetry:
		res, err = r.Orders.RetryAndDeliver(ctx, ref, caller.ID)
	case TagCancel:
		res, err = r.Orders.Cancel(ctx, ref, caller.ID)
	case TagWhitelist:
		out.Subject = ref
		return out, r.Risk.Whitelist(ctx, ref, caller.ID)
	case TagUnfreeze:
		out.Subject = ref
		return out, r.Risk.ForceUnfreeze(ctx, ref, caller.ID)
	}
	if res.Order.OrderID != "" {
		out.Order = &res
	}
	return out, err
}

// cooldownKey exempts operators by returning no key.
func (c Caller) cooldownKey() string {
	if c.Operator {
		return ""
	}
	return c.ID
}
