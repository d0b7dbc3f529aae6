package ratelimit

import (
	"context"
	"errors"
	"time"
)

const DefaultCooldown = 2 * time.Second

var ErrCoolingDown = errors.New("action cooldown in effect")

// Cooldown allows one action per requester per window. Exempt callers
// (operators) are never throttled.
type Cooldown struct {
	Limiter Limiter
	Exempt  func(actorID string) bool
}

func (c *Cooldown) Check(ctx context.Context, actorID string) error {
	if c == nil || c.Limiter == nil || actorID == "" {
		return nil
	}
	if c.Exempt != nil && c.Exempt(actorID) {
		return nil
	}
	if d := c.Limiter.Allow(ctx, "actor:"+actorID, 1); !d.Allowed {
		return ErrCoolingDown
	}
	return nil
}
