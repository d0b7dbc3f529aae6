package orders

import (
	"strings"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/plans"
)

// TrafficPolicy decides how a renewal under a periodic reset strategy treats
// the allowance that is still unused.
type TrafficPolicy string

const (
	TrafficReplace     TrafficPolicy = "replace"
	TrafficCarryUnused TrafficPolicy = "carry_unused"
)

func ParseTrafficPolicy(raw string) TrafficPolicy {
	switch TrafficPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case TrafficCarryUnused:
		return TrafficCarryUnused
	default:
		return TrafficReplace
	}
}

// RenewExpiry stacks days on a still-running entitlement; lapsed ones restart from now.
func RenewExpiry(now, current time.Time, days int) time.Time {
	add := time.Duration(days) * 24 * time.Hour
	if !current.IsZero() && current.After(now) {
		return current.Add(add)
	}
	return now.Add(add)
}

// RenewTraffic computes the new traffic limit in bytes.
func RenewTraffic(strategy string, policy TrafficPolicy, currentLimit, used, planBytes int64) int64 {
	if plans.NormalizeStrategy(strategy) == plans.StrategyNoReset {
		return currentLimit + planBytes
	}
	if policy == TrafficCarryUnused {
		unused := currentLimit - used
		if unused < 0 {
			unused = 0
		}
		return planBytes + unused
	}
	return planBytes
}
