// Package render turns structured results into plain text for chat front
// ends. It holds no business rules.
package render

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
	"github.com/ike666888/RemnaShop-Pro/pkg/notify"
	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
	"github.com/ike666888/RemnaShop-Pro/pkg/risk"
	"github.com/ike666888/RemnaShop-Pro/pkg/router"
)

const timeLayout = "2006-01-02 15:04 UTC"

// Button is a quick action ready for a chat keyboard.
type Button struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

type Message struct {
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Buttons drops actions that cannot be encoded as tokens.
func Buttons(actions []notify.Action) []Button {
	out := make([]Button, 0, len(actions))
	for _, a := range actions {
		token := router.Token(a)
		if token == "" {
			log.Printf("render: dropped unencodable action tag=%s ref=%s", a.Tag, a.Ref)
			continue
		}
		out = append(out, Button{Label: a.Label, Token: token})
	}
	return out
}

// OrderResult renders a machine result for the operator.
func OrderResult(res orders.Result) string {
	o := res.Order
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s\n", o.OrderID)
	fmt.Fprintf(&b, "Status: %s", o.Status)
	if res.NoOp {
		b.WriteString(" (unchanged)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Plan: %s (%s)\n", o.PlanKey, o.Kind)
	if o.TargetRef != "" {
		fmt.Fprintf(&b, "Target: %s\n", o.TargetRef)
	}
	if o.PaymentProof != "" {
		fmt.Fprintf(&b, "Payment: %s\n", o.PaymentProof)
	}
	if o.DeliveredRef != "" {
		fmt.Fprintf(&b, "Entitlement: %s\n", o.DeliveredRef)
	}
	if !res.ExpireAt.IsZero() {
		fmt.Fprintf(&b, "Expires: %s\n", res.ExpireAt.UTC().Format(timeLayout))
	}
	if res.Traffic > 0 {
		fmt.Fprintf(&b, "Traffic: %s\n", Bytes(res.Traffic))
	}
	if res.AccessURL != "" {
		fmt.Fprintf(&b, "Access: %s\n", res.AccessURL)
	}
	if o.ErrorCategory != orders.CategoryNone {
		fmt.Fprintf(&b, "Failure: %s: %s\n", o.ErrorCategory, o.ErrorDetail)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RequesterFailure is the generic text shown to requesters; details stay
// with operators.
func RequesterFailure(cat orders.Category) string {
	switch cat {
	case orders.CategoryNetwork, orders.CategoryUpstream:
		return "The service is temporarily unavailable. An operator has been notified."
	case orders.CategoryBusinessValidation:
		return "Your order could not be completed. An operator will contact you."
	default:
		return "Something went wrong. An operator has been notified."
	}
}

func Event(ev risk.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Anomaly %s risk for %s\n", strings.ToUpper(string(ev.Level)), ev.SubjectID)
	fmt.Fprintf(&b, "Score %d = ip %d, ua %d, density %d\n", ev.Score, ev.IPCount, ev.UADiversity, ev.Density)
	fmt.Fprintf(&b, "Action: %s\n", ev.ActionTaken)
	b.WriteString(Evidence(ev.Evidence))
	return strings.TrimRight(b.String(), "\n")
}

func Evidence(rows []anomaly.Evidence) string {
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "  %s  %s  %s\n", r.At.UTC().Format(time.RFC3339), r.Address, r.Signature)
	}
	return b.String()
}

// Notification renders any notification with its quick actions.
func Notification(n notify.Notification) Message {
	var b strings.Builder
	switch n.Kind {
	case notify.KindOrderSubmitted:
		fmt.Fprintf(&b, "New order %s", n.OrderID)
	case notify.KindPaymentAttached:
		fmt.Fprintf(&b, "Payment proof received for order %s", n.OrderID)
	case notify.KindOrderDelivered:
		fmt.Fprintf(&b, "Order %s delivered", n.OrderID)
	case notify.KindOrderFailed:
		if n.Audience == notify.AudienceRequester {
			b.WriteString(RequesterFailure(orders.Category(n.Category)))
		} else {
			fmt.Fprintf(&b, "Order %s failed: %s", n.OrderID, n.Category)
		}
	case notify.KindOrderRejected:
		fmt.Fprintf(&b, "Order %s rejected", n.OrderID)
	case notify.KindStateConflict:
		fmt.Fprintf(&b, "Order %s was provisioned but its status changed concurrently", n.OrderID)
	case notify.KindRiskIncident:
		fmt.Fprintf(&b, "Anomaly %s risk for %s", strings.ToUpper(n.Level), n.SubjectID)
	case notify.KindRiskUnfrozen:
		fmt.Fprintf(&b, "Subject %s unfrozen", n.SubjectID)
	case notify.KindRiskWhitelisted:
		fmt.Fprintf(&b, "Subject %s whitelisted", n.SubjectID)
	case notify.KindExpiryReminder:
		fmt.Fprintf(&b, "Your subscription expires in %v days", n.Fields["days_left"])
	case notify.KindExpiryCleanup:
		b.WriteString("Your expired subscription was removed")
	case notify.KindBulkCompleted:
		fmt.Fprintf(&b, "Bulk %v finished", n.Fields["action"])
	default:
		b.WriteString(n.Kind)
	}
	if n.Detail != "" && n.Audience == notify.AudienceOperator {
		fmt.Fprintf(&b, "\n%s", n.Detail)
	}
	b.WriteString(fields(n.Fields))
	return Message{Text: b.String(), Buttons: Buttons(n.Actions)}
}

func fields(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "evidence" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, m[k])
	}
	if ev, ok := m["evidence"].([]anomaly.Evidence); ok && len(ev) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(Evidence(ev), "\n"))
	}
	return b.String()
}

// Bytes formats a byte count in binary units.
func Bytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
