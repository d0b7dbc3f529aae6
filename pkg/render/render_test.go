package render

import (
	"strings"
	"testing"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
	"github.com/ike666888/RemnaShop-Pro/pkg/notify"
	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
	"github.com/ike666888/RemnaShop-Pro/pkg/risk"
)

func TestOrderResult(t *testing.T) {
	text := OrderResult(orders.Result{
		Order: orders.Order{
			OrderID: "o-1", Status: orders.Delivered, PlanKey: "m1", Kind: orders.KindNew,
			PaymentProof: "abcd****wxyz", DeliveredRef: "ent-1",
		},
		ExpireAt:  time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Traffic:   100 << 30,
		AccessURL: "https://sub.example/ent-1",
	})
	for _, want := range []string{"Order o-1", "Status: delivered", "Payment: abcd****wxyz", "Expires: 2026-04-01 00:00 UTC", "Traffic: 100.00 GiB", "Access: https://sub.example/ent-1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
	failed := OrderResult(orders.Result{NoOp: true, Order: orders.Order{OrderID: "o-2", Status: orders.Failed, ErrorCategory: orders.CategoryUpstream, ErrorDetail: "502"}})
	if !strings.Contains(failed, "(unchanged)") || !strings.Contains(failed, "Failure: upstream: 502") {
		t.Fatalf("unexpected failure rendering:\n%s", failed)
	}
}

func TestRequesterFailureHidesDetail(t *testing.T) {
	msg := Notification(notify.Notification{
		Kind: notify.KindOrderFailed, Audience: notify.AudienceRequester,
		Category: string(orders.CategoryNetwork), Detail: "dial tcp 10.0.0.5:443: refused",
	})
	if strings.Contains(msg.Text, "10.0.0.5") || !strings.Contains(msg.Text, "temporarily unavailable") {
		t.Fatalf("requester text leaks detail: %q", msg.Text)
	}
	op := Notification(notify.Notification{
		Kind: notify.KindOrderFailed, Audience: notify.AudienceOperator, OrderID: "o-1",
		Category: string(orders.CategoryNetwork), Detail: "dial tcp 10.0.0.5:443: refused",
		Actions: []notify.Action{{Tag: "retry", Ref: "o-1", Label: "Retry"}},
	})
	if !strings.Contains(op.Text, "10.0.0.5") || len(op.Buttons) != 1 || op.Buttons[0].Token != "retry:o-1" {
		t.Fatalf("unexpected operator message %+v", op)
	}
}

func TestIncidentNotification(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := Notification(notify.Notification{
		Kind: notify.KindRiskIncident, Audience: notify.AudienceOperator, SubjectID: "u-1", Level: "high",
		Fields: map[string]any{"score": 131, "evidence": []anomaly.Evidence{{At: at, Address: "10.0.0.1", Signature: "-"}}},
		Actions: []notify.Action{
			{Tag: "whitelist", Ref: "u-1", Label: "Whitelist"},
			{Tag: "unfreeze", Ref: "u-1", Label: "Unfreeze"},
			{Tag: "bogus", Ref: "u-1", Label: "Ignored"},
		},
	})
	if !strings.Contains(msg.Text, "HIGH") || !strings.Contains(msg.Text, "score: 131") || !strings.Contains(msg.Text, "2026-03-01T12:00:00Z  10.0.0.1  -") {
		t.Fatalf("unexpected incident text:\n%s", msg.Text)
	}
	if len(msg.Buttons) != 2 {
		t.Fatalf("expected two encodable buttons got=%+v", msg.Buttons)
	}
}

func TestEvent(t *testing.T) {
	text := Event(risk.Event{SubjectID: "u-1", Level: risk.LevelLow, Score: 71, IPCount: 30, UADiversity: 5, Density: 20, ActionTaken: "alert_only"})
	if !strings.Contains(text, "Score 71 = ip 30, ua 5, density 20") || !strings.Contains(text, "Action: alert_only") {
		t.Fatalf("unexpected event text:\n%s", text)
	}
}

func TestBytes(t *testing.T) {
	cases := map[int64]string{512: "512 B", 1536: "1.50 KiB", 1 << 30: "1.00 GiB"}
	for in, want := range cases {
		if got := Bytes(in); got != want {
			t.Fatalf("Bytes(%d)=%q want %q", in, got, want)
		}
	}
}
