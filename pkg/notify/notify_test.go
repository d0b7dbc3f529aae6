package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type recordSink struct {
	got []Notification
	err error
}

func (r *recordSink) Notify(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestMultiDeliversToAllSinksAndJoinsErrors(t *testing.T) {
	a := &recordSink{}
	b := &recordSink{err: errors.New("sink b down")}
	c := &recordSink{}
	err := Multi{a, nil, b, c}.Notify(context.Background(), Notification{Kind: KindOrderDelivered, OrderID: "o-1"})
	if err == nil || err.Error() != "sink b down" {
		t.Fatalf("expected joined error got=%v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 || len(c.got) != 1 {
		t.Fatalf("every sink must receive the notification a=%d b=%d c=%d", len(a.got), len(b.got), len(c.got))
	}
	if a.got[0].At.IsZero() {
		t.Fatal("expected timestamp to be stamped")
	}
}

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	if err := h.Notify(context.Background(), Notification{Kind: KindRiskIncident}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case n := <-ch:
		if n.Kind != KindRiskIncident {
			t.Fatalf("unexpected kind %q", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
	h.Publish(Notification{Kind: "a"})
	h.Publish(Notification{Kind: "b"})
	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	n, ok := <-ch
	if !ok || n.Kind != "a" {
		t.Fatalf("expected buffered first event then drop got=%+v ok=%v", n, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherEncodesNotification(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, timeout: time.Second}
	n := Notification{Kind: KindRiskIncident, Audience: AudienceOperator, SubjectID: "sub-1", Level: "high"}
	if err := p.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message got=%d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "sub-1" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var decoded Notification
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Level != "high" || decoded.Kind != KindRiskIncident {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != KindRiskIncident {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v closed=%v", err, w.closed)
	}
}

func TestMessageKeyPrecedence(t *testing.T) {
	if messageKey(Notification{OrderID: "o", SubjectID: "s", Kind: "k"}) != "o" {
		t.Fatal("order id must win")
	}
	if messageKey(Notification{SubjectID: "s", Kind: "k"}) != "s" {
		t.Fatal("subject id expected")
	}
	if messageKey(Notification{Kind: "k"}) != "k" {
		t.Fatal("kind fallback expected")
	}
}

func TestDiscard(t *testing.T) {
	if err := (Discard{}).Notify(context.Background(), Notification{}); err != nil {
		t.Fatalf("discard: %v", err)
	}
}
