package main

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ike666888/RemnaShop-Pro/pkg/notify"
	"github.com/ike666888/RemnaShop-Pro/pkg/render"
)

type streamFrame struct {
	Type         string               `json:"type"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Message      *render.Message      `json:"message,omitempty"`
}

// stream pushes notifications to a chat front end. Optional audience and
// recipient_id query params narrow the feed.
func (a *App) stream(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(a.Config.Config().HTTP.CORSOrigins); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	audience := notify.Audience(strings.TrimSpace(r.URL.Query().Get("audience")))
	recipient := strings.TrimSpace(r.URL.Query().Get("recipient_id"))

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := a.Hub.Subscribe(64)
	defer a.Hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, streamFrame{Type: "ready"})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case n, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if !wantNotification(n, audience, recipient) {
				continue
			}
			msg := render.Notification(n)
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, streamFrame{Type: "notification", Notification: &n, Message: &msg})
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wantNotification(n notify.Notification, audience notify.Audience, recipient string) bool {
	if audience != "" && n.Audience != audience {
		return false
	}
	if recipient != "" && n.RecipientID != recipient {
		return false
	}
	return true
}

// wsOriginPatterns turns the CORS origin list into host patterns for the
// websocket origin check.
func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || p == "*" {
			continue
		}
		if u, err := url.Parse(p); err == nil && u.Host != "" {
			p = u.Host
		}
		out = append(out, p)
	}
	return out
}
