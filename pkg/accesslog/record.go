// Package accesslog feeds subscription access records to the anomaly scanner.
package accesslog

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
)

var ErrMalformed = errors.New("malformed access record")

// Decode reads one access record in any of the shapes the panel and the log
// shipper emit. Missing fields are left empty for the detector to discard.
func Decode(raw []byte) (anomaly.Record, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return anomaly.Record{}, errors.Join(ErrMalformed, err)
	}
	return anomaly.Record{
		At:        timestamp(m),
		Subject:   firstString(m, "userUuid", "user_uuid", "subject"),
		Address:   firstString(m, "ip", "requestIp", "request_ip"),
		Signature: firstString(m, "userAgent", "user_agent"),
	}, nil
}

// DecodeAll skips malformed entries and returns how many were dropped.
func DecodeAll(raws []json.RawMessage) ([]anomaly.Record, int) {
	out := make([]anomaly.Record, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		rec, err := Decode(raw)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, rec)
	}
	return out, dropped
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// timestamp prefers the numeric _ts field, in seconds or milliseconds,
// then the RFC3339 requestAt and createdAt fields.
func timestamp(m map[string]any) time.Time {
	switch v := m["_ts"].(type) {
	case float64:
		if t := fromEpoch(int64(v)); !t.IsZero() {
			return t
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			if t := fromEpoch(n); !t.IsZero() {
				return t
			}
		}
	}
	for _, k := range []string{"requestAt", "createdAt", "request_at", "created_at"} {
		s, ok := m[k].(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func fromEpoch(n int64) time.Time {
	switch {
	case n <= 0:
		return time.Time{}
	case n >= 1e12:
		return time.UnixMilli(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}
