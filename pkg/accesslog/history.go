package accesslog

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
)

type historyLister interface {
	AccessHistory(ctx context.Context) ([]json.RawMessage, error)
}

// HistorySource polls the panel's subscription request history.
type HistorySource struct {
	Panel historyLister
}

func (s *HistorySource) Fetch(ctx context.Context, since time.Time) ([]anomaly.Record, error) {
	raws, err := s.Panel.AccessHistory(ctx)
	if err != nil {
		return nil, err
	}
	records, dropped := DecodeAll(raws)
	if dropped > 0 {
		log.Printf("accesslog: dropped malformed history records count=%d", dropped)
	}
	return records, nil
}
