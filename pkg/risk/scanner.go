package risk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
	"github.com/ike666888/RemnaShop-Pro/pkg/metrics"
)

const DefaultMarkName = "access_records"

// Source yields access records newer than since. Sources may return older
// records too; the detector filters them.
type Source interface {
	Fetch(ctx context.Context, since time.Time) ([]anomaly.Record, error)
}

// Committer is implemented by sources that acknowledge delivered records.
// Commit runs only once the scan mark covering them is persisted.
type Committer interface {
	Commit(ctx context.Context) error
}

type IncidentResponder interface {
	Respond(ctx context.Context, inc anomaly.Incident) (Outcome, error)
}

type Scanner struct {
	Source    Source
	Marks     MarkStore
	MarkName  string
	Sets      SubjectSets
	Responder IncidentResponder
	Settings  func() Settings
}

type ScanReport struct {
	Considered int       `json:"considered"`
	Incidents  int       `json:"incidents"`
	Failed     int       `json:"failed"`
	Mark       time.Time `json:"mark"`
	Outcomes   []Outcome `json:"-"`
}

func (s *Scanner) markName() string {
	if s.MarkName != "" {
		return s.MarkName
	}
	return DefaultMarkName
}

// RunOnce performs one scan cycle. A failed response for one subject is
// counted and logged; the others still run and the mark still advances.
func (s *Scanner) RunOnce(ctx context.Context) (ScanReport, error) {
	settings := DefaultSettings()
	if s.Settings != nil {
		settings = s.Settings()
	}
	mark, err := s.Marks.Load(ctx, s.markName())
	if err != nil {
		return ScanReport{}, fmt.Errorf("load scan mark: %w", err)
	}
	records, err := s.Source.Fetch(ctx, mark)
	if err != nil {
		return ScanReport{Mark: mark}, fmt.Errorf("fetch access records: %w", err)
	}
	whitelist, err := s.Sets.Whitelist(ctx)
	if err != nil {
		return ScanReport{Mark: mark}, fmt.Errorf("load whitelist: %w", err)
	}
	allowed := make(map[string]struct{}, len(whitelist))
	for _, subject := range whitelist {
		allowed[subject] = struct{}{}
	}

	res := anomaly.Detect(records, mark, func(subject string) bool {
		_, ok := allowed[subject]
		return ok
	}, settings.Detector)
	metrics.ScanRecordsTotal.Add(float64(res.Considered))

	report := ScanReport{Considered: res.Considered, Incidents: len(res.Incidents), Mark: res.Mark}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency(settings.Concurrency))
	for _, inc := range res.Incidents {
		inc := inc
		g.Go(func() error {
			out, err := s.Responder.Respond(gctx, inc)
			mu.Lock()
			defer mu.Unlock()
			report.Outcomes = append(report.Outcomes, out)
			if err != nil {
				report.Failed++
				metrics.ScanSubjectErrorsTotal.Inc()
				log.Printf("risk: respond failed subject=%s err=%v", inc.Subject, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if res.Mark.After(mark) {
		if err := s.Marks.Advance(ctx, s.markName(), res.Mark); err != nil {
			return report, fmt.Errorf("advance scan mark: %w", err)
		}
	}
	if c, ok := s.Source.(Committer); ok {
		if err := c.Commit(ctx); err != nil {
			return report, fmt.Errorf("commit access records: %w", err)
		}
	}
	log.Printf("risk: scan done considered=%d incidents=%d failed=%d mark=%s",
		report.Considered, report.Incidents, report.Failed, report.Mark.Format(time.RFC3339))
	return report, nil
}

// MemoryMarks keeps marks in process; used when Postgres is absent and in tests.
type MemoryMarks struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func NewMemoryMarks() *MemoryMarks {
	return &MemoryMarks{marks: map[string]time.Time{}}
}

func (m *MemoryMarks) Load(_ context.Context, name string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks[name], nil
}

func (m *MemoryMarks) Advance(_ context.Context, name string, mark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mark.After(m.marks[name]) {
		m.marks[name] = mark
	}
	return nil
}
