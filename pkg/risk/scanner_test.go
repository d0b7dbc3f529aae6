package risk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/anomaly"
)

type staticSource struct {
	records []anomaly.Record
	err     error
	since   []time.Time
}

func (s *staticSource) Fetch(_ context.Context, since time.Time) ([]anomaly.Record, error) {
	s.since = append(s.since, since)
	return s.records, s.err
}

// burst builds records from ips distinct addresses and uas signatures,
// density capped at 20 by the detector.
func burst(subject string, ips, uas int, start time.Time) []anomaly.Record {
	out := []anomaly.Record{}
	for i := 0; i < ips; i++ {
		out = append(out, anomaly.Record{
			At:        start.Add(time.Duration(i) * time.Second),
			Subject:   subject,
			Address:   fmt.Sprintf("10.0.%d.%d", i/250, i%250),
			Signature: fmt.Sprintf("client/%d", i%uas),
		})
	}
	return out
}

func newScanner(src Source) (*Scanner, *Responder, *fakePanel, *memEvents, *MemorySets, *MemoryMarks) {
	r, p, ev, sets, _ := newResponder(ModeEnforce)
	marks := NewMemoryMarks()
	s := &Scanner{
		Source:    src,
		Marks:     marks,
		Sets:      sets,
		Responder: r,
		Settings:  r.Settings,
	}
	return s, r, p, ev, sets, marks
}

func TestScannerDisablesHighScoreSubject(t *testing.T) {
	start := fixedNow.Add(-time.Hour)
	// 60 addresses, 5 signatures, density 20: 120 + 5 + 6 = 131.
	src := &staticSource{records: burst("u-hi", 60, 5, start)}
	s, _, p, ev, _, marks := newScanner(src)

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Incidents != 1 || report.Failed != 0 || report.Considered != 60 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(ev.events) != 1 || ev.events[0].Score != 131 || ev.events[0].Level != LevelHigh {
		t.Fatalf("expected high event got=%+v", ev.events)
	}
	if len(p.calls) != 1 || p.calls[0].uuid != "u-hi" {
		t.Fatalf("expected disable call got=%+v", p.calls)
	}
	mark, _ := marks.Load(context.Background(), DefaultMarkName)
	if !mark.Equal(start.Add(59 * time.Second)) {
		t.Fatalf("unexpected mark %v", mark)
	}

	// Replaying the same batch yields nothing new.
	report, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if report.Incidents != 0 || len(ev.events) != 1 {
		t.Fatalf("replay must not produce incidents got=%+v", report)
	}
	if !src.since[1].Equal(mark) {
		t.Fatalf("second fetch should start at mark got=%v", src.since[1])
	}
}

func TestScannerSkipsWhitelisted(t *testing.T) {
	src := &staticSource{records: burst("u-wl", 60, 5, fixedNow.Add(-time.Hour))}
	s, _, p, ev, sets, marks := newScanner(src)
	_ = sets.AddWhitelist(context.Background(), "u-wl")
	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Incidents != 0 || len(ev.events) != 0 || len(p.calls) != 0 {
		t.Fatalf("whitelisted subject must not be an incident got=%+v", report)
	}
	if mark, _ := marks.Load(context.Background(), DefaultMarkName); mark.IsZero() {
		t.Fatal("mark should advance over whitelisted records")
	}
}

func TestScannerFailureDoesNotAbortSiblings(t *testing.T) {
	start := fixedNow.Add(-time.Hour)
	records := append(burst("u-a", 60, 5, start), burst("u-b", 60, 5, start.Add(time.Minute))...)
	src := &staticSource{records: records}
	s, _, p, ev, _, marks := newScanner(src)
	p.fail["u-a"] = errors.New("panel down")

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Incidents != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(ev.events) != 2 {
		t.Fatalf("both subjects must get events got=%+v", ev.events)
	}
	if mark, _ := marks.Load(context.Background(), DefaultMarkName); !mark.Equal(start.Add(time.Minute + 59*time.Second)) {
		t.Fatalf("mark must advance despite failures got=%v", mark)
	}
}

func TestScannerFetchError(t *testing.T) {
	s, _, _, _, _, marks := newScanner(&staticSource{err: errors.New("kafka down")})
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	if mark, _ := marks.Load(context.Background(), DefaultMarkName); !mark.IsZero() {
		t.Fatalf("mark must not move on fetch error got=%v", mark)
	}
}

func TestMemoryMarksMonotonic(t *testing.T) {
	m := NewMemoryMarks()
	ctx := context.Background()
	_ = m.Advance(ctx, "x", fixedNow)
	_ = m.Advance(ctx, "x", fixedNow.Add(-time.Hour))
	if got, _ := m.Load(ctx, "x"); !got.Equal(fixedNow) {
		t.Fatalf("mark moved backwards: %v", got)
	}
}

type committingSource struct {
	staticSource
	commits int
}

func (s *committingSource) Commit(context.Context) error {
	s.commits++
	return nil
}

type failingMarks struct {
	*MemoryMarks
	err error
}

func (m *failingMarks) Advance(ctx context.Context, name string, mark time.Time) error {
	if m.err != nil {
		return m.err
	}
	return m.MemoryMarks.Advance(ctx, name, mark)
}

func TestScannerCommitsSourceAfterMarkAdvance(t *testing.T) {
	src := &committingSource{staticSource: staticSource{records: burst("u-c", 60, 5, fixedNow.Add(-time.Hour))}}
	s, _, _, _, _, marks := newScanner(src)
	fm := &failingMarks{MemoryMarks: marks, err: errors.New("db down")}
	s.Marks = fm

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected advance error")
	}
	if src.commits != 0 {
		t.Fatalf("source must not commit before the mark is stored got=%d", src.commits)
	}

	fm.err = nil
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if src.commits != 1 {
		t.Fatalf("expected one commit got=%d", src.commits)
	}
}
