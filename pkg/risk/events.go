package risk

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type eventsDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EventLog is the write-once anomaly event history.
type EventLog interface {
	Append(ctx context.Context, ev Event) (int64, error)
	List(ctx context.Context, f EventFilter) ([]Event, error)
}

type EventFilter struct {
	SubjectID string
	Level     Level
	Limit     int
}

var ErrMissingSubject = errors.New("anomaly event requires subject id")

type EventStore struct {
	DB eventsDB
}

var _ EventLog = (*EventStore)(nil)

func (s *EventStore) Append(ctx context.Context, ev Event) (int64, error) {
	if strings.TrimSpace(ev.SubjectID) == "" {
		return 0, ErrMissingSubject
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := s.DB.QueryRow(ctx, `
		INSERT INTO anomaly_events(subject_id, risk_level, score, ip_count, ua_diversity, density,
			action_taken, evidence_summary, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9)
		RETURNING id
	`, ev.SubjectID, string(ev.Level), ev.Score, ev.IPCount, ev.UADiversity, ev.Density,
		ev.ActionTaken, string(evidenceJSON(ev.Evidence)), ev.CreatedAt).Scan(&id)
	return id, err
}

func (s *EventStore) List(ctx context.Context, f EventFilter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var where []string
	var args []any
	if f.SubjectID != "" {
		args = append(args, f.SubjectID)
		where = append(where, "subject_id=$"+strconv.Itoa(len(args)))
	}
	if f.Level != "" {
		args = append(args, string(f.Level))
		where = append(where, "risk_level=$"+strconv.Itoa(len(args)))
	}
	sql := `SELECT id, subject_id, risk_level, score, ip_count, ua_diversity, density,
		action_taken, evidence_summary::text, created_at FROM anomaly_events`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Event{}
	for rows.Next() {
		var ev Event
		var level, evidence string
		if err := rows.Scan(&ev.ID, &ev.SubjectID, &level, &ev.Score, &ev.IPCount, &ev.UADiversity,
			&ev.Density, &ev.ActionTaken, &evidence, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Level = Level(level)
		if evidence != "" {
			if err := json.Unmarshal([]byte(evidence), &ev.Evidence); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkStore persists scan high-water marks as unix nanoseconds so a reloaded
// mark equals the newest record it covered.
type MarkStore interface {
	Load(ctx context.Context, name string) (time.Time, error)
	Advance(ctx context.Context, name string, mark time.Time) error
}

type PGMarks struct {
	DB eventsDB
}

var _ MarkStore = (*PGMarks)(nil)

func (m *PGMarks) Load(ctx context.Context, name string) (time.Time, error) {
	var ns int64
	err := m.DB.QueryRow(ctx, `SELECT mark_ns FROM scan_marks WHERE name=$1`, name).Scan(&ns)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil || ns <= 0 {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}

// Advance never moves a stored mark backwards.
func (m *PGMarks) Advance(ctx context.Context, name string, mark time.Time) error {
	if mark.IsZero() {
		return nil
	}
	_, err := m.DB.Exec(ctx, `
		INSERT INTO scan_marks(name, mark_ns) VALUES($1,$2)
		ON CONFLICT (name) DO UPDATE SET mark_ns = GREATEST(scan_marks.mark_ns, EXCLUDED.mark_ns)
	`, name, mark.UnixNano())
	return err
}
