package plans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeCatalogDB struct {
	rows     [][]any
	row      []any
	rowErr   error
	queryErr error
	execErr  error
	execTag  string
	execSQL  string
	execArgs []any
}

func (f *fakeCatalogDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = append([]any(nil), args...)
	tag := f.execTag
	if tag == "" {
		tag = "INSERT 0 1"
	}
	return pgconn.NewCommandTag(tag), f.execErr
}

func (f *fakeCatalogDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.rows}, nil
}

func (f *fakeCatalogDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{values: f.row, err: f.rowErr}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.idx-1], nil }
func (r *fakeRows) Scan(dest ...any) error                       { return assign(dest, r.rows[r.idx-1]) }

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = values[i].(string)
		case *int:
			*d = values[i].(int)
		case *int64:
			*d = values[i].(int64)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func TestNormalizeStrategy(t *testing.T) {
	cases := map[string]string{
		"":         StrategyNoReset,
		"no_reset": StrategyNoReset,
		" month ":  StrategyMonth,
		"Week":     StrategyWeek,
		"DAY":      StrategyDay,
		"yearly":   StrategyNoReset,
		"CALENDAR": StrategyNoReset,
	}
	for in, want := range cases {
		if got := NormalizeStrategy(in); got != want {
			t.Fatalf("NormalizeStrategy(%q)=%q want %q", in, got, want)
		}
	}
}

func TestPlanValidate(t *testing.T) {
	cases := []struct {
		name string
		plan Plan
		ok   bool
	}{
		{"valid", Plan{Key: "basic", Days: 30, TrafficGB: 100}, true},
		{"unlimited traffic", Plan{Key: "pro", Days: 30}, true},
		{"missing key", Plan{Key: " ", Days: 30}, false},
		{"zero days", Plan{Key: "basic"}, false},
		{"negative traffic", Plan{Key: "basic", Days: 30, TrafficGB: -1}, false},
		{"longest key", Plan{Key: strings.Repeat("k", MaxKeyBytes), Days: 30}, true},
		{"key too long", Plan{Key: strings.Repeat("k", MaxKeyBytes+1), Days: 30}, false},
	}
	for _, tc := range cases {
		err := tc.plan.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid got=%v", tc.name, err)
		}
	}
}

func TestTrafficBytes(t *testing.T) {
	if got := (Plan{TrafficGB: 2}).TrafficBytes(); got != 2*1024*1024*1024 {
		t.Fatalf("unexpected bytes %d", got)
	}
}

func TestCatalogGet(t *testing.T) {
	db := &fakeCatalogDB{row: []any{"basic", "Basic", "5 USD", 30, int64(100), "month"}}
	c := &Catalog{DB: db}
	p, err := c.Get(context.Background(), "basic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Key != "basic" || p.Days != 30 || p.TrafficGB != 100 || p.ResetStrategy != StrategyMonth {
		t.Fatalf("unexpected plan %+v", p)
	}

	c = &Catalog{DB: &fakeCatalogDB{rowErr: pgx.ErrNoRows}}
	if _, err := c.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got=%v", err)
	}
	c = &Catalog{DB: &fakeCatalogDB{rowErr: errors.New("db down")}}
	if _, err := c.Get(context.Background(), "basic"); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected raw db error got=%v", err)
	}
}

func TestCatalogList(t *testing.T) {
	db := &fakeCatalogDB{rows: [][]any{
		{"basic", "Basic", "5", 30, int64(100), ""},
		{"pro", "Pro", "9", 30, int64(0), "WEEK"},
	}}
	c := &Catalog{DB: db}
	list, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ResetStrategy != StrategyNoReset || list[1].ResetStrategy != StrategyWeek {
		t.Fatalf("unexpected list %+v", list)
	}
	c = &Catalog{DB: &fakeCatalogDB{queryErr: errors.New("boom")}}
	if _, err := c.List(context.Background()); err == nil {
		t.Fatal("expected query error")
	}
}

func TestCatalogPut(t *testing.T) {
	db := &fakeCatalogDB{}
	c := &Catalog{DB: db}
	if err := c.Put(context.Background(), Plan{Key: "basic", Name: "Basic", Days: 30, ResetStrategy: "month"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.Contains(db.execSQL, "ON CONFLICT (key)") {
		t.Fatalf("expected upsert got %q", db.execSQL)
	}
	if db.execArgs[5] != StrategyMonth {
		t.Fatalf("strategy not normalized: %v", db.execArgs[5])
	}
	if err := c.Put(context.Background(), Plan{Key: "bad"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid got=%v", err)
	}
}

func TestCatalogDelete(t *testing.T) {
	c := &Catalog{DB: &fakeCatalogDB{execTag: "DELETE 1"}}
	if err := c.Delete(context.Background(), "basic"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	c = &Catalog{DB: &fakeCatalogDB{execTag: "DELETE 0"}}
	if err := c.Delete(context.Background(), "basic"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got=%v", err)
	}
	c = &Catalog{DB: &fakeCatalogDB{execErr: errors.New("boom")}}
	if err := c.Delete(context.Background(), "basic"); err == nil {
		t.Fatal("expected exec error")
	}
}
