package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
)

type execCall struct {
	sql  string
	args []any
}

type fakeLedgerDB struct {
	execTag   string
	execErr   error
	execs     []execCall
	row       fakeRow
	rows      [][]any
	querySQL  string
	queryArgs []any
	tx        *fakeTx
	beginErr  error
}

func (f *fakeLedgerDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	tag := f.execTag
	if tag == "" {
		tag = "UPDATE 1"
	}
	return pgconn.NewCommandTag(tag), f.execErr
}

func (f *fakeLedgerDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.querySQL = sql
	f.queryArgs = args
	return &fakeRows{rows: f.rows}, nil
}

func (f *fakeLedgerDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func (f *fakeLedgerDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

type fakeTx struct {
	pgx.Tx
	row       fakeRow
	execs     []execCall
	execErr   error
	commits   int
	rollbacks int
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, execCall{sql: sql, args: args})
	if t.execErr != nil && strings.Contains(sql, "INSERT") {
		return pgconn.CommandTag{}, t.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return t.row }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.commits++
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbacks++
	return nil
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

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return assign(dest, r.rows[r.idx-1]) }

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = values[i].(string)
		case *time.Time:
			*d = values[i].(time.Time)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func orderRow(id, requester, status string, at time.Time) []any {
	return []any{id, requester, "m1", "new", "", status, "", "", "", "", "", "", "", at, at}
}

func TestCreateOrReusePendingReturnsExisting(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tx := &fakeTx{row: fakeRow{values: orderRow("old", "u1", orders.Pending, at)}}
	s := &Store{DB: &fakeLedgerDB{tx: tx}}
	got, created, err := s.CreateOrReusePending(context.Background(), orders.Order{OrderID: "new", RequesterID: "u1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created || got.OrderID != "old" || got.Kind != orders.KindNew {
		t.Fatalf("expected reuse got=%+v created=%v", got, created)
	}
	if len(tx.execs) != 1 || !strings.Contains(tx.execs[0].sql, "pg_advisory_xact_lock") {
		t.Fatalf("expected only the advisory lock exec got %+v", tx.execs)
	}
	if tx.execs[0].args[0] != "order:u1" {
		t.Fatalf("unexpected lock key %v", tx.execs[0].args[0])
	}
	if tx.commits != 1 {
		t.Fatalf("expected commit got %d", tx.commits)
	}
}

func TestCreateOrReusePendingInserts(t *testing.T) {
	tx := &fakeTx{row: fakeRow{err: pgx.ErrNoRows}}
	s := &Store{DB: &fakeLedgerDB{tx: tx}}
	o := orders.Order{OrderID: "abc", RequesterID: "u1", PlanKey: "m1", Kind: orders.KindNew, Status: orders.Pending}
	got, created, err := s.CreateOrReusePending(context.Background(), o)
	if err != nil || !created || got.OrderID != "abc" {
		t.Fatalf("expected insert got=%+v created=%v err=%v", got, created, err)
	}
	if len(tx.execs) != 2 || !strings.Contains(tx.execs[1].sql, "INSERT INTO orders") {
		t.Fatalf("expected insert exec got %+v", tx.execs)
	}
	if len(tx.execs[1].args) != 15 {
		t.Fatalf("expected 15 insert args got %d", len(tx.execs[1].args))
	}
}

func TestCreateOrReusePendingErrors(t *testing.T) {
	s := &Store{DB: &fakeLedgerDB{beginErr: errors.New("no conn")}}
	if _, _, err := s.CreateOrReusePending(context.Background(), orders.Order{}); err == nil {
		t.Fatal("expected begin error")
	}
	tx := &fakeTx{row: fakeRow{err: pgx.ErrNoRows}, execErr: errors.New("unique violation")}
	s = &Store{DB: &fakeLedgerDB{tx: tx}}
	if _, _, err := s.CreateOrReusePending(context.Background(), orders.Order{OrderID: "x"}); err == nil {
		t.Fatal("expected insert error")
	}
	if tx.rollbacks != 1 || tx.commits != 0 {
		t.Fatalf("expected rollback only got commits=%d rollbacks=%d", tx.commits, tx.rollbacks)
	}
}

func TestGetMapsNoRows(t *testing.T) {
	s := &Store{DB: &fakeLedgerDB{row: fakeRow{err: pgx.ErrNoRows}}}
	if _, err := s.Get(context.Background(), "x"); !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
	at := time.Now().UTC()
	s = &Store{DB: &fakeLedgerDB{row: fakeRow{values: orderRow("o1", "u1", orders.Failed, at)}}}
	o, err := s.Get(context.Background(), "o1")
	if err != nil || o.Status != orders.Failed {
		t.Fatalf("unexpected get %+v %v", o, err)
	}
}

func TestCompareAndSet(t *testing.T) {
	db := &fakeLedgerDB{execTag: "UPDATE 1"}
	s := &Store{DB: db}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ok, err := s.CompareAndSet(context.Background(), "o1", []string{orders.Pending}, orders.Update{To: orders.Approved, At: at})
	if err != nil || !ok {
		t.Fatalf("expected win got ok=%v err=%v", ok, err)
	}
	call := db.execs[0]
	if !strings.Contains(call.sql, "status = ANY($7)") {
		t.Fatalf("expected conditional update got %q", call.sql)
	}
	from, _ := call.args[6].([]string)
	if len(from) != 1 || from[0] != orders.Pending || call.args[1] != orders.Approved || call.args[5] != at {
		t.Fatalf("unexpected args %#v", call.args)
	}

	db.execTag = "UPDATE 0"
	ok, err = s.CompareAndSet(context.Background(), "o1", []string{orders.Pending}, orders.Update{To: orders.Approved})
	if err != nil || ok {
		t.Fatalf("expected lost race got ok=%v err=%v", ok, err)
	}
}

func TestCompareAndSetRejectsIllegalTransitions(t *testing.T) {
	db := &fakeLedgerDB{}
	s := &Store{DB: db}
	if _, err := s.CompareAndSet(context.Background(), "o1", []string{orders.Delivered}, orders.Update{To: orders.Failed}); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition got %v", err)
	}
	if _, err := s.CompareAndSet(context.Background(), "o1", nil, orders.Update{To: orders.Failed}); !errors.Is(err, orders.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition got %v", err)
	}
	if len(db.execs) != 0 {
		t.Fatal("illegal transitions must not reach the database")
	}
}

func TestAttachUpdates(t *testing.T) {
	db := &fakeLedgerDB{execTag: "UPDATE 1"}
	s := &Store{DB: db}
	at := time.Now().UTC()
	ok, err := s.AttachPaymentProof(context.Background(), "o1", "abcd****wxyz", "w1", at)
	if err != nil || !ok {
		t.Fatalf("attach payment ok=%v err=%v", ok, err)
	}
	if db.execs[0].args[4] != orders.Pending {
		t.Fatalf("payment proof must be guarded by pending status: %#v", db.execs[0].args)
	}
	db.execTag = "UPDATE 0"
	ok, err = s.AttachOperatorMessage(context.Background(), "o1", "chat:1", at)
	if err != nil || ok {
		t.Fatalf("attach operator ok=%v err=%v", ok, err)
	}
	last := db.execs[len(db.execs)-1]
	if !strings.Contains(last.sql, "status = ANY($4)") {
		t.Fatalf("operator message must be status guarded: %s", last.sql)
	}
	open, _ := last.args[3].([]string)
	for _, st := range open {
		if st == orders.Delivered || st == orders.Rejected {
			t.Fatalf("terminal status %s must not be writable: %v", st, open)
		}
	}
	if len(open) == 0 {
		t.Fatalf("expected open statuses got %#v", last.args[3])
	}
}

func TestListBuildsFilter(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	db := &fakeLedgerDB{rows: [][]any{orderRow("o2", "u1", orders.Pending, at), orderRow("o1", "u1", orders.Pending, at.Add(-time.Hour))}}
	s := &Store{DB: db}
	out, err := s.List(context.Background(), orders.Filter{Status: orders.Pending, RequesterID: "u1", Before: at.Add(time.Hour), Limit: 10})
	if err != nil || len(out) != 2 {
		t.Fatalf("list: %d %v", len(out), err)
	}
	for _, frag := range []string{"status=$1", "requester_id=$2", "created_at<$3", "LIMIT $4"} {
		if !strings.Contains(db.querySQL, frag) {
			t.Fatalf("expected %q in %q", frag, db.querySQL)
		}
	}
	if len(db.queryArgs) != 4 || db.queryArgs[3] != 10 {
		t.Fatalf("unexpected args %#v", db.queryArgs)
	}

	db = &fakeLedgerDB{}
	s = &Store{DB: db}
	if _, err := s.List(context.Background(), orders.Filter{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(db.querySQL, "LIMIT $1") || db.queryArgs[0] != 50 {
		t.Fatalf("expected default limit got %q %#v", db.querySQL, db.queryArgs)
	}
}

func TestSubscriptions(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	db := &fakeLedgerDB{rows: [][]any{
		{"ent-1", "u1", "m1", "o1", at, time.Unix(0, 0).UTC()},
		{"ent-2", "u2", "m1", "o2", at, at},
	}}
	s := &Store{DB: db}
	if err := s.AddSubscription(context.Background(), orders.Subscription{EntitlementUUID: "ent-1", RequesterID: "u1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(db.execs[0].sql, "ON CONFLICT (entitlement_uuid) DO NOTHING") {
		t.Fatalf("subscription insert must be idempotent: %q", db.execs[0].sql)
	}
	subs, err := s.ListSubscriptions(context.Background())
	if err != nil || len(subs) != 2 {
		t.Fatalf("list: %d %v", len(subs), err)
	}
	if !subs[0].LastReminderAt.IsZero() || !subs[1].LastReminderAt.Equal(at) {
		t.Fatalf("unexpected reminder times %+v", subs)
	}
	if err := s.MarkReminded(context.Background(), "ent-1", at); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.DeleteSubscription(context.Background(), "ent-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(db.execs) != 3 || !strings.Contains(db.execs[2].sql, "DELETE FROM subscriptions") {
		t.Fatalf("unexpected execs %+v", db.execs)
	}
}
