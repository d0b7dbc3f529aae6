package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ike666888/RemnaShop-Pro/pkg/config"
	"github.com/ike666888/RemnaShop-Pro/pkg/store"
)

const testToken = "operator-token-for-tests-0123456789"

// fakeDB answers every lookup with no rows so handlers hit their not-found paths.
type fakeDB struct {
	pingErr error
	execTag string
	execs   []string
	closed  bool
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	tag := f.execTag
	if tag == "" {
		tag = "UPDATE 0"
	}
	return pgconn.NewCommandTag(tag), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &emptyRows{}, nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return noRow{} }

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("no transactions") }

func (f *fakeDB) Ping(context.Context) error { return f.pingErr }

func (f *fakeDB) Close() { f.closed = true }

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

type emptyRows struct{}

func (*emptyRows) Close()                                       {}
func (*emptyRows) Err() error                                   { return nil }
func (*emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 0") }
func (*emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (*emptyRows) Next() bool                                   { return false }
func (*emptyRows) Scan(...any) error                            { return pgx.ErrNoRows }
func (*emptyRows) Values() ([]any, error)                       { return nil, nil }
func (*emptyRows) RawValues() [][]byte                          { return nil }
func (*emptyRows) Conn() *pgx.Conn                              { return nil }

func writeTestConfig(t *testing.T) string {
	t.Helper()
	body := `
environment: dev
http:
  addr: 127.0.0.1:0
  operator_token: ` + testToken + `
  operator_ids: ["op-1"]
panel:
  url: http://127.0.0.1:1
  token: panel-token
knobs:
  requester_cooldown: 1m
`
	path := filepath.Join(t.TempDir(), "remnashop.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func loadTestManager(t *testing.T) *config.Manager {
	t.Helper()
	mgr, err := config.Load(writeTestConfig(t))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return mgr
}

// stubDB swaps openDBFn for the duration of the test.
func stubDB(t *testing.T, db *fakeDB) {
	t.Helper()
	orig := openDBFn
	openDBFn = func(context.Context, store.PostgresOptions) (appDB, error) { return db, nil }
	t.Cleanup(func() { openDBFn = orig })
}

func newTestApp(t *testing.T, db *fakeDB) *App {
	t.Helper()
	stubDB(t, db)
	app, err := buildApp(context.Background(), loadTestManager(t))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}
