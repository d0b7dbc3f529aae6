package main

import (
	"context"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ike666888/RemnaShop-Pro/pkg/store"
	"github.com/ike666888/RemnaShop-Pro/pkg/telemetry"
)

// appDB is the pool surface every store in the shop needs.
type appDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context, opts store.PostgresOptions) (appDB, error) {
		return store.NewPostgresPool(ctx, opts)
	}
	openRedisFn  = store.NewRedis
	listenFn     = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn = startLoops
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logFatalf("remnashop: %v", err)
	}
}
