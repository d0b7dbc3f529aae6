package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultPostgresURL points at the docker-compose database.
const DefaultPostgresURL = "postgres://remnashop@localhost:5432/remnashop?sslmode=disable"

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// PostgresOptions configures the shared pool.
type PostgresOptions struct {
	URL        string
	RequireTLS bool
	MaxConns   int32
	AppName    string
}

func NewPostgresPool(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(opts.URL)
	if dsn == "" {
		dsn = DefaultPostgresURL
	}
	if opts.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	appName := strings.TrimSpace(opts.AppName)
	if appName == "" {
		appName = "remnashop"
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = appName
	cfg.MaxConns = 10
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = time.Minute * 5
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("db connect canceled: %w", ctx.Err())
		}
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid database.url: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("database.require_tls=true but database.url sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("database.require_tls=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
