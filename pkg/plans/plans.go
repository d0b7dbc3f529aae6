package plans

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	StrategyNoReset = "NO_RESET"
	StrategyDay     = "DAY"
	StrategyWeek    = "WEEK"
	StrategyMonth   = "MONTH"
)

const bytesPerGB = int64(1024 * 1024 * 1024)

// MaxKeyBytes keeps a renew callback, "submit:<key>@<entitlement uuid>",
// inside the 64-byte callback token limit.
const MaxKeyBytes = 64 - len("submit:") - len("@") - 36

var (
	ErrNotFound = errors.New("plan not found")
	ErrInvalid  = errors.New("invalid plan")
)

type Plan struct {
	Key           string `json:"key"`
	Name          string `json:"name"`
	Price         string `json:"price"`
	Days          int    `json:"days"`
	TrafficGB     int64  `json:"traffic_gb"`
	ResetStrategy string `json:"reset_strategy"`
}

func (p Plan) TrafficBytes() int64 {
	return p.TrafficGB * bytesPerGB
}

func (p Plan) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("%w: key required", ErrInvalid)
	}
	if len(p.Key) > MaxKeyBytes {
		return fmt.Errorf("%w: key longer than %d bytes", ErrInvalid, MaxKeyBytes)
	}
	if p.Days <= 0 {
		return fmt.Errorf("%w: days must be positive", ErrInvalid)
	}
	if p.TrafficGB < 0 {
		return fmt.Errorf("%w: traffic must not be negative", ErrInvalid)
	}
	return nil
}

// NormalizeStrategy maps unknown or empty strategies to NO_RESET.
func NormalizeStrategy(raw string) string {
	switch s := strings.ToUpper(strings.TrimSpace(raw)); s {
	case StrategyDay, StrategyWeek, StrategyMonth:
		return s
	default:
		return StrategyNoReset
	}
}

type catalogDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Catalog stores plans in the plans table.
type Catalog struct {
	DB catalogDB
}

func (c *Catalog) Get(ctx context.Context, key string) (Plan, error) {
	var p Plan
	err := c.DB.QueryRow(ctx, `SELECT key, name, price, days, traffic_gb, reset_strategy FROM plans WHERE key=$1`, key).
		Scan(&p.Key, &p.Name, &p.Price, &p.Days, &p.TrafficGB, &p.ResetStrategy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, err
	}
	p.ResetStrategy = NormalizeStrategy(p.ResetStrategy)
	return p, nil
}

func (c *Catalog) List(ctx context.Context) ([]Plan, error) {
	rows, err := c.DB.Query(ctx, `SELECT key, name, price, days, traffic_gb, reset_strategy FROM plans ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Plan{}
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.Key, &p.Name, &p.Price, &p.Days, &p.TrafficGB, &p.ResetStrategy); err != nil {
			return nil, err
		}
		p.ResetStrategy = NormalizeStrategy(p.ResetStrategy)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Catalog) Put(ctx context.Context, p Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.ResetStrategy = NormalizeStrategy(p.ResetStrategy)
	_, err := c.DB.Exec(ctx, `
		INSERT INTO plans (key, name, price, days, traffic_gb, reset_strategy)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (key) DO UPDATE SET name=EXCLUDED.name, price=EXCLUDED.price, days=EXCLUDED.days,
			traffic_gb=EXCLUDED.traffic_gb, reset_strategy=EXCLUDED.reset_strategy
	`, p.Key, p.Name, p.Price, p.Days, p.TrafficGB, p.ResetStrategy)
	return err
}

func (c *Catalog) Delete(ctx context.Context, key string) error {
	cmd, err := c.DB.Exec(ctx, `DELETE FROM plans WHERE key=$1`, key)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
