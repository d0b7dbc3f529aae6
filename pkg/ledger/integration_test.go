//go:build integration

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ike666888/RemnaShop-Pro/pkg/migrate"
	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
)

// Run with: go test -tags=integration -timeout 180s ./pkg/ledger/...
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("remnashop"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	})
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := (migrate.Runner{Dir: "../../migrations"}).Run(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func TestLedgerAgainstPostgres(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	s := &Store{DB: pool}
	now := time.Now().UTC().Truncate(time.Millisecond)

	var created int32
	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, ok, err := s.CreateOrReusePending(ctx, orders.Order{
				OrderID:     fmt.Sprintf("%032x", i+1),
				RequesterID: "u1",
				PlanKey:     "m1",
				Kind:        orders.KindNew,
				Status:      orders.Pending,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			if ok {
				atomic.AddInt32(&created, 1)
			}
			ids[i] = o.OrderID
		}(i)
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("expected exactly one pending order, created=%d", created)
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("all submits must see the same order: %v", ids)
		}
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO orders (order_id, requester_id, plan_key, kind, status, created_at, updated_at)
		VALUES ($1,'u1','m1','new','pending',$2,$2)
	`, fmt.Sprintf("%032x", 99), now)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" || pgErr.ConstraintName != "uq_orders_one_pending" {
		t.Fatalf("a second pending order for the same requester must violate uq_orders_one_pending got=%v", err)
	}

	var wins int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSet(ctx, ids[0], orders.SourcesFor(orders.EventClaim), orders.Update{To: orders.Approved, At: now})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected single claim winner got %d", wins)
	}

	ok, err := s.CompareAndSet(ctx, ids[0], orders.SourcesFor(orders.EventDeliver), orders.Update{To: orders.Delivered, DeliveredRef: "ent-1", At: now})
	if err != nil || !ok {
		t.Fatalf("deliver ok=%v err=%v", ok, err)
	}
	got, err := s.Get(ctx, ids[0])
	if err != nil || got.Status != orders.Delivered || got.DeliveredRef != "ent-1" {
		t.Fatalf("unexpected order %+v %v", got, err)
	}
	ok, err = s.CompareAndSet(ctx, ids[0], orders.SourcesFor(orders.EventReject), orders.Update{To: orders.Rejected, At: now})
	if err != nil || ok {
		t.Fatalf("delivered order must not be rejected ok=%v err=%v", ok, err)
	}

	ok, err = s.AttachOperatorMessage(ctx, ids[0], "msg-late", now)
	if err != nil || ok {
		t.Fatalf("delivered order must keep its operator message ok=%v err=%v", ok, err)
	}

	if err := s.AddSubscription(ctx, orders.Subscription{EntitlementUUID: "ent-1", RequesterID: "u1", PlanKey: "m1", OrderID: ids[0], CreatedAt: now}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := s.AddSubscription(ctx, orders.Subscription{EntitlementUUID: "ent-1", RequesterID: "u1", CreatedAt: now}); err != nil {
		t.Fatalf("duplicate subscription must be ignored: %v", err)
	}
	subs, err := s.ListSubscriptions(ctx)
	if err != nil || len(subs) != 1 || !subs[0].LastReminderAt.IsZero() {
		t.Fatalf("unexpected subscriptions %+v %v", subs, err)
	}

	list, err := s.List(ctx, orders.Filter{RequesterID: "u1", Limit: 5})
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v %v", list, err)
	}
}
