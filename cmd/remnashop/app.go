package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ike666888/RemnaShop-Pro/pkg/accesslog"
	"github.com/ike666888/RemnaShop-Pro/pkg/audit"
	"github.com/ike666888/RemnaShop-Pro/pkg/bulk"
	"github.com/ike666888/RemnaShop-Pro/pkg/config"
	"github.com/ike666888/RemnaShop-Pro/pkg/expiry"
	"github.com/ike666888/RemnaShop-Pro/pkg/httpx"
	"github.com/ike666888/RemnaShop-Pro/pkg/ledger"
	"github.com/ike666888/RemnaShop-Pro/pkg/notify"
	"github.com/ike666888/RemnaShop-Pro/pkg/orders"
	"github.com/ike666888/RemnaShop-Pro/pkg/panel"
	"github.com/ike666888/RemnaShop-Pro/pkg/plans"
	"github.com/ike666888/RemnaShop-Pro/pkg/ratelimit"
	"github.com/ike666888/RemnaShop-Pro/pkg/risk"
	"github.com/ike666888/RemnaShop-Pro/pkg/router"
	"github.com/ike666888/RemnaShop-Pro/pkg/store"
	"github.com/ike666888/RemnaShop-Pro/pkg/telemetry"
)

// App holds every wired component. Handlers and loops only read from it.
type App struct {
	Config    *config.Manager
	DB        appDB
	Redis     *redis.Client
	Hub       *notify.Hub
	Ledger    *ledger.Store
	Audit     *audit.Writer
	Plans     *plans.Catalog
	Panel     *panel.Client
	Orders    *orders.Machine
	Events    *risk.EventStore
	Sets      risk.SubjectSets
	Responder *risk.Responder
	Scanner   *risk.Scanner
	Expiry    *expiry.Sweeper
	Bulk      *bulk.Runner
	Cooldown  *ratelimit.Cooldown
	Router    *router.Router

	closers []func() error
}

func buildApp(ctx context.Context, mgr *config.Manager) (*App, error) {
	cfg := mgr.Config()
	db, err := openDBFn(ctx, cfg.Database.Options(serviceName(cfg)))
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	app := &App{Config: mgr, DB: db, Hub: notify.NewHub()}
	app.closers = append(app.closers, func() error { db.Close(); return nil })

	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		client, err := openRedisFn(ctx, cfg.Redis.Options())
		if err != nil {
			log.Printf("remnashop: redis unavailable, using in-memory sets and cache err=%v", err)
		} else {
			app.Redis = client
			app.closers = append(app.closers, client.Close)
		}
	}

	sinks := notify.Multi{app.Hub, logSink{}}
	if len(cfg.Kafka.Brokers) > 0 && strings.TrimSpace(cfg.Kafka.NotifyTopic) != "" {
		pub := notify.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.NotifyTopic)
		sinks = append(sinks, pub)
		app.closers = append(app.closers, pub.Close)
	}

	app.Panel = &panel.Client{
		HTTP:        telemetry.InstrumentClient(&http.Client{Timeout: cfg.Panel.Timeout}),
		BaseURL:     cfg.Panel.URL,
		Token:       cfg.Panel.Token,
		Headers:     cfg.Panel.Headers,
		Retry:       httpx.RetryPolicy{Attempts: cfg.Panel.Attempts, BaseDelay: cfg.Panel.Backoff},
		Timeout:     cfg.Panel.Timeout,
		HistoryPath: cfg.Panel.HistoryPath,
	}
	app.Ledger = &ledger.Store{DB: db}
	app.Audit = &audit.Writer{DB: db, Redact: true}
	app.Plans = &plans.Catalog{DB: db}
	app.Orders = &orders.Machine{
		Ledger:         app.Ledger,
		Plans:          app.Plans,
		Gateway:        app.Panel,
		Audit:          app.Audit,
		Notify:         sinks,
		TrafficPolicy:  func() orders.TrafficPolicy { return mgr.Knobs().TrafficPolicy() },
		InternalSquads: cfg.Panel.InternalSquads,
	}

	riskSettings := func() risk.Settings { return mgr.Knobs().RiskSettings() }
	app.Events = &risk.EventStore{DB: db}
	app.Sets = risk.NewSubjectSets(ctx, app.Redis)
	app.Responder = &risk.Responder{
		Panel:    app.Panel,
		Events:   app.Events,
		Sets:     app.Sets,
		Notify:   sinks,
		Settings: riskSettings,
	}
	source, closeSource, err := accessSource(cfg, app.Panel)
	if err != nil {
		app.Close()
		return nil, err
	}
	if closeSource != nil {
		app.closers = append(app.closers, closeSource)
	}
	app.Scanner = &risk.Scanner{
		Source:    source,
		Marks:     &risk.PGMarks{DB: db},
		Sets:      app.Sets,
		Responder: app.Responder,
		Settings:  riskSettings,
	}

	app.Expiry = &expiry.Sweeper{
		Subs:     app.Ledger,
		Panel:    app.Panel,
		Notify:   sinks,
		Settings: func() expiry.Settings { return mgr.Knobs().ExpirySettings() },
		Cache:    store.NewCache(ctx, app.Redis),
	}
	app.Bulk = &bulk.Runner{Panel: app.Panel, Notify: sinks}

	var limiter ratelimit.Limiter = ratelimit.NewInMemory(cfg.Knobs.RequesterCooldown)
	if app.Redis != nil {
		limiter = ratelimit.NewRedis(app.Redis, cfg.Knobs.RequesterCooldown)
	}
	app.Cooldown = &ratelimit.Cooldown{Limiter: limiter, Exempt: func(id string) bool { return mgr.Config().IsOperator(id) }}
	app.Router = &router.Router{Orders: app.Orders, Risk: app.Responder, Cooldown: app.Cooldown}
	return app, nil
}

// accessSource prefers the Kafka topic when one is configured and falls back
// to polling the panel history endpoint.
func accessSource(cfg config.Config, p *panel.Client) (risk.Source, func() error, error) {
	if len(cfg.Kafka.Brokers) == 0 || strings.TrimSpace(cfg.Kafka.AccessTopic) == "" {
		return &accesslog.HistorySource{Panel: p}, nil, nil
	}
	src, err := accesslog.NewKafkaSource(accesslog.KafkaConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.AccessTopic,
		GroupID: cfg.Kafka.GroupID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("access log source: %w", err)
	}
	return src, src.Close, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("remnashop: close err=%v", err)
		}
	}
	a.closers = nil
}

func serviceName(cfg config.Config) string {
	if s := strings.TrimSpace(cfg.Service); s != "" {
		return s
	}
	return telemetry.DefaultServiceName
}

// logSink writes one line per notification.
type logSink struct{}

func (logSink) Notify(_ context.Context, n notify.Notification) error {
	switch {
	case n.OrderID != "":
		log.Printf("notify: kind=%s audience=%s order=%s category=%s", n.Kind, n.Audience, n.OrderID, n.Category)
	case n.SubjectID != "":
		log.Printf("notify: kind=%s audience=%s subject=%s level=%s", n.Kind, n.Audience, n.SubjectID, n.Level)
	default:
		log.Printf("notify: kind=%s audience=%s at=%s", n.Kind, n.Audience, n.At.Format(time.RFC3339))
	}
	return nil
}
