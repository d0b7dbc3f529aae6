package main

import (
	"context"
	"log"
	"time"

	"github.com/ike666888/RemnaShop-Pro/pkg/config"
	"github.com/ike666888/RemnaShop-Pro/pkg/telemetry"
)

var loopAfter = time.After

// periodic runs fn, then waits interval() before the next pass. The interval
// is read again after every pass so reloaded knobs apply without a restart.
func periodic(ctx context.Context, name string, interval func() time.Duration, fn func(context.Context) error) {
	for {
		wait := interval()
		if wait <= 0 {
			wait = time.Hour
		}
		select {
		case <-ctx.Done():
			return
		case <-loopAfter(wait):
		}
		spanCtx, span := telemetry.StartSpan(ctx, "loop."+name)
		started := time.Now()
		err := fn(spanCtx)
		span.End()
		if err != nil {
			log.Printf("remnashop: %s pass failed elapsed=%s err=%v", name, time.Since(started), err)
		}
	}
}

func startLoops(ctx context.Context, app *App) {
	knobs := app.Config.Knobs
	go periodic(ctx, "anomaly_scan", func() time.Duration { return knobs().AnomalyScanInterval }, func(ctx context.Context) error {
		report, err := app.Scanner.RunOnce(ctx)
		if err == nil {
			log.Printf("remnashop: anomaly scan considered=%d incidents=%d failed=%d", report.Considered, report.Incidents, report.Failed)
		}
		return err
	})
	go periodic(ctx, "expiry", func() time.Duration { return knobs().ExpiryInterval }, func(ctx context.Context) error {
		report, err := app.Expiry.Run(ctx)
		if err == nil {
			log.Printf("remnashop: expiry checked=%d reminded=%d cleaned=%d failed=%d", report.Checked, report.Reminded, report.Cleaned, report.Failed)
		}
		return err
	})
	go periodic(ctx, "unfreeze", func() time.Duration { return knobs().UnfreezeInterval }, func(ctx context.Context) error {
		report, err := app.Responder.SweepUnfreeze(ctx)
		if err == nil && len(report.Unfrozen)+len(report.Failed) > 0 {
			log.Printf("remnashop: unfreeze sweep unfrozen=%d failed=%d", len(report.Unfrozen), len(report.Failed))
		}
		return err
	})
	app.Config.OnChange(func(k config.Knobs) {
		log.Printf("remnashop: knobs reloaded mode=%s scan_interval=%s", k.RiskEnforceMode, k.AnomalyScanInterval)
	})
}
