package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ike666888/RemnaShop-Pro/pkg/config"
	"github.com/ike666888/RemnaShop-Pro/pkg/migrate"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "remnashop",
		Short:         "RemnaShop order fulfillment and risk engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("REMNASHOP_CONFIG"), "path to the YAML config file")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newScanCmd(opts))
	root.AddCommand(newSweepCmd(opts))
	return root
}

func loadConfig(opts *rootOptions) (*config.Manager, error) {
	mgr, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := mgr.Config().Validate(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API and the background scan, expiry and unfreeze loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx, mgr)
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			db, err := openDBFn(ctx, mgr.Config().Database.Options("remnashop-migrate"))
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer db.Close()
			applied, err := migrate.Runner{Dir: dir}.Run(ctx, db)
			if err != nil {
				return err
			}
			log.Printf("migrate: done applied=%d", len(applied))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "migrations", "directory holding *.sql migrations")
	return cmd
}

func newScanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one anomaly scan and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(ctx context.Context, app *App) error {
				report, err := app.Scanner.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var expiryOnly, unfreezeOnly bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the expiry sweep and the auto-unfreeze sweep once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, func(ctx context.Context, app *App) error {
				out := map[string]any{}
				if !unfreezeOnly {
					report, err := app.Expiry.Run(ctx)
					if err != nil {
						return fmt.Errorf("expiry: %w", err)
					}
					out["expiry"] = report
				}
				if !expiryOnly {
					report, err := app.Responder.SweepUnfreeze(ctx)
					if err != nil {
						return fmt.Errorf("unfreeze: %w", err)
					}
					out["unfreeze"] = report
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().BoolVar(&expiryOnly, "expiry-only", false, "skip the auto-unfreeze sweep")
	cmd.Flags().BoolVar(&unfreezeOnly, "unfreeze-only", false, "skip the expiry sweep")
	cmd.MarkFlagsMutuallyExclusive("expiry-only", "unfreeze-only")
	return cmd
}

func withApp(opts *rootOptions, fn func(ctx context.Context, app *App) error) error {
	mgr, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	app, err := buildApp(ctx, mgr)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
