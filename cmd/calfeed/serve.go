package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
	"calfeed/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run all configured subscriptions and the status server",
	Long: `Start every configured calendar subscription and, unless the listen
address is empty, the HTTP status server. Runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides config if set)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}

	appLog.Info("calfeed starting",
		"version", Version,
		"config_path", path,
		"listen", cfg.Listen,
		"timezone", cfg.Location().String(),
		"calendars", len(cfg.Calendars),
	)
	if len(cfg.Calendars) == 0 {
		appLog.Warn("no calendars configured", "config_path", path)
	}

	opts, err := cfg.FeedOptions(userAgent())
	if err != nil {
		return err
	}
	pool, err := feed.NewPool(opts)
	if err != nil {
		return fmt.Errorf("create subscriptions: %w", err)
	}
	defer pool.Close()

	pool.OnReceive(func(s *feed.Subscription) {
		appLog.Info("calendar updated", "calendar", s.ID(), "name", s.Name(), "events", len(s.Events()))
	})
	pool.OnError(func(s *feed.Subscription, err error) {
		appLog.Error("calendar fetch failed", err, "calendar", s.ID(), "name", s.Name())
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	pool.Start()

	if cfg.Listen != "" {
		srv := web.NewServer(cfg, pool)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		appLog.Info("shutting down")
		return nil
	})

	err = g.Wait()
	appLog.Info("calfeed exiting")
	return err
}
