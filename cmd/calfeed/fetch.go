package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"calfeed/internal/feed"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch every calendar once and print the filtered events",
	Long: `Run a single attempt per configured calendar, print the resulting
events as YAML and exit. Exits non-zero if any calendar failed.`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().Int("parallel", 4, "Maximum number of calendars fetched at the same time")
}

// fetchResult is one calendar in the YAML output of the fetch command.
type fetchResult struct {
	ID     string                `yaml:"id"`
	Name   string                `yaml:"name,omitempty"`
	URL    string                `yaml:"url"`
	Error  string                `yaml:"error,omitempty"`
	Events []model.CalendarEvent `yaml:"events"`
}

func runFetch(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	parallel, _ := cmd.Flags().GetInt("parallel")

	opts, err := cfg.FeedOptions(userAgent())
	if err != nil {
		return err
	}
	pool, err := feed.NewPool(opts)
	if err != nil {
		return fmt.Errorf("create subscriptions: %w", err)
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	subs := pool.Subscriptions()
	results := make([]fetchResult, len(subs))

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, s := range subs {
		i, s := i, s
		g.Go(func() error {
			res := fetchResult{ID: s.ID(), Name: s.Name(), URL: ics.RedactURL(s.URL())}
			events, err := s.FetchOnce(ctx)
			if err != nil {
				appLog.Error("calendar fetch failed", err, "calendar", s.ID(), "kind", ics.ErrorKind(err))
				res.Error = err.Error()
				events = []model.CalendarEvent{}
			}
			res.Events = events
			results[i] = res
			return err
		})
	}
	fetchErr := g.Wait()

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(results); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if fetchErr != nil {
		return fmt.Errorf("one or more calendars failed: %w", fetchErr)
	}
	return nil
}
