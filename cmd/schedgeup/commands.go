package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/schedgeup/pkg/schedgeup"
)

const (
	dateLayout       = "2006-01-02"
	defaultRangeDays = 30
)

// rangeFlags are the --from/--to flags of the date based commands.
type rangeFlags struct {
	from string
	to   string
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "First day, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&f.to, "to", "", fmt.Sprintf("Last day, YYYY-MM-DD (default %d days after --from)", defaultRangeDays))
}

// dateRange resolves the flags in loc relative to now.
func (f *rangeFlags) dateRange(now time.Time, loc *time.Location) (schedgeup.DateRange, error) {
	from := now.In(loc)
	if f.from != "" {
		t, err := time.ParseInLocation(dateLayout, f.from, loc)
		if err != nil {
			return schedgeup.DateRange{}, fmt.Errorf("invalid --from: %w", err)
		}
		from = t
	}

	to := schedgeup.AfterDays(defaultRangeDays, from)
	if f.to != "" {
		t, err := time.ParseInLocation(dateLayout, f.to, loc)
		if err != nil {
			return schedgeup.DateRange{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = t
	}
	return schedgeup.NewDateRange(from, to)
}

// withApp builds the app, runs fn and tears the app down again.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) (any, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := fn(ctx, a)
	if err != nil {
		a.log.Errorf("Command failed: %v", err)
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result, opts.pretty)
}

func writeJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func usersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "users [ids...]",
		Short: "List the theatre's users, optionally only those with the given ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) (any, error) {
				return a.scraper.Users(ctx, args...)
			})
		},
	}
}

func scheduleCmd(opts *rootOptions) *cobra.Command {
	var flags rangeFlags
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "List the events scheduled in a date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) (any, error) {
				r, err := flags.dateRange(time.Now(), a.scraper.Location())
				if err != nil {
					return nil, err
				}
				return a.scraper.EventInfos(ctx, r)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func eventsCmd(opts *rootOptions) *cobra.Command {
	var flags rangeFlags
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the events in a date range with their assigned crew",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) (any, error) {
				r, err := flags.dateRange(time.Now(), a.scraper.Location())
				if err != nil {
					return nil, err
				}
				return scrapeEvents(ctx, a.scraper, r)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// syncResult is the output of the sync command.
type syncResult struct {
	Users  []schedgeup.User  `json:"users"`
	Events []schedgeup.Event `json:"events"`
}

func syncCmd(opts *rootOptions) *cobra.Command {
	var flags rangeFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Scrape users and events with assignments in one run",
		Long: `Scrape users and events with assignments in one run.

Both scrapes run concurrently and take turns on the shared page.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) (any, error) {
				r, err := flags.dateRange(time.Now(), a.scraper.Location())
				if err != nil {
					return nil, err
				}
				return syncAll(ctx, a.scraper, r)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func scrapeEvents(ctx context.Context, s *schedgeup.Scraper, r schedgeup.DateRange) ([]schedgeup.Event, error) {
	infos, err := s.EventInfos(ctx, r)
	if err != nil {
		return nil, err
	}
	return s.Events(ctx, infos)
}

func syncAll(ctx context.Context, s *schedgeup.Scraper, r schedgeup.DateRange) (*syncResult, error) {
	var result syncResult
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		users, err := s.Users(ctx)
		result.Users = users
		return err
	})
	g.Go(func() error {
		events, err := scrapeEvents(ctx, s, r)
		result.Events = events
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &result, nil
}
