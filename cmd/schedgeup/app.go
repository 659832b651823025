package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/schedgeup/pkg/browser"
	"github.com/entrhq/schedgeup/pkg/config"
	"github.com/entrhq/schedgeup/pkg/logging"
	"github.com/entrhq/schedgeup/pkg/schedgeup"
	"github.com/entrhq/schedgeup/pkg/session"
)

// app holds everything a command needs, built once per run.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	sessions *session.Manager
	scraper  *schedgeup.Scraper
	metrics  *http.Server
}

// newApp loads the configuration, starts the browser and logs in.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logging.SetLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}

	// NewLogger falls back to stderr and reports why
	log, _ := logging.NewLogger("schedgeup")
	log.Infow("Starting run", "session", log.SessionID(), "log", log.LogPath(), "site", cfg.BaseURL)

	filter, err := browser.NewRequestFilter(browser.DefaultBlockedResourceTypes, cfg.Browser.BlockURLs)
	if err != nil {
		return nil, fmt.Errorf("invalid block list: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sessions := session.NewManager(
		browser.NewPlaywrightDriver(),
		schedgeup.NewLogin(cfg, log.Named("login")),
		session.Options{
			Launch: browser.LaunchOptions{
				Headless: cfg.Browser.Headless,
				Args:     browser.DefaultLaunchArgs,
			},
			Viewport: browser.Viewport{
				Width:  cfg.Browser.ViewportWidth,
				Height: cfg.Browser.ViewportHeight,
			},
			NavigationTimeout: cfg.Navigation.Timeout,
			NavigationRate:    cfg.Navigation.Rate,
			Filter:            filter,
			Schedule: session.Schedule{
				FirstBackoff:  cfg.Navigation.FirstBackoff,
				SecondBackoff: cfg.Navigation.SecondBackoff,
			},
			Registerer: reg,
			Logger:     log.Named("session"),
		},
	)

	a := &app{cfg: cfg, log: log, sessions: sessions}
	if opts.metricsAddr != "" {
		a.serveMetrics(opts.metricsAddr, reg)
	}

	log.Infof("Starting schedgeup %s for theatre %s", version, cfg.TheatreID)
	if err := sessions.EnsureSession(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	a.scraper, err = schedgeup.New(sessions, cfg, log.Named("scraper"))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	a.metrics = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.log.Infof("Serving metrics on %s", addr)
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorf("Metrics server failed: %v", err)
		}
	}()
}

// Close shuts the browser and the metrics server down and flushes the log.
func (a *app) Close() error {
	var errs []error
	if err := a.sessions.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.log.Infof("Done")
	_ = a.log.Close()
	return errors.Join(errs...)
}
