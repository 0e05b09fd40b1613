package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klyr/klyr/internal/api"
	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/gateway"
	"github.com/klyr/klyr/internal/grasshopper"
	"github.com/klyr/klyr/internal/inspect"
	"github.com/klyr/klyr/internal/logging"
	"github.com/klyr/klyr/internal/observability"
	"github.com/klyr/klyr/internal/rules"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inspecting gateway and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("config path is required")
			}
			store, err := config.OpenStore(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), store)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

// settings is what serve needs from the configuration at startup.
type settings struct {
	server      config.ServerConfig
	admin       config.AdminConfig
	metrics     config.MetricsConfig
	tracing     config.TracingConfig
	logging     config.LoggingConfig
	library     string
	tlsCert     string
	tlsKey      string
	decisionLog string
	store       string
}

func snapshot(store *config.Store) (settings, error) {
	s, ok := config.With(store, func(cfg *config.Config) settings {
		return settings{
			server:      cfg.Server,
			admin:       cfg.Admin,
			metrics:     cfg.Metrics,
			tracing:     cfg.Tracing,
			logging:     cfg.Logging,
			library:     cfg.ResolvePath(cfg.Grasshopper.Library),
			tlsCert:     cfg.ResolvePath(cfg.Server.TLS.CertFile),
			tlsKey:      cfg.ResolvePath(cfg.Server.TLS.KeyFile),
			decisionLog: cfg.ResolvePath(cfg.Logging.DecisionLog),
			store:       cfg.ResolvePath(cfg.Logging.DecisionStore),
		}
	})
	if !ok {
		return settings{}, errors.New("no configuration loaded")
	}
	return s, nil
}

func serve(ctx context.Context, store *config.Store) error {
	s, err := snapshot(store)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(os.Stderr, s.logging.Level, s.logging.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if s.tracing.Enabled {
		name := s.tracing.ServiceName
		if name == "" {
			name = "klyr"
		}
		shutdown, err := observability.InitTracer(name, os.Stdout, logger)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	ins := inspect.New(store, rules.NewDB())
	ins.SetLogger(logger)
	if err := ins.LoadRules(); err != nil {
		return err
	}
	if gh := grasshopper.Open(s.library, logger); gh != nil {
		ins.SetGateway(gh)
	}

	var sinks []logging.Sink
	if s.decisionLog != "" {
		dl, closeLog, err := logging.OpenDecisionLog(s.decisionLog)
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()
		sinks = append(sinks, dl)
	}
	var decisions *logging.SQLiteStore
	if s.store != "" {
		decisions, err = logging.OpenSQLiteStore(s.store)
		if err != nil {
			return err
		}
		defer func() { _ = decisions.Close() }()
		sinks = append(sinks, decisions)
	}
	if len(sinks) > 0 {
		ins.SetDecisionLogger(logging.Tee(sinks...))
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	ins.SetMetrics(metrics)

	gw, err := gateway.New(store, ins)
	if err != nil {
		return err
	}
	gw.SetLogger(logger)

	var servers []*http.Server
	serverErr := make(chan error, 3)
	start := func(srv *http.Server, listen func() error) {
		servers = append(servers, srv)
		go func() { serverErr <- listen() }()
	}

	proxySrv := &http.Server{
		Addr:              s.server.Listen,
		Handler:           gw,
		ReadHeaderTimeout: 5 * time.Second,
	}
	start(proxySrv, func() error {
		if s.server.TLS.Enabled {
			return proxySrv.ListenAndServeTLS(s.tlsCert, s.tlsKey)
		}
		return proxySrv.ListenAndServe()
	})
	logger.Info("gateway listening", "addr", s.server.Listen)

	if s.metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: s.metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		start(srv, srv.ListenAndServe)
		logger.Info("metrics listening", "addr", s.metrics.Listen)
	}

	if s.admin.Enabled {
		opts := []api.Option{api.WithLogger(logger), api.WithMetrics(metrics, metrics.Handler(reg))}
		if decisions != nil {
			opts = append(opts, api.WithDecisions(decisions))
		}
		srv := api.NewServer(ins, opts...).HTTPServer(s.admin.Listen)
		start(srv, srv.ListenAndServe)
		logger.Info("admin api listening", "addr", s.admin.Listen)
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-signalCtx.Done():
			break loop
		case <-hup:
			if err := ins.Reload(); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			rev, _ := config.With(store, func(cfg *config.Config) string { return cfg.Revision })
			logger.Info("config reloaded", "revision", rev)
		case err := <-serverErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				runErr = err
			}
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}
