package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dns-proxy/pkg/config"
	"dns-proxy/pkg/dns"
	"dns-proxy/pkg/forwarder"
	"dns-proxy/pkg/logging"
	"dns-proxy/pkg/ratelimit"
	"dns-proxy/pkg/storage"
	"dns-proxy/pkg/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command without a
// subcommand starts the proxy.
func newRootCmd() *cobra.Command {
	var configPath string

	serve := func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), configPath)
	}

	root := &cobra.Command{
		Use:          "dns-proxy",
		Short:        "Forwarding DNS proxy with local overrides",
		Version:      fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage: true,
		RunE:         serve,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the DNS proxy (default)",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		newCheckCmd(&configPath),
		newQueriesCmd(&configPath),
		newStatsCmd(&configPath),
	)

	return root
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, configPath, logger); err != nil {
		logger.Error("DNS proxy stopped with error", "error", err)
		return err
	}
	return nil
}

// serve builds every component from cfg, runs until ctx is cancelled or the
// listening socket fails, and then shuts everything down in reverse order.
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logging.Logger) error {
	logger.Info("DNS proxy starting",
		"version", version,
		"build_time", buildTime,
	)

	tel, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}
	}()

	metrics, err := tel.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	store, err := storage.New(&cfg.Storage, metrics, logger.WithField("component", "storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize query log storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing query log storage", "error", err)
		}
	}()

	limiter := ratelimit.NewManager(&cfg.RateLimit, logger.WithField("component", "ratelimit"))
	defer limiter.Stop()

	routes, err := dns.NewRoutes(cfg)
	if err != nil {
		return fmt.Errorf("failed to compile routing tables: %w", err)
	}

	fwd := forwarder.NewForwarder(logger.WithField("component", "forwarder"))
	fwd.SetTracer(tel.Tracer())

	handler := dns.NewHandler(routes, fwd, logger)
	handler.SetStorage(store)
	handler.SetMetrics(metrics)
	handler.SetRateLimiter(limiter)

	server := dns.NewServer(cfg.ListenAddress(), handler, logger)
	if err := server.Listen(ctx); err != nil {
		return err
	}

	args := []any{"address", server.LocalAddr().String(), "nameservers", cfg.Nameservers}
	for k, v := range routes.Summary() {
		args = append(args, k, v)
	}
	logger.Info("DNS proxy is running", args...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx)
	})

	if cfg.ReloadConfig {
		watcher, err := config.NewWatcher(configPath, logger.Logger)
		if err != nil {
			logger.Error("Config reload disabled", "error", err)
		} else {
			watcher.OnChange(handler.Reload)
			g.Go(func() error {
				return watcher.Start(gctx)
			})
		}
	}

	if cfg.Storage.Enabled {
		g.Go(func() error {
			return storage.RunRetention(gctx, store, cfg.Storage.RetentionDays, storage.DefaultRetentionInterval, logger.WithField("component", "retention"))
		})
	}

	serveErr := g.Wait()
	if serveErr == nil {
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("Error during server shutdown", "error", err)
	} else if err != nil {
		logger.Warn("Forwarding sessions still running at shutdown", "error", err)
	}

	logger.Info("DNS proxy stopped")
	return serveErr
}
