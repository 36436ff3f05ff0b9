// Command billingd keeps GCP projects bound to healthy billing accounts.
// It runs the reconcile loop for every configured identity and serves the
// operator console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/QingyeSC/gcp-billing-manager/pkg/actions"
	"github.com/QingyeSC/gcp-billing-manager/pkg/archive"
	"github.com/QingyeSC/gcp-billing-manager/pkg/config"
	"github.com/QingyeSC/gcp-billing-manager/pkg/console"
	"github.com/QingyeSC/gcp-billing-manager/pkg/gcp"
	"github.com/QingyeSC/gcp-billing-manager/pkg/observability"
	"github.com/QingyeSC/gcp-billing-manager/pkg/rategate"
	"github.com/QingyeSC/gcp-billing-manager/pkg/reconciler"
	"github.com/QingyeSC/gcp-billing-manager/pkg/retry"
	"github.com/QingyeSC/gcp-billing-manager/pkg/scheduler"
	"github.com/QingyeSC/gcp-billing-manager/pkg/store"
)

var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("billingd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *showVersion {
		_, _ = fmt.Fprintf(stdout, "billingd %s\n", version)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "billingd: %v\n", err)
		return 1
	}

	logger := newLogger(stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited with error", "error", err)
		return 1
	}
	logger.Info("daemon stopped")
	return 0
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Init(ctx); err != nil {
		return err
	}

	provider, err := observability.New(ctx, observability.Config{
		ServiceName:    "billingd",
		ServiceVersion: version,
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics := provider.Metrics

	sink, err := archive.NewSink(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	exporter := archive.NewExporter(st, sink)

	// One shared gate and retry policy for every identity's client.
	gate := rategate.New(cfg.MaxQPSPerAccount)
	exec := retry.New(cfg.MaxRetries, cfg.BaseRetryDelay, cfg.MaxRetryDelay, cfg.EnableJitter, logger)
	exec.OnRetry = func(op string, attempt int, err error) {
		metrics.ProviderRetry(ctx, op)
	}

	reconcileClients := func(ctx context.Context, ident config.Identity) (gcp.Client, error) {
		return gcp.NewService(ctx, ident.Name, ident.CredentialsFile, gate, exec, logger)
	}
	actionClients := func(ctx context.Context, ident *store.Identity) (gcp.Client, error) {
		return gcp.NewService(ctx, ident.Name, ident.CredentialsFile, gate, exec, logger)
	}

	rec := reconciler.New(st, reconcileClients, cfg.EnableAutoSwitch, cfg.MaxProjectsPerBilling, metrics, logger)
	acts := actions.New(st, actionClients, metrics, logger)
	alert := observability.NewAlertWebhook(cfg.AlertWebhookURL, logger)
	sched := scheduler.New(cfg, rec.Reconcile, metrics, alert, logger)
	srv := console.New(cfg.ConsoleAddr, version, st, acts, exporter, logger)

	consoleErr := make(chan error, 1)
	go func() { consoleErr <- srv.Start() }()

	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-consoleErr:
		runErr = fmt.Errorf("console server failed: %w", err)
	case err := <-schedErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("console shutdown failed", "error", err)
	}
	return runErr
}

// openStore picks MySQL when configured, otherwise falls back to the
// embedded sqlite database (lite mode).
func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if cfg.UseMySQL() {
		logger.Info("using mysql backend", "host", cfg.MySQL.Host, "db", cfg.MySQL.DB)
		return store.OpenMySQL(cfg.MySQL.DSN())
	}
	logger.Warn("mysql not configured, running in lite mode", "path", cfg.LiteDBPath)
	return store.OpenSQLite(cfg.LiteDBPath)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
