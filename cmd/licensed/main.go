// Command licensed runs the licensing daemon: it owns one license session
// for the configured product, re-verifies genuineness on a schedule, and
// exposes the engine to the host application over HTTP.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	transporthttp "licensegate/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer infrastructure.CloseLogger()

	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer provider.Shutdown(context.Background())
	metrics, err := license.NewMetrics(provider.Meter("licensegate"))
	if err != nil {
		return fmt.Errorf("failed to create engine metrics: %w", err)
	}

	store, err := license.NewFileStore(cfg.Store.Dir, []byte(cfg.Store.Secret))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	channel := license.NewHTTPChannel(cfg.Channel.BaseURL, cfg.Channel.APIKey, cfg.Channel.Timeout)

	registry := license.NewRegistry(store, channel, logger)
	registry.SetMetrics(metrics)
	defer registry.Close()

	handle, err := registry.AcquireHandle(license.ProductConfig{
		VersionGUID: cfg.Product.VersionGUID,
		TrialDays:   cfg.Product.TrialDays,
	})
	if err != nil {
		return fmt.Errorf("failed to acquire handle: %w", err)
	}
	session, err := registry.Session(handle)
	if err != nil {
		return err
	}

	genuine := license.GenuineOptions{
		DaysBetweenChecks:       cfg.Genuine.DaysBetweenChecks,
		GraceDaysOnNetworkError: cfg.Genuine.GraceDaysOnNetError,
		SkipOfflineShowError:    cfg.Genuine.SkipOfflineShowError,
	}

	handler := transporthttp.NewLicenseHandler(session, genuine, logger)
	router := transporthttp.NewRouter(handler, promhttp.Handler(), logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("http server listening",
			slog.Int("port", cfg.Server.Port),
			slog.Uint64("handle", uint64(handle)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		return recheckLoop(ctx, session, genuine, cfg.Genuine.RecheckInterval)
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// recheckLoop re-runs the scheduled verification so the grace window is
// refreshed while the daemon is up, without the host having to poll. Each
// pass runs under its own trace ID so its log lines correlate.
func recheckLoop(ctx context.Context, session *license.Session, genuine license.GenuineOptions, interval time.Duration) error {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			passCtx := infrastructure.EnsureTraceID(ctx)
			logger := infrastructure.LoggerWithContext(passCtx)
			outcome, err := session.Verify(passCtx, genuine)
			if err != nil {
				logger.WarnContext(passCtx, "scheduled verification failed",
					slog.String("error", err.Error()))
				continue
			}
			logger.InfoContext(passCtx, "scheduled verification",
				slog.String("outcome", outcome.String()),
				slog.Bool("genuine", outcome.Genuine()),
			)
		}
	}
}
