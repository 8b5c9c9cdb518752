package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/config"
	"github.com/md-rashed-zaman/devicecloud/libs/metrics"
	otelx "github.com/md-rashed-zaman/devicecloud/libs/otel"
	"github.com/md-rashed-zaman/devicecloud/libs/platform"
	"github.com/md-rashed-zaman/devicecloud/libs/runtime"
	"github.com/md-rashed-zaman/devicecloud/services/billing-service/internal/api"
	"github.com/md-rashed-zaman/devicecloud/services/billing-service/internal/balance"
	"github.com/md-rashed-zaman/devicecloud/services/billing-service/internal/purchase"
)

func main() {
	logger := runtime.NewLogger(config.String("SERVICE_NAME", "billing-service"))
	if err := config.Load(); err != nil {
		logger.Error("loading configuration", "err", err)
		os.Exit(1)
	}
	service := config.String("SERVICE_NAME", "billing-service")
	logger = runtime.NewLogger(service)

	ctx, stop := runtime.ShutdownContext(context.Background(), logger)
	defer stop()

	if err := run(ctx, service, logger); err != nil {
		logger.Error("billing service failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, service string, logger *slog.Logger) error {
	providers, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()
	recorder, err := metrics.NewOTel(providers.MeterProvider)
	if err != nil {
		return err
	}

	cfg, err := platform.ConfigFromEnv(service, "8084")
	if err != nil {
		return err
	}
	stepTimeout, err := config.Duration("PURCHASE_STEP_TIMEOUT", 30*time.Second)
	if err != nil {
		return err
	}
	sagaTimeout, err := config.Duration("PURCHASE_TIMEOUT", 15*time.Minute)
	if err != nil {
		return err
	}

	p, err := platform.Open(ctx, cfg, recorder, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	coord, err := p.NewCoordinator()
	if err != nil {
		return err
	}
	if err := coord.Register(purchase.Definition(stepTimeout, sagaTimeout)); err != nil {
		return err
	}
	balances, err := balance.NewService(p.Events, p.Outbox, p.Beginner)
	if err != nil {
		return err
	}
	if err := balances.Routes(p.Router); err != nil {
		return err
	}
	purchases := purchase.NewService(coord, p.Beginner)
	if err := purchases.Routes(p.Router); err != nil {
		return err
	}

	return p.Run(ctx, api.New(balances, purchases, logger).Routes(), coord)
}
