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
	"github.com/md-rashed-zaman/devicecloud/services/device-service/internal/api"
	"github.com/md-rashed-zaman/devicecloud/services/device-service/internal/device"
)

func main() {
	logger := runtime.NewLogger(config.String("SERVICE_NAME", "device-service"))
	if err := config.Load(); err != nil {
		logger.Error("loading configuration", "err", err)
		os.Exit(1)
	}
	service := config.String("SERVICE_NAME", "device-service")
	logger = runtime.NewLogger(service)

	ctx, stop := runtime.ShutdownContext(context.Background(), logger)
	defer stop()

	if err := run(ctx, service, logger); err != nil {
		logger.Error("device service failed", "err", err)
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

	cfg, err := platform.ConfigFromEnv(service, "8085")
	if err != nil {
		return err
	}
	p, err := platform.Open(ctx, cfg, recorder, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	devices, err := device.NewService(p.Events, p.Outbox, p.Beginner)
	if err != nil {
		return err
	}
	if err := devices.Routes(p.Router); err != nil {
		return err
	}

	// The device service runs no sagas of its own.
	return p.Run(ctx, api.New(devices, logger).Routes(), nil)
}
