package platform

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/httpx"
	"github.com/md-rashed-zaman/devicecloud/libs/kafkax"
	"github.com/md-rashed-zaman/devicecloud/libs/saga"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 1 << 20

// Handler serves /healthz, /readyz, the operator endpoints and api under
// /api/. Only api traffic is rate limited.
func (p *Platform) Handler(api http.Handler, coord *saga.Coordinator) (http.Handler, error) {
	mux := http.NewServeMux()
	registerHealth(mux, p.checks)
	ops := &opsHandler{relay: p.Relay, coord: coord, logger: p.Logger}
	ops.register(mux)

	if api != nil {
		chain := []httpx.Middleware{httpx.WithBodyLimit(maxBodyBytes)}
		if p.Config.RequestTimeout > 0 {
			chain = append(chain, httpx.WithTimeout(p.Config.RequestTimeout))
		}
		if p.Config.RateLimitPerMinute > 0 {
			rl, err := httpx.NewRedisRateLimiter(p.redis, p.Config.RateLimitPerMinute, time.Minute, "rl:"+p.Config.Service)
			if err != nil {
				return nil, err
			}
			chain = append([]httpx.Middleware{rl.Middleware(p.Logger)}, chain...)
		}
		mux.Handle("/api/", httpx.Chain(api, chain...))
	}

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(p.Logger),
		httpx.WithRecover(p.Logger),
	)
	return otelhttp.NewHandler(handler, p.Config.Service), nil
}

// Run starts the relay, retention purge, compactor, saga sweeper (when coord
// is set), broker consumer and HTTP server, and blocks until ctx ends.
func (p *Platform) Run(ctx context.Context, api http.Handler, coord *saga.Coordinator) error {
	handler, err := p.Handler(api, coord)
	if err != nil {
		return err
	}
	compactor, err := p.NewCompactor()
	if err != nil {
		return err
	}

	var background []func(context.Context)
	background = append(background,
		p.Relay.Run,
		func(ctx context.Context) { p.Relay.RunPurge(ctx, p.Config.PurgeEvery) },
		compactor.Run,
	)
	if coord != nil {
		sweeper, err := saga.NewSweeper(coord, p.Locker, p.Logger, p.Config.Sweeper)
		if err != nil {
			return err
		}
		background = append(background, sweeper.Run)
	}
	if len(p.Router.EventTypes()) > 0 {
		dispatcher, err := p.NewDispatcher()
		if err != nil {
			return err
		}
		consumer, err := kafkax.NewConsumer(p.consumerConfig(), dispatcher, p.Logger)
		if err != nil {
			return err
		}
		background = append(background, consumer.Run)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	for _, fn := range background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              ":" + p.Config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		p.Logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	stop()

	shutdownCtx, cancel := shutdownContext()
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		p.Logger.Error("http server shutdown error", "err", serr)
	}
	wg.Wait()
	p.Logger.Info("service stopped")
	return err
}

// consumerConfig sends poison messages to the same dead-letter sink as the
// relay's exhausted ones.
func (p *Platform) consumerConfig() kafkax.ConsumerConfig {
	return kafkax.ConsumerConfig{
		Brokers:    p.Config.KafkaBrokers,
		GroupID:    p.Config.KafkaGroupID,
		DeadLetter: p.deadLetter,
	}
}
