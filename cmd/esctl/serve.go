package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	prom "github.com/codewandler/clstr-es/adapters/prometheus"
	"github.com/codewandler/clstr-es/core/es"
	"github.com/codewandler/clstr-es/core/es/estests/domain"
)

func (a *app) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	metricsAddr := fs.String("metrics", a.cfg.MetricsAddr, "listen address of /metrics, empty disables")
	relayInterval := fs.Duration("relay-interval", a.cfg.RelayInterval, "sweep interval of the relay, 0 disables")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	env, closeEnv, err := a.openEnv(
		ctx,
		es.WithMetrics(prom.NewESMetrics(reg)),
		es.WithRelayInterval(*relayInterval),
	)
	if err != nil {
		return err
	}
	defer closeEnv()

	projection := domain.NewRowProjection(env.KV())
	cfg := a.cfg.Consumer
	if cfg.DurableName == "" {
		cfg.DurableName = "projection-" + projection.Name()
	}
	consumer, err := env.NewConsumer(
		cfg,
		[]es.Handler{projection},
		es.WithMiddlewares(es.OnlyTypes(domain.EventTypes()...)),
	)
	if err != nil {
		return err
	}
	if err := consumer.Start(env.Context()); err != nil {
		return err
	}

	var srv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler(reg))
		srv = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.log.Info("serving metrics", slog.String("addr", *metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	a.log.Info("serving", slog.String("consumer", consumer.Name()))
	<-ctx.Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
