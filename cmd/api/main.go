package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-realtime-storefront/internal/backend"
	"github.com/ariefcatur/go-realtime-storefront/internal/config"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/ariefcatur/go-realtime-storefront/internal/events"
	"github.com/ariefcatur/go-realtime-storefront/internal/httpx"
	"github.com/ariefcatur/go-realtime-storefront/internal/identity"
	kafkax "github.com/ariefcatur/go-realtime-storefront/internal/kafka"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/metrics"
	"github.com/ariefcatur/go-realtime-storefront/internal/storefront"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{ServiceName: "storefront-api"}).Error(context.Background(), "config load failed", err)
		os.Exit(1)
	}
	log := logger.New(logger.Options{
		ServiceName: cfg.App.ServiceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewStorefront(reg)

	// A missing or broken backend blob keeps the process up in degraded mode.
	var (
		store     *docstore.Guard
		configErr error
	)
	if b, err := cfg.Backend.Parse(); err != nil {
		configErr = err
	} else if store, err = backend.Open(ctx, backend.Options{
		Backend: b, Store: cfg.Store, Logger: log, Observe: m.ObserveStore,
	}); err != nil {
		configErr = err
	}
	if configErr != nil {
		log.Error(ctx, "document store unavailable; serving degraded", configErr)
	}

	var publisher events.Publisher = events.Discard
	var bus *kafkax.Bus
	if cfg.Kafka.Enabled() {
		bus = kafkax.NewBus(cfg.Kafka.Brokers(), cfg.Kafka.Buffer, log)
		bus.Start(ctx)
		publisher = bus
	} else {
		log.Warn(ctx, "kafka brokers not configured; checkout events are dropped")
	}

	opts := storefront.Options{
		AppID:       cfg.App.ID,
		ServiceName: cfg.App.ServiceName,
		ConfigErr:   configErr,
		Authenticator: identity.NewProvider(identity.ProviderOptions{
			Secret: cfg.Auth.TokenSecret,
			Issuer: cfg.Auth.TokenIssuer,
			TTL:    cfg.Auth.TokenTTL,
		}),
		InitialToken: cfg.Auth.InitialToken,
		Publisher:    publisher,
		Logger:       log,
		Metrics:      m,
		NoticeLimit:  cfg.App.NoticeLimit,
		ClearAwait:   cfg.Store.ClearAwait,
	}
	if store != nil {
		opts.Store = store
	}
	app := storefront.New(opts)
	if err := app.Start(ctx); err != nil && configErr == nil {
		log.Error(ctx, "storefront start failed", err)
	}

	router := httpx.NewRouter(httpx.RouterOptions{
		App:            app,
		Logger:         log,
		Gatherer:       reg,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	go func() {
		log.Info(log.WithField(ctx, "addr", cfg.HTTP.Addr), "http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "http listen failed", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info(ctx, "shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "http shutdown failed", err)
	}
	app.Close(shutdownCtx)
	if bus != nil {
		bus.Close()
	}
	cancel()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error(shutdownCtx, "store close failed", err)
		}
	}
}
