package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-realtime-storefront/internal/backend"
	"github.com/ariefcatur/go-realtime-storefront/internal/config"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/ariefcatur/go-realtime-storefront/internal/events"
	"github.com/ariefcatur/go-realtime-storefront/internal/janitor"
	kafkax "github.com/ariefcatur/go-realtime-storefront/internal/kafka"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/redisx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{ServiceName: "storefront-janitor"}).Error(context.Background(), "config load failed", err)
		os.Exit(1)
	}
	service := cfg.App.ServiceName + "-janitor"
	log := logger.New(logger.Options{
		ServiceName: service,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !cfg.Kafka.Enabled() {
		log.Error(ctx, "janitor needs kafka", errors.New("STOREFRONT_KAFKA_BROKERS is not set"))
		os.Exit(1)
	}
	b, err := cfg.Backend.Parse()
	if err != nil {
		log.Error(ctx, "backend config", err)
		os.Exit(1)
	}
	store, err := backend.Open(ctx, backend.Options{Backend: b, Store: cfg.Store, Logger: log})
	if err != nil {
		log.Error(ctx, "backend open", err)
		os.Exit(1)
	}
	defer store.Close()

	rdb := redisx.New(redisx.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	svc := &janitor.Service{
		Store:       store,
		Paths:       docstore.Paths{AppID: cfg.App.ID},
		Redis:       rdb,
		Logger:      log,
		ServiceName: service,
	}

	cons := kafkax.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.JanitorGroup, events.TopicCartClearRequested, cfg.Kafka.JanitorWorkers, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info(log.WithFields(ctx, map[string]any{
			"group":   cfg.Kafka.JanitorGroup,
			"topic":   events.TopicCartClearRequested,
			"workers": cfg.Kafka.JanitorWorkers,
		}), "janitor consumer started")
		if err := cons.Start(ctx, svc.HandleCartClearRequested); err != nil {
			log.Error(ctx, "consumer exited", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info(ctx, "shutting down janitor")
	cancel()
	<-done
}
