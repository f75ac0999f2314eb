package httpx

import (
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/storefront"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	App            *storefront.App
	Logger         *logger.Logger
	Gatherer       prometheus.Gatherer
	RequestTimeout time.Duration
}

func NewRouter(opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, requestID(opts.Logger), logging(opts.Logger), recoverer(opts.Logger))
	r.Use(middleware.Timeout(opts.RequestTimeout))

	h := &Handler{App: opts.App, Logger: opts.Logger}
	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	h.Register(r)
	return r
}
