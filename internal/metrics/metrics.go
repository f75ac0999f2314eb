package metrics

import (
	"errors"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/prometheus/client_golang/prometheus"
)

// Storefront records store traffic, cart activity and checkout progress.
type Storefront struct {
	storeOps    *prometheus.CounterVec
	cartOps     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	snapshots   *prometheus.CounterVec
	confirm     *prometheus.HistogramVec
	sessions    prometheus.Gauge
}

// NewStorefront registers the storefront metrics on the provided registerer.
// A nil registerer yields a recorder that drops everything.
func NewStorefront(reg prometheus.Registerer) *Storefront {
	if reg == nil {
		return &Storefront{}
	}
	storeOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_store_ops_total",
		Help: "Document store calls by operation and outcome.",
	}, []string{"op", "outcome"})
	cartOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_cart_ops_total",
		Help: "Cart mutations by operation and outcome.",
	}, []string{"op", "outcome"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_checkout_transitions_total",
		Help: "Checkout state transitions.",
	}, []string{"from", "to"})
	snapshots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_snapshots_total",
		Help: "Snapshots applied by consumer.",
	}, []string{"consumer"})
	confirm := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storefront_checkout_confirm_seconds",
		Help:    "Duration of order confirmation including cart clear.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_open_sessions",
		Help: "Sessions currently open.",
	})
	reg.MustRegister(storeOps, cartOps, transitions, snapshots, confirm, sessions)
	return &Storefront{
		storeOps:    storeOps,
		cartOps:     cartOps,
		transitions: transitions,
		snapshots:   snapshots,
		confirm:     confirm,
		sessions:    sessions,
	}
}

// ObserveStore matches docstore.GuardOptions.Observe.
func (s *Storefront) ObserveStore(op string, err error) {
	if s == nil || s.storeOps == nil {
		return
	}
	s.storeOps.WithLabelValues(normalizeLabel(op), storeOutcome(err)).Inc()
}

func (s *Storefront) CartOp(op string, err error) {
	if s == nil || s.cartOps == nil {
		return
	}
	s.cartOps.WithLabelValues(normalizeLabel(op), outcome(err)).Inc()
}

func (s *Storefront) Transition(from, to string) {
	if s == nil || s.transitions == nil {
		return
	}
	s.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (s *Storefront) Snapshot(consumer string) {
	if s == nil || s.snapshots == nil {
		return
	}
	s.snapshots.WithLabelValues(normalizeLabel(consumer)).Inc()
}

func (s *Storefront) ObserveConfirm(d time.Duration, err error) {
	if s == nil || s.confirm == nil {
		return
	}
	s.confirm.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

func (s *Storefront) SessionOpened() {
	if s == nil || s.sessions == nil {
		return
	}
	s.sessions.Inc()
}

func (s *Storefront) SessionClosed() {
	if s == nil || s.sessions == nil {
		return
	}
	s.sessions.Dec()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func storeOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, docstore.ErrNotFound):
		return "not_found"
	case errors.Is(err, docstore.ErrTimeout):
		return "timeout"
	}
	return "error"
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
