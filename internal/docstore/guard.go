package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
)

type GuardOptions struct {
	// Timeout bounds every remote call. Zero disables it.
	Timeout time.Duration
	// RetryAttempts is the number of extra tries for idempotent calls and
	// the number of consecutive resubscribe failures tolerated.
	RetryAttempts uint64
	RetryBackoff  time.Duration

	BreakerFailures uint32
	BreakerCooldown time.Duration

	Logger *logger.Logger
	// Observe is called once per guarded call with its final error.
	Observe func(op string, err error)
}

// Guard hardens a Store. Calls get a deadline, idempotent calls are retried
// with bounded exponential backoff, and a circuit breaker fails fast while
// the backend is down. Subscriptions are resumed after an error: onError
// still fires for every interruption, and snapshots continue once the
// listener is re-established.
type Guard struct {
	inner Store
	opts  GuardOptions
	cb    *gobreaker.CircuitBreaker[any]
	log   *logger.Logger
}

var _ Store = (*Guard)(nil)

func NewGuard(inner Store, opts GuardOptions) *Guard {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	g := &Guard{inner: inner, opts: opts, log: log}
	g.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "docstore",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !remoteFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ctx := g.log.WithFields(context.Background(), map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			g.log.Warn(ctx, "circuit breaker state changed")
		},
	})
	return g
}

// Inner returns the wrapped store.
func (g *Guard) Inner() Store { return g.inner }

func (g *Guard) Get(ctx context.Context, docPath string) (Document, error) {
	v, err := g.call(ctx, "get", true, func(ctx context.Context) (any, error) {
		return g.inner.Get(ctx, docPath)
	})
	if err != nil {
		return Document{}, err
	}
	return v.(Document), nil
}

func (g *Guard) Set(ctx context.Context, docPath string, fields Fields) error {
	_, err := g.call(ctx, "set", true, func(ctx context.Context) (any, error) {
		return nil, g.inner.Set(ctx, docPath, fields)
	})
	return err
}

func (g *Guard) Update(ctx context.Context, docPath string, fields Fields) error {
	_, err := g.call(ctx, "update", true, func(ctx context.Context) (any, error) {
		return nil, g.inner.Update(ctx, docPath, fields)
	})
	return err
}

func (g *Guard) Delete(ctx context.Context, docPath string) error {
	_, err := g.call(ctx, "delete", true, func(ctx context.Context) (any, error) {
		return nil, g.inner.Delete(ctx, docPath)
	})
	return err
}

func (g *Guard) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	v, err := g.call(ctx, "add", false, func(ctx context.Context) (any, error) {
		return g.inner.Add(ctx, collection, fields)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Guard) List(ctx context.Context, collection string) ([]Document, error) {
	v, err := g.call(ctx, "list", true, func(ctx context.Context) (any, error) {
		return g.inner.List(ctx, collection)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Document), nil
}

// IncrementOrCreate is forwarded when the wrapped store supports it. It is
// never retried.
func (g *Guard) IncrementOrCreate(ctx context.Context, docPath, field string, delta int64, init Fields) (int64, error) {
	inc, ok := g.inner.(Incrementer)
	if !ok {
		return 0, ErrUnsupported
	}
	v, err := g.call(ctx, "increment", false, func(ctx context.Context) (any, error) {
		return inc.IncrementOrCreate(ctx, docPath, field, delta, init)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// SupportsIncrement reports whether IncrementOrCreate reaches the backend.
func (g *Guard) SupportsIncrement() bool {
	_, ok := g.inner.(Incrementer)
	return ok
}

func (g *Guard) Close() error {
	return g.inner.Close()
}

func (g *Guard) Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &guardedSub{
		g:          g,
		ctx:        sctx,
		collection: collection,
		onSnapshot: onSnapshot,
		onError:    onError,
		errs:       make(chan error, 1),
	}

	if err := s.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	go s.supervise()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

type guardedSub struct {
	g          *Guard
	ctx        context.Context
	collection string
	onSnapshot SnapshotFunc
	onError    ErrorFunc

	errs      chan error
	delivered atomic.Bool

	mu    sync.Mutex
	unsub Unsubscribe
}

func (s *guardedSub) subscribe() error {
	s.delivered.Store(false)
	v, err := s.g.call(s.ctx, "subscribe", true, func(context.Context) (any, error) {
		return s.g.inner.Subscribe(s.ctx, s.collection, s.deliver, s.fail)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsub = v.(Unsubscribe)
	s.mu.Unlock()
	return nil
}

func (s *guardedSub) deliver(docs []Document) {
	if s.ctx.Err() != nil {
		return
	}
	s.delivered.Store(true)
	if s.onSnapshot != nil {
		s.onSnapshot(docs)
	}
}

func (s *guardedSub) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *guardedSub) stopInner() {
	s.mu.Lock()
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	s.mu.Unlock()
}

func (s *guardedSub) supervise() {
	defer s.stopInner()

	var failures uint64
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.errs:
			s.stopInner()
			if s.ctx.Err() != nil {
				return
			}
			s.g.observe("subscription", err)
			if s.onError != nil {
				s.onError(err)
			}
			if s.delivered.Load() {
				failures = 0
			}
			failures++
			logCtx := s.g.log.WithField(s.ctx, "collection", s.collection)
			if failures > s.g.opts.RetryAttempts || errors.Is(err, ErrClosed) || errors.Is(err, ErrInvalidPath) {
				s.g.log.Error(logCtx, "subscription abandoned", err)
				return
			}

			wait := s.g.opts.RetryBackoff << (failures - 1)
			s.g.log.Warn(s.g.log.WithFields(logCtx, map[string]any{
				"attempt": failures,
				"wait":    wait.String(),
			}), "resubscribing after error")

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			if err := s.subscribe(); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				if s.onError != nil {
					s.onError(err)
				}
				s.g.log.Error(logCtx, "resubscribe failed", err)
				return
			}
		}
	}
}

func (g *Guard) call(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) (any, error)) (any, error) {
	attempt := func(ctx context.Context) (any, error) {
		return g.cb.Execute(func() (any, error) {
			cctx, cancel := g.withTimeout(ctx)
			defer cancel()
			v, err := fn(cctx)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, op, g.opts.Timeout)
			}
			return v, err
		})
	}

	var (
		out any
		err error
	)
	if !idempotent || g.opts.RetryAttempts == 0 {
		out, err = attempt(ctx)
	} else {
		err = retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
			v, err := attempt(ctx)
			if err != nil {
				if retryable(ctx, err) {
					return retry.RetryableError(err)
				}
				return err
			}
			out = v
			return nil
		})
	}
	g.observe(op, err)
	return out, err
}

func (g *Guard) backoff() retry.Backoff {
	b := retry.NewExponential(g.opts.RetryBackoff)
	b = retry.WithCappedDuration(2*time.Second, b)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(g.opts.RetryAttempts, b)
}

func (g *Guard) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.opts.Timeout)
}

func (g *Guard) observe(op string, err error) {
	if g.opts.Observe != nil {
		g.opts.Observe(op, err)
	}
}

// remoteFault reports whether err says something about backend health.
func remoteFault(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidPath),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || !remoteFault(err) {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return true
}
