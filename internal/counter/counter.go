// Package counter keeps the shared click counter document in sync.
package counter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/metrics"
	"github.com/ariefcatur/go-realtime-storefront/internal/notify"
)

const field = "count"

type Deps struct {
	Store    docstore.Store
	Paths    docstore.Paths
	Notifier notify.Notifier
	Logger   *logger.Logger
	Metrics  *metrics.Storefront
}

type Counter struct {
	deps Deps
	path string
	coll string
	id   string

	mu     sync.RWMutex
	value  int64
	ready  bool
	unsub  docstore.Unsubscribe
	closed bool
	once   sync.Once
}

func New(deps Deps) *Counter {
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	path := deps.Paths.CounterDoc()
	coll, id, _ := docstore.Split(path)
	return &Counter{deps: deps, path: path, coll: coll, id: id}
}

// Start makes sure the counter document exists and follows it.
func (c *Counter) Start(ctx context.Context) error {
	c.mu.RLock()
	closed, started := c.closed, c.unsub != nil
	c.mu.RUnlock()
	if closed {
		return apperr.New(apperr.CodeNotReady, "counter is closed")
	}
	if started {
		return nil
	}

	if err := c.ensure(ctx); err != nil {
		return c.failed(ctx, "could not create counter", err)
	}
	unsub, err := c.deps.Store.Subscribe(ctx, c.coll, c.apply, c.fail)
	if err != nil {
		return c.failed(ctx, "could not load counter", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		unsub()
		return apperr.New(apperr.CodeNotReady, "counter is closed")
	}
	c.unsub = unsub
	return nil
}

func (c *Counter) ensure(ctx context.Context) error {
	if inc, ok := docstore.AsIncrementer(c.deps.Store); ok {
		_, err := inc.IncrementOrCreate(ctx, c.path, field, 0, docstore.Fields{field: 0})
		return err
	}
	_, err := c.deps.Store.Get(ctx, c.path)
	if errors.Is(err, docstore.ErrNotFound) {
		return c.deps.Store.Set(ctx, c.path, docstore.Fields{field: 0})
	}
	return err
}

func (c *Counter) apply(docs []docstore.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, doc := range docs {
		if doc.ID != c.id {
			continue
		}
		n, ok := doc.Fields.Int64(field)
		if !ok {
			c.deps.Logger.Warn(context.Background(), fmt.Sprintf("counter document has a non-integer %q", field))
			return
		}
		c.value = n
		c.ready = true
		c.deps.Metrics.Snapshot("counter")
		return
	}
}

func (c *Counter) fail(err error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}
	ctx := context.Background()
	c.deps.Logger.Error(ctx, "counter subscription error", err)
	c.deps.Notifier.Notify(ctx, "The counter may be out of date.", notify.KindWarning)
}

// Value returns the last seen count and whether one has arrived yet.
func (c *Counter) Value() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.ready
}

// Increment adds one. Without an atomic backend it writes last seen + 1, so
// concurrent clicks from different processes can be lost.
func (c *Counter) Increment(ctx context.Context) error {
	c.mu.RLock()
	ready, closed, cur := c.ready, c.closed, c.value
	c.mu.RUnlock()
	if closed || !ready {
		return apperr.New(apperr.CodeNotReady, "counter is not ready")
	}

	var err error
	if inc, ok := docstore.AsIncrementer(c.deps.Store); ok {
		_, err = inc.IncrementOrCreate(ctx, c.path, field, 1, docstore.Fields{field: 0})
	} else {
		err = c.deps.Store.Update(ctx, c.path, docstore.Fields{field: cur + 1})
	}
	if err != nil {
		return c.failed(ctx, "could not increment counter", err)
	}
	return nil
}

func (c *Counter) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		unsub := c.unsub
		c.unsub = nil
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	})
}

func (c *Counter) failed(ctx context.Context, msg string, err error) error {
	err = docstore.Classify(err, msg)
	c.deps.Logger.Error(ctx, msg, err)
	c.deps.Notifier.Notify(ctx, "Error updating counter. Please try again.", notify.KindError)
	return err
}
