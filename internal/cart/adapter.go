// Package cart maps cart mutations onto documents under the session's cart
// collection and mirrors that collection back through a subscription. The
// visible cart only ever changes when a snapshot arrives.
package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-realtime-storefront/internal/catalog"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/metrics"
	"github.com/ariefcatur/go-realtime-storefront/internal/notify"
	"golang.org/x/sync/errgroup"
)

const (
	clearPrompt  = "Are you sure you want to clear all items from your cart?"
	clearWorkers = 8
)

// ErrMalformedLine is returned when a stored line has no integer quantity to
// add to.
var ErrMalformedLine = errors.New("cart line has no integer quantity")

type Deps struct {
	Store    docstore.Store
	Paths    docstore.Paths
	Notifier notify.Notifier
	Logger   *logger.Logger
	Metrics  *metrics.Storefront
	// QueueSize bounds pending mutations.
	QueueSize int
}

type op struct {
	ctx    context.Context
	name   string
	run    func(ctx context.Context) error
	result chan error
}

type Adapter struct {
	deps Deps

	inbox chan op
	quit  chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	sessionID string
	gen       uint64
	unsub     docstore.Unsubscribe
	snap      Snapshot
	changed   chan struct{}
	closed    bool
	closeOnce sync.Once
}

func New(deps Deps) *Adapter {
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = 64
	}
	a := &Adapter{
		deps:    deps,
		inbox:   make(chan op, deps.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Adapter) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case o := <-a.inbox:
			o.result <- o.run(a.deps.Logger.WithField(o.ctx, "cart_op", o.name))
		}
	}
}

// submit queues fn behind every earlier mutation and waits for its result.
func (a *Adapter) submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	o := op{ctx: ctx, name: name, run: fn, result: make(chan error, 1)}
	select {
	case a.inbox <- o:
	case <-a.quit:
		return apperr.New(apperr.CodeNotReady, "cart is closed")
	case <-ctx.Done():
		return apperr.Wrap(apperr.CodeTimeout, ctx.Err(), "cart request abandoned")
	}
	select {
	case err := <-o.result:
		return err
	case <-a.quit:
		return apperr.New(apperr.CodeNotReady, "cart is closed")
	case <-ctx.Done():
		return apperr.Wrap(apperr.CodeTimeout, ctx.Err(), "cart request abandoned")
	}
}

// Attach points the adapter at a session cart. ctx bounds the subscription.
func (a *Adapter) Attach(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return apperr.New(apperr.CodeNotReady, "no session to attach")
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return apperr.New(apperr.CodeNotReady, "cart is closed")
	}
	if a.sessionID == sessionID && a.unsub != nil {
		a.mu.Unlock()
		return nil
	}
	a.detachLocked()
	a.gen++
	gen := a.gen
	a.sessionID = sessionID
	a.mu.Unlock()

	unsub, err := a.deps.Store.Subscribe(ctx, a.deps.Paths.Cart(sessionID),
		func(docs []docstore.Document) { a.apply(gen, docs) },
		func(err error) { a.fail(gen, err) },
	)
	if err != nil {
		err = docstore.Classify(err, "could not load cart")
		a.report(ctx, "attach", err, "Could not load your cart.")
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.gen != gen {
		unsub()
		return nil
	}
	a.unsub = unsub
	return nil
}

// Detach drops the subscription and forgets the session.
func (a *Adapter) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detachLocked()
	a.gen++
}

func (a *Adapter) detachLocked() {
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	a.sessionID = ""
	a.snap = Snapshot{}
	a.signalLocked()
}

func (a *Adapter) apply(gen uint64, docs []docstore.Document) {
	lines := make([]Line, 0, len(docs))
	for _, doc := range docs {
		l, err := lineFromDocument(doc)
		if err != nil {
			a.deps.Logger.Warn(context.Background(), fmt.Sprintf("skipping cart line: %v", err))
			continue
		}
		lines = append(lines, l)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || gen != a.gen {
		return
	}
	a.snap = Snapshot{SessionID: a.sessionID, Lines: lines, Version: a.snap.Version + 1}
	a.signalLocked()
	a.deps.Metrics.Snapshot("cart")
}

func (a *Adapter) fail(gen uint64, err error) {
	a.mu.Lock()
	stale := a.closed || gen != a.gen
	a.mu.Unlock()
	if stale {
		return
	}
	a.report(context.Background(), "subscription", docstore.Classify(err, "cart subscription failed"), "Your cart may be out of date.")
}

func (a *Adapter) signalLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

func (a *Adapter) session() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", apperr.New(apperr.CodeNotReady, "cart is closed")
	}
	if a.sessionID == "" {
		return "", apperr.New(apperr.CodeNotReady, "no signed-in session")
	}
	return a.sessionID, nil
}

// AddItem adds qty units of p. An existing line keeps its captured name,
// price and image and only grows in quantity.
func (a *Adapter) AddItem(ctx context.Context, p catalog.Product, qty int64) error {
	if qty <= 0 {
		return apperr.New(apperr.CodeValidation, "quantity must be positive").
			WithDetails(map[string]string{"quantity": "must be at least 1"})
	}
	if p.ID == "" {
		return apperr.New(apperr.CodeValidation, "product id is required")
	}
	sessionID, err := a.session()
	if err != nil {
		return err
	}

	err = a.submit(ctx, "add", func(ctx context.Context) error {
		return a.addLine(ctx, a.deps.Paths.CartLine(sessionID, p.ID), p, qty)
	})
	a.deps.Metrics.CartOp("add", err)
	if err != nil {
		err = docstore.Classify(err, "could not add item to cart")
		a.report(ctx, "add", err, fmt.Sprintf("Could not add %s to your cart.", p.Name))
		return err
	}
	a.deps.Notifier.Notify(ctx, fmt.Sprintf("Added %s to your cart.", p.Name), notify.KindSuccess)
	return nil
}

func (a *Adapter) addLine(ctx context.Context, path string, p catalog.Product, qty int64) error {
	if inc, ok := docstore.AsIncrementer(a.deps.Store); ok {
		_, err := inc.IncrementOrCreate(ctx, path, "quantity", qty, newLineFields(p, 0))
		return err
	}

	doc, err := a.deps.Store.Get(ctx, path)
	if errors.Is(err, docstore.ErrNotFound) {
		return a.deps.Store.Set(ctx, path, newLineFields(p, qty))
	}
	if err != nil {
		return err
	}
	cur, ok := doc.Fields.Int64("quantity")
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrMalformedLine)
	}
	return a.deps.Store.Update(ctx, path, docstore.Fields{"quantity": cur + qty})
}

// SetQuantity overwrites a line's quantity; qty <= 0 removes the line.
func (a *Adapter) SetQuantity(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return a.RemoveItem(ctx, productID)
	}
	sessionID, err := a.session()
	if err != nil {
		return err
	}
	err = a.submit(ctx, "set_quantity", func(ctx context.Context) error {
		return a.deps.Store.Update(ctx, a.deps.Paths.CartLine(sessionID, productID), docstore.Fields{"quantity": qty})
	})
	a.deps.Metrics.CartOp("set_quantity", err)
	if err != nil {
		err = docstore.Classify(err, "could not update quantity")
		a.report(ctx, "set_quantity", err, "Could not update the quantity.")
		return err
	}
	return nil
}

// RemoveItem deletes the line. Removing an absent line succeeds.
func (a *Adapter) RemoveItem(ctx context.Context, productID string) error {
	sessionID, err := a.session()
	if err != nil {
		return err
	}
	err = a.submit(ctx, "remove", func(ctx context.Context) error {
		return a.deps.Store.Delete(ctx, a.deps.Paths.CartLine(sessionID, productID))
	})
	a.deps.Metrics.CartOp("remove", err)
	if err != nil {
		err = docstore.Classify(err, "could not remove item")
		a.report(ctx, "remove", err, "Could not remove the item.")
		return err
	}
	return nil
}

// Clear deletes every line of the session cart.
func (a *Adapter) Clear(ctx context.Context) error {
	sessionID, err := a.session()
	if err != nil {
		return err
	}
	err = a.submit(ctx, "clear", func(ctx context.Context) error {
		_, err := ClearCollection(ctx, a.deps.Store, a.deps.Paths.Cart(sessionID))
		return err
	})
	a.deps.Metrics.CartOp("clear", err)
	if err != nil {
		err = docstore.Classify(err, "could not clear cart")
		a.report(ctx, "clear", err, "Could not clear your cart.")
		return err
	}
	return nil
}

// ConfirmClear asks before clearing. A declined prompt changes nothing and
// reports false.
func (a *Adapter) ConfirmClear(ctx context.Context, c notify.Confirmer) (bool, error) {
	if _, err := a.session(); err != nil {
		return false, err
	}
	if c == nil || !c.Confirm(ctx, clearPrompt) {
		return false, nil
	}
	if err := a.Clear(ctx); err != nil {
		return false, err
	}
	a.deps.Notifier.Notify(ctx, "Your cart has been cleared.", notify.KindInfo)
	return true, nil
}

func (a *Adapter) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap.clone()
}

// Await blocks until a snapshot satisfies pred and returns it.
func (a *Adapter) Await(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return Snapshot{}, apperr.New(apperr.CodeNotReady, "cart is closed")
		}
		snap, ch := a.snap.clone(), a.changed
		a.mu.Unlock()

		if snap.Ready() && pred(snap) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, apperr.Wrap(apperr.CodeTimeout, ctx.Err(), "cart snapshot did not arrive in time")
		case <-ch:
		}
	}
}

// Close unsubscribes once and stops the mutation queue. Snapshots that
// arrive afterwards are dropped.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		if a.unsub != nil {
			a.unsub()
			a.unsub = nil
		}
		a.closed = true
		a.signalLocked()
		a.mu.Unlock()

		close(a.quit)
		<-a.done
	})
}

func (a *Adapter) report(ctx context.Context, opName string, err error, msg string) {
	logCtx := a.deps.Logger.WithField(ctx, "cart_op", opName)
	a.deps.Logger.Error(logCtx, "cart operation failed", err)
	a.deps.Notifier.Notify(ctx, msg, notify.KindError)
}

// ClearCollection deletes every document of collection concurrently and
// returns how many were removed.
func ClearCollection(ctx context.Context, store docstore.Store, collection string) (int, error) {
	docs, err := store.List(ctx, collection)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(clearWorkers)
	for _, doc := range docs {
		path := docstore.Join(collection, doc.ID)
		g.Go(func() error {
			return store.Delete(gctx, path)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(docs), nil
}
