// Package storefront holds the application state: the shared catalog and
// counter, and one explicit Session per signed-in visitor.
package storefront

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/cart"
	"github.com/ariefcatur/go-realtime-storefront/internal/catalog"
	"github.com/ariefcatur/go-realtime-storefront/internal/checkout"
	"github.com/ariefcatur/go-realtime-storefront/internal/counter"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
	"github.com/ariefcatur/go-realtime-storefront/internal/events"
	"github.com/ariefcatur/go-realtime-storefront/internal/identity"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/metrics"
	"github.com/ariefcatur/go-realtime-storefront/internal/notify"
)

const configUnavailableMessage = "The store is unavailable: backend configuration is missing or invalid."

type Options struct {
	AppID       string
	ServiceName string
	// Store is nil in degraded mode; ConfigErr then says why.
	Store     docstore.Store
	ConfigErr error

	Authenticator identity.Authenticator
	InitialToken  string
	Publisher     events.Publisher
	Logger        *logger.Logger
	Metrics       *metrics.Storefront
	NoticeLimit   int
	ClearAwait    time.Duration
}

type App struct {
	opts  Options
	paths docstore.Paths

	catalog *catalog.Cache
	counter *counter.Counter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func New(opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard
	}
	if opts.NoticeLimit <= 0 {
		opts.NoticeLimit = 20
	}
	if opts.Store == nil && opts.ConfigErr == nil {
		opts.ConfigErr = apperr.New(apperr.CodeConfigUnavailable, "no document store configured")
	}

	a := &App{
		opts:     opts,
		paths:    docstore.Paths{AppID: opts.AppID},
		sessions: map[string]*Session{},
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if opts.Store != nil {
		shared := notify.Log{Logger: opts.Logger}
		a.catalog = catalog.New(catalog.Deps{
			Store: opts.Store, Paths: a.paths, Notifier: shared, Logger: opts.Logger, Metrics: opts.Metrics,
		})
		a.counter = counter.New(counter.Deps{
			Store: opts.Store, Paths: a.paths, Notifier: shared, Logger: opts.Logger, Metrics: opts.Metrics,
		})
	}
	return a
}

// Start subscribes the shared catalog and counter for the app's lifetime.
func (a *App) Start(ctx context.Context) error {
	if err := a.Ready(); err != nil {
		return err
	}
	if err := a.catalog.Start(a.ctx); err != nil {
		return err
	}
	if err := a.counter.Start(a.ctx); err != nil {
		return err
	}
	a.opts.Logger.Info(ctx, "storefront started")
	return nil
}

// Ready reports ConfigUnavailable while running without a backend.
func (a *App) Ready() error {
	if a.opts.Store == nil {
		return apperr.Wrap(apperr.CodeConfigUnavailable, a.opts.ConfigErr, configUnavailableMessage)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return apperr.New(apperr.CodeNotReady, "storefront is shutting down")
	}
	return nil
}

func (a *App) Paths() docstore.Paths { return a.paths }

func (a *App) Catalog() (*catalog.Cache, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}
	return a.catalog, nil
}

func (a *App) Counter() (*counter.Counter, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}
	return a.counter, nil
}

// OpenSession signs a visitor in and builds their session state. A blank
// token falls back to the configured initial token, then to anonymous
// sign-in. Signing in with the token of a live session returns that session.
func (a *App) OpenSession(ctx context.Context, token string) (*Session, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}
	if token == "" {
		token = a.opts.InitialToken
	}

	auth := identity.NewAuth(a.opts.Authenticator)
	id, err := auth.SignIn(ctx, token)
	if err != nil {
		a.opts.Logger.Error(ctx, "session sign-in failed", err)
		return nil, err
	}
	ctx = a.opts.Logger.WithSessionID(ctx, id.SessionID)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, apperr.New(apperr.CodeNotReady, "storefront is shutting down")
	}
	if existing, ok := a.sessions[id.SessionID]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	s := a.newSession(id, auth)
	a.sessions[id.SessionID] = s
	a.mu.Unlock()

	s.watch(a.ctx)
	a.opts.Metrics.SessionOpened()
	a.opts.Logger.Info(ctx, "session opened")
	return s, nil
}

func (a *App) newSession(id identity.Identity, auth *identity.Auth) *Session {
	board := notify.NewBoard(a.opts.NoticeLimit)
	n := notify.Multi{board, notify.Log{Logger: a.opts.Logger}}

	c := cart.New(cart.Deps{
		Store:    a.opts.Store,
		Paths:    a.paths,
		Notifier: n,
		Logger:   a.opts.Logger,
		Metrics:  a.opts.Metrics,
	})
	m := checkout.New(checkout.Deps{
		Cart:           c,
		Publisher:      a.opts.Publisher,
		Notifier:       n,
		Logger:         a.opts.Logger,
		Metrics:        a.opts.Metrics,
		SessionID:      id.SessionID,
		CartCollection: a.paths.Cart(id.SessionID),
		Producer:       a.opts.ServiceName,
		ClearAwait:     a.opts.ClearAwait,
	})

	s := &Session{
		ID:       id.SessionID,
		Identity: id,
		Auth:     auth,
		Cart:     c,
		Checkout: m,
		Notices:  board,
		Notifier: n,
		log:      a.opts.Logger,
	}
	if issuer, ok := a.opts.Authenticator.(interface {
		IssueToken(sessionID string) (string, error)
	}); ok {
		if tok, err := issuer.IssueToken(id.SessionID); err == nil {
			s.Token = tok
		}
	}
	return s
}

func (a *App) Session(id string) (*Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, apperr.New(apperr.CodeNotFound, "session not found")
	}
	return s, nil
}

// Sessions lists the open session ids in sorted order.
func (a *App) Sessions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *App) CloseSession(ctx context.Context, id string) error {
	a.mu.Lock()
	s, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if !ok {
		return apperr.New(apperr.CodeNotFound, "session not found")
	}
	s.close(ctx)
	a.opts.Metrics.SessionClosed()
	a.opts.Logger.Info(a.opts.Logger.WithSessionID(ctx, id), "session closed")
	return nil
}

// Close tears down every session and the shared subscriptions. The store
// itself belongs to the caller.
func (a *App) Close(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	sessions := a.sessions
	a.sessions = map[string]*Session{}
	a.mu.Unlock()

	for _, s := range sessions {
		s.close(ctx)
		a.opts.Metrics.SessionClosed()
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.counter != nil {
		a.counter.Close()
	}
	a.cancel()
}
