package storefront

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-realtime-storefront/internal/cart"
	"github.com/ariefcatur/go-realtime-storefront/internal/checkout"
	"github.com/ariefcatur/go-realtime-storefront/internal/identity"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/notify"
)

// Session is everything one visitor owns. It is passed around explicitly;
// nothing about it lives in package state.
type Session struct {
	ID       string
	Identity identity.Identity
	// Token resumes this session on a later OpenSession; empty when the
	// authenticator cannot issue one.
	Token string

	Auth     *identity.Auth
	Cart     *cart.Adapter
	Checkout *checkout.Machine
	Notices  *notify.Board
	Notifier notify.Notifier

	log       *logger.Logger
	unwatch   func()
	closeOnce sync.Once
}

// watch keeps the cart attached to whoever is signed in.
func (s *Session) watch(ctx context.Context) {
	s.unwatch = s.Auth.OnAuthStateChange(func(id *identity.Identity) {
		if id == nil {
			s.Cart.Detach()
			return
		}
		if err := s.Cart.Attach(ctx, id.SessionID); err != nil {
			s.log.Error(s.log.WithSessionID(ctx, id.SessionID), "cart attach failed", err)
		}
	})
}

func (s *Session) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		if s.unwatch != nil {
			s.unwatch()
		}
		s.Checkout.Close(ctx)
		s.Cart.Close()
		s.Auth.SignOut()
	})
}
