// Package janitor empties carts whose clear failed during checkout.
package janitor

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-realtime-storefront/internal/cart"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/ariefcatur/go-realtime-storefront/internal/events"
	kafkax "github.com/ariefcatur/go-realtime-storefront/internal/kafka"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

type Service struct {
	Store docstore.Store
	Paths docstore.Paths
	// Redis dedups redelivered events; nil disables dedup.
	Redis       *redis.Client
	Logger      *logger.Logger
	ServiceName string
}

// HandleCartClearRequested is installed as the consumer handler. A nil
// return commits the offset, so malformed or foreign events are dropped and
// only retryable failures are returned.
func (s *Service) HandleCartClearRequested(ctx context.Context, m kafkago.Message) error {
	log := s.Logger
	if log == nil {
		log = logger.Nop()
	}

	env, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		log.Error(ctx, "dropping undecodable event", err)
		return nil
	}
	if env.EventType != events.EventCartClearRequested {
		return nil
	}
	ctx = log.WithFields(ctx, map[string]any{
		"event_id":   env.EventID,
		"session_id": env.SessionID,
		"order_ref":  env.CorrelationID,
	})

	p, err := events.Decode[events.CartClearRequestedPayload](env)
	if err != nil {
		log.Error(ctx, "dropping event with bad payload", err)
		return nil
	}
	if want := s.Paths.Cart(env.SessionID); env.SessionID == "" || p.Collection != want {
		log.Warn(ctx, fmt.Sprintf("refusing to clear %q: not the session cart", p.Collection))
		return nil
	}

	var dedupKey string
	if s.Redis != nil {
		dedupKey = redisx.DedupKey(s.ServiceName, env.EventID)
		claimed, err := redisx.Claim(ctx, s.Redis, dedupKey, redisx.TTLDedup)
		if err != nil {
			return fmt.Errorf("claim %s: %w", dedupKey, err)
		}
		if !claimed {
			log.Debug(ctx, "event already handled")
			return nil
		}
	}

	n, err := cart.ClearCollection(ctx, s.Store, p.Collection)
	if err != nil {
		if dedupKey != "" {
			if rerr := redisx.Release(context.WithoutCancel(ctx), s.Redis, dedupKey); rerr != nil {
				log.Error(ctx, "releasing dedup claim failed", rerr)
			}
		}
		return fmt.Errorf("clear %s: %w", p.Collection, err)
	}
	log.Info(log.WithField(ctx, "lines", n), "cart cleared")
	return nil
}
