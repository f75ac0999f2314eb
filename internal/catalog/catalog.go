package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
	"github.com/ariefcatur/go-realtime-storefront/internal/logger"
	"github.com/ariefcatur/go-realtime-storefront/internal/metrics"
	"github.com/ariefcatur/go-realtime-storefront/internal/notify"
	"github.com/ariefcatur/go-realtime-storefront/internal/validate"
)

// Product prices are in minor currency units.
type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name" validate:"required"`
	Price         int64   `json:"price" validate:"gte=0"`
	DiscountPrice *int64  `json:"discountPrice,omitempty"`
	Image         string  `json:"image"`
	Description   string  `json:"description"`
	Category      string  `json:"category"`
	Rating        float64 `json:"rating" validate:"gte=0,lte=5"`
	Reviews       int64   `json:"reviews" validate:"gte=0"`
}

// EffectivePrice is what a buyer pays per unit right now.
func (p Product) EffectivePrice() int64 {
	if p.DiscountPrice != nil {
		return *p.DiscountPrice
	}
	return p.Price
}

func (p Product) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if p.DiscountPrice != nil && (*p.DiscountPrice < 0 || *p.DiscountPrice >= p.Price) {
		return apperr.New(apperr.CodeValidation, "validation failed").
			WithDetails(map[string]string{"discountPrice": "must be below price"})
	}
	return nil
}

// FromDocument decodes a product document; the document id is the product id.
func FromDocument(doc docstore.Document) (Product, error) {
	var p Product
	if err := doc.Decode(&p); err != nil {
		return Product{}, apperr.Wrap(apperr.CodeValidation, err, "malformed product document")
	}
	p.ID = doc.ID
	if err := p.Validate(); err != nil {
		return Product{}, err
	}
	return p, nil
}

type Deps struct {
	Store    docstore.Store
	Paths    docstore.Paths
	Notifier notify.Notifier
	Logger   *logger.Logger
	Metrics  *metrics.Storefront
}

// Cache mirrors the product collection. Every snapshot replaces the whole
// set; on a subscription error the last snapshot keeps being served.
type Cache struct {
	deps Deps

	mu       sync.RWMutex
	products []Product
	byID     map[string]int
	ready    bool
	lastErr  error
	unsub    docstore.Unsubscribe
	closed   bool
	stopOnce sync.Once
}

func New(deps Deps) *Cache {
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &Cache{deps: deps, byID: map[string]int{}}
}

func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperr.New(apperr.CodeNotReady, "catalog is closed")
	}
	if c.unsub != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	unsub, err := c.deps.Store.Subscribe(ctx, c.deps.Paths.Products(), c.apply, c.fail)
	if err != nil {
		err = docstore.Classify(err, "could not load products")
		c.deps.Logger.Error(ctx, "catalog subscribe failed", err)
		c.deps.Notifier.Notify(ctx, "Could not load products.", notify.KindError)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		unsub()
		return apperr.New(apperr.CodeNotReady, "catalog is closed")
	}
	c.unsub = unsub
	return nil
}

func (c *Cache) apply(docs []docstore.Document) {
	products := make([]Product, 0, len(docs))
	byID := make(map[string]int, len(docs))
	for _, doc := range docs {
		p, err := FromDocument(doc)
		if err != nil {
			ctx := c.deps.Logger.WithField(context.Background(), "product_id", doc.ID)
			c.deps.Logger.Warn(ctx, fmt.Sprintf("skipping invalid product: %v", err))
			continue
		}
		byID[p.ID] = len(products)
		products = append(products, p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.products = products
	c.byID = byID
	c.ready = true
	c.lastErr = nil
	c.deps.Metrics.Snapshot("catalog")
}

func (c *Cache) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastErr = docstore.Classify(err, "product subscription failed")
	c.mu.Unlock()

	ctx := context.Background()
	c.deps.Logger.Error(ctx, "catalog subscription error", err)
	c.deps.Notifier.Notify(ctx, "Product list may be out of date.", notify.KindWarning)
}

// List returns the products of the last snapshot in document-id order.
func (c *Cache) List() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, len(c.products))
	copy(out, c.products)
	return out
}

func (c *Cache) FindByID(id string) (Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return Product{}, false
	}
	return c.products[i], true
}

// Ready reports whether at least one snapshot has arrived.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Err returns the subscription error seen since the last good snapshot.
func (c *Cache) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Cache) Close() {
	c.stopOnce.Do(func() {
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
