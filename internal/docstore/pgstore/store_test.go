package pgstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live server: STOREFRONT_TEST_POSTGRES_DSN=postgres://...
func setupStore(t *testing.T) (*Store, string) {
	dsn := os.Getenv("STOREFRONT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STOREFRONT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, PoolOptions{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// each test works in its own namespace
	return s, "artifacts/" + uuid.NewString() + "/users/s1/cart"
}

func TestCRUD(t *testing.T) {
	s, cart := setupStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, cart+"/P1")
	require.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, s.Set(ctx, cart+"/P1", docstore.Fields{"name": "Mug", "quantity": 2}))
	require.NoError(t, s.Update(ctx, cart+"/P1", docstore.Fields{"quantity": 4}))

	doc, err := s.Get(ctx, cart+"/P1")
	require.NoError(t, err)
	q, ok := doc.Fields.Int64("quantity")
	require.True(t, ok)
	assert.Equal(t, int64(4), q)
	assert.Equal(t, "Mug", doc.Fields["name"])

	assert.ErrorIs(t, s.Update(ctx, cart+"/P9", docstore.Fields{"quantity": 1}), docstore.ErrNotFound)

	require.NoError(t, s.Set(ctx, cart+"/A0", docstore.Fields{}))
	docs, err := s.List(ctx, cart)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "A0", docs[0].ID)

	require.NoError(t, s.Delete(ctx, cart+"/P1"))
	require.NoError(t, s.Delete(ctx, cart+"/P1"))
	docs, err = s.List(ctx, cart)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestIncrementOrCreate(t *testing.T) {
	s, cart := setupStore(t)
	ctx := context.Background()

	n, err := s.IncrementOrCreate(ctx, cart+"/P1", "quantity", 2, docstore.Fields{"name": "Mug", "quantity": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = s.IncrementOrCreate(ctx, cart+"/P1", "quantity", 3, docstore.Fields{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	doc, err := s.Get(ctx, cart+"/P1")
	require.NoError(t, err)
	assert.Equal(t, "Mug", doc.Fields["name"])
}

func TestSubscribe(t *testing.T) {
	s, cart := setupStore(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		last []docstore.Document
	)
	unsub, err := s.Subscribe(ctx, cart, func(docs []docstore.Document) {
		mu.Lock()
		last = docs
		mu.Unlock()
	}, func(error) {})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Set(ctx, cart+"/P1", docstore.Fields{"quantity": 1}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubscribeSeesWriteRightAfterSubscribe(t *testing.T) {
	s, cart := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		coll := fmt.Sprintf("%s-%d", cart, i)
		var seen atomic.Int32
		unsub, err := s.Subscribe(ctx, coll, func(docs []docstore.Document) {
			seen.Store(int32(len(docs)))
		}, func(error) {})
		require.NoError(t, err)

		require.NoError(t, s.Set(ctx, coll+"/P1", docstore.Fields{"quantity": 1}))
		require.Eventually(t, func() bool { return seen.Load() == 1 }, 5*time.Second, 10*time.Millisecond, "collection %d", i)
		unsub()
	}
}
