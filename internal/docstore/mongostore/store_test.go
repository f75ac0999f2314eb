package mongostore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live server: STOREFRONT_TEST_MONGO_URI=mongodb://localhost:27017
func setupStore(t *testing.T) *Store {
	uri := os.Getenv("STOREFRONT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("STOREFRONT_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, uri, "storefront_test")
	require.NoError(t, err)

	s := New(db, Options{Collection: "docs_" + uuid.NewString()[:8], PollInterval: 50 * time.Millisecond})
	require.NoError(t, s.CreateIndexes(ctx))
	t.Cleanup(func() {
		_ = s.coll.Drop(context.Background())
		_ = s.Close()
	})
	return s
}

func TestCRUD(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	cart := "artifacts/app/users/s1/cart"

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

	require.NoError(t, s.Delete(ctx, cart+"/P1"))
	require.NoError(t, s.Delete(ctx, cart+"/P1"))
	docs, err := s.List(ctx, cart)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIncrementOrCreate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	path := "artifacts/app/public/data/counter_data/counter_doc"

	n, err := s.IncrementOrCreate(ctx, path, "count", 1, docstore.Fields{"count": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.IncrementOrCreate(ctx, path, "count", 1, docstore.Fields{"count": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSubscribe(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	cart := "artifacts/app/users/s1/cart"

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
