package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cart = "artifacts/app/users/s1/cart"

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, "test")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestSetGetUpdateDelete(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, cart+"/P1")
	require.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, s.Set(ctx, cart+"/P1", docstore.Fields{"name": "Mug", "quantity": 2, "price": 1000}))
	assert.True(t, mr.Exists("test:doc:"+cart+"/P1"))

	doc, err := s.Get(ctx, cart+"/P1")
	require.NoError(t, err)
	assert.Equal(t, "P1", doc.ID)
	assert.Equal(t, "Mug", doc.Fields["name"])
	q, ok := doc.Fields.Int64("quantity")
	require.True(t, ok)
	assert.Equal(t, int64(2), q)

	require.NoError(t, s.Update(ctx, cart+"/P1", docstore.Fields{"quantity": 5}))
	doc, err = s.Get(ctx, cart+"/P1")
	require.NoError(t, err)
	q, _ = doc.Fields.Int64("quantity")
	assert.Equal(t, int64(5), q)
	assert.Equal(t, "Mug", doc.Fields["name"])

	err = s.Update(ctx, cart+"/P2", docstore.Fields{"quantity": 1})
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, s.Delete(ctx, cart+"/P1"))
	require.NoError(t, s.Delete(ctx, cart+"/P1"))
	_, err = s.Get(ctx, cart+"/P1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestSetReplacesDocument(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, cart+"/P1", docstore.Fields{"name": "Mug", "image": "x.png"}))
	require.NoError(t, s.Set(ctx, cart+"/P1", docstore.Fields{"name": "Cup"}))

	doc, err := s.Get(ctx, cart+"/P1")
	require.NoError(t, err)
	assert.Equal(t, docstore.Fields{"name": "Cup"}, doc.Fields)
}

func TestEmptyDocumentExists(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, cart+"/P1", docstore.Fields{}))
	doc, err := s.Get(ctx, cart+"/P1")
	require.NoError(t, err)
	assert.Empty(t, doc.Fields)
}

func TestListSortedAndScoped(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "c", "a"} {
		require.NoError(t, s.Set(ctx, cart+"/"+id, docstore.Fields{"quantity": 1}))
	}
	require.NoError(t, s.Set(ctx, "artifacts/app/users/s2/cart/z", docstore.Fields{"quantity": 1}))
	require.NoError(t, s.Delete(ctx, cart+"/c"))

	docs, err := s.List(ctx, cart)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)
}

func TestAdd(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, cart, docstore.Fields{"n": 1})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	doc, err := s.Get(ctx, docstore.Join(cart, id))
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
}

func TestIncrementOrCreate(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	n, err := s.IncrementOrCreate(ctx, cart+"/P1", "quantity", 2, docstore.Fields{"name": "Mug", "quantity": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.IncrementOrCreate(ctx, cart+"/P1", "quantity", 1, docstore.Fields{"name": "other", "quantity": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	docs, err := s.List(ctx, cart)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Mug", docs[0].Fields["name"])
	q, _ := docs[0].Fields.Int64("quantity")
	assert.Equal(t, int64(3), q)
}

func TestReservedField(t *testing.T) {
	s, _ := setupStore(t)
	err := s.Set(context.Background(), cart+"/P1", docstore.Fields{idField: "x"})
	assert.Error(t, err)
}

type snapshots struct {
	mu   sync.Mutex
	seen [][]docstore.Document
}

func (s *snapshots) add(docs []docstore.Document) {
	s.mu.Lock()
	s.seen = append(s.seen, docs)
	s.mu.Unlock()
}

func (s *snapshots) last() ([]docstore.Document, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		return nil, 0
	}
	return s.seen[len(s.seen)-1], len(s.seen)
}

func TestSubscribeFollowsWrites(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, cart+"/P1", docstore.Fields{"quantity": 1}))

	snaps := &snapshots{}
	unsub, err := s.Subscribe(ctx, cart, snaps.add, func(error) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		docs, _ := snaps.last()
		return len(docs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Set(ctx, cart+"/P2", docstore.Fields{"quantity": 1}))
	require.Eventually(t, func() bool {
		docs, _ := snaps.last()
		return len(docs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Delete(ctx, cart+"/P1"))
	require.NoError(t, s.Delete(ctx, cart+"/P2"))
	require.Eventually(t, func() bool {
		docs, n := snaps.last()
		return n > 2 && len(docs) == 0
	}, 2*time.Second, 10*time.Millisecond)

	unsub()
	unsub()
	time.Sleep(20 * time.Millisecond)
	_, before := snaps.last()
	require.NoError(t, s.Set(ctx, cart+"/P3", docstore.Fields{"quantity": 1}))
	time.Sleep(50 * time.Millisecond)
	_, after := snaps.last()
	assert.Equal(t, before, after)
}

func TestClosedStore(t *testing.T) {
	s, _ := setupStore(t)
	require.NoError(t, s.Close())
	_, err := s.Subscribe(context.Background(), cart, nil, nil)
	assert.ErrorIs(t, err, docstore.ErrClosed)
}
