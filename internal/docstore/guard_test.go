package docstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("backend unavailable")

// flaky fails the next n calls of each wrapped operation.
type flaky struct {
	*Memory
	getFailures atomic.Int32
	setFailures atomic.Int32
	getCalls    atomic.Int32
	addCalls    atomic.Int32
	slow        time.Duration

	mu      sync.Mutex
	onError []ErrorFunc
}

func (f *flaky) Get(ctx context.Context, docPath string) (Document, error) {
	f.getCalls.Add(1)
	if f.slow > 0 {
		select {
		case <-ctx.Done():
			return Document{}, ctx.Err()
		case <-time.After(f.slow):
		}
	}
	if f.getFailures.Add(-1) >= 0 {
		return Document{}, errBoom
	}
	return f.Memory.Get(ctx, docPath)
}

func (f *flaky) Set(ctx context.Context, docPath string, fields Fields) error {
	if f.setFailures.Add(-1) >= 0 {
		return errBoom
	}
	return f.Memory.Set(ctx, docPath, fields)
}

func (f *flaky) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	f.addCalls.Add(1)
	return "", errBoom
}

func (f *flaky) Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error) {
	f.mu.Lock()
	f.onError = append(f.onError, onError)
	f.mu.Unlock()
	return f.Memory.Subscribe(ctx, collection, onSnapshot, onError)
}

func (f *flaky) breakSubscription(err error) {
	f.mu.Lock()
	fn := f.onError[len(f.onError)-1]
	f.mu.Unlock()
	fn(err)
}

func (f *flaky) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onError)
}

func newFlaky() *flaky {
	return &flaky{Memory: NewMemory()}
}

func testGuard(inner Store) *Guard {
	return NewGuard(inner, GuardOptions{
		Timeout:         200 * time.Millisecond,
		RetryAttempts:   2,
		RetryBackoff:    time.Millisecond,
		BreakerFailures: 3,
		BreakerCooldown: time.Minute,
	})
}

func TestGuardRetriesIdempotentCalls(t *testing.T) {
	ctx := context.Background()
	f := newFlaky()
	g := testGuard(f)
	defer g.Close()

	require.NoError(t, f.Memory.Set(ctx, cartPath+"/P1", Fields{"quantity": 1}))
	f.getFailures.Store(2)

	doc, err := g.Get(ctx, cartPath+"/P1")
	require.NoError(t, err)
	assert.Equal(t, "P1", doc.ID)
	assert.Equal(t, int32(3), f.getCalls.Load())
}

func TestGuardGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	f := newFlaky()
	g := testGuard(f)
	defer g.Close()

	f.setFailures.Store(10)
	err := g.Set(ctx, cartPath+"/P1", Fields{"quantity": 1})
	assert.ErrorIs(t, err, errBoom)
}

func TestGuardDoesNotRetryAdd(t *testing.T) {
	ctx := context.Background()
	f := newFlaky()
	g := testGuard(f)
	defer g.Close()

	_, err := g.Add(ctx, cartPath, Fields{})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(1), f.addCalls.Load())
}

func TestGuardNotFoundIsNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFlaky()
	g := testGuard(f)
	defer g.Close()

	_, err := g.Get(ctx, cartPath+"/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), f.getCalls.Load())
}

func TestGuardTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFlaky()
	f.slow = time.Second
	g := NewGuard(f, GuardOptions{Timeout: 20 * time.Millisecond})
	defer g.Close()

	_, err := g.Get(ctx, cartPath+"/P1")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGuardBreakerOpens(t *testing.T) {
	ctx := context.Background()
	f := newFlaky()
	g := NewGuard(f, GuardOptions{BreakerFailures: 2, BreakerCooldown: time.Minute})
	defer g.Close()

	f.setFailures.Store(100)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, g.Set(ctx, cartPath+"/P1", Fields{}), errBoom)
	}
	err := g.Set(ctx, cartPath+"/P1", Fields{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errBoom)
}

func TestGuardObserve(t *testing.T) {
	ctx := context.Background()
	var ops []string
	g := NewGuard(NewMemory(), GuardOptions{Observe: func(op string, err error) { ops = append(ops, op) }})
	defer g.Close()

	require.NoError(t, g.Set(ctx, cartPath+"/P1", Fields{}))
	_, _ = g.List(ctx, cartPath)
	assert.Equal(t, []string{"set", "list"}, ops)
}

func TestGuardIncrementSupport(t *testing.T) {
	ctx := context.Background()
	g := testGuard(NewMemory())
	defer g.Close()
	assert.True(t, g.SupportsIncrement())

	n, err := g.IncrementOrCreate(ctx, cartPath+"/P1", "quantity", 2, Fields{"quantity": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	plain := testGuard(struct{ Store }{NewMemory()})
	assert.False(t, plain.SupportsIncrement())
	_, err = plain.IncrementOrCreate(ctx, cartPath+"/P1", "quantity", 1, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestGuardResubscribesAfterError(t *testing.T) {
	ctx := context.Background()
	f := newFlaky()
	g := testGuard(f)
	defer g.Close()

	rec := &recorder{}
	unsub, err := g.Subscribe(ctx, cartPath, rec.snapshot, rec.fail)
	require.NoError(t, err)
	defer unsub()
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)

	f.breakSubscription(errBoom)
	require.Eventually(t, func() bool { return f.subscriptions() == 2 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], errBoom)
	rec.mu.Unlock()

	require.NoError(t, f.Memory.Set(ctx, cartPath+"/P1", Fields{"quantity": 1}))
	require.Eventually(t, func() bool { return len(rec.last()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestGuardUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	g := testGuard(m)
	defer g.Close()

	rec := &recorder{}
	unsub, err := g.Subscribe(ctx, cartPath, rec.snapshot, rec.fail)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	seen := rec.count()
	require.NoError(t, m.Set(ctx, cartPath+"/P1", Fields{}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seen, rec.count())
}
