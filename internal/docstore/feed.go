package docstore

import (
	"context"
	"sync"
)

// Feed drives one subscription for a backend. Notify marks the collection
// dirty; the feed goroutine reloads it and hands the full snapshot to the
// listener. Reloads coalesce, so a burst of writes may produce one snapshot,
// but a snapshot is never older than the one before it.
type Feed struct {
	ctx    context.Context
	cancel context.CancelFunc
	load   func(ctx context.Context) ([]Document, error)

	onSnapshot SnapshotFunc
	onError    ErrorFunc

	signal chan struct{}
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

// StartFeed starts the delivery goroutine and schedules the initial snapshot.
func StartFeed(ctx context.Context, load func(ctx context.Context) ([]Document, error), onSnapshot SnapshotFunc, onError ErrorFunc) *Feed {
	f := NewFeed(ctx, load, onSnapshot, onError)
	f.Start()
	return f
}

// NewFeed builds a feed that loads nothing until Start. Backends that route
// change signals through a registry add the feed there first, so no signal
// can fall between the initial load and registration.
func NewFeed(ctx context.Context, load func(ctx context.Context) ([]Document, error), onSnapshot SnapshotFunc, onError ErrorFunc) *Feed {
	fctx, cancel := context.WithCancel(ctx)
	return &Feed{
		ctx:        fctx,
		cancel:     cancel,
		load:       load,
		onSnapshot: onSnapshot,
		onError:    onError,
		signal:     make(chan struct{}, 1),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// Start runs the feed and schedules the initial snapshot. Call it once.
func (f *Feed) Start() {
	go f.run()
	f.Notify()
}

func (f *Feed) run() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			return
		case err := <-f.errs:
			f.cancel()
			if f.onError != nil {
				f.onError(err)
			}
			return
		case <-f.signal:
		}

		docs, err := f.load(f.ctx)
		if f.ctx.Err() != nil {
			return
		}
		if err != nil {
			f.cancel()
			if f.onError != nil {
				f.onError(err)
			}
			return
		}
		if f.onSnapshot != nil {
			f.onSnapshot(docs)
		}
	}
}

// Notify requests a fresh snapshot. It never blocks.
func (f *Feed) Notify() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

// Fail ends the subscription with err, delivered after any snapshot that is
// already in flight.
func (f *Feed) Fail(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

// Stop cancels the feed. Safe to call repeatedly and from within callbacks.
func (f *Feed) Stop() {
	f.once.Do(f.cancel)
}

func (f *Feed) Context() context.Context { return f.ctx }

func (f *Feed) Done() <-chan struct{} { return f.done }
