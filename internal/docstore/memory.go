package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs local runs and tests.
type Memory struct {
	mu     sync.RWMutex
	colls  map[string]map[string]Fields
	feeds  map[string]map[*Feed]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		colls: map[string]map[string]Fields{},
		feeds: map[string]map[*Feed]struct{}{},
	}
}

var (
	_ Store       = (*Memory)(nil)
	_ Incrementer = (*Memory)(nil)
)

func (m *Memory) Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	feed := StartFeed(ctx, func(ctx context.Context) ([]Document, error) {
		return m.List(ctx, collection)
	}, onSnapshot, onError)

	if m.feeds[collection] == nil {
		m.feeds[collection] = map[*Feed]struct{}{}
	}
	m.feeds[collection][feed] = struct{}{}

	go func() {
		<-feed.Done()
		m.mu.Lock()
		delete(m.feeds[collection], feed)
		m.mu.Unlock()
	}()
	return feed.Stop, nil
}

func (m *Memory) Get(ctx context.Context, docPath string) (Document, error) {
	coll, id, err := Split(docPath)
	if err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	f, ok := m.colls[coll][id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, docPath)
	}
	return Document{ID: id, Fields: f.clone()}, nil
}

func (m *Memory) Set(ctx context.Context, docPath string, fields Fields) error {
	return m.write(ctx, docPath, func(docs map[string]Fields, id string) error {
		docs[id] = fields.clone()
		return nil
	})
}

func (m *Memory) Update(ctx context.Context, docPath string, fields Fields) error {
	return m.write(ctx, docPath, func(docs map[string]Fields, id string) error {
		cur, ok := docs[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, docPath)
		}
		next := cur.clone()
		for k, v := range fields {
			next[k] = v
		}
		docs[id] = next
		return nil
	})
}

func (m *Memory) Delete(ctx context.Context, docPath string) error {
	return m.write(ctx, docPath, func(docs map[string]Fields, id string) error {
		delete(docs, id)
		return nil
	})
}

func (m *Memory) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := m.Set(ctx, Join(collection, id), fields); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) IncrementOrCreate(ctx context.Context, docPath, field string, delta int64, init Fields) (int64, error) {
	var out int64
	err := m.write(ctx, docPath, func(docs map[string]Fields, id string) error {
		cur, ok := docs[id]
		if !ok {
			cur = init.clone()
			delete(cur, field)
		} else {
			cur = cur.clone()
		}
		n, _ := cur.Int64(field)
		out = n + delta
		cur[field] = out
		docs[id] = cur
		return nil
	})
	return out, err
}

func (m *Memory) List(ctx context.Context, collection string) ([]Document, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	docs := m.colls[collection]
	out := make([]Document, 0, len(docs))
	for id, f := range docs {
		out = append(out, Document{ID: id, Fields: f.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var feeds []*Feed
	for _, set := range m.feeds {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	m.mu.Unlock()

	for _, f := range feeds {
		f.Stop()
	}
	return nil
}

func (m *Memory) write(ctx context.Context, docPath string, apply func(docs map[string]Fields, id string) error) error {
	coll, id, err := Split(docPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	docs := m.colls[coll]
	if docs == nil {
		docs = map[string]Fields{}
		m.colls[coll] = docs
	}
	if err := apply(docs, id); err != nil {
		m.mu.Unlock()
		return err
	}
	for f := range m.feeds[coll] {
		f.Notify()
	}
	m.mu.Unlock()
	return nil
}
