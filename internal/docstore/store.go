// Package docstore is the contract the storefront holds against the hosted
// document database: single-document reads and writes plus realtime
// per-collection snapshots.
//
// A collection path has an odd number of segments
// ("artifacts/app/users/s1/cart"), a document path appends the document id
// ("artifacts/app/users/s1/cart/P1"). Snapshots always carry the complete
// collection sorted by document id.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	ErrNotFound    = errors.New("docstore: document not found")
	ErrClosed      = errors.New("docstore: store closed")
	ErrInvalidPath = errors.New("docstore: invalid path")
	ErrTimeout     = errors.New("docstore: request timed out")
	ErrUnsupported = errors.New("docstore: operation not supported")
)

// Fields is the flat field map of a document.
type Fields map[string]any

// Int64 reads a numeric field regardless of how the backend decoded it.
func (f Fields) Int64(key string) (int64, bool) {
	switch v := f[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

type Document struct {
	ID     string
	Fields Fields
}

// Decode maps the document fields onto v using its json tags.
func (d Document) Decode(v any) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// SnapshotFunc receives the full contents of a collection.
type SnapshotFunc func(docs []Document)

// ErrorFunc receives the error that ended a subscription. No snapshot is
// delivered after it.
type ErrorFunc func(err error)

// Unsubscribe detaches a listener. Calling it more than once is harmless.
type Unsubscribe func()

type Store interface {
	// Subscribe registers a listener on collection. The first snapshot is
	// delivered asynchronously; later snapshots follow every applied write,
	// in apply order. The listener lives until Unsubscribe or ctx is done.
	Subscribe(ctx context.Context, collection string, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error)
	Get(ctx context.Context, docPath string) (Document, error)
	Set(ctx context.Context, docPath string, fields Fields) error
	// Update merges fields into an existing document; ErrNotFound otherwise.
	Update(ctx context.Context, docPath string, fields Fields) error
	// Delete removes the document. Deleting an absent document succeeds.
	Delete(ctx context.Context, docPath string) error
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	List(ctx context.Context, collection string) ([]Document, error)
	Close() error
}

// Incrementer is implemented by stores that can atomically add delta to a
// numeric field, creating the document from init when it does not exist.
// On create the counted field starts from zero whatever init holds for it.
type Incrementer interface {
	IncrementOrCreate(ctx context.Context, docPath, field string, delta int64, init Fields) (int64, error)
}

// AsIncrementer returns s as an Incrementer when its backend really has the
// primitive. Wrappers report that through SupportsIncrement.
func AsIncrementer(s Store) (Incrementer, bool) {
	if w, ok := s.(interface{ SupportsIncrement() bool }); ok && !w.SupportsIncrement() {
		return nil, false
	}
	inc, ok := s.(Incrementer)
	return inc, ok
}
