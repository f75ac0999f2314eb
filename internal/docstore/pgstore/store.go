// Package pgstore keeps documents as jsonb rows in Postgres. Writes raise a
// NOTIFY carrying the collection path inside the same transaction, and one
// LISTEN connection per store fans notifications out to subscribers.
package pgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const notifyChannel = "docstore_changes"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection  TEXT        NOT NULL,
    id          TEXT        NOT NULL,
    fields      JSONB       NOT NULL DEFAULT '{}'::jsonb,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (collection, id)
)`

type Store struct {
	pool *pgxpool.Pool

	mu         sync.Mutex
	feeds      map[string]map[*docstore.Feed]struct{}
	listening  bool
	stopListen context.CancelFunc
	closed     bool
}

var (
	_ docstore.Store       = (*Store)(nil)
	_ docstore.Incrementer = (*Store)(nil)
)

// New takes ownership of pool; Close closes it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, feeds: map[string]map[*docstore.Feed]struct{}{}}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pg migrate: %w", err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	if err := docstore.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if err := s.ensureListener(ctx); err != nil {
		return nil, err
	}

	feed := docstore.NewFeed(ctx, func(ctx context.Context) ([]docstore.Document, error) {
		return s.List(ctx, collection)
	}, onSnapshot, onError)

	s.mu.Lock()
	if s.feeds[collection] == nil {
		s.feeds[collection] = map[*docstore.Feed]struct{}{}
	}
	s.feeds[collection][feed] = struct{}{}
	s.mu.Unlock()
	feed.Start()

	go func() {
		<-feed.Done()
		s.mu.Lock()
		delete(s.feeds[collection], feed)
		if len(s.feeds[collection]) == 0 {
			delete(s.feeds, collection)
		}
		s.mu.Unlock()
	}()
	return feed.Stop, nil
}

func (s *Store) ensureListener(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}
	if s.listening {
		return nil
	}

	lctx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	go s.listen(lctx, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return fmt.Errorf("pg listen: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	s.listening = true
	s.stopListen = cancel
	return nil
}

func (s *Store) listen(ctx context.Context, ready chan<- error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		ready <- err
		return
	}
	defer func() {
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		ready <- err
		return
	}
	ready <- nil

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.failAll(fmt.Errorf("pg listen: %w", err))
			return
		}
		s.dispatch(n.Payload)
	}
}

func (s *Store) dispatch(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for f := range s.feeds[collection] {
		f.Notify()
	}
}

func (s *Store) failAll(err error) {
	s.mu.Lock()
	s.listening = false
	if s.stopListen != nil {
		s.stopListen()
		s.stopListen = nil
	}
	var feeds []*docstore.Feed
	for _, set := range s.feeds {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.Fail(err)
	}
}

func (s *Store) Get(ctx context.Context, docPath string) (docstore.Document, error) {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return docstore.Document{}, err
	}
	var raw []byte
	err = s.pool.QueryRow(ctx, `SELECT fields FROM documents WHERE collection=$1 AND id=$2`, coll, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Document{}, fmt.Errorf("%w: %s", docstore.ErrNotFound, docPath)
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("pg get %s: %w", docPath, err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("pg get %s: %w", docPath, err)
	}
	return docstore.Document{ID: id, Fields: fields}, nil
}

func (s *Store) Set(ctx context.Context, docPath string, fields docstore.Fields) error {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return err
	}
	raw, err := encodeFields(fields)
	if err != nil {
		return err
	}
	return s.write(ctx, coll, func(tx pgx.Tx) (bool, error) {
		_, err := tx.Exec(ctx, `
INSERT INTO documents (collection, id, fields) VALUES ($1, $2, $3::jsonb)
ON CONFLICT (collection, id) DO UPDATE SET fields = EXCLUDED.fields, updated_at = now()`,
			coll, id, raw)
		return true, err
	})
}

func (s *Store) Update(ctx context.Context, docPath string, fields docstore.Fields) error {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return err
	}
	raw, err := encodeFields(fields)
	if err != nil {
		return err
	}
	err = s.write(ctx, coll, func(tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx, `
UPDATE documents SET fields = fields || $3::jsonb, updated_at = now()
WHERE collection=$1 AND id=$2`, coll, id, raw)
		if err != nil {
			return false, err
		}
		if tag.RowsAffected() == 0 {
			return false, fmt.Errorf("%w: %s", docstore.ErrNotFound, docPath)
		}
		return true, nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, docPath string) error {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return err
	}
	return s.write(ctx, coll, func(tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, coll, id)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() > 0, nil
	})
}

func (s *Store) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.Set(ctx, docstore.Join(collection, id), fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) IncrementOrCreate(ctx context.Context, docPath, field string, delta int64, init docstore.Fields) (int64, error) {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return 0, err
	}
	seed := make(docstore.Fields, len(init))
	for k, v := range init {
		if k != field {
			seed[k] = v
		}
	}
	raw, err := encodeFields(seed)
	if err != nil {
		return 0, err
	}

	var n int64
	err = s.write(ctx, coll, func(tx pgx.Tx) (bool, error) {
		return true, tx.QueryRow(ctx, `
INSERT INTO documents (collection, id, fields)
VALUES ($1, $2, $3::jsonb || jsonb_build_object($4::text, $5::bigint))
ON CONFLICT (collection, id) DO UPDATE
SET fields = documents.fields || jsonb_build_object($4::text, COALESCE((documents.fields->>$4::text)::bigint, 0) + $5::bigint),
    updated_at = now()
RETURNING (fields->>$4::text)::bigint`, coll, id, raw, field, delta).Scan(&n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	if err := docstore.ValidateCollection(collection); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id, fields FROM documents WHERE collection=$1 ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("pg list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []docstore.Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("pg list %s: %w", collection, err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("pg list %s: %w", collection, err)
		}
		out = append(out, docstore.Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg list %s: %w", collection, err)
	}
	if out == nil {
		out = []docstore.Document{}
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.stopListen != nil {
		s.stopListen()
	}
	var feeds []*docstore.Feed
	for _, set := range s.feeds {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.Stop()
	}
	s.pool.Close()
	return nil
}

// write runs fn in a transaction and, when fn reports a change, notifies
// listeners of coll before commit.
func (s *Store) write(ctx context.Context, coll string, fn func(tx pgx.Tx) (bool, error)) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("pg begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	changed, err := fn(tx)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		return fmt.Errorf("pg write %s: %w", coll, err)
	}
	if changed {
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, coll); err != nil {
			return fmt.Errorf("pg notify %s: %w", coll, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pg commit: %w", err)
	}
	return nil
}

func encodeFields(fields docstore.Fields) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

func decodeFields(raw []byte) (docstore.Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out docstore.Fields
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if out == nil {
		out = docstore.Fields{}
	}
	return out, nil
}
