// Package redisstore keeps documents in Redis. Each document is a hash of
// JSON-encoded field values, each collection has an index set of document
// ids, and every write publishes the document id on the collection's change
// channel so subscribers can reload.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/ariefcatur/go-realtime-storefront/internal/redisx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const idField = "__id"

// updateScript merges fields into an existing document.
// KEYS[1] = document hash
// ARGV[1] = change channel, ARGV[2] = document id, ARGV[3..] = field/value pairs
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
for i = 3, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("PUBLISH", ARGV[1], ARGV[2])
return 1
`)

// incrementScript adds a delta to one field, creating the document first
// when it does not exist.
// KEYS[1] = document hash, KEYS[2] = collection index
// ARGV[1] = change channel, ARGV[2] = document id, ARGV[3] = field,
// ARGV[4] = delta, ARGV[5..] = initial field/value pairs
var incrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    for i = 5, #ARGV, 2 do
        redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
    end
    redis.call("SADD", KEYS[2], ARGV[2])
end
local n = redis.call("HINCRBY", KEYS[1], ARGV[3], ARGV[4])
redis.call("PUBLISH", ARGV[1], ARGV[2])
return n
`)

type Store struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	feeds  map[*docstore.Feed]struct{}
	closed bool
}

var (
	_ docstore.Store       = (*Store)(nil)
	_ docstore.Incrementer = (*Store)(nil)
)

// New takes ownership of rdb; Close closes it.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "docstore"
	}
	return &Store{rdb: rdb, prefix: prefix, feeds: map[*docstore.Feed]struct{}{}}
}

func (s *Store) Subscribe(ctx context.Context, collection string, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	if err := docstore.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}

	pubsub := s.rdb.Subscribe(ctx, redisx.ChangesChannel(s.prefix, collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", collection, err)
	}

	feed := docstore.StartFeed(ctx, func(ctx context.Context) ([]docstore.Document, error) {
		return s.List(ctx, collection)
	}, onSnapshot, onError)

	s.mu.Lock()
	s.feeds[feed] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			_ = pubsub.Close()
			s.mu.Lock()
			delete(s.feeds, feed)
			s.mu.Unlock()
		}()
		msgs := pubsub.Channel()
		for {
			select {
			case <-feed.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					feed.Fail(fmt.Errorf("redis subscription %s closed", collection))
					<-feed.Done()
					return
				}
				feed.Notify()
			}
		}
	}()
	return feed.Stop, nil
}

func (s *Store) Get(ctx context.Context, docPath string) (docstore.Document, error) {
	_, id, err := docstore.Split(docPath)
	if err != nil {
		return docstore.Document{}, err
	}
	raw, err := s.rdb.HGetAll(ctx, redisx.DocKey(s.prefix, docPath)).Result()
	if err != nil {
		return docstore.Document{}, fmt.Errorf("redis get %s: %w", docPath, err)
	}
	if len(raw) == 0 {
		return docstore.Document{}, fmt.Errorf("%w: %s", docstore.ErrNotFound, docPath)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("redis get %s: %w", docPath, err)
	}
	return docstore.Document{ID: id, Fields: fields}, nil
}

func (s *Store) Set(ctx context.Context, docPath string, fields docstore.Fields) error {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return err
	}
	args, err := encodeFields(id, fields)
	if err != nil {
		return err
	}
	key := redisx.DocKey(s.prefix, docPath)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, args...)
		p.SAdd(ctx, redisx.IndexKey(s.prefix, coll), id)
		p.Publish(ctx, redisx.ChangesChannel(s.prefix, coll), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", docPath, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, docPath string, fields docstore.Fields) error {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return err
	}
	pairs, err := encodePairs(fields)
	if err != nil {
		return err
	}
	args := append([]any{redisx.ChangesChannel(s.prefix, coll), id}, pairs...)
	n, err := updateScript.Run(ctx, s.rdb, []string{redisx.DocKey(s.prefix, docPath)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis update %s: %w", docPath, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, docPath)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, docPath string) error {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisx.DocKey(s.prefix, docPath))
		p.SRem(ctx, redisx.IndexKey(s.prefix, coll), id)
		p.Publish(ctx, redisx.ChangesChannel(s.prefix, coll), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", docPath, err)
	}
	return nil
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
	initPairs, err := encodeFields(id, seed)
	if err != nil {
		return 0, err
	}
	args := append([]any{redisx.ChangesChannel(s.prefix, coll), id, field, delta}, initPairs...)
	keys := []string{redisx.DocKey(s.prefix, docPath), redisx.IndexKey(s.prefix, coll)}
	n, err := incrementScript.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment %s.%s: %w", docPath, field, err)
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	if err := docstore.ValidateCollection(collection); err != nil {
		return nil, err
	}
	ids, err := s.rdb.SMembers(ctx, redisx.IndexKey(s.prefix, collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", collection, err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, redisx.DocKey(s.prefix, docstore.Join(collection, id)))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis list %s: %w", collection, err)
	}

	out := make([]docstore.Document, 0, len(ids))
	for i, id := range ids {
		raw := cmds[i].Val()
		if len(raw) == 0 {
			continue
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("redis list %s: %w", collection, err)
		}
		out = append(out, docstore.Document{ID: id, Fields: fields})
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
	feeds := make([]*docstore.Feed, 0, len(s.feeds))
	for f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.Stop()
	}
	return s.rdb.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// encodeFields returns HSET arguments for a full document, id marker
// included so empty documents still exist.
func encodeFields(id string, fields docstore.Fields) ([]any, error) {
	pairs, err := encodePairs(fields)
	if err != nil {
		return nil, err
	}
	return append([]any{idField, id}, pairs...), nil
}

func encodePairs(fields docstore.Fields) ([]any, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == idField {
			return nil, fmt.Errorf("field name %q is reserved", idField)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		b, err := json.Marshal(fields[k])
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		out = append(out, k, string(b))
	}
	return out, nil
}

func decodeFields(raw map[string]string) (docstore.Fields, error) {
	out := make(docstore.Fields, len(raw))
	for k, v := range raw {
		if k == idField {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(v)))
		dec.UseNumber()
		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, fmt.Errorf("decode field %s: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}
