// Package mongostore keeps every document of every collection in a single
// MongoDB collection keyed by document path. Realtime snapshots come from a
// change stream, or from polling when the deployment has no change streams
// (standalone servers).
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultCollection = "documents"

type record struct {
	Path       string    `bson:"_id"`
	Collection string    `bson:"collection"`
	DocID      string    `bson:"doc_id"`
	Fields     bson.M    `bson:"fields"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

type Options struct {
	Collection   string
	PollInterval time.Duration
}

type Store struct {
	db   *mongo.Database
	coll *mongo.Collection
	poll time.Duration

	mu     sync.Mutex
	feeds  map[*docstore.Feed]struct{}
	closed bool
}

var (
	_ docstore.Store       = (*Store)(nil)
	_ docstore.Incrementer = (*Store)(nil)
)

func Connect(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(50)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client.Database(database), nil
}

// New takes ownership of the database client; Close disconnects it.
func New(db *mongo.Database, opts Options) *Store {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Store{
		db:    db,
		coll:  db.Collection(opts.Collection),
		poll:  opts.PollInterval,
		feeds: map[*docstore.Feed]struct{}{},
	}
}

func (s *Store) CreateIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "collection", Value: 1}, {Key: "doc_id", Value: 1}},
		Options: options.Index().SetName("collection_doc_id"),
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	if err := docstore.ValidateCollection(collection); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, docstore.ErrClosed
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"documentKey._id": bson.M{"$regex": "^" + regexp.QuoteMeta(collection) + "/[^/]+$"},
		}}},
	}
	stream, watchErr := s.coll.Watch(ctx, pipeline)

	feed := docstore.StartFeed(ctx, func(ctx context.Context) ([]docstore.Document, error) {
		return s.List(ctx, collection)
	}, onSnapshot, onError)

	s.mu.Lock()
	s.feeds[feed] = struct{}{}
	s.mu.Unlock()

	if watchErr != nil {
		go s.pollLoop(feed)
	} else {
		go s.watchLoop(feed, stream)
	}
	return feed.Stop, nil
}

func (s *Store) watchLoop(feed *docstore.Feed, stream *mongo.ChangeStream) {
	defer s.forget(feed)
	defer stream.Close(context.Background())

	ctx := feed.Context()
	for stream.Next(ctx) {
		feed.Notify()
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		feed.Fail(fmt.Errorf("mongo change stream: %w", err))
		<-feed.Done()
	}
}

func (s *Store) pollLoop(feed *docstore.Feed) {
	defer s.forget(feed)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-feed.Done():
			return
		case <-ticker.C:
			feed.Notify()
		}
	}
}

func (s *Store) forget(feed *docstore.Feed) {
	s.mu.Lock()
	delete(s.feeds, feed)
	s.mu.Unlock()
}

func (s *Store) Get(ctx context.Context, docPath string) (docstore.Document, error) {
	if _, _, err := docstore.Split(docPath); err != nil {
		return docstore.Document{}, err
	}
	var rec record
	err := s.coll.FindOne(ctx, bson.M{"_id": docPath}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.Document{}, fmt.Errorf("%w: %s", docstore.ErrNotFound, docPath)
	}
	if err != nil {
		return docstore.Document{}, fmt.Errorf("mongo get %s: %w", docPath, err)
	}
	return rec.document(), nil
}

func (s *Store) Set(ctx context.Context, docPath string, fields docstore.Fields) error {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return err
	}
	rec := record{
		Path:       docPath,
		Collection: coll,
		DocID:      id,
		Fields:     bson.M(fields),
		UpdatedAt:  time.Now().UTC(),
	}
	if rec.Fields == nil {
		rec.Fields = bson.M{}
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": docPath}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo set %s: %w", docPath, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, docPath string, fields docstore.Fields) error {
	if _, _, err := docstore.Split(docPath); err != nil {
		return err
	}
	set := bson.M{"updated_at": time.Now().UTC()}
	for k, v := range fields {
		set["fields."+k] = v
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": docPath}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongo update %s: %w", docPath, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, docPath)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, docPath string) error {
	if _, _, err := docstore.Split(docPath); err != nil {
		return err
	}
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": docPath}); err != nil {
		return fmt.Errorf("mongo delete %s: %w", docPath, err)
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

// IncrementOrCreate upserts the document. On insert the init fields are
// written and field starts from delta.
func (s *Store) IncrementOrCreate(ctx context.Context, docPath, field string, delta int64, init docstore.Fields) (int64, error) {
	coll, id, err := docstore.Split(docPath)
	if err != nil {
		return 0, err
	}
	onInsert := bson.M{"collection": coll, "doc_id": id}
	for k, v := range init {
		if k != field {
			onInsert["fields."+k] = v
		}
	}
	update := bson.M{
		"$inc":         bson.M{"fields." + field: delta},
		"$set":         bson.M{"updated_at": time.Now().UTC()},
		"$setOnInsert": onInsert,
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var rec record
	if err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": docPath}, update, opts).Decode(&rec); err != nil {
		return 0, fmt.Errorf("mongo increment %s.%s: %w", docPath, field, err)
	}
	n, ok := docstore.Fields(rec.Fields).Int64(field)
	if !ok {
		return 0, fmt.Errorf("mongo increment %s.%s: field is not an integer", docPath, field)
	}
	return n, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	if err := docstore.ValidateCollection(collection); err != nil {
		return nil, err
	}
	cur, err := s.coll.Find(ctx, bson.M{"collection": collection}, options.Find().SetSort(bson.D{{Key: "doc_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo list %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	var recs []record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("mongo list %s: %w", collection, err)
	}
	out := make([]docstore.Document, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.document())
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.db.Client().Disconnect(ctx)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (r record) document() docstore.Document {
	fields := make(docstore.Fields, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return docstore.Document{ID: r.DocID, Fields: fields}
}
