// Package mongostore implements storage.Adapter on MongoDB (mongo-driver v2).
// Expiry is enforced by a TTL index and by read filters, since the TTL
// monitor only runs periodically.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/harun/agentcore/pkg/storage"
)

// ColItems is the collection holding every item.
const ColItems = "items"

// Store is a MongoDB-backed storage.Adapter.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var (
	_ storage.Adapter = (*Store)(nil)
	_ storage.Querier = (*Store)(nil)
	_ storage.Lister  = (*Store)(nil)
)

type itemDoc struct {
	Key       string            `bson:"_id"`
	Kind      string            `bson:"kind"`
	Data      []byte            `bson:"data"`
	Fields    map[string]string `bson:"fields,omitempty"`
	UpdatedAt time.Time         `bson:"updated_at"`
	ExpiresAt *time.Time        `bson:"expires_at,omitempty"`
}

func toDoc(it storage.Item) itemDoc {
	d := itemDoc{
		Key:       it.Key,
		Kind:      it.Kind,
		Data:      it.Data,
		Fields:    it.Fields,
		UpdatedAt: it.UpdatedAt,
	}
	if !it.ExpiresAt.IsZero() {
		exp := it.ExpiresAt
		d.ExpiresAt = &exp
	}
	return d
}

func (d itemDoc) item() storage.Item {
	it := storage.Item{
		Key:       d.Key,
		Kind:      d.Kind,
		Data:      d.Data,
		Fields:    d.Fields,
		UpdatedAt: d.UpdatedAt,
	}
	if d.ExpiresAt != nil {
		it.ExpiresAt = *d.ExpiresAt
	}
	return it
}

// NewStore connects to uri and uses database dbName.
func NewStore(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(pingCtx); err != nil {
		log.Warn().Err(err).Msg("mongostore: ensure indexes failed")
	}

	log.Info().Str("database", dbName).Msg("Connected to MongoDB")
	return s, nil
}

func (s *Store) col() *mongo.Collection {
	return s.db.Collection(ColItems)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "fields.threadId", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "fields.sessionId", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	if _, err := s.col().Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes on %s: %w", ColItems, err)
	}
	return nil
}

func liveFilter(now time.Time) bson.E {
	return bson.E{Key: "$or", Value: bson.A{
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$exists", Value: false}}}},
		bson.D{{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}}},
	}}
}

func (s *Store) Store(ctx context.Context, item storage.Item) error {
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now()
	}
	_, err := s.col().ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: item.Key}},
		toDoc(item),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: store %s: %w", item.Key, err)
	}
	return nil
}

func findOne(ctx context.Context, col *mongo.Collection, filter bson.D, opts ...options.Lister[options.FindOneOptions]) (storage.Item, error) {
	var doc itemDoc
	err := col.FindOne(ctx, filter, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Item{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Item{}, err
	}
	return doc.item(), nil
}

func (s *Store) Retrieve(ctx context.Context, key string) (storage.Item, error) {
	it, err := findOne(ctx, s.col(), bson.D{{Key: "_id", Value: key}, liveFilter(time.Now())})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Item{}, fmt.Errorf("mongostore: retrieve %s: %w", key, err)
	}
	return it, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.col().DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
		return fmt.Errorf("mongostore: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.col().DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("mongostore: clear: %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{liveFilter(time.Now())}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$kind"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := s.col().Aggregate(ctx, pipeline)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("mongostore: stats: %w", err)
	}
	defer cursor.Close(ctx)

	st := storage.Stats{Backend: "mongo", ByKind: make(map[string]int)}
	for cursor.Next(ctx) {
		var row struct {
			Kind  string `bson:"_id"`
			Count int    `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return storage.Stats{}, err
		}
		st.ByKind[row.Kind] = row.Count
		st.Items += row.Count
	}
	return st, cursor.Err()
}

func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.client.Ping(ctx, nil) == nil
}

func (s *Store) Cleanup(ctx context.Context) (int, error) {
	res, err := s.col().DeleteMany(ctx, bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: time.Now()}}}})
	if err != nil {
		return 0, fmt.Errorf("mongostore: cleanup: %w", err)
	}
	return int(res.DeletedCount), nil
}

func sortSpec(opts storage.QueryOptions) bson.D {
	dir := 1
	if opts.Descending {
		dir = -1
	}
	field := "updated_at"
	if opts.SortBy != "" && opts.SortBy != storage.SortByUpdatedAt {
		field = "fields." + opts.SortBy
	}
	return bson.D{{Key: field, Value: dir}, {Key: "_id", Value: dir}}
}

func (s *Store) FindOneByQuery(ctx context.Context, q storage.Query, opts storage.QueryOptions) (storage.Item, error) {
	filter := bson.D{liveFilter(time.Now())}
	if q.Kind != "" {
		filter = append(filter, bson.E{Key: "kind", Value: q.Kind})
	}
	for k, v := range q.Fields {
		filter = append(filter, bson.E{Key: "fields." + k, Value: v})
	}

	it, err := findOne(ctx, s.col(), filter, options.FindOne().SetSort(sortSpec(opts)))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Item{}, fmt.Errorf("mongostore: query: %w", err)
	}
	return it, err
}

func (s *Store) List(ctx context.Context, kind string) ([]storage.Item, error) {
	filter := bson.D{{Key: "kind", Value: kind}, liveFilter(time.Now())}
	cursor, err := s.col().Find(ctx, filter, options.Find().SetSort(sortSpec(storage.QueryOptions{})))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list %s: %w", kind, err)
	}
	defer cursor.Close(ctx)

	var out []storage.Item
	for cursor.Next(ctx) {
		var doc itemDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.item())
	}
	return out, cursor.Err()
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
