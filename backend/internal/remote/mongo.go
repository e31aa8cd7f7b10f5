package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"gradesync/backend/internal/shared"
)

// MongoBackend stores every collection in one database. Sharded documents
// carry their course in course_id.
type MongoBackend struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
}

// NewMongoBackend wraps an open connection
func NewMongoBackend(client *mongo.Client, db *mongo.Database, log *zap.Logger) *MongoBackend {
	return &MongoBackend{client: client, db: db, log: log}
}

// EnsureIndexes creates the indexes counting and paging rely on
func (m *MongoBackend) EnsureIndexes(ctx context.Context) error {
	for _, name := range shared.ShardedCollections {
		_, err := m.db.Collection(name).Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "course_id", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "year", Value: 1}}},
		})
		if err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, classify(err))
		}
	}
	_, err := m.db.Collection(shared.CollectionAssignments).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "student_id", Value: 1}, {Key: "course_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create assignment index: %w", classify(err))
	}
	return nil
}

func (m *MongoBackend) UpsertBatch(ctx context.Context, collection string, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	models := make([]mongo.WriteModel, len(docs))
	for i, d := range docs {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": d.ID}).
			SetReplacement(d.Body).
			SetUpsert(true)
	}

	_, err := m.db.Collection(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err == nil {
		return len(docs), nil
	}

	// Ordered writes stop at the first error, so its index is the committed prefix
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
		return bwe.WriteErrors[0].Index, classify(err)
	}
	return 0, classify(err)
}

func (m *MongoBackend) CountDocuments(ctx context.Context, collection string, filter Filter) (int64, error) {
	n, err := m.db.Collection(collection).CountDocuments(ctx, filter.bson())
	return n, classify(err)
}

func (m *MongoBackend) Find(ctx context.Context, collection string, filter Filter, after bson.RawValue, limit int) ([]bson.Raw, error) {
	query := filter.bson()
	if after.Type != 0 {
		query = bson.M{"$and": bson.A{query, afterIDQuery(after)}}
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.db.Collection(collection).Find(ctx, query, opts)
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close(ctx)

	var out []bson.Raw
	for cursor.Next(ctx) {
		out = append(out, append(bson.Raw(nil), cursor.Current...))
	}
	if err := cursor.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (m *MongoBackend) DeleteByIDs(ctx context.Context, collection string, ids []bson.RawValue) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := m.db.Collection(collection).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, classify(err)
	}
	return res.DeletedCount, nil
}

func (m *MongoBackend) Shards(ctx context.Context, collection string) ([]string, error) {
	values, err := m.db.Collection(collection).Distinct(ctx, "course_id", bson.M{})
	if err != nil {
		return nil, classify(err)
	}

	shards := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			shards = append(shards, s)
		}
	}
	sort.Strings(shards)
	return shards, nil
}

func (m *MongoBackend) Close(ctx context.Context) error {
	return shared.DisconnectMongoDB(m.client)
}
