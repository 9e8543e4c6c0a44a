// Package mongo provides a document-store backend with the same interface
// surface as the relational one. Articles are deduplicated by a unique url
// index, matching the postgres schema.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	targetsCollection  = "targets"
	accountsCollection = "accounts"
	articlesCollection = "articles"
	runLogsCollection  = "crawl_logs"
)

// Connect opens a client and verifies the connection with a ping.
func Connect(ctx context.Context, uri, database string) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client.Database(database), nil
}

// EnsureIndexes creates the unique and lookup indexes the stores rely on.
// Index creation is idempotent, so this runs on every startup.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	unique := options.Index().SetUnique(true)

	_, err := db.Collection(articlesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "url", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("articles url index: %w", err)
	}

	_, err = db.Collection(targetsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("targets name index: %w", err)
	}

	_, err = db.Collection(accountsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("accounts name index: %w", err)
	}

	_, err = db.Collection(runLogsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "target_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("crawl_logs indexes: %w", err)
	}
	return nil
}
