package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"mp_watcher/internal/domain"
)

type RunLogStore struct {
	coll *mongo.Collection
}

func NewRunLogStore(db *mongo.Database) *RunLogStore {
	return &RunLogStore{coll: db.Collection(runLogsCollection)}
}

type runLogDoc struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	TargetID      string             `bson:"target_id"`
	TargetName    string             `bson:"target_name,omitempty"`
	Status        string             `bson:"status"`
	Message       string             `bson:"message,omitempty"`
	Step          string             `bson:"step,omitempty"`
	ArticlesCount int                `bson:"articles_count,omitempty"`
	NewCount      int                `bson:"new_count,omitempty"`
	DurationMS    int64              `bson:"duration_ms,omitempty"`
	PageNum       int                `bson:"page_num,omitempty"`
	CreatedAt     time.Time          `bson:"created_at"`
}

func (d *runLogDoc) toDomain() domain.RunLogEntry {
	return domain.RunLogEntry{
		ID:            d.ID.Hex(),
		TargetID:      d.TargetID,
		TargetName:    d.TargetName,
		Status:        domain.RunStatus(d.Status),
		Message:       d.Message,
		Step:          d.Step,
		ArticlesCount: d.ArticlesCount,
		NewCount:      d.NewCount,
		DurationMS:    d.DurationMS,
		PageNum:       d.PageNum,
		CreatedAt:     d.CreatedAt,
	}
}

func (s *RunLogStore) Append(ctx context.Context, entry *domain.RunLogEntry) error {
	doc := runLogDoc{
		TargetID:      entry.TargetID,
		TargetName:    entry.TargetName,
		Status:        string(entry.Status),
		Message:       entry.Message,
		Step:          entry.Step,
		ArticlesCount: entry.ArticlesCount,
		NewCount:      entry.NewCount,
		DurationMS:    entry.DurationMS,
		PageNum:       entry.PageNum,
		CreatedAt:     entry.CreatedAt,
	}

	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return err
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	entry.ID = oid.Hex()
	return nil
}

func (s *RunLogStore) MarkStale(ctx context.Context, before time.Time, message string) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{
			"status":     bson.M{"$in": []string{string(domain.RunStart), string(domain.RunProgress)}},
			"created_at": bson.M{"$lt": before},
		},
		bson.M{"$set": bson.M{"status": string(domain.RunError), "message": message}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *RunLogStore) LatestByTarget(ctx context.Context) ([]domain.RunLogEntry, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$target_id", "latest": bson.M{"$first": "$$ROOT"}}}},
		{{Key: "$replaceRoot", Value: bson.M{"newRoot": "$latest"}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}}}},
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entries []domain.RunLogEntry
	for cur.Next(ctx) {
		var doc runLogDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, doc.toDomain())
	}
	return entries, cur.Err()
}
