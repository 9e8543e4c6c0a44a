package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mp_watcher/internal/domain"
)

type ArticleStore struct {
	coll *mongo.Collection
}

func NewArticleStore(db *mongo.Database) *ArticleStore {
	return &ArticleStore{coll: db.Collection(articlesCollection)}
}

type articleDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	TargetID    string             `bson:"target_id"`
	MPName      string             `bson:"mp_name"`
	MPID        string             `bson:"mp_id"`
	Title       string             `bson:"title"`
	URL         string             `bson:"url"`
	PublishedAt time.Time          `bson:"published_at"`
	CreatedAt   time.Time          `bson:"created_at"`
}

// InsertIfAbsent upserts on url with $setOnInsert, so a document that
// already exists is left untouched. Returns true when the article was new.
func (s *ArticleStore) InsertIfAbsent(ctx context.Context, article *domain.Article) (bool, error) {
	doc := articleDoc{
		TargetID:    article.TargetID,
		MPName:      article.MPName,
		MPID:        article.MPID,
		Title:       article.Title,
		URL:         article.URL,
		PublishedAt: article.PublishedAt,
		CreatedAt:   article.CreatedAt,
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"url": article.URL},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	if res.UpsertedCount == 0 {
		return false, nil
	}
	if oid, ok := res.UpsertedID.(primitive.ObjectID); ok {
		article.ID = oid.Hex()
	}
	return true, nil
}

func (s *ArticleStore) CountByTarget(ctx context.Context) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$target_id", "count": bson.M{"$sum": 1}}}},
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	result := make(map[string]int64)
	for cur.Next(ctx) {
		var row struct {
			TargetID string `bson:"_id"`
			Count    int64  `bson:"count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		result[row.TargetID] = row.Count
	}
	return result, cur.Err()
}
