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

type TargetStore struct {
	coll *mongo.Collection
}

func NewTargetStore(db *mongo.Database) *TargetStore {
	return &TargetStore{coll: db.Collection(targetsCollection)}
}

type targetDoc struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	Name          string             `bson:"name"`
	ScheduleMode  string             `bson:"schedule_mode"`
	IntervalValue float64            `bson:"interval_value,omitempty"`
	IntervalUnit  string             `bson:"interval_unit,omitempty"`
	DailyTimes    []string           `bson:"daily_times,omitempty"`
	CronExpr      string             `bson:"cron_expr,omitempty"`
	FreqMinutes   int                `bson:"freq_minutes,omitempty"`
	Enabled       bool               `bson:"enabled"`
	AccountID     string             `bson:"account_id,omitempty"`
	ExternalID    string             `bson:"external_id,omitempty"`
	AvatarURL     string             `bson:"avatar_url,omitempty"`
	LastRunAt     *time.Time         `bson:"last_run_at,omitempty"`
	LastError     *string            `bson:"last_error,omitempty"`
	CreatedAt     time.Time          `bson:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at"`
}

func (d *targetDoc) toDomain() *domain.Target {
	return &domain.Target{
		ID:   d.ID.Hex(),
		Name: d.Name,
		Schedule: domain.Schedule{
			Mode:          domain.ScheduleMode(d.ScheduleMode),
			IntervalValue: d.IntervalValue,
			IntervalUnit:  d.IntervalUnit,
			DailyTimes:    d.DailyTimes,
			CronExpr:      d.CronExpr,
			FreqMinutes:   d.FreqMinutes,
		},
		Enabled:    d.Enabled,
		AccountID:  d.AccountID,
		ExternalID: d.ExternalID,
		AvatarURL:  d.AvatarURL,
		LastRunAt:  d.LastRunAt,
		LastError:  d.LastError,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func (s *TargetStore) Create(ctx context.Context, target *domain.Target) (string, error) {
	now := time.Now().UTC()
	doc := targetDoc{
		Name:          target.Name,
		ScheduleMode:  string(target.Schedule.Mode),
		IntervalValue: target.Schedule.IntervalValue,
		IntervalUnit:  target.Schedule.IntervalUnit,
		DailyTimes:    target.Schedule.DailyTimes,
		CronExpr:      target.Schedule.CronExpr,
		FreqMinutes:   target.Schedule.FreqMinutes,
		Enabled:       target.Enabled,
		AccountID:     target.AccountID,
		ExternalID:    target.ExternalID,
		AvatarURL:     target.AvatarURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return "", err
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

func (s *TargetStore) Get(ctx context.Context, id string) (*domain.Target, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}

	var doc targetDoc
	err = s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("target %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return doc.toDomain(), nil
}

func (s *TargetStore) ListEnabled(ctx context.Context) ([]domain.Target, error) {
	cur, err := s.coll.Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var targets []domain.Target
	for cur.Next(ctx) {
		var doc targetDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		targets = append(targets, *doc.toDomain())
	}
	return targets, cur.Err()
}

func (s *TargetStore) SaveResolution(ctx context.Context, id, externalID, avatarURL string) error {
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}

	set := bson.M{"external_id": externalID, "updated_at": time.Now().UTC()}
	if avatarURL != "" {
		set["avatar_url"] = avatarURL
	}
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	return err
}

func (s *TargetStore) ClearExternalID(ctx context.Context, id string) error {
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$unset": bson.M{"external_id": ""},
		"$set":   bson.M{"updated_at": time.Now().UTC()},
	})
	return err
}

func (s *TargetStore) MarkSuccess(ctx context.Context, id string, at time.Time) error {
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$set":   bson.M{"last_run_at": at, "updated_at": time.Now().UTC()},
		"$unset": bson.M{"last_error": ""},
	})
	return err
}

func (s *TargetStore) SetLastError(ctx context.Context, id, message string) error {
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}
	_, err = s.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{
		"$set": bson.M{"last_error": message, "updated_at": time.Now().UTC()},
	})
	return err
}

func parseObjectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return oid, nil
}
