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

type AccountStore struct {
	coll *mongo.Collection
}

func NewAccountStore(db *mongo.Database) *AccountStore {
	return &AccountStore{coll: db.Collection(accountsCollection)}
}

type accountDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	Token     string             `bson:"token"`
	Cookie    string             `bson:"cookie"`
	CreatedAt time.Time          `bson:"created_at"`
}

func (s *AccountStore) Create(ctx context.Context, account *domain.Account) (string, error) {
	doc := accountDoc{
		Name:      account.Name,
		Token:     account.Token,
		Cookie:    account.Cookie,
		CreatedAt: time.Now().UTC(),
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

func (s *AccountStore) Resolve(ctx context.Context, accountID string) (*domain.Credential, error) {
	oid, err := parseObjectID(accountID)
	if err != nil {
		return nil, err
	}

	var doc accountDoc
	err = s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return nil, err
	}
	return &domain.Credential{Token: doc.Token, Cookie: doc.Cookie}, nil
}
