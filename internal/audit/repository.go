package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const collectionName = "audit_log"

var ErrDuplicateEvent = errors.New("event already recorded")

type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionVoidSale     Action = "VOID_SALE"
	ActionOpenSession  Action = "OPEN_SESSION"
	ActionCloseSession Action = "CLOSE_SESSION"
	ActionUpdate       Action = "UPDATE"
)

// Entry is one line of the audit trail.
type Entry struct {
	ID        string    `bson:"_id" json:"id"`
	EventID   string    `bson:"event_id" json:"event_id"`
	UserID    int64     `bson:"user_id" json:"user_id"`
	Action    Action    `bson:"action" json:"action"`
	Entity    string    `bson:"entity" json:"entity"`
	EntityID  string    `bson:"entity_id" json:"entity_id"`
	Details   string    `bson:"details" json:"details"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	ListByEntity(ctx context.Context, entity, entityID string) ([]Entry, error)
}

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(20)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}

type MongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{collection: db.Collection(collectionName)}
}

// CreateIndexes makes event_id unique so redelivered events are stored once.
func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "entity", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "timestamp", Value: 1}},
		},
	}

	if _, err := m.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (m *MongoRepository) Insert(ctx context.Context, e *Entry) error {
	_, err := m.collection.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListByEntity returns the trail of one entity, oldest first.
func (m *MongoRepository) ListByEntity(ctx context.Context, entity, entityID string) ([]Entry, error) {
	filter := bson.M{"entity": entity, "entity_id": entityID}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})

	cur, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find audit entries: %w", err)
	}
	defer cur.Close(ctx)

	entries := []Entry{}
	if err := cur.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode audit entries: %w", err)
	}
	return entries, nil
}
