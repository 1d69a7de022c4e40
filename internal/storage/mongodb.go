package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/config"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
)

// MongoDBStorage implements Storage using MongoDB. Records use the post ID
// as _id, so the server's primary-key constraint is the durable dedup
// boundary across runs and writers.
type MongoDBStorage struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoDBStorage connects to MongoDB and verifies the connection.
func NewMongoDBStorage(cfg config.StorageConfig) (*MongoDBStorage, error) {
	if cfg.MongoDBURI == "" {
		return nil, fmt.Errorf("MONGODB_URI is required for mongodb storage")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoDBStorage{
		client:     client,
		collection: client.Database(cfg.MongoDBName).Collection(cfg.TableName),
	}, nil
}

// Append inserts one record, mapping a duplicate-key rejection to
// ErrDuplicate.
func (m *MongoDBStorage) Append(ctx context.Context, record models.IngestedRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", record.ID, err)
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return fmt.Errorf("failed to convert record %s to document: %w", record.ID, err)
	}
	doc["_id"] = record.ID

	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("record %s: %w", record.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert record %s: %w", record.ID, err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (m *MongoDBStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
