package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/config"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
)

// ErrDuplicate is returned by Append when a record with the same ID already
// exists in the destination. Callers skip and count it; the run continues.
var ErrDuplicate = errors.New("record already exists in destination")

// Storage is the contract for the destination store. Append persists one
// record fully or not at all; a record is never partially visible.
type Storage interface {
	Append(ctx context.Context, record models.IngestedRecord) error
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "jsonl":
		return NewJSONLStorage(cfg.Path)
	case "mongodb":
		return NewMongoDBStorage(cfg)
	case "dynamodb":
		return NewDynamoDBStorage(cfg)
	case "postgresql":
		return NewPostgreSQLStorage(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
