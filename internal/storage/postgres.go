package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/config"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
)

// PostgreSQLStorage implements Storage using PostgreSQL. Records are stored
// as JSONB keyed by the post ID; ON CONFLICT DO NOTHING makes the primary
// key the dedup boundary.
type PostgreSQLStorage struct {
	db        *sql.DB
	tableName string
}

// NewPostgreSQLStorage connects to PostgreSQL and ensures the records table
// exists.
func NewPostgreSQLStorage(cfg config.StorageConfig) (*PostgreSQLStorage, error) {
	if cfg.PostgresURI == "" {
		return nil, fmt.Errorf("POSTGRES_URI is required for postgresql storage")
	}

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	storage := &PostgreSQLStorage{db: db, tableName: cfg.TableName}
	if err := storage.ensureTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure table exists: %w", err)
	}
	return storage, nil
}

func (p *PostgreSQLStorage) ensureTable() error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		record JSONB NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, p.tableName)
	_, err := p.db.Exec(query)
	return err
}

// Append inserts one record; an existing id leaves zero rows affected and
// maps to ErrDuplicate.
func (p *PostgreSQLStorage) Append(ctx context.Context, record models.IngestedRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", record.ID, err)
	}

	query := fmt.Sprintf("INSERT INTO %s (id, record) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING", p.tableName)
	result, err := p.db.ExecContext(ctx, query, record.ID, data)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", record.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check insert result for record %s: %w", record.ID, err)
	}
	if rows == 0 {
		return fmt.Errorf("record %s: %w", record.ID, ErrDuplicate)
	}
	return nil
}

// Close closes the database connection.
func (p *PostgreSQLStorage) Close() error {
	return p.db.Close()
}
