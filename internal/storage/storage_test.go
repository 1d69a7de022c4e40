package storage

import (
	"path/filepath"
	"testing"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/config"
)

func testStorageConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	return config.StorageConfig{
		Type: "jsonl",
		Path: filepath.Join(t.TempDir(), "tweets.jsonl"),
	}
}
