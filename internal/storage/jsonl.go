package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
)

// JSONLStorage appends one JSON object per line to a file. Each append is a
// single positional write of one complete line followed by a sync; the file
// is extended past the committed size only while a write is in flight, and a
// failed write is truncated away before the next one, so readers and the
// id scan at open see only complete lines. A crash mid-write leaves at most
// one torn trailing line, which is truncated the next time the store opens.
// Existing IDs are read once at open and cached for the lifetime of the
// store.
//
// The store assumes a single writer per destination file; concurrent runs
// against the same file are not supported.
type JSONLStorage struct {
	file *os.File
	path string
	size int64 // length of the committed prefix
	ids  map[string]struct{}
}

// NewJSONLStorage opens (or creates) the destination file, recovers from a
// torn trailing line left by an interrupted run, and loads the set of
// already-stored record IDs.
func NewJSONLStorage(path string) (*JSONLStorage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create destination directory %s: %w", dir, err)
		}
	}

	ids, validLen, err := scanExisting(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file %s: %w", path, err)
	}
	if err := file.Truncate(validLen); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to truncate torn tail of %s: %w", path, err)
	}

	slog.Debug("destination file opened", "path", path, "existing_records", len(ids))
	return &JSONLStorage{file: file, path: path, size: validLen, ids: ids}, nil
}

// scanExisting reads the destination file and returns the stored IDs along
// with the byte length of the valid prefix. Anything after the last complete
// parseable line is an unfinalized record from an interrupted run and is not
// counted.
func scanExisting(path string) (map[string]struct{}, int64, error) {
	ids := make(map[string]struct{})

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ids, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read destination file %s: %w", path, err)
	}

	var validLen int64
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			// Torn trailing line, no newline: the write never finalized.
			slog.Warn("ignoring unfinalized trailing record in destination file", "path", path, "bytes", len(data))
			break
		}
		line := data[:nl]
		data = data[nl+1:]

		if len(bytes.TrimSpace(line)) == 0 {
			validLen += int64(nl + 1)
			continue
		}
		var rec struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("skipping corrupt line in destination file", "path", path, "error", err)
			validLen += int64(nl + 1)
			continue
		}
		if rec.ID != "" {
			ids[rec.ID] = struct{}{}
		}
		validLen += int64(nl + 1)
	}

	return ids, validLen, nil
}

// Append writes one record as a single line at the committed offset.
// Returns ErrDuplicate when the record's ID is already present in the
// destination. A failed write never moves the committed offset, so the next
// append overwrites the partial bytes instead of gluing onto them.
func (s *JSONLStorage) Append(ctx context.Context, record models.IngestedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, exists := s.ids[record.ID]; exists {
		return fmt.Errorf("record %s: %w", record.ID, ErrDuplicate)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", record.ID, err)
	}
	line = append(line, '\n')

	// Clear any partial bytes a previously failed write left behind.
	if err := s.file.Truncate(s.size); err != nil {
		return fmt.Errorf("failed to truncate destination file to committed length: %w", err)
	}

	if _, err := s.file.WriteAt(line, s.size); err != nil {
		s.discardPartialWrite()
		return fmt.Errorf("failed to append record %s: %w", record.ID, err)
	}
	if err := s.file.Sync(); err != nil {
		s.discardPartialWrite()
		return fmt.Errorf("failed to sync destination file: %w", err)
	}

	s.size += int64(len(line))
	s.ids[record.ID] = struct{}{}
	return nil
}

// discardPartialWrite truncates back to the committed prefix after a failed
// write. Best effort: if the truncate itself fails, the next Append repeats
// it before writing.
func (s *JSONLStorage) discardPartialWrite() {
	if err := s.file.Truncate(s.size); err != nil {
		slog.Warn("failed to discard partial write from destination file", "path", s.path, "error", err)
	}
}

// Close closes the destination file.
func (s *JSONLStorage) Close() error {
	return s.file.Close()
}
