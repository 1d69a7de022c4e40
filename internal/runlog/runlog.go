// Package runlog records every request attempt and every ingested record to
// append-only JSONL sinks for audit and debugging. Logging is best-effort:
// a sink failure is reported at warn level and never aborts ingestion.
package runlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
)

// Recorder is what the pipeline needs from a run logger.
type Recorder interface {
	RecordAttempt(attempt models.RequestAttempt)
	RecordSuccess(record models.IngestedRecord)
}

// Logger writes attempts and successes to two JSONL files.
type Logger struct {
	attempts  *os.File
	successes *os.File
}

// entry wraps a payload with the write timestamp, one JSON object per line.
type entry struct {
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// New opens (or creates) the attempt-history and success sinks in append
// mode.
func New(attemptPath, successPath string) (*Logger, error) {
	attempts, err := openSink(attemptPath)
	if err != nil {
		return nil, err
	}
	successes, err := openSink(successPath)
	if err != nil {
		attempts.Close()
		return nil, err
	}
	return &Logger{attempts: attempts, successes: successes}, nil
}

func openSink(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log sink %s: %w", path, err)
	}
	return file, nil
}

// RecordAttempt appends one attempt to the history sink.
func (l *Logger) RecordAttempt(attempt models.RequestAttempt) {
	l.write(l.attempts, attempt)
}

// RecordSuccess appends one written record to the success sink.
func (l *Logger) RecordSuccess(record models.IngestedRecord) {
	l.write(l.successes, record)
}

func (l *Logger) write(sink *os.File, payload interface{}) {
	line, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      payload,
	})
	if err != nil {
		slog.Warn("run log entry not serializable", "error", err)
		return
	}
	if _, err := sink.Write(append(line, '\n')); err != nil {
		slog.Warn("failed to write run log entry", "sink", sink.Name(), "error", err)
	}
}

// Close closes both sinks.
func (l *Logger) Close() error {
	err1 := l.attempts.Close()
	err2 := l.successes.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Nop is a Recorder that discards everything. Used in tests.
type Nop struct{}

func (Nop) RecordAttempt(models.RequestAttempt) {}
func (Nop) RecordSuccess(models.IngestedRecord) {}
