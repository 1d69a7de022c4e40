// Package ingestion drives one run of the pipeline: select a credential,
// execute a search call, normalize and persist the returned posts, and
// rotate or retry on failure until the requested count is met or no
// credential remains eligible.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/config"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/credentials"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/normalize"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/runlog"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/storage"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/twitterapi"
)

// Halt reasons reported in the run summary.
const (
	HaltAllRateLimited = "all_credentials_rate_limited"
	HaltNoCredentials  = "no_eligible_credentials"
	HaltNoMoreResults  = "no_more_results"
	HaltCanceled       = "canceled"
)

// SearchClient is what the pipeline needs from the request executor.
type SearchClient interface {
	Search(ctx context.Context, cred *models.Credential, query twitterapi.Query) twitterapi.Result
}

// Labeler optionally assigns a training label to a record before it is
// written. A labeler error drops that single post, not the run.
type Labeler func(record models.IngestedRecord) (bool, error)

// Service orchestrates one ingestion run
type Service struct {
	cfg        config.IngestionConfig
	query      config.QueryConfig
	pool       *credentials.Pool
	client     SearchClient
	normalizer *normalize.Normalizer
	storage    storage.Storage
	runlog     runlog.Recorder
	labeler    Labeler
}

// NewService creates a new ingestion service
func NewService(cfg config.IngestionConfig, queryCfg config.QueryConfig, pool *credentials.Pool, client SearchClient, normalizer *normalize.Normalizer, store storage.Storage, recorder runlog.Recorder) *Service {
	// Every selected credential gets at least one attempt; a zero or
	// negative retry cap would otherwise mean no call is ever issued.
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}
	return &Service{
		cfg:        cfg,
		query:      queryCfg,
		pool:       pool,
		client:     client,
		normalizer: normalizer,
		storage:    store,
		runlog:     recorder,
	}
}

// SetLabeler installs an optional labeling hook. Without one, records are
// written with a null label.
func (s *Service) SetLabeler(labeler Labeler) {
	s.labeler = labeler
}

// Ingest runs the pipeline until the requested count is written or no
// credential remains eligible. It always returns a summary; the error is
// non-nil only when the run halted early, and for a rate-limit halt it is an
// *credentials.AllRateLimitedError carrying the earliest reset time so a
// caller can schedule a retry.
func (s *Service) Ingest(ctx context.Context) (models.RunSummary, error) {
	var summary models.RunSummary

	query := twitterapi.Query{
		Hashtag:         s.query.Hashtag,
		Keywords:        s.query.Keywords,
		IncludeRetweets: s.query.IncludeRetweets,
		Lang:            s.query.Lang,
		GeoLat:          s.query.GeoLat,
		GeoLon:          s.query.GeoLon,
		GeoRadiusKm:     s.query.GeoRadiusKm,
		StartTime:       s.query.StartTime,
		EndTime:         s.query.EndTime,
		SinceID:         s.query.SinceID,
		UntilID:         s.query.UntilID,
	}
	slog.Info("starting ingestion run",
		"count", s.cfg.Count,
		"query", query.String(),
		"credentials", s.pool.Size())

	for summary.Written < s.cfg.Count {
		if err := ctx.Err(); err != nil {
			summary.HaltedReason = HaltCanceled
			return summary, err
		}

		// Selecting
		cred, err := s.pool.NextAvailable(time.Now())
		if err != nil {
			var allLimited *credentials.AllRateLimitedError
			if errors.As(err, &allLimited) && !allLimited.EarliestReset.IsZero() {
				summary.HaltedReason = HaltAllRateLimited
				slog.Error("no credential available, halting run",
					"reason", summary.HaltedReason,
					"earliest_reset", allLimited.EarliestReset.UTC().Format(time.RFC3339))
				return summary, err
			}
			summary.HaltedReason = HaltNoCredentials
			slog.Error("no credential available, halting run", "reason", summary.HaltedReason)
			return summary, err
		}

		// Executing (with bounded retry on transient failures)
		result, err := s.executeWithRetry(ctx, cred, query)
		if err != nil {
			summary.HaltedReason = HaltCanceled
			return summary, err
		}

		switch result.Outcome {
		case models.OutcomeSuccess:
			s.pool.MarkHealthy(cred.ID)
			s.processPosts(ctx, result.Posts, &summary)
			if summary.Written < s.cfg.Count {
				if result.NextCursor == "" {
					summary.HaltedReason = HaltNoMoreResults
					slog.Warn("search results exhausted before requested count was met",
						"written", summary.Written, "requested", s.cfg.Count)
					return summary, nil
				}
				query.NextToken = result.NextCursor
			}

		case models.OutcomeRateLimited:
			s.pool.MarkRateLimited(cred.ID, result.ResetAt)

		case models.OutcomeRetryableError:
			// Retry cap exceeded: transient service trouble, not quota.
			// Skip the credential for this run but leave it healthy.
			s.pool.MarkHealthy(cred.ID)
			s.pool.Exclude(cred.ID)

		case models.OutcomeFatalError:
			slog.Error("fatal response for credential, skipping it for this run",
				"credential_id", cred.ID, "status", result.HTTPStatus, "detail", result.Detail)
			s.pool.MarkHealthy(cred.ID)
			s.pool.Exclude(cred.ID)
		}
	}

	slog.Info("ingestion run complete", "written", summary.Written, "skipped", summary.Skipped)
	return summary, nil
}

// executeWithRetry runs one search call, retrying the same credential on
// transient failures with increasing backoff up to the configured cap.
// Every attempt, including retries, lands in the attempt history. The
// returned error is non-nil only on context cancellation.
func (s *Service) executeWithRetry(ctx context.Context, cred *models.Credential, query twitterapi.Query) (twitterapi.Result, error) {
	var result twitterapi.Result

	for attempt := 1; attempt <= s.cfg.RetryCount; attempt++ {
		result = s.client.Search(ctx, cred, query)
		s.runlog.RecordAttempt(models.RequestAttempt{
			Timestamp:    time.Now().UTC(),
			CredentialID: cred.ID,
			Query:        query.String(),
			Outcome:      result.Outcome,
			HTTPStatus:   result.HTTPStatus,
			Detail:       result.Detail,
		})

		if result.Outcome != models.OutcomeRetryableError {
			return result, nil
		}
		if attempt == s.cfg.RetryCount {
			slog.Warn("retry cap exceeded for credential",
				"credential_id", cred.ID, "attempts", attempt, "detail", result.Detail)
			break
		}

		backoff := time.Duration(s.cfg.BackoffFactor * float64(attempt) * float64(time.Second))
		slog.Warn("transient failure, retrying with same credential",
			"credential_id", cred.ID, "attempt", attempt, "backoff", backoff.String(), "detail", result.Detail)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return result, nil
}

// processPosts normalizes and persists the posts from one successful call.
// A single post's failure (filtered, too short, labeling error, duplicate,
// write error) is counted and skipped, never fatal to the run.
func (s *Service) processPosts(ctx context.Context, posts []models.RawPost, summary *models.RunSummary) {
	for _, post := range posts {
		if summary.Written >= s.cfg.Count {
			return
		}

		if !twitterapi.MatchesLocation(post, s.query.Location) {
			slog.Debug("post filtered by location", "post_id", post.ID)
			summary.Skipped++
			continue
		}

		record, err := s.buildRecord(post)
		if err != nil {
			slog.Warn("post dropped during preprocessing", "post_id", post.ID, "error", err)
			summary.Skipped++
			continue
		}

		if err := s.storage.Append(ctx, record); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				slog.Info("duplicate record skipped", "post_id", post.ID)
			} else {
				slog.Warn("failed to write record, skipping", "post_id", post.ID, "error", err)
			}
			summary.Skipped++
			continue
		}

		summary.Written++
		s.runlog.RecordSuccess(record)
	}
}

// buildRecord turns one raw post into its persisted form.
func (s *Service) buildRecord(post models.RawPost) (models.IngestedRecord, error) {
	cleanText, err := s.normalizer.Normalize(post.Text)
	if err != nil {
		return models.IngestedRecord{}, fmt.Errorf("normalization failed: %w", err)
	}

	record := models.IngestedRecord{
		ID:        post.ID,
		Text:      post.Text,
		CleanText: cleanText,
		Lang:      post.Lang,
		Meta: models.RecordMeta{
			CreatedAt:      post.CreatedAt,
			AuthorID:       post.AuthorID,
			AuthorUsername: post.AuthorUsername,
			PublicMetrics:  post.PublicMetrics,
			Place:          post.Place,
		},
		Raw: post.Raw,
	}

	if s.labeler != nil {
		label, err := s.labeler(record)
		if err != nil {
			return models.IngestedRecord{}, fmt.Errorf("labeling failed: %w", err)
		}
		record.Label = &label
	}

	return record, nil
}
