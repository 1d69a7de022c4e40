package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/config"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/credentials"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/ingestion"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/normalize"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/runlog"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/storage"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/twitterapi"
)

func main() {
	// run owns the deferred cleanup; os.Exit here would skip it.
	os.Exit(run())
}

func run() int {
	// Environment first: flags below use it for their defaults
	if err := godotenv.Load(); err != nil {
		// A missing .env file is the normal case outside development
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", "error", err)
		return 2
	}

	parseFlags(cfg)
	initLogger(cfg.Logs.Level)

	// Initialize destination storage
	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		return 1
	}
	defer store.Close()

	// Initialize run logger (audit sinks)
	recorder, err := runlog.New(cfg.Logs.AttemptHistory, cfg.Logs.SuccessHistory)
	if err != nil {
		slog.Error("failed to initialize run logger", "error", err)
		return 1
	}
	defer recorder.Close()

	pool := credentials.NewPool(cfg.Credentials)
	client := twitterapi.NewClient(cfg.Ingestion.APIBaseURL, cfg.Ingestion.Timeout,
		cfg.Ingestion.MaxResults, cfg.Ingestion.RateLimitWindow)
	normalizer := normalize.New(normalize.DefaultOptions())

	service := ingestion.NewService(cfg.Ingestion, cfg.Query, pool, client, normalizer, store, recorder)

	// A signal cancels the run; per-record atomic writes keep the
	// destination valid, losing at most the in-flight record.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := service.Ingest(ctx)
	slog.Info("run summary",
		"written", summary.Written,
		"skipped", summary.Skipped,
		"halted_reason", summary.HaltedReason)

	if err != nil {
		var allLimited *credentials.AllRateLimitedError
		if errors.As(err, &allLimited) {
			slog.Error("every credential is rate limited; schedule a retry",
				"earliest_reset", allLimited.EarliestReset.UTC())
		}
		return 1
	}
	return 0
}

// parseFlags overlays command-line flags on the environment-derived config.
func parseFlags(cfg *config.Config) {
	count := flag.Int("count", cfg.Ingestion.Count, "number of records to ingest (overrides $INGEST_COUNT)")
	hashtag := flag.String("hashtag", cfg.Query.Hashtag, "hashtag filter, leading # optional (overrides $QUERY_HASHTAG)")
	out := flag.String("out", cfg.Storage.Path, "destination JSONL file (overrides $STORAGE_PATH)")
	lang := flag.String("lang", cfg.Query.Lang, "BCP47 language hint, e.g. en (overrides $QUERY_LANG)")
	keywords := flag.String("keywords", strings.Join(cfg.Query.Keywords, ","), "comma-separated keywords, OR-combined (overrides $QUERY_KEYWORDS)")
	location := flag.String("location", cfg.Query.Location, "place name substring or country code post-filter (overrides $QUERY_LOCATION)")
	includeRetweets := flag.Bool("include-retweets", cfg.Query.IncludeRetweets, "include retweets in results (overrides $QUERY_INCLUDE_RETWEETS)")
	startTime := flag.String("start-time", cfg.Query.StartTime, "RFC3339 lower bound of the search window (overrides $QUERY_START_TIME)")
	logLevel := flag.String("log-level", cfg.Logs.Level, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	flag.Parse()

	cfg.Ingestion.Count = *count
	cfg.Query.Hashtag = *hashtag
	cfg.Storage.Path = *out
	cfg.Query.Lang = *lang
	cfg.Query.Location = *location
	cfg.Query.IncludeRetweets = *includeRetweets
	cfg.Query.StartTime = *startTime
	cfg.Logs.Level = *logLevel
	cfg.Query.Keywords = nil
	for _, part := range strings.Split(*keywords, ",") {
		if part = strings.TrimSpace(part); part != "" {
			cfg.Query.Keywords = append(cfg.Query.Keywords, part)
		}
	}
}

// initLogger sets up the process-wide structured logger.
func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}
