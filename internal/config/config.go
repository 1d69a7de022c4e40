package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNoCredentials is returned when no bearer token could be resolved from
// the environment. The run never starts in that case.
var ErrNoCredentials = errors.New("no bearer tokens found: set TWITTER_BEARER_TOKENS (comma-separated), TWITTER_BEARER_TOKEN or X_BEARER_TOKEN")

// Config holds all configuration for one ingestion run
type Config struct {
	Credentials []string
	Storage     StorageConfig
	Ingestion   IngestionConfig
	Query       QueryConfig
	Logs        LogConfig
}

// StorageConfig holds destination-store configuration
type StorageConfig struct {
	Type        string // "jsonl", "mongodb", "dynamodb", "postgresql"
	Path        string // JSONL destination file
	Region      string // For AWS DynamoDB
	TableName   string
	Endpoint    string // Custom endpoint for local testing
	MongoDBURI  string
	MongoDBName string
	PostgresURI string
}

// IngestionConfig holds pipeline behavior configuration
type IngestionConfig struct {
	Count           int // number of records to ingest this run
	APIBaseURL      string
	Timeout         time.Duration
	RetryCount      int
	BackoffFactor   float64
	MaxResults      int // per-call result cap, kept small to conserve quota
	RateLimitWindow time.Duration
}

// QueryConfig holds search-query construction parameters
type QueryConfig struct {
	Hashtag         string
	Keywords        []string
	Lang            string
	Location        string
	IncludeRetweets bool
	StartTime       string // RFC3339
	EndTime         string // RFC3339
	SinceID         string
	UntilID         string
	GeoLat          float64
	GeoLon          float64
	GeoRadiusKm     float64
}

// LogConfig holds run-logger sink configuration
type LogConfig struct {
	Level          string
	AttemptHistory string
	SuccessHistory string
}

// Load loads configuration from environment variables with defaults.
// Credentials resolve from the first non-empty of TWITTER_BEARER_TOKENS,
// TWITTER_BEARER_TOKEN, X_BEARER_TOKEN.
func Load() (*Config, error) {
	creds := resolveCredentials()
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}

	cfg := &Config{
		Credentials: creds,
		Storage: StorageConfig{
			Type:        getEnv("STORAGE_TYPE", "jsonl"),
			Path:        getEnv("STORAGE_PATH", "data/tweets.jsonl"),
			Region:      getEnv("AWS_REGION", "us-west-2"),
			TableName:   getEnv("TABLE_NAME", "ingested_tweets"),
			Endpoint:    getEnv("DYNAMODB_ENDPOINT", ""), // For local DynamoDB
			MongoDBURI:  getEnv("MONGODB_URI", ""),
			MongoDBName: getEnv("MONGODB_DB", "mlapp"),
			PostgresURI: getEnv("POSTGRES_URI", ""),
		},
		Ingestion: IngestionConfig{
			Count:           getEnvInt("INGEST_COUNT", 10),
			APIBaseURL:      getEnv("API_BASE_URL", "https://api.x.com"),
			Timeout:         getEnvDuration("API_TIMEOUT", 30*time.Second),
			RetryCount:      getEnvInt("RETRY_COUNT", 3),
			BackoffFactor:   getEnvFloat("BACKOFF_FACTOR", 1.5),
			MaxResults:      getEnvInt("MAX_RESULTS_PER_CALL", 10),
			RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
		},
		Query: QueryConfig{
			Hashtag:         getEnv("QUERY_HASHTAG", ""),
			Keywords:        splitList(getEnv("QUERY_KEYWORDS", "")),
			Lang:            getEnv("QUERY_LANG", ""),
			Location:        getEnv("QUERY_LOCATION", ""),
			IncludeRetweets: getEnvBool("QUERY_INCLUDE_RETWEETS", false),
			StartTime:       getEnv("QUERY_START_TIME", ""),
			EndTime:         getEnv("QUERY_END_TIME", ""),
			SinceID:         getEnv("QUERY_SINCE_ID", ""),
			UntilID:         getEnv("QUERY_UNTIL_ID", ""),
			GeoLat:          getEnvFloat("QUERY_GEO_LAT", 0),
			GeoLon:          getEnvFloat("QUERY_GEO_LON", 0),
			GeoRadiusKm:     getEnvFloat("QUERY_GEO_RADIUS_KM", 0),
		},
		Logs: LogConfig{
			Level:          getEnv("LOG_LEVEL", "info"),
			AttemptHistory: getEnv("ATTEMPT_LOG_PATH", "logs/request_history.jsonl"),
			SuccessHistory: getEnv("SUCCESS_LOG_PATH", "logs/success.jsonl"),
		},
	}

	return cfg, nil
}

// resolveCredentials applies the fallback chain: the plural multi-token
// variable wins, then the two singular variables.
func resolveCredentials() []string {
	raw := os.Getenv("TWITTER_BEARER_TOKENS")
	if raw == "" {
		raw = os.Getenv("TWITTER_BEARER_TOKEN")
	}
	if raw == "" {
		raw = os.Getenv("X_BEARER_TOKEN")
	}
	return splitList(raw)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
