package models

import (
	"encoding/json"
	"time"
)

// CredentialState tracks whether a bearer token is currently usable.
type CredentialState string

const (
	CredentialActive      CredentialState = "active"
	CredentialRateLimited CredentialState = "rate_limited"
	CredentialExhausted   CredentialState = "exhausted"
)

// Credential is one quota-bearing identity against the search API.
// State transitions happen only inside the credential pool, on explicit
// signals from the request executor.
type Credential struct {
	ID      string          `json:"id"`
	Secret  string          `json:"-"`
	State   CredentialState `json:"state"`
	ResetAt *time.Time      `json:"reset_at,omitempty"`
}

// AttemptOutcome classifies the result of one search call.
type AttemptOutcome string

const (
	OutcomeSuccess        AttemptOutcome = "success"
	OutcomeRateLimited    AttemptOutcome = "rate_limited"
	OutcomeRetryableError AttemptOutcome = "retryable_error"
	OutcomeFatalError     AttemptOutcome = "fatal_error"
)

// RequestAttempt is one entry in the append-only attempt history.
// Immutable once created.
type RequestAttempt struct {
	Timestamp    time.Time      `json:"timestamp"`
	CredentialID string         `json:"credential_id"`
	Query        string         `json:"query"`
	Outcome      AttemptOutcome `json:"outcome"`
	HTTPStatus   int            `json:"http_status,omitempty"`
	Detail       string         `json:"detail,omitempty"`
}

// PublicMetrics holds the engagement counters the API attaches to a post.
type PublicMetrics struct {
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
	LikeCount    int `json:"like_count"`
	QuoteCount   int `json:"quote_count"`
}

// Place is the resolved place object for a geo-tagged post.
type Place struct {
	ID          string `json:"id,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	Name        string `json:"name,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	PlaceType   string `json:"place_type,omitempty"`
}

// RawPost represents one post as returned by the search API, with the
// author and place expansions already joined in.
type RawPost struct {
	ID               string          `json:"id"`
	Text             string          `json:"text"`
	CreatedAt        string          `json:"created_at,omitempty"`
	Lang             string          `json:"lang,omitempty"`
	AuthorID         string          `json:"author_id,omitempty"`
	AuthorUsername   string          `json:"author_username,omitempty"`
	ConversationID   string          `json:"conversation_id,omitempty"`
	PublicMetrics    PublicMetrics   `json:"public_metrics"`
	Place            *Place          `json:"place,omitempty"`
	ReferencedTweets json.RawMessage `json:"referenced_tweets,omitempty"`
	Entities         json.RawMessage `json:"entities,omitempty"`
	Geo              json.RawMessage `json:"geo,omitempty"`
	Raw              RawSnapshot     `json:"raw"`
}

// RawSnapshot keeps near-raw copies of the relevant API objects for auditing.
type RawSnapshot struct {
	Tweet  json.RawMessage `json:"tweet,omitempty"`
	Author json.RawMessage `json:"author,omitempty"`
	Place  json.RawMessage `json:"place,omitempty"`
}

// RecordMeta is the metadata subset retained on an ingested record.
type RecordMeta struct {
	CreatedAt      string        `json:"created_at,omitempty"`
	AuthorID       string        `json:"author_id,omitempty"`
	AuthorUsername string        `json:"author_username,omitempty"`
	PublicMetrics  PublicMetrics `json:"public_metrics"`
	Place          *Place        `json:"place,omitempty"`
}

// IngestedRecord is the persisted unit: one normalized post, written
// exactly once per unique ID and never mutated after write.
type IngestedRecord struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	CleanText string      `json:"clean_text"`
	Lang      string      `json:"lang,omitempty"`
	Label     *bool       `json:"label"`
	Meta      RecordMeta  `json:"meta"`
	Raw       RawSnapshot `json:"raw"`
}

// RunSummary is returned by every ingestion run, successful or halted.
type RunSummary struct {
	Written      int    `json:"written"`
	Skipped      int    `json:"skipped"`
	HaltedReason string `json:"halted_reason,omitempty"`
}
