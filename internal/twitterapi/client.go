// Package twitterapi issues recent-search calls against the X API v2 and
// classifies each HTTP outcome for the pipeline.
package twitterapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
)

const searchPath = "/2/tweets/search/recent"

// Field lists requested with every search call.
var (
	tweetFields = []string{
		"id", "text", "created_at", "lang", "author_id", "conversation_id",
		"public_metrics", "entities", "geo", "context_annotations",
		"referenced_tweets", "source",
	}
	userFields  = []string{"id", "name", "username", "verified", "public_metrics", "created_at", "entities"}
	placeFields = []string{"id", "full_name", "name", "country", "country_code", "geo", "place_type"}
)

// Result is the classified outcome of one search call. Exactly one of the
// outcome-specific fields is meaningful, per Outcome.
type Result struct {
	Outcome    models.AttemptOutcome
	Posts      []models.RawPost // OutcomeSuccess
	NextCursor string           // OutcomeSuccess
	ResetAt    time.Time        // OutcomeRateLimited
	HTTPStatus int
	Detail     string
}

// Client is a minimal recent-search client. The caller supplies the
// credential per call; the client holds no token state of its own.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	maxResults      int
	rateLimitWindow time.Duration
}

// NewClient creates a search client with an explicit request timeout. The
// per-call result cap is kept small to conserve the monthly post quota.
func NewClient(baseURL string, timeout time.Duration, maxResults int, rateLimitWindow time.Duration) *Client {
	if maxResults <= 0 || maxResults > 10 {
		maxResults = 10
	}
	if rateLimitWindow <= 0 {
		rateLimitWindow = 15 * time.Minute
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: timeout},
		maxResults:      maxResults,
		rateLimitWindow: rateLimitWindow,
	}
}

// Search runs one recent-search call with the given credential and query.
// HTTP 200 maps to OutcomeSuccess, 429 to OutcomeRateLimited with the reset
// time from the x-rate-limit-reset header (fallback: now plus one rate-limit
// window), 5xx and transport failures to OutcomeRetryableError, and any
// other 4xx to OutcomeFatalError.
func (c *Client) Search(ctx context.Context, cred *models.Credential, query Query) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+searchPath, nil)
	if err != nil {
		return Result{Outcome: models.OutcomeFatalError, Detail: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.URL.RawQuery = c.requestParams(query).Encode()
	req.Header.Set("Authorization", "Bearer "+cred.Secret)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Outcome: models.OutcomeRetryableError, Detail: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Outcome: models.OutcomeRetryableError, HTTPStatus: resp.StatusCode, Detail: fmt.Sprintf("failed to read response body: %v", err)}
	}
	slog.Debug("search call completed",
		"credential_id", cred.ID,
		"status", resp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond).String())

	switch {
	case resp.StatusCode == http.StatusOK:
		posts, cursor, err := decodeSearchResponse(body)
		if err != nil {
			return Result{Outcome: models.OutcomeRetryableError, HTTPStatus: resp.StatusCode, Detail: fmt.Sprintf("failed to decode response: %v", err)}
		}
		return Result{Outcome: models.OutcomeSuccess, Posts: posts, NextCursor: cursor, HTTPStatus: resp.StatusCode}

	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{
			Outcome:    models.OutcomeRateLimited,
			ResetAt:    c.rateLimitReset(resp.Header),
			HTTPStatus: resp.StatusCode,
			Detail:     errorDetail(body),
		}

	case resp.StatusCode >= 500:
		return Result{Outcome: models.OutcomeRetryableError, HTTPStatus: resp.StatusCode, Detail: errorDetail(body)}

	default:
		return Result{Outcome: models.OutcomeFatalError, HTTPStatus: resp.StatusCode, Detail: errorDetail(body)}
	}
}

// requestParams builds the query string for one call.
func (c *Client) requestParams(query Query) url.Values {
	params := url.Values{}
	params.Set("query", query.String())
	params.Set("max_results", strconv.Itoa(c.maxResults))
	params.Set("expansions", "author_id,geo.place_id")
	params.Set("tweet.fields", strings.Join(tweetFields, ","))
	params.Set("user.fields", strings.Join(userFields, ","))
	params.Set("place.fields", strings.Join(placeFields, ","))
	if query.StartTime != "" {
		params.Set("start_time", query.StartTime)
	}
	if query.EndTime != "" {
		params.Set("end_time", query.EndTime)
	}
	if query.SinceID != "" {
		params.Set("since_id", query.SinceID)
	}
	if query.UntilID != "" {
		params.Set("until_id", query.UntilID)
	}
	if query.NextToken != "" {
		params.Set("next_token", query.NextToken)
	}
	return params
}

// rateLimitReset parses the x-rate-limit-reset epoch header, falling back to
// one full rate-limit window from now when the header is absent or mangled.
func (c *Client) rateLimitReset(header http.Header) time.Time {
	if raw := header.Get("x-rate-limit-reset"); raw != "" {
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(epoch, 0)
		}
	}
	return time.Now().Add(c.rateLimitWindow)
}

type apiTweet struct {
	ID               string               `json:"id"`
	Text             string               `json:"text"`
	CreatedAt        string               `json:"created_at"`
	Lang             string               `json:"lang"`
	AuthorID         string               `json:"author_id"`
	ConversationID   string               `json:"conversation_id"`
	PublicMetrics    models.PublicMetrics `json:"public_metrics"`
	Entities         json.RawMessage      `json:"entities"`
	Geo              json.RawMessage      `json:"geo"`
	ReferencedTweets json.RawMessage      `json:"referenced_tweets"`
}

type apiUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type searchResponse struct {
	Data     []json.RawMessage `json:"data"`
	Includes struct {
		Users  []json.RawMessage `json:"users"`
		Places []json.RawMessage `json:"places"`
	} `json:"includes"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

// decodeSearchResponse joins the author and place expansions onto each
// returned tweet and keeps near-raw snapshots for auditing.
func decodeSearchResponse(body []byte) ([]models.RawPost, string, error) {
	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal search response: %w", err)
	}

	users := make(map[string]json.RawMessage, len(payload.Includes.Users))
	for _, raw := range payload.Includes.Users {
		var u apiUser
		if err := json.Unmarshal(raw, &u); err == nil && u.ID != "" {
			users[u.ID] = raw
		}
	}
	places := make(map[string]json.RawMessage, len(payload.Includes.Places))
	for _, raw := range payload.Includes.Places {
		var p models.Place
		if err := json.Unmarshal(raw, &p); err == nil && p.ID != "" {
			places[p.ID] = raw
		}
	}

	posts := make([]models.RawPost, 0, len(payload.Data))
	for _, rawTweet := range payload.Data {
		var t apiTweet
		if err := json.Unmarshal(rawTweet, &t); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal tweet object: %w", err)
		}

		post := models.RawPost{
			ID:               t.ID,
			Text:             t.Text,
			CreatedAt:        t.CreatedAt,
			Lang:             t.Lang,
			AuthorID:         t.AuthorID,
			ConversationID:   t.ConversationID,
			PublicMetrics:    t.PublicMetrics,
			Entities:         t.Entities,
			Geo:              t.Geo,
			ReferencedTweets: t.ReferencedTweets,
			Raw:              models.RawSnapshot{Tweet: rawTweet},
		}

		if rawAuthor, ok := users[t.AuthorID]; ok {
			var u apiUser
			if err := json.Unmarshal(rawAuthor, &u); err == nil {
				post.AuthorUsername = u.Username
			}
			post.Raw.Author = rawAuthor
		}

		if placeID := placeIDFromGeo(t.Geo); placeID != "" {
			if rawPlace, ok := places[placeID]; ok {
				var p models.Place
				if err := json.Unmarshal(rawPlace, &p); err == nil {
					post.Place = &p
				}
				post.Raw.Place = rawPlace
			}
		}

		posts = append(posts, post)
	}

	return posts, payload.Meta.NextToken, nil
}

func placeIDFromGeo(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var geo struct {
		PlaceID string `json:"place_id"`
	}
	if err := json.Unmarshal(raw, &geo); err != nil {
		return ""
	}
	return geo.PlaceID
}

// errorDetail extracts a human-readable message from an error response body.
func errorDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Title != "" {
			return payload.Title
		}
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return detail
}
