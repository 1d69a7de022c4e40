package twitterapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
)

const searchPayload = `{
	"data": [
		{
			"id": "1001",
			"text": "Flooding on Main St, avoid the area",
			"created_at": "2025-03-01T10:00:00Z",
			"lang": "en",
			"author_id": "u1",
			"conversation_id": "1001",
			"public_metrics": {"retweet_count": 3, "reply_count": 1, "like_count": 7, "quote_count": 0},
			"geo": {"place_id": "p1"}
		},
		{
			"id": "1002",
			"text": "Second report",
			"author_id": "u2",
			"public_metrics": {"retweet_count": 0, "reply_count": 0, "like_count": 0, "quote_count": 0}
		}
	],
	"includes": {
		"users": [
			{"id": "u1", "username": "localnews"},
			{"id": "u2", "username": "witness"}
		],
		"places": [
			{"id": "p1", "full_name": "Springfield, IL", "country_code": "US", "place_type": "city"}
		]
	},
	"meta": {"result_count": 2, "next_token": "cursor-abc"}
}`

func testCredential() *models.Credential {
	return &models.Credential{ID: "token-1", Secret: "secret-1", State: models.CredentialActive}
}

func TestClient_Search_Success(t *testing.T) {
	var gotAuth, gotQuery, gotMax string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("query")
		gotMax = r.URL.Query().Get("max_results")
		assert.Equal(t, "/2/tweets/search/recent", r.URL.Path)
		assert.Equal(t, "author_id,geo.place_id", r.URL.Query().Get("expansions"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, searchPayload)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, 15*time.Minute)
	result := client.Search(context.Background(), testCredential(), Query{Hashtag: "flood"})

	require.Equal(t, models.OutcomeSuccess, result.Outcome)
	assert.Equal(t, "Bearer secret-1", gotAuth)
	assert.Equal(t, "#flood -is:retweet", gotQuery)
	assert.Equal(t, "10", gotMax)
	assert.Equal(t, "cursor-abc", result.NextCursor)

	require.Len(t, result.Posts, 2)
	first := result.Posts[0]
	assert.Equal(t, "1001", first.ID)
	assert.Equal(t, "Flooding on Main St, avoid the area", first.Text)
	assert.Equal(t, "localnews", first.AuthorUsername)
	assert.Equal(t, 3, first.PublicMetrics.RetweetCount)
	require.NotNil(t, first.Place)
	assert.Equal(t, "Springfield, IL", first.Place.FullName)
	assert.NotEmpty(t, first.Raw.Tweet)
	assert.NotEmpty(t, first.Raw.Author)
	assert.NotEmpty(t, first.Raw.Place)

	second := result.Posts[1]
	assert.Equal(t, "witness", second.AuthorUsername)
	assert.Nil(t, second.Place)
}

func TestClient_Search_RateLimitedWithResetHeader(t *testing.T) {
	reset := time.Now().Add(12 * time.Minute).Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"title": "Too Many Requests", "detail": "Rate limit exceeded"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, 15*time.Minute)
	result := client.Search(context.Background(), testCredential(), Query{Hashtag: "flood"})

	assert.Equal(t, models.OutcomeRateLimited, result.Outcome)
	assert.Equal(t, http.StatusTooManyRequests, result.HTTPStatus)
	assert.Equal(t, time.Unix(reset, 0), result.ResetAt)
	assert.Equal(t, "Rate limit exceeded", result.Detail)
}

func TestClient_Search_RateLimitedWithoutHeaderFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	window := 15 * time.Minute
	client := NewClient(server.URL, 5*time.Second, 10, window)
	before := time.Now()
	result := client.Search(context.Background(), testCredential(), Query{Hashtag: "flood"})

	assert.Equal(t, models.OutcomeRateLimited, result.Outcome)
	assert.WithinDuration(t, before.Add(window), result.ResetAt, 5*time.Second)
}

func TestClient_Search_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, 15*time.Minute)
	result := client.Search(context.Background(), testCredential(), Query{Hashtag: "flood"})

	assert.Equal(t, models.OutcomeRetryableError, result.Outcome)
	assert.Equal(t, http.StatusServiceUnavailable, result.HTTPStatus)
}

func TestClient_Search_TransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused

	client := NewClient(server.URL, time.Second, 10, 15*time.Minute)
	result := client.Search(context.Background(), testCredential(), Query{Hashtag: "flood"})

	assert.Equal(t, models.OutcomeRetryableError, result.Outcome)
	assert.Contains(t, result.Detail, "request failed")
}

func TestClient_Search_OtherClientErrorIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"detail": "credential lacks access to this endpoint"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, 10, 15*time.Minute)
	result := client.Search(context.Background(), testCredential(), Query{Hashtag: "flood"})

	assert.Equal(t, models.OutcomeFatalError, result.Outcome)
	assert.Equal(t, http.StatusForbidden, result.HTTPStatus)
	assert.Equal(t, "credential lacks access to this endpoint", result.Detail)
}

func TestClient_MaxResultsClamped(t *testing.T) {
	var gotMax string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMax = r.URL.Query().Get("max_results")
		fmt.Fprint(w, `{"data": [], "meta": {"result_count": 0}}`)
	}))
	defer server.Close()

	// Values above the quota-conserving cap are clamped back down.
	client := NewClient(server.URL, 5*time.Second, 100, 15*time.Minute)
	client.Search(context.Background(), testCredential(), Query{Hashtag: "flood"})

	assert.Equal(t, "10", gotMax)
}
