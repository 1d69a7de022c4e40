package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/crisis-monitor/tweet-ingestion-service/internal/config"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/credentials"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/models"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/normalize"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/storage"
	"github.com/crisis-monitor/tweet-ingestion-service/internal/twitterapi"
)

// fakeClient scripts the executor's behavior per credential secret. Each
// call pops the next result for that secret; the last result repeats.
type fakeClient struct {
	results map[string][]twitterapi.Result
	calls   []string // credential IDs in call order
}

func (c *fakeClient) Search(_ context.Context, cred *models.Credential, _ twitterapi.Query) twitterapi.Result {
	c.calls = append(c.calls, cred.ID)
	queue := c.results[cred.Secret]
	if len(queue) == 0 {
		return twitterapi.Result{Outcome: models.OutcomeFatalError, Detail: "no scripted result"}
	}
	result := queue[0]
	if len(queue) > 1 {
		c.results[cred.Secret] = queue[1:]
	}
	return result
}

// memStorage is an in-memory destination with the same dedup contract as
// the real backends.
type memStorage struct {
	records map[string]models.IngestedRecord
	order   []string
}

func newMemStorage() *memStorage {
	return &memStorage{records: make(map[string]models.IngestedRecord)}
}

func (m *memStorage) Append(_ context.Context, record models.IngestedRecord) error {
	if _, exists := m.records[record.ID]; exists {
		return fmt.Errorf("record %s: %w", record.ID, storage.ErrDuplicate)
	}
	m.records[record.ID] = record
	m.order = append(m.order, record.ID)
	return nil
}

func (m *memStorage) Close() error { return nil }

// MockStorage is a testify mock of the Storage interface.
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) Append(ctx context.Context, record models.IngestedRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

// captureRecorder collects everything sent to the run logger.
type captureRecorder struct {
	attempts  []models.RequestAttempt
	successes []models.IngestedRecord
}

func (r *captureRecorder) RecordAttempt(attempt models.RequestAttempt) {
	r.attempts = append(r.attempts, attempt)
}

func (r *captureRecorder) RecordSuccess(record models.IngestedRecord) {
	r.successes = append(r.successes, record)
}

func testConfig(count int) config.IngestionConfig {
	return config.IngestionConfig{
		Count:           count,
		RetryCount:      3,
		BackoffFactor:   0, // no sleeping in tests
		MaxResults:      10,
		RateLimitWindow: 15 * time.Minute,
	}
}

func post(id, text string) models.RawPost {
	return models.RawPost{ID: id, Text: text, Lang: "en", AuthorID: "u-" + id}
}

func success(posts ...models.RawPost) twitterapi.Result {
	return twitterapi.Result{Outcome: models.OutcomeSuccess, Posts: posts, HTTPStatus: http.StatusOK}
}

func rateLimited(resetAt time.Time) twitterapi.Result {
	return twitterapi.Result{Outcome: models.OutcomeRateLimited, ResetAt: resetAt, HTTPStatus: http.StatusTooManyRequests}
}

func newTestService(cfg config.IngestionConfig, queryCfg config.QueryConfig, secrets []string, client SearchClient, store storage.Storage, recorder *captureRecorder) *Service {
	pool := credentials.NewPool(secrets)
	return NewService(cfg, queryCfg, pool, client, normalize.New(normalize.DefaultOptions()), store, recorder)
}

func TestIngest_RotatesPastRateLimitedCredentials(t *testing.T) {
	reset := time.Now().Add(15 * time.Minute)
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {rateLimited(reset)},
		"secret-2": {rateLimited(reset)},
		"secret-3": {success(post("100", "Power lines down across the east side"))},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(1), config.QueryConfig{Hashtag: "storm"}, []string{"secret-1", "secret-2", "secret-3"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, 0, summary.Skipped)
	assert.Empty(t, summary.HaltedReason)

	assert.Equal(t, []string{"token-1", "token-2", "token-3"}, client.calls)
	require.Len(t, recorder.attempts, 3)
	assert.Equal(t, models.OutcomeRateLimited, recorder.attempts[0].Outcome)
	assert.Equal(t, models.OutcomeRateLimited, recorder.attempts[1].Outcome)
	assert.Equal(t, models.OutcomeSuccess, recorder.attempts[2].Outcome)
	require.Len(t, recorder.successes, 1)
	assert.Equal(t, "100", recorder.successes[0].ID)
}

func TestIngest_StopsAtRequestedCount(t *testing.T) {
	posts := make([]models.RawPost, 10)
	for i := range posts {
		posts[i] = post(fmt.Sprintf("%d", i+1), fmt.Sprintf("Report number %d from the field", i+1))
	}
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {success(posts...)},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(5), config.QueryConfig{}, []string{"secret-1"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 5, summary.Written)
	assert.Len(t, client.calls, 1, "no further calls once the count is satisfied")
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, store.order)
}

func TestIngest_AllCredentialsRateLimitedAtStart(t *testing.T) {
	client := &fakeClient{results: map[string][]twitterapi.Result{}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	pool := credentials.NewPool([]string{"secret-1", "secret-2"})
	reset := time.Now().Add(9 * time.Minute)
	pool.MarkRateLimited("token-1", reset)
	pool.MarkRateLimited("token-2", time.Now().Add(14*time.Minute))

	service := NewService(testConfig(3), config.QueryConfig{}, pool, client, normalize.New(normalize.DefaultOptions()), store, recorder)
	summary, err := service.Ingest(context.Background())

	assert.Equal(t, 0, summary.Written)
	assert.Equal(t, HaltAllRateLimited, summary.HaltedReason)
	assert.Empty(t, client.calls)

	var allLimited *credentials.AllRateLimitedError
	require.ErrorAs(t, err, &allLimited)
	assert.WithinDuration(t, reset, allLimited.EarliestReset, time.Second)
}

func TestIngest_RetryableErrorRetriesThenSkipsCredential(t *testing.T) {
	serverError := twitterapi.Result{Outcome: models.OutcomeRetryableError, HTTPStatus: http.StatusInternalServerError, Detail: "upstream down"}
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {serverError},
		"secret-2": {success(post("7", "Bridge reopened after inspection"))},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(1), config.QueryConfig{}, []string{"secret-1", "secret-2"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	// Three attempts against token-1 (retry cap), then rotation to token-2.
	assert.Equal(t, []string{"token-1", "token-1", "token-1", "token-2"}, client.calls)
	assert.Len(t, recorder.attempts, 4)
}

func TestIngest_ZeroRetryCountStillIssuesOneAttempt(t *testing.T) {
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {success(post("9", "Shelter capacity doubled for tonight"))},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	cfg := testConfig(1)
	cfg.RetryCount = 0
	service := newTestService(cfg, config.QueryConfig{}, []string{"secret-1"}, client, store, recorder)

	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, []string{"token-1"}, client.calls)
	require.Len(t, recorder.attempts, 1)
}

func TestIngest_FatalErrorSkipsCredentialWithoutRetry(t *testing.T) {
	fatal := twitterapi.Result{Outcome: models.OutcomeFatalError, HTTPStatus: http.StatusUnauthorized, Detail: "invalid token"}
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {fatal},
		"secret-2": {success(post("8", "Water main repaired overnight downtown"))},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(1), config.QueryConfig{}, []string{"secret-1", "secret-2"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, []string{"token-1", "token-2"}, client.calls)
}

func TestIngest_AllCredentialsExhaustedHalts(t *testing.T) {
	fatal := twitterapi.Result{Outcome: models.OutcomeFatalError, HTTPStatus: http.StatusBadRequest, Detail: "malformed query"}
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {fatal},
		"secret-2": {fatal},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(1), config.QueryConfig{}, []string{"secret-1", "secret-2"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.Error(t, err)
	assert.Equal(t, 0, summary.Written)
	assert.Equal(t, HaltNoCredentials, summary.HaltedReason)
}

func TestIngest_DuplicateMidRunIsSkipped(t *testing.T) {
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {success(
			post("1", "First report from the scene tonight"),
			post("1", "First report from the scene tonight"),
			post("2", "Second report from the scene tonight"),
		)},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(2), config.QueryConfig{}, []string{"secret-1"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Written)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"1", "2"}, store.order)
}

func TestIngest_WriteFailureIsNotFatal(t *testing.T) {
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {success(
			post("1", "First report from the scene tonight"),
			post("2", "Second report from the scene tonight"),
		)},
	}}
	recorder := &captureRecorder{}

	mockStore := new(MockStorage)
	mockStore.On("Append", mock.Anything, mock.MatchedBy(func(r models.IngestedRecord) bool { return r.ID == "1" })).
		Return(errors.New("disk full"))
	mockStore.On("Append", mock.Anything, mock.MatchedBy(func(r models.IngestedRecord) bool { return r.ID == "2" })).
		Return(nil)

	service := newTestService(testConfig(1), config.QueryConfig{}, []string{"secret-1"}, client, mockStore, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, 1, summary.Skipped)
	mockStore.AssertExpectations(t)
}

func TestIngest_PreprocessingFailureSkipsPost(t *testing.T) {
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {success(
			post("1", "火災"), // nothing left after cleaning
			post("2", "Fire crews on site, avoid the block"),
		)},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(1), config.QueryConfig{}, []string{"secret-1"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"2"}, store.order)
}

func TestIngest_LocationFilterExcludesUnverifiablePosts(t *testing.T) {
	matching := post("1", "Shelter open at the community center")
	matching.Place = &models.Place{FullName: "Springfield, IL", CountryCode: "US"}
	elsewhere := post("2", "Unrelated report from another region")
	elsewhere.Place = &models.Place{FullName: "Lyon, France", CountryCode: "FR"}
	noPlace := post("3", "Report with no place metadata attached")

	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {success(noPlace, elsewhere, matching)},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(1), config.QueryConfig{Location: "springfield"}, []string{"secret-1"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, []string{"1"}, store.order)
}

func TestIngest_LabelerSetsLabelAndErrorsSkip(t *testing.T) {
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {success(
			post("1", "Labeled fine by the placeholder labeler"),
			post("2", "This one makes the labeler blow up"),
			post("3", "Back to normal labeling behavior here"),
		)},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(2), config.QueryConfig{}, []string{"secret-1"}, client, store, recorder)
	service.SetLabeler(func(record models.IngestedRecord) (bool, error) {
		if record.ID == "2" {
			return false, errors.New("model unavailable")
		}
		return true, nil
	})

	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Written)
	assert.Equal(t, 1, summary.Skipped)
	require.NotNil(t, store.records["1"].Label)
	assert.True(t, *store.records["1"].Label)
}

func TestIngest_NoLabelerLeavesLabelNull(t *testing.T) {
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {success(post("1", "A record with no label assigned yet"))},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(1), config.QueryConfig{}, []string{"secret-1"}, client, store, recorder)
	_, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Nil(t, store.records["1"].Label)
}

func TestIngest_ResultsExhaustedBeforeCount(t *testing.T) {
	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {success(post("1", "Only one matching post exists today"))},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(5), config.QueryConfig{}, []string{"secret-1"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, HaltNoMoreResults, summary.HaltedReason)
	assert.Len(t, client.calls, 1)
}

func TestIngest_FollowsPaginationCursor(t *testing.T) {
	first := success(post("1", "Page one of the search results here"))
	first.NextCursor = "cursor-2"
	second := success(post("2", "Page two of the search results here"))

	client := &fakeClient{results: map[string][]twitterapi.Result{
		"secret-1": {first, second},
	}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(2), config.QueryConfig{}, []string{"secret-1"}, client, store, recorder)
	summary, err := service.Ingest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Written)
	assert.Len(t, client.calls, 2)
}

func TestIngest_CancellationReturnsCleanSummary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{results: map[string][]twitterapi.Result{}}
	store := newMemStorage()
	recorder := &captureRecorder{}

	service := newTestService(testConfig(1), config.QueryConfig{}, []string{"secret-1"}, client, store, recorder)
	summary, err := service.Ingest(ctx)

	require.Error(t, err)
	assert.Equal(t, HaltCanceled, summary.HaltedReason)
	assert.Equal(t, 0, summary.Written)
	assert.Empty(t, client.calls)
}
