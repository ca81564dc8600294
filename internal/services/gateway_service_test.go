package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/pool"
	"vichat_go_backend/internal/providers"
	"vichat_go_backend/internal/respcache"
	"vichat_go_backend/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCredentialPool struct {
	mock.Mock
}

func (m *MockCredentialPool) AcquireExcluding(feature models.Feature, exclude ...string) (pool.Credential, bool) {
	args := m.Called(feature, exclude)
	return args.Get(0).(pool.Credential), args.Bool(1)
}

func (m *MockCredentialPool) ReportFailure(id string, err error) (pool.Status, error) {
	args := m.Called(id, err)
	return args.Get(0).(pool.Status), args.Error(1)
}

type MockModelProvider struct {
	mock.Mock
}

func (m *MockModelProvider) Generate(ctx context.Context, apiKey string, req providers.Request) (providers.Response, error) {
	args := m.Called(ctx, apiKey, req)
	return args.Get(0).(providers.Response), args.Error(1)
}

type gatewayFixture struct {
	gateway   *GatewayService
	pool      *MockCredentialPool
	provider  *MockModelProvider
	ledger    CreditLedger
	analytics *UsageAnalytics
}

var (
	credA = pool.Credential{ID: "cred-a", Name: "A", Secret: "key-a", Priority: 1, Status: pool.StatusActive}
	credB = pool.Credential{ID: "cred-b", Name: "B", Secret: "key-b", Priority: 2, Status: pool.StatusActive}
)

func newGatewayFixture(t *testing.T, balance int64) *gatewayFixture {
	t.Helper()
	ledger, _ := newTestLedger(t, LedgerConfig{})
	if balance > 0 {
		_, err := ledger.SetBalance(context.Background(), "u1", balance, "seed")
		require.NoError(t, err)
	}

	f := &gatewayFixture{
		pool:      new(MockCredentialPool),
		provider:  new(MockModelProvider),
		ledger:    ledger,
		analytics: NewUsageAnalytics(UsageAnalyticsConfig{}, nil),
	}
	cache := respcache.New(scheduler.NewFakeClock(time.Now()), 0, 0)
	f.gateway = NewGatewayService(f.pool, cache, ledger, f.provider, f.analytics, GatewayConfig{})
	return f
}

func TestGatewayServesAndCaches(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, 100)

	f.pool.On("AcquireExcluding", models.FeatureChat, []string(nil)).Return(credA, true).Once()
	f.provider.On("Generate", mock.Anything, "key-a", providers.Request{Feature: models.FeatureChat, Prompt: "Thủ đô của Việt Nam?"}).
		Return(providers.Response{Text: "Hà Nội", Model: "gemini", TokenCount: 42}, nil).Once()

	res, err := f.gateway.Execute(ctx, GatewayRequest{UserID: "u1", Feature: models.FeatureChat, Query: "Thủ đô của Việt Nam?", MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeServed, res.Outcome)
	assert.Equal(t, "Hà Nội", res.Text)
	assert.Equal(t, int64(10), res.CreditsCharged)
	assert.Equal(t, int64(90), res.Balance)
	assert.Equal(t, 1, res.Attempts)

	res, err = f.gateway.Execute(ctx, GatewayRequest{UserID: "u1", Feature: models.FeatureChat, Query: "thủ đô của việt nam"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCached, res.Outcome)
	assert.Equal(t, "Hà Nội", res.Text)
	assert.Zero(t, res.CreditsCharged)
	assert.Equal(t, int64(90), res.Balance)

	f.pool.AssertExpectations(t)
	f.provider.AssertNumberOfCalls(t, "Generate", 1)

	report := f.analytics.Report()
	assert.Equal(t, int64(1), report.Totals.Requests)
	assert.Equal(t, int64(42), report.Totals.Tokens)
}

func TestGatewayInsufficientCreditsSkipsProvider(t *testing.T) {
	f := newGatewayFixture(t, 150)

	res, err := f.gateway.Execute(context.Background(), GatewayRequest{UserID: "u1", Feature: models.FeatureImageGeneration, Query: "tạo ảnh con mèo"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientCredits, res.Outcome)
	assert.Equal(t, int64(150), res.Balance)
	assert.Equal(t, int64(200), res.Required)

	f.pool.AssertNotCalled(t, "AcquireExcluding", mock.Anything, mock.Anything)
	f.provider.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestGatewayFailsOverToAnotherCredential(t *testing.T) {
	f := newGatewayFixture(t, 500)
	quotaErr := &providers.ProviderError{Code: 429, Message: "quota exceeded"}

	f.pool.On("AcquireExcluding", models.FeatureDeepSearch, []string(nil)).Return(credA, true).Once()
	f.pool.On("AcquireExcluding", models.FeatureDeepSearch, []string{"cred-a"}).Return(credB, true).Once()
	f.pool.On("ReportFailure", "cred-a", quotaErr).Return(pool.StatusQuotaExceeded, nil).Once()
	f.provider.On("Generate", mock.Anything, "key-a", mock.Anything).Return(providers.Response{}, quotaErr).Once()
	f.provider.On("Generate", mock.Anything, "key-b", mock.Anything).Return(providers.Response{Text: "kết quả"}, nil).Once()

	res, err := f.gateway.Execute(context.Background(), GatewayRequest{UserID: "u1", Feature: models.FeatureDeepSearch, Query: "giá vàng hôm nay"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeServed, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int64(400), res.Balance)

	f.pool.AssertExpectations(t)
	f.provider.AssertExpectations(t)
}

func TestGatewayUnavailableAfterSecondFailure(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t, 500)
	netErr := errors.New("connection reset by peer")

	f.pool.On("AcquireExcluding", models.FeatureChat, []string(nil)).Return(credA, true).Once()
	f.pool.On("AcquireExcluding", models.FeatureChat, []string{"cred-a"}).Return(credB, true).Once()
	f.pool.On("ReportFailure", mock.Anything, netErr).Return(pool.StatusFailed, nil).Twice()
	f.provider.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(providers.Response{}, netErr).Twice()

	res, err := f.gateway.Execute(ctx, GatewayRequest{UserID: "u1", Feature: models.FeatureChat, Query: "xin chào"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)

	balance, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	f.pool.AssertExpectations(t)
	f.provider.AssertNumberOfCalls(t, "Generate", 2)
}

func TestGatewayRequestErrorDoesNotQuarantineCredential(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid argument", &providers.ProviderError{Code: 400, Message: "Request contains an invalid argument"}},
		{"safety block", &providers.ProviderError{Code: 422, Message: "response blocked by safety filters"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newGatewayFixture(t, 500)
			f.pool.On("AcquireExcluding", models.FeatureChat, []string(nil)).Return(credA, true).Once()
			f.provider.On("Generate", mock.Anything, "key-a", mock.Anything).Return(providers.Response{}, tt.err).Once()

			res, err := f.gateway.Execute(ctx, GatewayRequest{UserID: "u1", Feature: models.FeatureChat, Query: "câu hỏi lạ"})
			require.NoError(t, err)
			assert.Equal(t, OutcomeRejected, res.Outcome)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, tt.err.Error(), res.Reason)

			balance, err := f.ledger.GetBalance(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(500), balance)

			f.pool.AssertNotCalled(t, "ReportFailure", mock.Anything, mock.Anything)
			f.pool.AssertExpectations(t)
			f.provider.AssertExpectations(t)
		})
	}
}

func TestGatewayUnavailableWhenPoolEmpty(t *testing.T) {
	f := newGatewayFixture(t, 500)
	f.pool.On("AcquireExcluding", models.FeatureChat, []string(nil)).Return(pool.Credential{}, false).Once()

	res, err := f.gateway.Execute(context.Background(), GatewayRequest{UserID: "u1", Feature: models.FeatureChat, Query: "xin chào"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnavailable, res.Outcome)
	assert.Zero(t, res.Attempts)
	f.provider.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestGatewayBoundsCallByFeatureTimeout(t *testing.T) {
	tests := []struct {
		feature models.Feature
		budget  time.Duration
	}{
		{models.FeatureChat, 60 * time.Second},
		{models.FeatureImageGeneration, 120 * time.Second},
		{models.FeatureVideoAnalysis, 180 * time.Second},
		{models.FeatureWebScraping, 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(string(tt.feature), func(t *testing.T) {
			f := newGatewayFixture(t, 1000)
			f.pool.On("AcquireExcluding", tt.feature, []string(nil)).Return(credA, true)

			withinBudget := mock.MatchedBy(func(ctx context.Context) bool {
				deadline, ok := ctx.Deadline()
				remaining := time.Until(deadline)
				return ok && remaining <= tt.budget && remaining > tt.budget-5*time.Second
			})
			f.provider.On("Generate", withinBudget, "key-a", mock.Anything).Return(providers.Response{Text: "ok"}, nil)

			res, err := f.gateway.Execute(context.Background(), GatewayRequest{UserID: "u1", Feature: tt.feature, Query: "q"})
			require.NoError(t, err)
			assert.Equal(t, OutcomeServed, res.Outcome)
			f.provider.AssertExpectations(t)
		})
	}
}

func TestGatewayAbandonedRequestIsNotReported(t *testing.T) {
	f := newGatewayFixture(t, 500)
	ctx, cancel := context.WithCancel(context.Background())

	f.pool.On("AcquireExcluding", models.FeatureChat, []string(nil)).Return(credA, true).Once()
	f.provider.On("Generate", mock.Anything, "key-a", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(providers.Response{}, context.Canceled).Once()

	_, err := f.gateway.Execute(ctx, GatewayRequest{UserID: "u1", Feature: models.FeatureChat, Query: "xin chào"})
	assert.ErrorIs(t, err, context.Canceled)
	f.pool.AssertNotCalled(t, "ReportFailure", mock.Anything, mock.Anything)
}

func TestGatewayRejectsEmptyQuery(t *testing.T) {
	f := newGatewayFixture(t, 0)

	_, err := f.gateway.Execute(context.Background(), GatewayRequest{UserID: "u1", Feature: models.FeatureChat, Query: "   "})
	assert.Error(t, err)
}

func TestGatewayUnknownFeature(t *testing.T) {
	f := newGatewayFixture(t, 100)

	_, err := f.gateway.Execute(context.Background(), GatewayRequest{UserID: "u1", Feature: "teleport", Query: "q"})
	assert.ErrorIs(t, err, ErrUnknownFeature)
}
