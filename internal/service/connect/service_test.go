package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/delyftdev/yakdum-insight-flow/internal/config"
	"github.com/delyftdev/yakdum-insight-flow/internal/domain/ledger"
)

func TestService_StartConnection(t *testing.T) {
	h := newConnectTestHarness()
	ctx := context.Background()

	out, err := h.service.StartConnection(ctx, StartConnectionInput{
		ClientID:    "c1",
		ClientLabel: "Acme Books",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.State)

	parsed, err := url.Parse(out.AuthorizationURL)
	require.NoError(t, err)
	q := parsed.Query()
	require.Equal(t, "qbo-app", q.Get("client_id"))
	require.Equal(t, "com.intuit.quickbooks.accounting", q.Get("scope"))
	require.Equal(t, "https://app.example.com/oauth/callback", q.Get("redirect_uri"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, out.State, q.Get("state"))

	intent, err := h.intents.GetIntent(ctx, buildIntentKey(out.State))
	require.NoError(t, err)
	require.NotNil(t, intent)
	require.Equal(t, "c1", intent.ClientID)
	require.Equal(t, "Acme Books", intent.ClientLabel)
}

func TestService_StartConnectionRequiresClient(t *testing.T) {
	h := newConnectTestHarness()
	_, err := h.service.StartConnection(context.Background(), StartConnectionInput{})
	require.ErrorIs(t, err, ledger.ErrMissingParams)
}

func TestService_HandleCallback(t *testing.T) {
	h := newConnectTestHarness()
	ctx := context.Background()
	h.saveIntent(t, ledger.ConnectIntent{State: "abc123", ClientID: "c1", ClientLabel: "Acme Books"})
	h.qbo.token = &ledger.TokenResponse{
		AccessToken:  "at1",
		RefreshToken: "rt1",
		ExpiresIn:    3600,
		TokenType:    "bearer",
	}

	before := time.Now().UTC()
	result, err := h.service.HandleCallback(ctx, CallbackInput{
		Code:    "XYZ",
		State:   "abc123",
		RealmID: "R1",
	})
	require.NoError(t, err)
	require.Equal(t, "c1", result.ClientID)
	require.Equal(t, "Acme Books", result.ClientLabel)
	require.Equal(t, "R1", result.CompanyID)

	require.Equal(t, 1, h.qbo.exchangeCalls)
	require.Equal(t, "XYZ", h.qbo.lastCode)
	require.Equal(t, "https://app.example.com/oauth/callback", h.qbo.lastRedirectURI)

	cred, ok := h.creds.credential("R1")
	require.True(t, ok)
	require.Equal(t, "c1", cred.ClientID)
	require.Equal(t, "at1", cred.AccessToken)
	require.Equal(t, "rt1", cred.RefreshToken)
	require.True(t, cred.Connected)
	require.WithinDuration(t, before.Add(time.Hour), cred.TokenExpiresAt, 5*time.Second)

	status, ok := h.creds.status("c1")
	require.True(t, ok)
	require.Equal(t, ledger.StatusConnected, status.Status)

	// intent is consumed after success
	intent, err := h.intents.GetIntent(ctx, buildIntentKey("abc123"))
	require.NoError(t, err)
	require.Nil(t, intent)
}

func TestService_HandleCallbackStateMismatch(t *testing.T) {
	h := newConnectTestHarness()
	h.saveIntent(t, ledger.ConnectIntent{State: "abc123", ClientID: "c1"})

	_, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Code:    "XYZ",
		State:   "wrong",
		RealmID: "R1",
	})
	require.ErrorIs(t, err, ledger.ErrStateMismatch)
	require.Zero(t, h.qbo.exchangeCalls)
	_, ok := h.creds.credential("R1")
	require.False(t, ok)
}

func TestService_HandleCallbackMissingParams(t *testing.T) {
	h := newConnectTestHarness()
	ctx := context.Background()
	h.saveIntent(t, ledger.ConnectIntent{State: "abc123", ClientID: "c1"})

	_, err := h.service.HandleCallback(ctx, CallbackInput{State: "abc123", RealmID: "R1"})
	require.ErrorIs(t, err, ledger.ErrMissingParams)

	_, err = h.service.HandleCallback(ctx, CallbackInput{State: "abc123", Code: "XYZ"})
	require.ErrorIs(t, err, ledger.ErrMissingParams)

	require.Zero(t, h.qbo.exchangeCalls)

	// a failed presence check leaves the intent for a retry
	intent, err := h.intents.GetIntent(ctx, buildIntentKey("abc123"))
	require.NoError(t, err)
	require.NotNil(t, intent)
}

func TestService_HandleCallbackIntentWithoutClient(t *testing.T) {
	h := newConnectTestHarness()
	h.saveIntent(t, ledger.ConnectIntent{State: "abc123"})

	_, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Code:    "XYZ",
		State:   "abc123",
		RealmID: "R1",
	})
	require.ErrorIs(t, err, ledger.ErrIntentIncomplete)
	require.Zero(t, h.qbo.exchangeCalls)
}

func TestService_ExchangeProviderRejection(t *testing.T) {
	h := newConnectTestHarness()
	h.qbo.exchangeErr = fmt.Errorf("token exchange failed: 400 Bad Request")

	_, err := h.service.Exchange(context.Background(), ExchangeInput{
		Code:        "XYZ",
		RealmID:     "R1",
		RedirectURI: "https://app.example.com/oauth/callback",
		ClientID:    "c1",
	})
	require.ErrorIs(t, err, ledger.ErrExchangeFailed)
	_, ok := h.creds.credential("R1")
	require.False(t, ok)
}

func TestService_ExchangeDefaultsExpiryWhenOmitted(t *testing.T) {
	h := newConnectTestHarness()
	h.qbo.token = &ledger.TokenResponse{AccessToken: "at1", RefreshToken: "rt1"}

	before := time.Now().UTC()
	result, err := h.service.Exchange(context.Background(), ExchangeInput{
		Code:        "XYZ",
		RealmID:     "R1",
		RedirectURI: "https://app.example.com/oauth/callback",
		ClientID:    "c1",
	})
	require.NoError(t, err)
	require.WithinDuration(t, before.Add(time.Hour), result.ExpiresAt, 5*time.Second)

	cred, ok := h.creds.credential("R1")
	require.True(t, ok)
	require.False(t, cred.Expired(time.Now().UTC()))
}

func TestService_RefreshDefaultsExpiryWhenOmitted(t *testing.T) {
	h := newConnectTestHarness()
	h.creds.seed(ledger.Credential{
		ClientID:     "c1",
		CompanyID:    "R1",
		AccessToken:  "stale",
		RefreshToken: "rt1",
	})
	h.qbo.refreshed = &ledger.TokenResponse{AccessToken: "new"}

	result, err := h.service.Refresh(context.Background(), RefreshInput{RefreshToken: "rt1", CompanyID: "R1"})
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC().Add(time.Hour), result.ExpiresAt, 5*time.Second)

	cred, _ := h.creds.credential("R1")
	require.False(t, cred.Expired(time.Now().UTC()))
}

func TestService_RefreshKeepsStoredRefreshToken(t *testing.T) {
	h := newConnectTestHarness()
	ctx := context.Background()
	h.creds.seed(ledger.Credential{
		ClientID:       "c1",
		CompanyID:      "R1",
		AccessToken:    "stale",
		RefreshToken:   "rt1",
		TokenExpiresAt: time.Now().UTC().Add(-time.Hour),
		Connected:      true,
	})
	h.qbo.refreshed = &ledger.TokenResponse{AccessToken: "new", ExpiresIn: 3600}

	result, err := h.service.Refresh(ctx, RefreshInput{RefreshToken: "rt1", CompanyID: "R1"})
	require.NoError(t, err)
	require.Equal(t, "new", result.AccessToken)

	cred, ok := h.creds.credential("R1")
	require.True(t, ok)
	require.Equal(t, "new", cred.AccessToken)
	require.Equal(t, "rt1", cred.RefreshToken)
	require.WithinDuration(t, time.Now().UTC().Add(time.Hour), cred.TokenExpiresAt, 5*time.Second)
}

func TestService_RefreshRotatesWhenProviderReturnsToken(t *testing.T) {
	h := newConnectTestHarness()
	h.creds.seed(ledger.Credential{
		ClientID:     "c1",
		CompanyID:    "R1",
		AccessToken:  "stale",
		RefreshToken: "rt1",
	})
	h.qbo.refreshed = &ledger.TokenResponse{AccessToken: "new", RefreshToken: "rt2", ExpiresIn: 3600}

	_, err := h.service.Refresh(context.Background(), RefreshInput{RefreshToken: "rt1", CompanyID: "R1"})
	require.NoError(t, err)

	cred, _ := h.creds.credential("R1")
	require.Equal(t, "rt2", cred.RefreshToken)
}

func TestService_QueryRefreshesExpiredToken(t *testing.T) {
	h := newConnectTestHarness()
	h.creds.seed(ledger.Credential{
		ClientID:       "c1",
		CompanyID:      "R1",
		AccessToken:    "stale",
		RefreshToken:   "rt1",
		TokenExpiresAt: time.Now().UTC().Add(-time.Hour),
		Connected:      true,
	})
	h.qbo.refreshed = &ledger.TokenResponse{AccessToken: "new", ExpiresIn: 3600}
	h.qbo.queryPayload = json.RawMessage(`{"QueryResponse":{}}`)

	payload, err := h.service.Query(context.Background(), QueryInput{
		CompanyID: "R1",
		Resource:  "query?query=select%20*%20from%20Invoice",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"QueryResponse":{}}`, string(payload))

	require.Equal(t, 1, h.qbo.refreshCalls)
	require.Equal(t, "rt1", h.qbo.lastRefreshToken)
	require.Equal(t, "new", h.qbo.lastQueryToken)
}

func TestService_QueryFreshTokenSkipsRefresh(t *testing.T) {
	h := newConnectTestHarness()
	h.creds.seed(ledger.Credential{
		ClientID:       "c1",
		CompanyID:      "R1",
		AccessToken:    "at1",
		RefreshToken:   "rt1",
		TokenExpiresAt: time.Now().UTC().Add(time.Hour),
		Connected:      true,
	})
	h.qbo.queryPayload = json.RawMessage(`{"CompanyInfo":{}}`)

	_, err := h.service.Query(context.Background(), QueryInput{CompanyID: "R1", Resource: "companyinfo/R1"})
	require.NoError(t, err)
	require.Zero(t, h.qbo.refreshCalls)
	require.Equal(t, "at1", h.qbo.lastQueryToken)
}

func TestService_QueryRefreshFailureStopsUpstreamCall(t *testing.T) {
	h := newConnectTestHarness()
	h.creds.seed(ledger.Credential{
		ClientID:       "c1",
		CompanyID:      "R1",
		AccessToken:    "stale",
		RefreshToken:   "rt1",
		TokenExpiresAt: time.Now().UTC().Add(-time.Minute),
	})
	h.qbo.refreshErr = fmt.Errorf("token refresh failed: 400 Bad Request")

	_, err := h.service.Query(context.Background(), QueryInput{CompanyID: "R1", Resource: "companyinfo/R1"})
	require.ErrorIs(t, err, ledger.ErrRefreshFailed)
	require.Zero(t, h.qbo.queryCalls)
}

func TestService_QueryUnknownCompany(t *testing.T) {
	h := newConnectTestHarness()
	_, err := h.service.Query(context.Background(), QueryInput{CompanyID: "nope", Resource: "companyinfo/nope"})
	require.ErrorIs(t, err, ledger.ErrNotConnected)
}

func TestService_StatusUnknownClient(t *testing.T) {
	h := newConnectTestHarness()
	_, err := h.service.Status(context.Background(), "ghost")
	require.ErrorIs(t, err, ledger.ErrNotConnected)
}

// ---- Test harness and fakes ----

type connectTestHarness struct {
	service Service
	intents *memoryIntentStore
	creds   *fakeCredentialRepo
	qbo     *fakeQBOClient
}

func newConnectTestHarness() *connectTestHarness {
	cfg := config.Config{
		QBOClientID:      "qbo-app",
		QBOClientSecret:  "shh",
		QBOAuthURL:       "https://appcenter.intuit.com/connect/oauth2",
		QBOScopes:        []string{"com.intuit.quickbooks.accounting"},
		OAuthRedirectURL: "https://app.example.com/oauth/callback",
		IntentTTL:        10 * time.Minute,
	}
	intents := newMemoryIntentStore()
	creds := newFakeCredentialRepo()
	qbo := &fakeQBOClient{}
	svc := NewService(intents, creds, qbo, cfg, zap.NewNop())
	return &connectTestHarness{service: svc, intents: intents, creds: creds, qbo: qbo}
}

func (h *connectTestHarness) saveIntent(t *testing.T, intent ledger.ConnectIntent) {
	t.Helper()
	intent.CreatedAt = time.Now().UTC()
	require.NoError(t, h.intents.SaveIntent(context.Background(), buildIntentKey(intent.State), intent, time.Minute))
}

type memoryIntentStore struct {
	mu   sync.RWMutex
	data map[string]ledger.ConnectIntent
}

func newMemoryIntentStore() *memoryIntentStore {
	return &memoryIntentStore{data: map[string]ledger.ConnectIntent{}}
}

func (m *memoryIntentStore) SaveIntent(_ context.Context, key string, intent ledger.ConnectIntent, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = intent
	return nil
}

func (m *memoryIntentStore) GetIntent(_ context.Context, key string) (*ledger.ConnectIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if intent, ok := m.data[key]; ok {
		found := intent
		return &found, nil
	}
	return nil, nil
}

func (m *memoryIntentStore) DeleteIntent(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type fakeQBOClient struct {
	token     *ledger.TokenResponse
	refreshed *ledger.TokenResponse

	exchangeErr error
	refreshErr  error
	queryErr    error

	exchangeCalls int
	refreshCalls  int
	queryCalls    int

	lastCode         string
	lastRedirectURI  string
	lastRefreshToken string
	lastQueryToken   string

	queryPayload json.RawMessage
}

func (f *fakeQBOClient) ExchangeCode(_ context.Context, code, redirectURI string) (*ledger.TokenResponse, error) {
	f.exchangeCalls++
	f.lastCode = code
	f.lastRedirectURI = redirectURI
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	if f.token == nil {
		return nil, fmt.Errorf("token not configured")
	}
	return f.token, nil
}

func (f *fakeQBOClient) RefreshToken(_ context.Context, refreshToken string) (*ledger.TokenResponse, error) {
	f.refreshCalls++
	f.lastRefreshToken = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.refreshed == nil {
		return nil, fmt.Errorf("refresh not configured")
	}
	return f.refreshed, nil
}

func (f *fakeQBOClient) Query(_ context.Context, companyID, resource, accessToken string) (json.RawMessage, error) {
	f.queryCalls++
	f.lastQueryToken = accessToken
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryPayload, nil
}

type fakeCredentialRepo struct {
	mu        sync.Mutex
	byCompany map[string]ledger.Credential
	statuses  map[string]ledger.ConnectionStatus
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{
		byCompany: map[string]ledger.Credential{},
		statuses:  map[string]ledger.ConnectionStatus{},
	}
}

func (f *fakeCredentialRepo) SaveExchange(_ context.Context, cred ledger.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byCompany[cred.CompanyID] = cred
	f.statuses[cred.ClientID] = ledger.ConnectionStatus{
		ClientID:    cred.ClientID,
		Provider:    ledger.ProviderQuickBooks,
		Status:      ledger.StatusConnected,
		ConnectedAt: cred.UpdatedAt,
		UpdatedAt:   cred.UpdatedAt,
	}
	return nil
}

func (f *fakeCredentialRepo) GetByCompanyID(_ context.Context, companyID string) (ledger.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cred, ok := f.byCompany[companyID]; ok {
		return cred, nil
	}
	return ledger.Credential{}, fmt.Errorf("get credential: %w", pgx.ErrNoRows)
}

func (f *fakeCredentialRepo) UpdateTokens(_ context.Context, companyID, accessToken, refreshToken string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.byCompany[companyID]
	if !ok {
		return fmt.Errorf("update tokens: %w", pgx.ErrNoRows)
	}
	cred.AccessToken = accessToken
	if refreshToken != "" {
		cred.RefreshToken = refreshToken
	}
	cred.TokenExpiresAt = expiresAt
	cred.UpdatedAt = time.Now().UTC()
	f.byCompany[companyID] = cred
	return nil
}

func (f *fakeCredentialRepo) GetStatus(_ context.Context, clientID, provider string) (ledger.ConnectionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[clientID]; ok && status.Provider == provider {
		return status, nil
	}
	return ledger.ConnectionStatus{}, fmt.Errorf("get connection status: %w", pgx.ErrNoRows)
}

func (f *fakeCredentialRepo) credential(companyID string) (ledger.Credential, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.byCompany[companyID]
	return cred, ok
}

func (f *fakeCredentialRepo) status(clientID string) (ledger.ConnectionStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[clientID]
	return status, ok
}

func (f *fakeCredentialRepo) seed(cred ledger.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byCompany[cred.CompanyID] = cred
}
