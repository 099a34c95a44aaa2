package connect

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/delyftdev/yakdum-insight-flow/internal/adapter/quickbooks"
	"github.com/delyftdev/yakdum-insight-flow/internal/config"
	"github.com/delyftdev/yakdum-insight-flow/internal/domain/ledger"
	"github.com/delyftdev/yakdum-insight-flow/internal/repository"
)

// Service orchestrates the QuickBooks connection lifecycle: authorization
// URL construction, callback verification, token exchange, refresh, and the
// authenticated query proxy.
type Service interface {
	StartConnection(ctx context.Context, in StartConnectionInput) (*StartConnectionOutput, error)
	HandleCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error)
	Exchange(ctx context.Context, in ExchangeInput) (*ExchangeResult, error)
	Refresh(ctx context.Context, in RefreshInput) (*RefreshResult, error)
	Query(ctx context.Context, in QueryInput) (json.RawMessage, error)
	Status(ctx context.Context, clientID string) (*ledger.ConnectionStatus, error)
}

// StartConnectionInput identifies the client record to connect.
type StartConnectionInput struct {
	ClientID    string
	ClientLabel string
}

// StartConnectionOutput returns the prepared authorization URL and its state.
type StartConnectionOutput struct {
	AuthorizationURL string
	State            string
}

// CallbackInput captures the provider redirect's query parameters.
type CallbackInput struct {
	Code    string
	State   string
	RealmID string
}

// CallbackResult reports a completed connection.
type CallbackResult struct {
	ClientID    string
	ClientLabel string
	CompanyID   string
	ExpiresAt   time.Time
}

// ExchangeInput carries the parameters of one code exchange.
type ExchangeInput struct {
	Code        string
	RealmID     string
	RedirectURI string
	ClientID    string
}

// ExchangeResult reports the persisted credential's identity and expiry.
type ExchangeResult struct {
	CompanyID string
	ExpiresAt time.Time
}

// RefreshInput carries a stored refresh token and its company.
type RefreshInput struct {
	RefreshToken string
	CompanyID    string
}

// RefreshResult returns the rotated access token.
type RefreshResult struct {
	AccessToken string
	ExpiresAt   time.Time
}

// QueryInput names a provider-relative read resource for one company.
type QueryInput struct {
	CompanyID string
	Resource  string
}

type service struct {
	intents repository.IntentStore
	creds   repository.CredentialRepository
	qbo     quickbooks.Client
	cfg     config.Config
	logger  *zap.Logger
}

// NewService wires the connection service implementation.
func NewService(
	intents repository.IntentStore,
	creds repository.CredentialRepository,
	qbo quickbooks.Client,
	cfg config.Config,
	logger *zap.Logger,
) Service {
	return &service{
		intents: intents,
		creds:   creds,
		qbo:     qbo,
		cfg:     cfg,
		logger:  logger,
	}
}

const intentPrefix = "qbo:intent:"

func (s *service) StartConnection(ctx context.Context, in StartConnectionInput) (*StartConnectionOutput, error) {
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id required", ledger.ErrMissingParams)
	}

	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	authURL, err := url.Parse(s.cfg.QBOAuthURL)
	if err != nil {
		return nil, fmt.Errorf("parse auth url: %w", err)
	}
	params := authURL.Query()
	params.Set("client_id", s.cfg.QBOClientID)
	params.Set("scope", strings.Join(s.cfg.QBOScopes, " "))
	params.Set("redirect_uri", s.cfg.OAuthRedirectURL)
	params.Set("response_type", "code")
	params.Set("access_type", "offline")
	params.Set("state", state)
	authURL.RawQuery = params.Encode()

	intent := ledger.ConnectIntent{
		State:       state,
		ClientID:    clientID,
		ClientLabel: strings.TrimSpace(in.ClientLabel),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.intents.SaveIntent(ctx, buildIntentKey(state), intent, s.cfg.IntentTTL); err != nil {
		return nil, fmt.Errorf("persist intent: %w", err)
	}

	return &StartConnectionOutput{
		AuthorizationURL: authURL.String(),
		State:            state,
	}, nil
}

// HandleCallback verifies the redirect against the pending intent and runs
// the exchange. The intent is cleared only after a successful exchange; a
// missing intent key already is the definitive mismatch signal, and a failed
// exchange leaves the record for inspection until its TTL expires.
func (s *service) HandleCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error) {
	state := strings.TrimSpace(in.State)
	if state == "" {
		return nil, fmt.Errorf("%w: state missing from redirect", ledger.ErrStateMismatch)
	}

	intentKey := buildIntentKey(state)
	intent, err := s.intents.GetIntent(ctx, intentKey)
	if err != nil {
		return nil, fmt.Errorf("load intent: %w", err)
	}
	if intent == nil {
		return nil, fmt.Errorf("%w: no pending flow for state", ledger.ErrStateMismatch)
	}

	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.RealmID) == "" {
		return nil, fmt.Errorf("%w: code and realmId required", ledger.ErrMissingParams)
	}
	if strings.TrimSpace(intent.ClientID) == "" {
		return nil, fmt.Errorf("%w: no target client on intent", ledger.ErrIntentIncomplete)
	}

	result, err := s.Exchange(ctx, ExchangeInput{
		Code:        in.Code,
		RealmID:     in.RealmID,
		RedirectURI: s.cfg.OAuthRedirectURL,
		ClientID:    intent.ClientID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.intents.DeleteIntent(ctx, intentKey); err != nil {
		s.log().Warn("failed to delete connect intent", zap.Error(err))
	}

	return &CallbackResult{
		ClientID:    intent.ClientID,
		ClientLabel: intent.ClientLabel,
		CompanyID:   result.CompanyID,
		ExpiresAt:   result.ExpiresAt,
	}, nil
}

func (s *service) Exchange(ctx context.Context, in ExchangeInput) (*ExchangeResult, error) {
	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.RealmID) == "" || strings.TrimSpace(in.ClientID) == "" {
		return nil, fmt.Errorf("%w: code, realmId, and clientId required", ledger.ErrMissingParams)
	}

	token, err := s.qbo.ExchangeCode(ctx, in.Code, in.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrExchangeFailed, err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token", ledger.ErrExchangeFailed)
	}

	now := time.Now().UTC()
	expiresAt := tokenExpiry(now, token.ExpiresIn)
	cred := ledger.Credential{
		ClientID:       in.ClientID,
		CompanyID:      in.RealmID,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		TokenExpiresAt: expiresAt,
		Connected:      true,
		UpdatedAt:      now,
	}
	if err := s.creds.SaveExchange(ctx, cred); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}

	s.log().Info("quickbooks connected",
		zap.String("client_id", in.ClientID),
		zap.String("company_id", in.RealmID),
		zap.Time("expires_at", expiresAt),
	)

	return &ExchangeResult{CompanyID: in.RealmID, ExpiresAt: expiresAt}, nil
}

func (s *service) Refresh(ctx context.Context, in RefreshInput) (*RefreshResult, error) {
	if strings.TrimSpace(in.RefreshToken) == "" || strings.TrimSpace(in.CompanyID) == "" {
		return nil, fmt.Errorf("%w: refreshToken and companyId required", ledger.ErrMissingParams)
	}

	token, err := s.qbo.RefreshToken(ctx, in.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrRefreshFailed, err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token", ledger.ErrRefreshFailed)
	}

	expiresAt := tokenExpiry(time.Now().UTC(), token.ExpiresIn)
	// An empty refresh token keeps the stored value; Intuit rotates only
	// periodically.
	if err := s.creds.UpdateTokens(ctx, in.CompanyID, token.AccessToken, token.RefreshToken, expiresAt); err != nil {
		return nil, fmt.Errorf("persist rotated tokens: %w", err)
	}

	return &RefreshResult{AccessToken: token.AccessToken, ExpiresAt: expiresAt}, nil
}

func (s *service) Query(ctx context.Context, in QueryInput) (json.RawMessage, error) {
	if strings.TrimSpace(in.CompanyID) == "" || strings.TrimSpace(in.Resource) == "" {
		return nil, fmt.Errorf("%w: companyId and query required", ledger.ErrMissingParams)
	}

	cred, err := s.creds.GetByCompanyID(ctx, in.CompanyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrNotConnected, in.CompanyID)
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}

	accessToken := cred.AccessToken
	if cred.Expired(time.Now().UTC()) {
		refreshed, err := s.Refresh(ctx, RefreshInput{
			RefreshToken: cred.RefreshToken,
			CompanyID:    in.CompanyID,
		})
		if err != nil {
			return nil, err
		}
		accessToken = refreshed.AccessToken
	}

	payload, err := s.qbo.Query(ctx, in.CompanyID, in.Resource, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrUpstream, err)
	}
	return payload, nil
}

func (s *service) Status(ctx context.Context, clientID string) (*ledger.ConnectionStatus, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("%w: client id required", ledger.ErrMissingParams)
	}
	status, err := s.creds.GetStatus(ctx, clientID, ledger.ProviderQuickBooks)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: client %s", ledger.ErrNotConnected, clientID)
		}
		return nil, fmt.Errorf("load connection status: %w", err)
	}
	return &status, nil
}

func (s *service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func buildIntentKey(state string) string {
	return intentPrefix + strings.TrimSpace(state)
}

// Intuit access tokens live one hour; assume that when the token payload
// omits expires_in, so a fresh credential never persists as already expired.
const defaultTokenTTL = time.Hour

func tokenExpiry(now time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return now.Add(defaultTokenTTL)
	}
	return now.Add(time.Duration(expiresIn) * time.Second)
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
