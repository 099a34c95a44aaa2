package repository

import (
	"context"
	"time"

	"github.com/delyftdev/yakdum-insight-flow/internal/domain/ledger"
)

// CredentialRepository persists QuickBooks credentials and the derived
// connection-status rows.
type CredentialRepository interface {
	// SaveExchange writes the credential record and upserts the matching
	// connection-status row as a single transaction.
	SaveExchange(ctx context.Context, cred ledger.Credential) error
	GetByCompanyID(ctx context.Context, companyID string) (ledger.Credential, error)
	// UpdateTokens rotates the access token (and refresh token, when
	// non-empty) for the record matching companyID.
	UpdateTokens(ctx context.Context, companyID, accessToken, refreshToken string, expiresAt time.Time) error
	GetStatus(ctx context.Context, clientID, provider string) (ledger.ConnectionStatus, error)
}

// IntentStore persists short-lived connect intents keyed by state token.
type IntentStore interface {
	SaveIntent(ctx context.Context, key string, intent ledger.ConnectIntent, ttl time.Duration) error
	GetIntent(ctx context.Context, key string) (*ledger.ConnectIntent, error)
	DeleteIntent(ctx context.Context, key string) error
}
