package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/delyftdev/yakdum-insight-flow/internal/domain/ledger"
)

var _ CredentialRepository = (*PostgresCredentialRepo)(nil)

// PostgresCredentialRepo implements CredentialRepository on pgx.
type PostgresCredentialRepo struct {
	db   *pgxpool.Pool
	node *snowflake.Node
}

func NewPostgresCredentialRepo(pool *pgxpool.Pool, node *snowflake.Node) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: pool, node: node}
}

const upsertCredentialSQL = `INSERT INTO ledger_credentials (client_id, company_id, access_token, refresh_token, token_expires_at, connected, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (client_id) DO UPDATE SET
	company_id = EXCLUDED.company_id,
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	token_expires_at = EXCLUDED.token_expires_at,
	connected = EXCLUDED.connected,
	updated_at = EXCLUDED.updated_at`

const upsertConnectionSQL = `INSERT INTO accounting_connections (id, client_id, provider, status, connected_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (client_id, provider) DO UPDATE SET
	status = EXCLUDED.status,
	connected_at = EXCLUDED.connected_at,
	updated_at = EXCLUDED.updated_at`

// SaveExchange writes both rows inside one transaction so a partial failure
// cannot leave a connected status without credentials, or the reverse.
func (r *PostgresCredentialRepo) SaveExchange(ctx context.Context, cred ledger.Credential) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin exchange tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := cred.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx, upsertCredentialSQL,
		cred.ClientID,
		cred.CompanyID,
		cred.AccessToken,
		cred.RefreshToken,
		cred.TokenExpiresAt,
		cred.Connected,
		now,
	); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}

	if _, err := tx.Exec(ctx, upsertConnectionSQL,
		r.node.Generate().Int64(),
		cred.ClientID,
		ledger.ProviderQuickBooks,
		ledger.StatusConnected,
		now,
	); err != nil {
		return fmt.Errorf("upsert connection status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit exchange tx: %w", err)
	}
	return nil
}

const getByCompanySQL = `SELECT client_id, company_id, access_token, refresh_token, token_expires_at, connected, updated_at
FROM ledger_credentials
WHERE company_id = $1`

func (r *PostgresCredentialRepo) GetByCompanyID(ctx context.Context, companyID string) (ledger.Credential, error) {
	var cred ledger.Credential
	if err := r.db.QueryRow(ctx, getByCompanySQL, companyID).Scan(
		&cred.ClientID,
		&cred.CompanyID,
		&cred.AccessToken,
		&cred.RefreshToken,
		&cred.TokenExpiresAt,
		&cred.Connected,
		&cred.UpdatedAt,
	); err != nil {
		return ledger.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

const updateTokensSQL = `UPDATE ledger_credentials
SET access_token = $2,
	refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
	token_expires_at = $4,
	updated_at = $5
WHERE company_id = $1`

func (r *PostgresCredentialRepo) UpdateTokens(ctx context.Context, companyID, accessToken, refreshToken string, expiresAt time.Time) error {
	tag, err := r.db.Exec(ctx, updateTokensSQL, companyID, accessToken, refreshToken, expiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update tokens for company %s: %w", companyID, ledger.ErrNotConnected)
	}
	return nil
}

const getStatusSQL = `SELECT id, client_id, provider, status, connected_at, updated_at
FROM accounting_connections
WHERE client_id = $1 AND provider = $2`

func (r *PostgresCredentialRepo) GetStatus(ctx context.Context, clientID, provider string) (ledger.ConnectionStatus, error) {
	var status ledger.ConnectionStatus
	if err := r.db.QueryRow(ctx, getStatusSQL, clientID, provider).Scan(
		&status.ID,
		&status.ClientID,
		&status.Provider,
		&status.Status,
		&status.ConnectedAt,
		&status.UpdatedAt,
	); err != nil {
		return ledger.ConnectionStatus{}, fmt.Errorf("get connection status: %w", err)
	}
	return status, nil
}
