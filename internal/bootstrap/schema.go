package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ledger_credentials (
		client_id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL UNIQUE,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL,
		token_expires_at TIMESTAMPTZ NOT NULL,
		connected BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS accounting_connections (
		id BIGINT PRIMARY KEY,
		client_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		connected_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (client_id, provider)
	)`,
}

// EnsureSchema creates the credential and connection-status tables when they
// do not exist yet. Statements are idempotent, so repeated startups are safe.
func EnsureSchema(pool *pgxpool.Pool, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	logger.Info("database schema ensured")
	return nil
}
