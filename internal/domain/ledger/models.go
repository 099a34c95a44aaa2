package ledger

import "time"

// ProviderQuickBooks is the only accounting provider this service connects.
const ProviderQuickBooks = "quickbooks"

// StatusConnected marks an accounting_connections row whose credentials are
// on file. Rows are written only on a successful exchange, so no other
// status value exists.
const StatusConnected = "connected"

// ConnectIntent captures one pending connect attempt, keyed by its state
// token. It lives only for the duration of a single authorization flow.
type ConnectIntent struct {
	State       string    `json:"state"`
	ClientID    string    `json:"client_id"`
	ClientLabel string    `json:"client_label"`
	CreatedAt   time.Time `json:"created_at"`
}

// Credential stores the QuickBooks tokens owned by one client record.
type Credential struct {
	ClientID       string
	CompanyID      string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	Connected      bool
	UpdatedAt      time.Time
}

// Expired reports whether the access token must be refreshed before use.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.TokenExpiresAt)
}

// ConnectionStatus is the token-free view of a (client, provider) connection.
type ConnectionStatus struct {
	ID          int64
	ClientID    string
	Provider    string
	Status      string
	ConnectedAt time.Time
	UpdatedAt   time.Time
}

// TokenResponse models the Intuit token endpoint payload.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Raw          map[string]any
}
