package quickbooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/delyftdev/yakdum-insight-flow/internal/domain/ledger"
)

// Client encapsulates outbound HTTP calls to Intuit's OAuth and data APIs.
type Client interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*ledger.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*ledger.TokenResponse, error)
	Query(ctx context.Context, companyID, resource, accessToken string) (json.RawMessage, error)
}

// Config carries the statically configured provider endpoints and app
// credentials. The client secret never leaves server-to-server calls.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	APIBaseURL   string
}

// HTTPClient is the default Client implementation.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default QuickBooks client.
func NewHTTPClient(cfg Config, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{cfg: cfg, httpClient: client}
}

// ExchangeCode swaps a single-use authorization code for tokens.
func (c *HTTPClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*ledger.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	return c.postTokenEndpoint(ctx, data, "token exchange")
}

// RefreshToken obtains a fresh access token from a stored refresh token.
func (c *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (*ledger.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return c.postTokenEndpoint(ctx, data, "token refresh")
}

func (c *HTTPClient) postTokenEndpoint(ctx context.Context, data url.Values, op string) (*ledger.TokenResponse, error) {
	if strings.TrimSpace(c.cfg.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s failed: %s", op, resp.Status)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}

	token := &ledger.TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Raw:          raw,
	}
	if exp := raw["expires_in"]; exp != nil {
		token.ExpiresIn = int64Value(exp)
	}
	return token, nil
}

// Query issues an authenticated read against the company's ledger and
// returns the provider payload untouched.
func (c *HTTPClient) Query(ctx context.Context, companyID, resource, accessToken string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/v1/company/%s/%s",
		strings.TrimRight(c.cfg.APIBaseURL, "/"),
		url.PathEscape(companyID),
		strings.TrimLeft(resource, "/"),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read query response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("query failed: %s", resp.Status)
	}
	return json.RawMessage(body), nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
