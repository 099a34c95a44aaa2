package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/delyftdev/yakdum-insight-flow/internal/config"
	"github.com/delyftdev/yakdum-insight-flow/internal/domain/ledger"
	"github.com/delyftdev/yakdum-insight-flow/internal/service/connect"
)

// ConnectHandler exposes the QuickBooks connection endpoints.
type ConnectHandler struct {
	Connect connect.Service
	Config  config.Config
}

// NewConnectHandler creates the handler set.
func NewConnectHandler(svc connect.Service, cfg config.Config) *ConnectHandler {
	return &ConnectHandler{Connect: svc, Config: cfg}
}

// Start generates the provider authorization URL for one client record.
func (h *ConnectHandler) Start(c *gin.Context) {
	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "client_id is required."})
		return
	}
	out, err := h.Connect.StartConnection(c.Request.Context(), connect.StartConnectionInput{
		ClientID:    clientID,
		ClientLabel: strings.TrimSpace(c.Query("client_name")),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization_url": out.AuthorizationURL,
		"state":             out.State,
	})
}

// Callback handles the provider redirect: state verification, code exchange,
// then a redirect back into the app's setup flow.
func (h *ConnectHandler) Callback(c *gin.Context) {
	result, err := h.Connect.HandleCallback(c.Request.Context(), connect.CallbackInput{
		Code:    c.Query("code"),
		State:   c.Query("state"),
		RealmID: c.Query("realmId"),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	if h.Config.AppBaseURL == "" {
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"clientId":   result.ClientID,
			"clientName": result.ClientLabel,
			"companyId":  result.CompanyID,
			"expiresAt":  result.ExpiresAt.Format(time.RFC3339),
		})
		return
	}

	redirect, err := url.Parse(h.Config.AppBaseURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Invalid app base URL."})
		return
	}
	redirect.Path = "/setup-completion"
	q := redirect.Query()
	q.Set("tab", "integrations")
	q.Set("connected", ledger.ProviderQuickBooks)
	redirect.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, redirect.String())
}

type exchangeRequest struct {
	Code        string `json:"code" binding:"required"`
	RealmID     string `json:"realmId" binding:"required"`
	RedirectURI string `json:"redirectUri" binding:"required"`
	ClientID    string `json:"clientId" binding:"required"`
}

// Exchange swaps an authorization code for tokens and persists them.
func (h *ConnectHandler) Exchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "code, realmId, redirectUri, and clientId are required."})
		return
	}
	result, err := h.Connect.Exchange(c.Request.Context(), connect.ExchangeInput{
		Code:        req.Code,
		RealmID:     req.RealmID,
		RedirectURI: req.RedirectURI,
		ClientID:    req.ClientID,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"companyId": result.CompanyID,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
	CompanyID    string `json:"companyId" binding:"required"`
}

// Refresh rotates the access token for a connected company.
func (h *ConnectHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "refreshToken and companyId are required."})
		return
	}
	result, err := h.Connect.Refresh(c.Request.Context(), connect.RefreshInput{
		RefreshToken: req.RefreshToken,
		CompanyID:    req.CompanyID,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"accessToken": result.AccessToken,
		"expiresAt":   result.ExpiresAt.Format(time.RFC3339),
	})
}

type queryRequest struct {
	CompanyID string `json:"companyId" binding:"required"`
	Query     string `json:"query" binding:"required"`
}

// Query proxies an authenticated read to the provider, refreshing the access
// token first when it has expired. The provider payload passes through
// unmodified.
func (h *ConnectHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "companyId and query are required."})
		return
	}
	payload, err := h.Connect.Query(c.Request.Context(), connect.QueryInput{
		CompanyID: req.CompanyID,
		Resource:  req.Query,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

// Status returns the token-free connection status for one client record.
func (h *ConnectHandler) Status(c *gin.Context) {
	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "client_id is required."})
		return
	}
	status, err := h.Connect.Status(c.Request.Context(), clientID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"clientId":    status.ClientID,
		"provider":    status.Provider,
		"status":      status.Status,
		"connectedAt": status.ConnectedAt.Format(time.RFC3339),
		"updatedAt":   status.UpdatedAt.Format(time.RFC3339),
	})
}

func (h *ConnectHandler) respondServiceError(c *gin.Context, err error) {
	logger := zap.L()
	switch {
	case errors.Is(err, ledger.ErrStateMismatch):
		logger.Warn("oauth state mismatch", zap.Error(err))
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid_state", "error_description": "Invalid state parameter - possible CSRF attack."})
	case errors.Is(err, ledger.ErrMissingParams):
		logger.Warn("missing oauth parameters", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, ledger.ErrIntentIncomplete):
		logger.Warn("incomplete connect intent", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": "incomplete_intent", "error_description": "Missing client ID from OAuth flow."})
	case errors.Is(err, ledger.ErrExchangeFailed):
		logger.Warn("token exchange rejected", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "exchange_failed", "error_description": "Token exchange failed; restart the connect flow."})
	case errors.Is(err, ledger.ErrRefreshFailed):
		logger.Warn("token refresh rejected", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "refresh_failed", "error_description": "Token refresh failed; reconnect QuickBooks."})
	case errors.Is(err, ledger.ErrUpstream):
		logger.Warn("provider api failure", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "error_description": err.Error()})
	case errors.Is(err, ledger.ErrNotConnected):
		logger.Warn("company not connected", zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": "not_connected", "error_description": "No QuickBooks connection for this identifier."})
	default:
		logger.Error("connect service failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}
