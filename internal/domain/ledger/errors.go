package ledger

import "errors"

var (
	// ErrStateMismatch indicates the callback state does not match a pending
	// connect intent. Possible CSRF; the flow must restart from scratch.
	ErrStateMismatch = errors.New("ledger: state mismatch")
	// ErrMissingParams indicates the provider redirect omitted required
	// OAuth parameters.
	ErrMissingParams = errors.New("ledger: missing oauth parameters")
	// ErrIntentIncomplete indicates the stored intent lacks a target client.
	ErrIntentIncomplete = errors.New("ledger: connect intent incomplete")
	// ErrExchangeFailed indicates the provider rejected the code exchange.
	// Authorization codes are single-use, so the whole flow must restart.
	ErrExchangeFailed = errors.New("ledger: token exchange rejected")
	// ErrRefreshFailed indicates the provider rejected the refresh grant;
	// the refresh token is assumed dead and the client must reconnect.
	ErrRefreshFailed = errors.New("ledger: token refresh rejected")
	// ErrUpstream indicates the provider data API returned a failure.
	ErrUpstream = errors.New("ledger: provider api error")
	// ErrNotConnected signals no credential record for the given company.
	ErrNotConnected = errors.New("ledger: company not connected")
)
