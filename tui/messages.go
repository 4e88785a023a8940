package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgTokensFound signals that existing tokens were found on disk.
type MsgTokensFound struct{}

// MsgTokenValid signals that the existing access token is still valid.
type MsgTokenValid struct{}

// MsgTokenExpired signals that the access token is expired or within the refresh margin.
type MsgTokenExpired struct{}

// MsgTokensNotFound signals that no tokens were found (starting fresh).
type MsgTokensNotFound struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgAuthorizationURLReady carries the URL the user must visit. BrowserErr
// is set when the browser could not be opened automatically.
type MsgAuthorizationURLReady struct {
	URL        string
	BrowserErr error
}

// MsgWaitingForCallback signals that the local listener is waiting for the redirect.
type MsgWaitingForCallback struct{ Deadline time.Time }

// MsgCallbackReceived signals that an authorization code arrived.
type MsgCallbackReceived struct{}

// MsgAuthSuccess signals that the code was exchanged for tokens.
type MsgAuthSuccess struct{}

// MsgTokenSaved signals that tokens were saved to disk.
type MsgTokenSaved struct{ Path string }

// MsgTokenSaveFailed signals that saving tokens failed.
type MsgTokenSaveFailed struct{ Err error }

// MsgCalling signals that an API call is in progress.
type MsgCalling struct {
	Method string
	Path   string
}

// MsgAPICallOK signals that an API call succeeded.
type MsgAPICallOK struct{ Body string }

// MsgAPICallFailed signals that an API call failed.
type MsgAPICallFailed struct{ Err error }

// MsgAccessTokenRejected signals that the access token was rejected (401).
type MsgAccessTokenRejected struct{}

// MsgTokenRefreshedRetrying signals that the token was refreshed and a retry is starting.
type MsgTokenRefreshedRetrying struct{}

// MsgReAuthRequired signals that the refresh token was rejected and re-auth is required.
type MsgReAuthRequired struct{}

// MsgDone signals successful completion.
type MsgDone struct {
	Preview   string
	TokenType string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
