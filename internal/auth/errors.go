package auth

import (
	"errors"
	"fmt"
)

// Exchange failure kinds. Match them with errors.Is against an *ExchangeError.
var (
	// ErrNetwork covers transport failures and non-grant error statuses from the token endpoint.
	ErrNetwork = errors.New("token endpoint request failed")
	// ErrInvalidGrant means the vendor rejected the authorization code or refresh token.
	ErrInvalidGrant = errors.New("grant rejected by token endpoint")
	// ErrMalformed means the token endpoint answered 200 with an unusable body.
	ErrMalformed = errors.New("malformed token response")
)

// Authentication failure kinds surfaced to token consumers.
var (
	ErrNoToken                 = errors.New("no token available, authorization required")
	ErrRefreshFailed           = errors.New("token refresh failed")
	ErrReauthorizationRequired = errors.New("refresh token rejected, reauthorization required")
	// ErrTokenRejected is returned when the API still rejects a freshly refreshed token.
	ErrTokenRejected = errors.New("access token rejected after refresh")
)

// ExchangeError describes a failed code or refresh exchange.
type ExchangeError struct {
	Kind        error
	Grant       string // authorization_code or refresh_token
	StatusCode  int
	Code        string // OAuth error code from the response body, if any
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	msg := fmt.Sprintf("%s exchange: %v", e.Grant, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
		if e.Description != "" {
			msg += " - " + e.Description
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExchangeError) Is(target error) bool {
	return target == e.Kind
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// AuthError is the uniform error seen by callers asking for a token.
type AuthError struct {
	Kind error
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *AuthError) Is(target error) bool {
	return target == e.Kind
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsReauthorizationRequired reports whether err means the full authorization
// flow has to run again before any token can be produced.
func IsReauthorizationRequired(err error) bool {
	return errors.Is(err, ErrNoToken) || errors.Is(err, ErrReauthorizationRequired)
}
