package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/go-authgate/smarther-cli/internal/auth"
	"github.com/go-authgate/smarther-cli/internal/transport"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"

	// DefaultExchangeTimeout bounds one token endpoint round trip, retries included.
	DefaultExchangeTimeout = 15 * time.Second
)

// ExchangerConfig identifies the client at the token endpoint.
type ExchangerConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Exchanger performs code and refresh exchanges against the vendor token
// endpoint. It implements auth.Exchanger.
type Exchanger struct {
	cfg     ExchangerConfig
	client  *retry.Client
	timeout time.Duration
	now     func() time.Time
}

var _ auth.Exchanger = (*Exchanger)(nil)

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithRetryClient sets the HTTP client used for token requests. The default
// resends only throttled (429) requests, so a refresh token is never posted twice.
func WithRetryClient(c *retry.Client) ExchangerOption {
	return func(e *Exchanger) {
		e.client = c
	}
}

// WithExchangeTimeout bounds each exchange.
func WithExchangeTimeout(d time.Duration) ExchangerOption {
	return func(e *Exchanger) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithExchangeClock overrides time.Now when computing expiry, for tests.
func WithExchangeClock(now func() time.Time) ExchangerOption {
	return func(e *Exchanger) {
		e.now = now
	}
}

// NewExchanger validates cfg and returns an Exchanger.
func NewExchanger(cfg ExchangerConfig, opts ...ExchangerOption) (*Exchanger, error) {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}

	e := &Exchanger{
		cfg:     cfg,
		timeout: DefaultExchangeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		c, err := transport.NewRetryClient("token-exchange")
		if err != nil {
			return nil, err
		}
		e.client = c
	}
	return e, nil
}

// ExchangeCode trades an authorization code for a TokenSet. redirectURI must
// be the exact URI used in the authorization request.
func (e *Exchanger) ExchangeCode(ctx context.Context, code, redirectURI string) (*auth.TokenSet, error) {
	data := url.Values{}
	data.Set("grant_type", grantAuthorizationCode)
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	return e.exchange(ctx, grantAuthorizationCode, data)
}

// ExchangeRefresh trades a refresh token for a new TokenSet. The returned
// set has an empty RefreshToken when the vendor did not rotate it.
func (e *Exchanger) ExchangeRefresh(ctx context.Context, refreshToken string) (*auth.TokenSet, error) {
	data := url.Values{}
	data.Set("grant_type", grantRefreshToken)
	data.Set("refresh_token", refreshToken)
	return e.exchange(ctx, grantRefreshToken, data)
}

// errorResponse is the RFC 6749 §5.2 error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    json.Number `json:"expires_in"`
	// ExpiresOn is an absolute unix time some Legrand deployments send instead of expires_in.
	ExpiresOn json.Number `json:"expires_on"`
}

func (e *Exchanger) exchange(ctx context.Context, grant string, data url.Values) (*auth.TokenSet, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data.Set("client_id", e.cfg.ClientID)
	if e.cfg.ClientSecret != "" {
		data.Set("client_secret", e.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		e.cfg.TokenURL,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, &auth.ExchangeError{Kind: auth.ErrNetwork, Grant: grant, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	requestedAt := e.now()
	resp, err := e.client.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, &auth.ExchangeError{Kind: auth.ErrNetwork, Grant: grant, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &auth.ExchangeError{
			Kind:       auth.ErrNetwork,
			Grant:      grant,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to read response: %w", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyErrorResponse(grant, resp, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &auth.ExchangeError{
			Kind:       auth.ErrMalformed,
			Grant:      grant,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to parse token response: %w", err),
		}
	}

	ts, err := tr.tokenSet(requestedAt)
	if err != nil {
		return nil, &auth.ExchangeError{
			Kind:       auth.ErrMalformed,
			Grant:      grant,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("invalid token response: %w", err),
		}
	}

	log.Debugf("%s exchange succeeded, token expires in %s", grant, ts.ExpiresAt.Sub(requestedAt).Round(time.Second))
	return ts, nil
}

func classifyErrorResponse(grant string, resp *http.Response, body []byte) error {
	var errResp errorResponse
	_ = json.Unmarshal(body, &errResp)

	kind := auth.ErrNetwork
	switch errResp.Error {
	case "invalid_grant", "invalid_token":
		kind = auth.ErrInvalidGrant
	}

	return &auth.ExchangeError{
		Kind:        kind,
		Grant:       grant,
		StatusCode:  resp.StatusCode,
		Code:        errResp.Error,
		Description: errResp.ErrorDescription,
		Err: &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        errResp.Error,
			ErrorDescription: errResp.ErrorDescription,
		},
	}
}

// tokenSet validates the response and resolves the absolute expiry.
func (tr *tokenResponse) tokenSet(requestedAt time.Time) (*auth.TokenSet, error) {
	if tr.AccessToken == "" {
		return nil, errors.New("access_token is empty")
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	if !strings.EqualFold(tokenType, "Bearer") {
		return nil, fmt.Errorf("unexpected token_type: %s (expected Bearer)", tr.TokenType)
	}

	var expiresAt time.Time
	switch {
	case tr.ExpiresIn != "":
		secs, err := tr.ExpiresIn.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid expires_in: %w", err)
		}
		if secs <= 0 {
			return nil, fmt.Errorf("expires_in must be positive, got: %v", tr.ExpiresIn)
		}
		expiresAt = requestedAt.Add(time.Duration(secs * float64(time.Second)))
	case tr.ExpiresOn != "":
		secs, err := tr.ExpiresOn.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid expires_on: %w", err)
		}
		expiresAt = time.Unix(secs, 0)
	default:
		return nil, errors.New("response has neither expires_in nor expires_on")
	}

	return &auth.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
	}, nil
}
