package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-authgate/smarther-cli/internal/apiclient"
	"github.com/go-authgate/smarther-cli/internal/auth"
	"github.com/go-authgate/smarther-cli/internal/oauth"
	"github.com/go-authgate/smarther-cli/tui"
)

// Timeout configuration for different operations
const (
	tokenExchangeTimeout = 15 * time.Second
	refreshTokenTimeout  = 10 * time.Second
	apiCallTimeout       = 30 * time.Second
)

// session wires the token store, its file persistence and the display for
// one command invocation.
type session struct {
	cfg   *config
	d     tui.Displayer
	files *auth.FileStore
	store *auth.Store

	// noLogin makes a missing or rejected grant an error instead of
	// starting the browser flow.
	noLogin bool
	// openBrowser overrides oauth.OpenURL, for tests.
	openBrowser func(string) error
}

func newSession(cfg *config, d tui.Displayer, opts ...oauth.ExchangerOption) (*session, error) {
	opts = append([]oauth.ExchangerOption{oauth.WithExchangeTimeout(tokenExchangeTimeout)}, opts...)
	exchanger, err := oauth.NewExchanger(oauth.ExchangerConfig{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, opts...)
	if err != nil {
		return nil, err
	}

	files := auth.NewFileStore(cfg.TokenFile, cfg.ClientID)
	store := auth.NewStore(exchanger,
		auth.WithPersister(files),
		auth.WithRefreshMargin(cfg.RefreshMargin),
		auth.WithRefreshTimeout(refreshTokenTimeout),
		auth.WithPersistHook(func(err error) {
			if err != nil {
				d.TokenSaveFailed(err)
				return
			}
			d.TokenSaved(files.Path())
		}),
	)

	return &session{cfg: cfg, d: d, files: files, store: store}, nil
}

// login runs the interactive authorization-code flow.
func (s *session) login(ctx context.Context) (*auth.TokenSet, error) {
	flow := oauth.NewFlow(oauth.FlowConfig{
		ClientID:    s.cfg.ClientID,
		Scopes:      s.cfg.Scopes,
		RedirectURI: s.cfg.RedirectURI,
		AuthURL:     s.cfg.AuthURL,
		Timeout:     s.cfg.CallbackTimeout,
		Open:        s.openBrowser,
	}, s.store, s.d)

	ts, err := flow.Run(ctx)
	if err != nil {
		return nil, err
	}
	s.d.AuthSuccess()
	return ts, nil
}

// ensureToken returns a usable access token: the persisted one, a refreshed
// one, or one from a new login when none exists or the refresh token was
// rejected.
func (s *session) ensureToken(ctx context.Context) (string, error) {
	found, err := s.store.Load()
	if err != nil {
		log.Warnf("ignoring unreadable token file: %v", err)
	}

	if !found {
		s.d.TokensNotFound()
		if s.noLogin {
			return "", &auth.AuthError{Kind: auth.ErrNoToken}
		}
		ts, err := s.login(ctx)
		if err != nil {
			return "", err
		}
		return ts.AccessToken, nil
	}

	s.d.TokensFound()
	needsRefresh := time.Until(s.store.Status().ExpiresAt) <= s.cfg.RefreshMargin
	if needsRefresh {
		s.d.TokenExpired()
		s.d.Refreshing()
	} else {
		s.d.TokenValid()
	}

	token, err := s.store.ValidToken(ctx)
	switch {
	case err == nil:
		if needsRefresh {
			s.d.RefreshOK()
		}
		return token, nil

	case auth.IsReauthorizationRequired(err):
		s.d.RefreshFailed(err)
		if s.noLogin {
			return "", err
		}
		s.d.ReAuthRequired()
		ts, err := s.login(ctx)
		if err != nil {
			return "", err
		}
		return ts.AccessToken, nil

	default:
		s.d.RefreshFailed(err)
		return "", err
	}
}

// call performs one authenticated API request. When the refresh token turns
// out to be rejected mid-call, it logs in again and repeats the call once.
func (s *session) call(ctx context.Context, method, path string, body []byte, opts ...apiclient.Option) ([]byte, error) {
	if _, err := s.ensureToken(ctx); err != nil {
		return nil, err
	}

	opts = append([]apiclient.Option{
		apiclient.WithBaseURL(s.cfg.APIURL),
		apiclient.WithSubscriptionKey(s.cfg.SubscriptionKey),
		apiclient.WithRateLimit(s.cfg.RateLimit),
		apiclient.WithObserver(s.d),
	}, opts...)
	client, err := apiclient.New(s.store, opts...)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()

	s.d.Calling(method, path)
	resp, err := client.Call(callCtx, method, path, body)
	if err != nil && auth.IsReauthorizationRequired(err) && !s.noLogin {
		s.d.ReAuthRequired()
		if _, loginErr := s.login(ctx); loginErr != nil {
			return nil, loginErr
		}
		s.d.TokenRefreshedRetrying()

		retryCtx, retryCancel := context.WithTimeout(ctx, apiCallTimeout)
		defer retryCancel()
		resp, err = client.Call(retryCtx, method, path, body)
	}
	if err != nil {
		s.d.APICallFailed(err)
		return nil, err
	}

	s.d.APICallOK(previewBody(resp))
	return resp, nil
}

// done shows the summary panel for the current token.
func (s *session) done() {
	ts := s.store.Snapshot()
	if ts == nil {
		return
	}
	s.d.Done(tokenPreview(ts.AccessToken), ts.TokenType, time.Until(ts.ExpiresAt).Round(time.Second))
}

// tokenPreview returns a short prefix of token for display.
func tokenPreview(token string) string {
	if len(token) > 12 {
		return token[:12]
	}
	return token
}

func previewBody(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// describeStatus renders the store status for the status command.
func describeStatus(st auth.Status, path string, now time.Time) string {
	msg := fmt.Sprintf("Token file: %s\nState: %s\n", path, st.State)
	if st.State == auth.StateUnauthenticated {
		if st.ReauthRequired {
			msg += "Reauthorization required: run `smarther login`\n"
		} else {
			msg += "Not logged in: run `smarther login`\n"
		}
		return msg
	}

	remaining := st.ExpiresAt.Sub(now).Round(time.Second)
	if remaining > 0 {
		msg += fmt.Sprintf("Expires: %s (in %s)\n", st.ExpiresAt.Format(time.RFC3339), remaining)
	} else {
		msg += fmt.Sprintf("Expires: %s (expired %s ago)\n", st.ExpiresAt.Format(time.RFC3339), -remaining)
	}
	msg += fmt.Sprintf("Token type: %s\nRefresh token: %t\n", st.TokenType, st.HasRefreshToken)
	return msg
}
