package oauth

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-authgate/smarther-cli/internal/auth"
)

// CodeRedeemer trades an authorization code for tokens. *auth.Store
// satisfies it and installs the result.
type CodeRedeemer interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*auth.TokenSet, error)
}

// Notifier receives user-facing progress from a Flow.
type Notifier interface {
	// AuthorizationURLReady is called once the URL is built. browserErr is
	// non-nil when the browser could not be opened and the user must visit
	// the URL manually.
	AuthorizationURLReady(url string, browserErr error)
	WaitingForCallback(deadline time.Time)
	CallbackReceived()
}

type noopNotifier struct{}

func (noopNotifier) AuthorizationURLReady(string, error) {}
func (noopNotifier) WaitingForCallback(time.Time)        {}
func (noopNotifier) CallbackReceived()                   {}

// FlowConfig describes one interactive login.
type FlowConfig struct {
	ClientID    string
	Scopes      []string
	RedirectURI string
	AuthURL     string
	Timeout     time.Duration
	// Open overrides the browser opener, for tests and headless use.
	Open func(url string) error
}

// Flow runs the full authorization-code login: state nonce, local listener,
// browser launch, single callback and code exchange.
type Flow struct {
	cfg      FlowConfig
	redeemer CodeRedeemer
	notifier Notifier
}

// NewFlow returns a Flow that redeems codes through redeemer. A nil notifier
// discards progress.
func NewFlow(cfg FlowConfig, redeemer CodeRedeemer, notifier Notifier) *Flow {
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallbackTimeout
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Flow{cfg: cfg, redeemer: redeemer, notifier: notifier}
}

// Run performs the login and returns the installed tokens. Failures before
// a code is obtained are *FlowError; exchange failures come from the redeemer.
func (f *Flow) Run(ctx context.Context) (*auth.TokenSet, error) {
	state, err := NewState()
	if err != nil {
		return nil, err
	}

	listener, err := Listen(f.cfg.RedirectURI, state)
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	redirectURI := listener.RedirectURI()
	launcher := &Launcher{AuthURL: f.cfg.AuthURL, Open: f.cfg.Open}
	authURL, browserErr := launcher.Launch(AuthorizationRequest{
		ClientID:    f.cfg.ClientID,
		RedirectURI: redirectURI,
		Scopes:      f.cfg.Scopes,
		State:       state,
	})
	f.notifier.AuthorizationURLReady(authURL, browserErr)
	f.notifier.WaitingForCallback(time.Now().Add(f.cfg.Timeout))

	result, err := listener.Wait(ctx, f.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case OutcomeTimedOut:
		return nil, flowErrorf(ErrTimedOut, "no callback within %s", f.cfg.Timeout)
	case OutcomeDenied:
		fe := &FlowError{Kind: ErrDenied, Reason: result.ErrorReason}
		if result.ErrorDescription != "" {
			fe.Reason += " (" + result.ErrorDescription + ")"
		}
		return nil, fe
	}

	f.notifier.CallbackReceived()
	log.Debug("exchanging authorization code")
	return f.redeemer.ExchangeCode(ctx, result.Code, redirectURI)
}
