// Package auth owns the OAuth credential lifecycle: the current TokenSet,
// its persistence, and transparent, coalesced refresh before expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshMargin is how long before expiry a token is refreshed.
	DefaultRefreshMargin = 60 * time.Second
	// DefaultRefreshTimeout bounds a single refresh exchange.
	DefaultRefreshTimeout = 10 * time.Second

	refreshKey = "refresh"
)

// Exchanger performs the two token-endpoint exchanges.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error)
	ExchangeRefresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// State is the Token Store lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateValid
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a point-in-time view of the store, safe to print.
type Status struct {
	State           State
	ExpiresAt       time.Time
	TokenType       string
	HasRefreshToken bool
	// ReauthRequired is set after the vendor rejected the refresh token.
	ReauthRequired bool
}

// Store holds the single TokenSet shared by every API caller.
//
// At most one refresh exchange is in flight at a time; concurrent callers
// that need a refresh wait for and share its outcome. The TokenSet is only
// ever replaced as a whole.
type Store struct {
	exchanger      Exchanger
	persister      Persister
	onPersist      func(error)
	margin         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	mu     sync.Mutex
	tokens *TokenSet
	state  State
	reauth bool
	// epoch increments whenever tokens are replaced outside a refresh, so an
	// in-flight refresh can tell its result has been superseded.
	epoch uint64

	group singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithPersister saves every new TokenSet and clears it on reset.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithPersistHook is called after every save attempt with its result. It runs
// with the store locked and must not call back into the Store.
func WithPersistHook(fn func(err error)) Option {
	return func(s *Store) {
		s.onPersist = fn
	}
}

// WithRefreshMargin sets how long before expiry a refresh is triggered.
func WithRefreshMargin(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.margin = d
		}
	}
}

// WithRefreshTimeout bounds each refresh exchange.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.refreshTimeout = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an unauthenticated Store.
func NewStore(exchanger Exchanger, opts ...Option) *Store {
	s := &Store{
		exchanger:      exchanger,
		margin:         DefaultRefreshMargin,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		state:          StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load restores a persisted TokenSet. It reports whether one was found.
// An expired set is still loaded; the next ValidToken call refreshes it.
func (s *Store) Load() (bool, error) {
	if s.persister == nil {
		return false, nil
	}
	ts, err := s.persister.Load()
	if err != nil {
		return false, fmt.Errorf("failed to load tokens: %w", err)
	}
	if ts == nil || ts.AccessToken == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(ts)
	return true, nil
}

// ExchangeCode trades an authorization code for tokens and makes them current.
func (s *Store) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	ts, err := s.exchanger.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(ts)
	s.persist(ctx, ts)
	log.Debug("authorization code exchanged, store is valid")
	return ts.clone(), nil
}

// install must be called with mu held.
func (s *Store) install(ts *TokenSet) {
	s.tokens = ts
	s.state = StateValid
	s.reauth = false
	s.epoch++
}

// persist must be called with mu held. Persistence failures are not fatal:
// the in-memory set stays authoritative for this process.
func (s *Store) persist(ctx context.Context, ts *TokenSet) {
	if s.persister == nil {
		return
	}
	err := s.persister.Save(ctx, ts)
	if err != nil {
		log.Warnf("failed to persist tokens: %v", err)
	}
	if s.onPersist != nil {
		s.onPersist(err)
	}
}

// ValidToken returns an access token that is not within the refresh margin
// of expiry, refreshing it first when necessary.
func (s *Store) ValidToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.tokens == nil {
		err := s.unauthenticatedErr()
		s.mu.Unlock()
		return "", err
	}
	if s.state == StateValid && !s.tokens.expiresWithin(s.now(), s.margin) {
		token := s.tokens.AccessToken
		s.mu.Unlock()
		return token, nil
	}
	stale := s.tokens.AccessToken
	s.mu.Unlock()

	return s.refresh(ctx, stale, false)
}

// ForceRefresh refreshes even if the store believes the token is still
// valid. rejected is the access token the API refused; if the store has
// already moved past it, the current token is returned without a new exchange.
func (s *Store) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	s.mu.Lock()
	if s.tokens == nil {
		err := s.unauthenticatedErr()
		s.mu.Unlock()
		return "", err
	}
	if s.state == StateValid && s.tokens.AccessToken != rejected {
		token := s.tokens.AccessToken
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	return s.refresh(ctx, rejected, true)
}

// refresh joins or starts the single in-flight refresh exchange. The
// exchange itself is detached from ctx so one caller giving up does not fail
// the others; ctx only bounds how long this caller waits.
func (s *Store) refresh(ctx context.Context, stale string, force bool) (string, error) {
	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return s.doRefresh(context.WithoutCancel(ctx), stale, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Store) doRefresh(ctx context.Context, stale string, force bool) (string, error) {
	s.mu.Lock()
	if s.tokens == nil {
		err := s.unauthenticatedErr()
		s.mu.Unlock()
		return "", err
	}
	// Another flight may have completed between the caller's check and ours.
	if s.tokens.AccessToken != stale && !s.tokens.expiresWithin(s.now(), s.margin) {
		token := s.tokens.AccessToken
		s.mu.Unlock()
		return token, nil
	}
	if !force && !s.tokens.expiresWithin(s.now(), s.margin) {
		token := s.tokens.AccessToken
		s.mu.Unlock()
		return token, nil
	}

	old := s.tokens
	epoch := s.epoch
	s.state = StateRefreshing
	s.mu.Unlock()

	log.Debugf("refreshing access token (expires %s)", old.ExpiresAt.Format(time.RFC3339))

	rctx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()
	fresh, err := s.exchanger.ExchangeRefresh(rctx, old.RefreshToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		// Reset or a new login happened while we were refreshing.
		if s.tokens == nil {
			return "", s.unauthenticatedErr()
		}
		return s.tokens.AccessToken, nil
	}

	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			log.Warnf("refresh token rejected, reauthorization required: %v", err)
			s.tokens = nil
			s.state = StateUnauthenticated
			s.reauth = true
			s.epoch++
			if s.persister != nil {
				if clearErr := s.persister.Clear(ctx); clearErr != nil {
					log.Warnf("failed to clear persisted tokens: %v", clearErr)
				}
			}
			return "", &AuthError{Kind: ErrReauthorizationRequired, Err: err}
		}

		log.Warnf("token refresh failed, keeping current token: %v", err)
		s.state = StateValid
		return "", &AuthError{Kind: ErrRefreshFailed, Err: err}
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	s.tokens = fresh
	s.state = StateValid
	s.persist(ctx, fresh)
	log.Debugf("access token refreshed, expires %s", fresh.ExpiresAt.Format(time.RFC3339))
	return fresh.AccessToken, nil
}

// unauthenticatedErr must be called with mu held.
func (s *Store) unauthenticatedErr() error {
	if s.reauth {
		return &AuthError{Kind: ErrReauthorizationRequired}
	}
	return &AuthError{Kind: ErrNoToken}
}

// Status returns the current state without triggering a refresh.
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state, ReauthRequired: s.reauth}
	if s.tokens != nil {
		st.ExpiresAt = s.tokens.ExpiresAt
		st.TokenType = s.tokens.TokenType
		st.HasRefreshToken = s.tokens.RefreshToken != ""
	}
	return st
}

// Snapshot returns a copy of the current TokenSet, or nil.
func (s *Store) Snapshot() *TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens.clone()
}

// Reset discards the current tokens (logout) and clears persisted state.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = nil
	s.state = StateUnauthenticated
	s.reauth = false
	s.epoch++

	if s.persister != nil {
		if err := s.persister.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear persisted tokens: %w", err)
		}
	}
	return nil
}
