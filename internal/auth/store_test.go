package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchanger is a deterministic Exchanger. refreshFn decides each refresh
// outcome; gate, when non-nil, blocks refreshes until closed.
type fakeExchanger struct {
	codeCalls    atomic.Int32
	refreshCalls atomic.Int32

	codeFn    func(code, redirectURI string) (*TokenSet, error)
	refreshFn func(refreshToken string) (*TokenSet, error)
	gate      chan struct{}
	entered   chan struct{}
}

func (f *fakeExchanger) ExchangeCode(_ context.Context, code, redirectURI string) (*TokenSet, error) {
	f.codeCalls.Add(1)
	return f.codeFn(code, redirectURI)
}

func (f *fakeExchanger) ExchangeRefresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	f.refreshCalls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.refreshFn(refreshToken)
}

type memPersister struct {
	mu      sync.Mutex
	saved   *TokenSet
	saves   int
	cleared int
}

func (m *memPersister) Load() (*TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved.clone(), nil
}

func (m *memPersister) Save(_ context.Context, ts *TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = ts.clone()
	m.saves++
	return nil
}

func (m *memPersister) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = nil
	m.cleared++
	return nil
}

// setTokens installs ts as if a login had just completed.
func (s *Store) setTokens(ts *TokenSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(ts.clone())
	s.persist(context.Background(), s.tokens)
}

func tokenSet(access, refresh string, expiresAt time.Time) *TokenSet {
	return &TokenSet{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer", ExpiresAt: expiresAt}
}

func invalidGrant() error {
	return &ExchangeError{Kind: ErrInvalidGrant, Grant: "refresh_token", StatusCode: 400, Code: "invalid_grant"}
}

func TestStore_CodeExchangeThenValidToken(t *testing.T) {
	now := time.Now()
	ex := &fakeExchanger{
		codeFn: func(code, redirectURI string) (*TokenSet, error) {
			assert.Equal(t, "abc123", code)
			assert.Equal(t, "http://localhost:23784/tokens", redirectURI)
			return tokenSet("tok1", "ref1", now.Add(3600*time.Second)), nil
		},
	}
	store := NewStore(ex, WithClock(func() time.Time { return now }))

	_, err := store.ExchangeCode(context.Background(), "abc123", "http://localhost:23784/tokens")
	require.NoError(t, err)

	token, err := store.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok1", token)
	assert.Equal(t, int32(1), ex.codeCalls.Load())
	assert.Equal(t, int32(0), ex.refreshCalls.Load())
}

func TestStore_ValidTokenIsIdempotent(t *testing.T) {
	ex := &fakeExchanger{}
	store := NewStore(ex)
	store.setTokens(tokenSet("tok1", "ref1", time.Now().Add(time.Hour)))

	first, err := store.ValidToken(context.Background())
	require.NoError(t, err)
	second, err := store.ValidToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(0), ex.refreshCalls.Load())
}

func TestStore_NoTokenBeforeAuthorization(t *testing.T) {
	store := NewStore(&fakeExchanger{})

	_, err := store.ValidToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoToken)
	assert.True(t, IsReauthorizationRequired(err))
	assert.Equal(t, StateUnauthenticated, store.Status().State)
}

func TestStore_RefreshWithinMargin(t *testing.T) {
	now := time.Now()
	ex := &fakeExchanger{
		refreshFn: func(refreshToken string) (*TokenSet, error) {
			assert.Equal(t, "ref1", refreshToken)
			return tokenSet("tok2", "ref2", now.Add(time.Hour)), nil
		},
	}
	persister := &memPersister{}
	store := NewStore(ex,
		WithClock(func() time.Time { return now }),
		WithRefreshMargin(time.Minute),
		WithPersister(persister),
	)
	store.setTokens(tokenSet("tok1", "ref1", now.Add(30*time.Second)))

	token, err := store.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok2", token)
	assert.Equal(t, int32(1), ex.refreshCalls.Load())
	assert.Equal(t, StateValid, store.Status().State)

	saved, err := persister.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok2", saved.AccessToken)
	assert.Equal(t, "ref2", saved.RefreshToken)
}

func TestStore_RefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	ex := &fakeExchanger{
		refreshFn: func(string) (*TokenSet, error) {
			return tokenSet("tok2", "", time.Now().Add(time.Hour)), nil
		},
	}
	store := NewStore(ex)
	store.setTokens(tokenSet("tok1", "ref1", time.Now().Add(-time.Second)))

	_, err := store.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ref1", store.Snapshot().RefreshToken)
}

func TestStore_InvalidGrantRequiresReauthorization(t *testing.T) {
	ex := &fakeExchanger{
		refreshFn: func(refreshToken string) (*TokenSet, error) {
			assert.Equal(t, "ref1", refreshToken)
			return nil, invalidGrant()
		},
	}
	persister := &memPersister{}
	store := NewStore(ex, WithPersister(persister))
	store.setTokens(tokenSet("tok1", "ref1", time.Now().Add(-time.Second)))

	_, err := store.ValidToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.Equal(t, StateUnauthenticated, store.Status().State)
	assert.True(t, store.Status().ReauthRequired)
	assert.Equal(t, 1, persister.cleared)

	// Stays unauthenticated without touching the network again.
	_, err = store.ValidToken(context.Background())
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
	assert.Equal(t, int32(1), ex.refreshCalls.Load())

	// A new authorization flow recovers.
	ex.codeFn = func(string, string) (*TokenSet, error) {
		return tokenSet("tok3", "ref3", time.Now().Add(time.Hour)), nil
	}
	_, err = store.ExchangeCode(context.Background(), "code", "http://localhost/cb")
	require.NoError(t, err)
	token, err := store.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok3", token)
	assert.False(t, store.Status().ReauthRequired)
}

func TestStore_TransientFailureKeepsOldTokens(t *testing.T) {
	for _, kind := range []error{ErrNetwork, ErrMalformed} {
		t.Run(kind.Error(), func(t *testing.T) {
			ex := &fakeExchanger{
				refreshFn: func(string) (*TokenSet, error) {
					return nil, &ExchangeError{Kind: kind, Grant: "refresh_token"}
				},
			}
			store := NewStore(ex)
			old := tokenSet("tok1", "ref1", time.Now().Add(10*time.Second))
			store.setTokens(old)

			_, err := store.ValidToken(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRefreshFailed)
			assert.ErrorIs(t, err, kind)

			assert.Equal(t, StateValid, store.Status().State)
			assert.Equal(t, old, store.Snapshot())
		})
	}
}

func TestStore_ConcurrentRefreshIsCoalesced(t *testing.T) {
	const callers = 20

	ex := &fakeExchanger{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, callers),
		refreshFn: func(string) (*TokenSet, error) {
			return tokenSet("tok2", "ref2", time.Now().Add(time.Hour)), nil
		},
	}
	store := NewStore(ex)
	store.setTokens(tokenSet("tok1", "ref1", time.Now().Add(-time.Second)))

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.ValidToken(context.Background())
		}(i)
	}

	<-ex.entered
	assert.Eventually(t, func() bool {
		return store.Status().State == StateRefreshing
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(ex.gate)
	wg.Wait()

	assert.Equal(t, int32(1), ex.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok2", results[i])
	}
}

func TestStore_ConcurrentRefreshSharesFailure(t *testing.T) {
	const callers = 10

	ex := &fakeExchanger{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, callers),
		refreshFn: func(string) (*TokenSet, error) {
			return nil, invalidGrant()
		},
	}
	store := NewStore(ex)
	store.setTokens(tokenSet("tok1", "ref1", time.Now().Add(-time.Second)))

	var wg sync.WaitGroup
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.ValidToken(context.Background())
		}(i)
	}

	<-ex.entered
	time.Sleep(50 * time.Millisecond)
	close(ex.gate)
	wg.Wait()

	assert.Equal(t, int32(1), ex.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], ErrReauthorizationRequired)
	}
}

func TestStore_WaiterCancellationDoesNotAbortRefresh(t *testing.T) {
	ex := &fakeExchanger{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 2),
		refreshFn: func(string) (*TokenSet, error) {
			return tokenSet("tok2", "ref2", time.Now().Add(time.Hour)), nil
		},
	}
	store := NewStore(ex)
	store.setTokens(tokenSet("tok1", "ref1", time.Now().Add(-time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := store.ValidToken(ctx)
		errCh <- err
	}()

	<-ex.entered
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(ex.gate)
	assert.Eventually(t, func() bool {
		return store.Status().State == StateValid
	}, time.Second, 5*time.Millisecond)

	token, err := store.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok2", token)
	assert.Equal(t, int32(1), ex.refreshCalls.Load())
}

func TestStore_ForceRefresh(t *testing.T) {
	ex := &fakeExchanger{
		refreshFn: func(string) (*TokenSet, error) {
			return tokenSet("tok2", "ref2", time.Now().Add(time.Hour)), nil
		},
	}
	store := NewStore(ex)
	store.setTokens(tokenSet("tok1", "ref1", time.Now().Add(time.Hour)))

	token, err := store.ForceRefresh(context.Background(), "tok1")
	require.NoError(t, err)
	assert.Equal(t, "tok2", token)
	assert.Equal(t, int32(1), ex.refreshCalls.Load())

	// A late caller still holding tok1 gets tok2 without another exchange.
	token, err = store.ForceRefresh(context.Background(), "tok1")
	require.NoError(t, err)
	assert.Equal(t, "tok2", token)
	assert.Equal(t, int32(1), ex.refreshCalls.Load())
}

func TestStore_ResetDuringRefreshWins(t *testing.T) {
	ex := &fakeExchanger{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
		refreshFn: func(string) (*TokenSet, error) {
			return tokenSet("tok2", "ref2", time.Now().Add(time.Hour)), nil
		},
	}
	store := NewStore(ex)
	store.setTokens(tokenSet("tok1", "ref1", time.Now().Add(-time.Second)))

	errCh := make(chan error, 1)
	go func() {
		_, err := store.ValidToken(context.Background())
		errCh <- err
	}()

	<-ex.entered
	require.NoError(t, store.Reset(context.Background()))
	close(ex.gate)

	assert.ErrorIs(t, <-errCh, ErrNoToken)
	assert.Nil(t, store.Snapshot())
	assert.Equal(t, StateUnauthenticated, store.Status().State)
}

func TestStore_LoadFromPersister(t *testing.T) {
	persister := &memPersister{saved: tokenSet("tok1", "ref1", time.Now().Add(time.Hour))}
	store := NewStore(&fakeExchanger{}, WithPersister(persister))

	found, err := store.Load()
	require.NoError(t, err)
	assert.True(t, found)

	token, err := store.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok1", token)
}

func TestAuthError_Is(t *testing.T) {
	cause := invalidGrant()
	err := &AuthError{Kind: ErrReauthorizationRequired, Err: cause}

	assert.True(t, errors.Is(err, ErrReauthorizationRequired))
	assert.True(t, errors.Is(err, ErrInvalidGrant))
	assert.False(t, errors.Is(err, ErrRefreshFailed))

	var exErr *ExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, 400, exErr.StatusCode)
	assert.Contains(t, err.Error(), "invalid_grant")
}

type failingPersister struct{ memPersister }

func (f *failingPersister) Save(context.Context, *TokenSet) error { return errors.New("disk full") }

func TestStore_PersistHookReportsSaveResult(t *testing.T) {
	var results []error
	store := NewStore(&fakeExchanger{}, WithPersister(&memPersister{}), WithPersistHook(func(err error) {
		results = append(results, err)
	}))
	store.setTokens(tokenSet("tok1", "ref1", time.Now().Add(time.Hour)))
	require.Len(t, results, 1)
	assert.NoError(t, results[0])

	results = nil
	failing := NewStore(&fakeExchanger{}, WithPersister(&failingPersister{}), WithPersistHook(func(err error) {
		results = append(results, err)
	}))
	failing.setTokens(tokenSet("tok1", "ref1", time.Now().Add(time.Hour)))
	require.Len(t, results, 1)
	assert.EqualError(t, results[0], "disk full")

	token, err := failing.ValidToken(context.Background())
	require.NoError(t, err, "a failed save leaves the in-memory tokens usable")
	assert.Equal(t, "tok1", token)
}
