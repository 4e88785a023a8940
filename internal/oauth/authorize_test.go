package oauth

import (
	"errors"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizationRequest_URL(t *testing.T) {
	req := AuthorizationRequest{
		ClientID:    "client-1",
		RedirectURI: "http://localhost:23784/tokens",
		Scopes:      []string{"comfort.read", "comfort.write"},
		State:       "s t&ate",
	}

	raw := req.URL("https://login.example.com/authorize")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "login.example.com", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "http://localhost:23784/tokens", q.Get("redirect_uri"))
	assert.Equal(t, "comfort.read comfort.write", q.Get("scope"))
	assert.Equal(t, "s t&ate", q.Get("state"))
	assert.NotContains(t, raw, "s t&ate", "state must be percent-encoded")
}

func TestParseScopes(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"comfort.read", []string{"comfort.read"}},
		{"comfort.read comfort.write", []string{"comfort.read", "comfort.write"}},
		{"comfort.read,comfort.write", []string{"comfort.read", "comfort.write"}},
		{" a,, b ", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseScopes(tt.in)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLauncher_Launch(t *testing.T) {
	var opened string
	l := &Launcher{
		AuthURL: "https://login.example.com/authorize",
		Open: func(u string) error {
			opened = u
			return nil
		},
	}

	u, err := l.Launch(AuthorizationRequest{ClientID: "c", RedirectURI: "http://localhost/cb", State: "s"})
	require.NoError(t, err)
	assert.Equal(t, u, opened)
}

func TestLauncher_LaunchReturnsURLOnBrowserError(t *testing.T) {
	l := &Launcher{Open: func(string) error { return errors.New("headless") }}

	u, err := l.Launch(AuthorizationRequest{ClientID: "c", RedirectURI: "http://localhost/cb", State: "s"})
	assert.Error(t, err)
	assert.Contains(t, u, DefaultAuthURL)
}

func TestNewState(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		s, err := NewState()
		require.NoError(t, err)
		_, err = uuid.Parse(s)
		require.NoError(t, err)
		assert.False(t, seen[s], "state must not repeat")
		seen[s] = true
	}
}

func TestFlowError(t *testing.T) {
	cause := errors.New("boom")
	err := &FlowError{Kind: ErrListenerBind, Reason: "127.0.0.1:23784", Err: cause}

	assert.ErrorIs(t, err, ErrListenerBind)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrDenied)
	assert.Equal(t, "failed to start callback listener: 127.0.0.1:23784: boom", err.Error())
}
