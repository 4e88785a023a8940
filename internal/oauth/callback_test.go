package oauth

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testState = "3f1c2d8e-7a61-4b5e-9d0a-0123456789ab"

func listenEphemeral(t *testing.T) *Listener {
	t.Helper()
	l, err := Listen("http://127.0.0.1:0/tokens", testState)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func callbackURL(t *testing.T, l *Listener, params map[string]string) string {
	t.Helper()
	u, err := url.Parse(l.RedirectURI())
	require.NoError(t, err)
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func get(t *testing.T, rawURL string) (int, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestListen_RewritesEphemeralPort(t *testing.T) {
	l := listenEphemeral(t)

	u, err := url.Parse(l.RedirectURI())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", u.Hostname())
	assert.NotEqual(t, "0", u.Port())
	assert.Equal(t, "/tokens", u.Path)
}

func TestListen_RejectsHTTPS(t *testing.T) {
	_, err := Listen("https://127.0.0.1:0/tokens", testState)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListenerBind)
}

func TestListen_PortInUse(t *testing.T) {
	l := listenEphemeral(t)

	_, err := Listen(l.RedirectURI(), testState)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListenerBind)
}

func TestCallback_Granted(t *testing.T) {
	l := listenEphemeral(t)

	status, body := get(t, callbackURL(t, l, map[string]string{"code": "abc123", "state": testState}))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Authorized!")

	result, err := l.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, result.Outcome)
	assert.Equal(t, "abc123", result.Code)
	assert.Equal(t, testState, result.State)
}

func TestCallback_Denied(t *testing.T) {
	l := listenEphemeral(t)

	status, body := get(t, callbackURL(t, l, map[string]string{
		"error":             "access_denied",
		"error_description": "user said no",
		"state":             testState,
	}))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body, "access_denied")

	result, err := l.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, result.Outcome)
	assert.Equal(t, "access_denied", result.ErrorReason)
	assert.Equal(t, "user said no", result.ErrorDescription)
	assert.Empty(t, result.Code)
}

func TestCallback_MissingCode(t *testing.T) {
	l := listenEphemeral(t)

	status, _ := get(t, callbackURL(t, l, map[string]string{"state": testState}))
	assert.Equal(t, http.StatusForbidden, status)

	result, err := l.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, result.Outcome)
	assert.Equal(t, "missing_code", result.ErrorReason)
}

func TestCallback_StateMismatch(t *testing.T) {
	l := listenEphemeral(t)

	status, body := get(t, callbackURL(t, l, map[string]string{"code": "abc123", "state": "forged"}))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotContains(t, body, "abc123")

	result, err := l.Wait(context.Background(), time.Second)
	assert.Nil(t, result)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestCallback_OnlyFirstRequestCompletes(t *testing.T) {
	l := listenEphemeral(t)

	status, _ := get(t, callbackURL(t, l, map[string]string{"code": "first", "state": testState}))
	require.Equal(t, http.StatusOK, status)

	status, body := get(t, callbackURL(t, l, map[string]string{"code": "second", "state": testState}))
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, body, "already completed")

	result, err := l.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", result.Code)
}

func TestCallback_ConcurrentRequestsSingleCompletion(t *testing.T) {
	l := listenEphemeral(t)

	const n = 10
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(callbackURL(t, l, map[string]string{"code": "abc123", "state": testState}))
			if err != nil {
				return
			}
			_ = resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, s := range statuses {
		if s == http.StatusOK {
			ok++
		}
	}
	assert.Equal(t, 1, ok)

	result, err := l.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, result.Outcome)
}

func TestCallback_WrongPathNotFound(t *testing.T) {
	l := listenEphemeral(t)

	u, err := url.Parse(l.RedirectURI())
	require.NoError(t, err)
	u.Path = "/other"

	status, _ := get(t, u.String())
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, l.claimed.Load())
}

func TestCallback_PathWithBracesIsMatchedLiterally(t *testing.T) {
	l, err := Listen("http://127.0.0.1:0/cb/{id}", testState)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	u, err := url.Parse(l.RedirectURI())
	require.NoError(t, err)
	u.Path = "/cb/anything"
	status, _ := get(t, u.String())
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, l.claimed.Load())

	status, _ = get(t, callbackURL(t, l, map[string]string{"code": "abc123", "state": testState}))
	assert.Equal(t, http.StatusOK, status)

	result, err := l.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, result.Outcome)
	assert.Equal(t, "abc123", result.Code)
}

func TestCallback_PostNotAllowed(t *testing.T) {
	l := listenEphemeral(t)

	resp, err := http.Post(callbackURL(t, l, map[string]string{"code": "abc123", "state": testState}), "text/plain", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.False(t, l.claimed.Load())
}

func TestWait_TimeoutReleasesPort(t *testing.T) {
	l := listenEphemeral(t)
	addr := strings.TrimPrefix(l.RedirectURI(), "http://")
	addr = addr[:strings.Index(addr, "/")]

	start := time.Now()
	result, err := l.Wait(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, result.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err, "port should be free after Wait returns")
	_ = ln.Close()
}

func TestWait_ContextCanceled(t *testing.T) {
	l := listenEphemeral(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := l.Wait(ctx, time.Minute)
	assert.Nil(t, result)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlowCanceled)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = http.Get(callbackURL(t, l, map[string]string{"code": "late", "state": testState}))
	assert.Error(t, err, "listener should be closed")
}
