package oauth

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultRedirectURI is the redirect registered for the Smarther partner app.
	DefaultRedirectURI = "http://localhost:23784/tokens"
	// DefaultCallbackTimeout is how long the user has to complete the login.
	DefaultCallbackTimeout = 5 * time.Minute

	shutdownTimeout = 5 * time.Second
)

var (
	//go:embed templates/callback_success.html
	callbackSuccessHTML string
	//go:embed templates/callback_error.html
	callbackErrorHTML string

	successTmpl = template.Must(template.New("success").Parse(callbackSuccessHTML))
	errorTmpl   = template.Must(template.New("error").Parse(callbackErrorHTML))
)

// Outcome is the kind of completion delivered by a Listener.
type Outcome int

const (
	OutcomeGranted Outcome = iota + 1
	OutcomeDenied
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGranted:
		return "granted"
	case OutcomeDenied:
		return "denied"
	case OutcomeTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// CallbackResult is the single completion event of an authorization flow.
// Code and State are set for OutcomeGranted, ErrorReason for OutcomeDenied.
type CallbackResult struct {
	Outcome          Outcome
	Code             string
	State            string
	ErrorReason      string
	ErrorDescription string
}

// Listener is a one-shot local HTTP endpoint for the authorization redirect.
// The first request on the callback path completes it; every later request
// is answered with "already completed". The port is released by Wait or Close.
type Listener struct {
	state    string
	redirect *url.URL
	path     string
	ln       net.Listener
	server   *http.Server

	claimed atomic.Bool
	done    chan struct{}
	result  *CallbackResult
	err     error

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the host and port of redirectURI and starts serving its path.
// Port 0 binds an ephemeral port; RedirectURI then reports the actual one.
func Listen(redirectURI, state string) (*Listener, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, &FlowError{Kind: ErrListenerBind, Reason: "invalid redirect URI", Err: err}
	}
	if u.Scheme != "http" {
		return nil, flowErrorf(ErrListenerBind, "redirect URI must use http, got %q", u.Scheme)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return nil, flowErrorf(ErrListenerBind, "redirect URI %q has no host", redirectURI)
	}
	if port == "" {
		port = "80"
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, &FlowError{Kind: ErrListenerBind, Reason: net.JoinHostPort(host, port), Err: err}
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		u.Host = net.JoinHostPort(host, fmt.Sprint(tcpAddr.Port))
	}

	l := &Listener{
		state:    state,
		redirect: u,
		ln:       ln,
		done:     make(chan struct{}),
	}

	l.path = u.Path
	if l.path == "" {
		l.path = "/"
	}

	l.server = &http.Server{
		Handler:           http.HandlerFunc(l.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.complete(nil, &FlowError{Kind: ErrListenerBind, Reason: "callback server stopped", Err: err})
		}
	}()

	log.Debugf("callback listener bound on %s", ln.Addr())
	return l, nil
}

// RedirectURI returns the redirect URI this listener answers on.
func (l *Listener) RedirectURI() string {
	return l.redirect.String()
}

// Wait blocks until the callback arrives, timeout elapses or ctx is done,
// and always releases the listening port before returning.
//
// Granted, Denied and TimedOut are returned as a CallbackResult. A state
// mismatch, a cancelled ctx or a server failure are returned as a *FlowError.
func (l *Listener) Wait(ctx context.Context, timeout time.Duration) (*CallbackResult, error) {
	defer l.Close()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-l.done:
	case <-expired:
		l.complete(&CallbackResult{Outcome: OutcomeTimedOut}, nil)
	case <-ctx.Done():
		l.complete(nil, &FlowError{Kind: ErrFlowCanceled, Err: ctx.Err()})
	}

	// complete may have lost to a concurrent callback; done is closed either way.
	<-l.done
	return l.result, l.err
}

// Close shuts the server down and releases the port. It is safe to call more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		l.closeErr = l.server.Shutdown(ctx)
		log.Debug("callback listener closed")
	})
	return l.closeErr
}

// complete delivers the single completion event. It reports whether this call won.
func (l *Listener) complete(result *CallbackResult, err error) bool {
	if !l.claimed.CompareAndSwap(false, true) {
		return false
	}
	l.result, l.err = result, err
	close(l.done)
	return true
}

// serveHTTP answers GET on the exact redirect path; braces and other
// pattern syntax in the path are matched literally.
func (l *Listener) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != l.path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	l.handleCallback(w, r)
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	if l.claimed.Load() {
		alreadyCompleted(w)
		return
	}

	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	errParam := query.Get("error")
	errDesc := query.Get("error_description")

	if subtle.ConstantTimeCompare([]byte(state), []byte(l.state)) != 1 {
		log.Warnf("rejected authorization callback from %s: state mismatch", r.RemoteAddr)
		if !l.complete(nil, flowErrorf(ErrStateMismatch, "callback state does not match the authorization request")) {
			alreadyCompleted(w)
			return
		}
		renderError(w, http.StatusBadRequest, "The authorization response could not be verified, so the login was aborted.", "", "")
		return
	}

	if errParam != "" || code == "" {
		reason := errParam
		if reason == "" {
			reason = "missing_code"
			errDesc = "no authorization code in callback"
		}
		log.Warnf("authorization callback reported %s", reason)
		if !l.complete(&CallbackResult{
			Outcome:          OutcomeDenied,
			State:            state,
			ErrorReason:      reason,
			ErrorDescription: errDesc,
		}, nil) {
			alreadyCompleted(w)
			return
		}
		renderError(w, http.StatusForbidden, "Authorization was not granted.", reason, errDesc)
		return
	}

	if !l.complete(&CallbackResult{Outcome: OutcomeGranted, Code: code, State: state}, nil) {
		alreadyCompleted(w)
		return
	}
	log.Debug("authorization code received")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := successTmpl.Execute(w, nil); err != nil {
		log.Errorf("failed to write success page: %v", err)
	}
}

func alreadyCompleted(w http.ResponseWriter) {
	http.Error(w, "Authorization flow already completed", http.StatusConflict)
}

func renderError(w http.ResponseWriter, status int, message, code, description string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	data := map[string]string{
		"Message":     message,
		"Error":       code,
		"Description": description,
	}
	if err := errorTmpl.Execute(w, data); err != nil {
		log.Errorf("failed to write error page: %v", err)
	}
}
