package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all user-facing output from the login flow and
// authenticated API calls. It satisfies oauth.Notifier and apiclient.Observer.
type Displayer interface {
	Banner()
	TokensFound()
	TokenValid()
	TokenExpired()
	TokensNotFound()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	AuthorizationURLReady(url string, browserErr error)
	WaitingForCallback(deadline time.Time)
	CallbackReceived()
	AuthSuccess()
	TokenSaved(path string)
	TokenSaveFailed(err error)
	Calling(method, path string)
	APICallOK(body string)
	APICallFailed(err error)
	AccessTokenRejected()
	TokenRefreshedRetrying()
	ReAuthRequired()
	Done(preview, tokenType string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a terminal or --plain is set.
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Smarther OAuth Login ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) TokensFound() {
	fmt.Fprintln(p.w, "Loaded saved Smarther credentials.")
}

func (p *PlainDisplayer) TokenValid() {
	fmt.Fprintln(p.w, "Access token valid, no refresh needed.")
}

func (p *PlainDisplayer) TokenExpired() {
	fmt.Fprintln(p.w, "Access token expired or about to expire, refreshing...")
}

func (p *PlainDisplayer) TokensNotFound() {
	fmt.Fprintln(p.w, "No existing tokens found, starting authorization...")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Contacting the token endpoint...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "New access token issued.")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Could not refresh the access token: %v\n", err)
}

func (p *PlainDisplayer) AuthorizationURLReady(url string, browserErr error) {
	fmt.Fprintln(p.w, "----------------------------------------")
	if browserErr != nil {
		fmt.Fprintf(p.w, "Could not open a browser (%v).\n", browserErr)
		fmt.Fprintf(p.w, "Please open this link to authorize:\n%s\n", url)
	} else {
		fmt.Fprintln(p.w, "Your browser has been opened to authorize.")
		fmt.Fprintf(p.w, "If it did not open, visit:\n%s\n", url)
	}
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) WaitingForCallback(deadline time.Time) {
	fmt.Fprintf(p.w, "Waiting for authorization (until %s)...\n", deadline.Format(time.Kitchen))
}

func (p *PlainDisplayer) CallbackReceived() {
	fmt.Fprintln(p.w, "Authorization code received, exchanging...")
}

func (p *PlainDisplayer) AuthSuccess() {
	fmt.Fprintln(p.w, "\nSmarther access granted.")
}

func (p *PlainDisplayer) TokenSaved(path string) {
	fmt.Fprintf(p.w, "Credentials written to %s\n", path)
}

func (p *PlainDisplayer) TokenSaveFailed(err error) {
	fmt.Fprintf(p.w, "Warning: credentials were not written to disk: %v\n", err)
}

func (p *PlainDisplayer) Calling(method, path string) {
	fmt.Fprintf(p.w, "\n%s %s\n", method, path)
}

func (p *PlainDisplayer) APICallOK(body string) {
	fmt.Fprintln(p.w, "Smarther API responded OK.")
	if body != "" {
		fmt.Fprintln(p.w, body)
	}
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "Smarther API request failed: %v\n", err)
}

func (p *PlainDisplayer) AccessTokenRejected() {
	fmt.Fprintln(p.w, "Smarther API returned 401, forcing a token refresh...")
}

func (p *PlainDisplayer) TokenRefreshedRetrying() {
	fmt.Fprintln(p.w, "Repeating the request with the new token...")
}

func (p *PlainDisplayer) ReAuthRequired() {
	fmt.Fprintln(p.w, "Refresh token rejected, re-authorizing...")
}

func (p *PlainDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	fmt.Fprintf(p.w, "\nsession: %s token %s... valid for %s\n", tokenType, preview, expiresIn.Round(time.Second))
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "smarther: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests and quiet commands.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                 {}
func (NoopDisplayer) TokensFound()                            {}
func (NoopDisplayer) TokenValid()                             {}
func (NoopDisplayer) TokenExpired()                           {}
func (NoopDisplayer) TokensNotFound()                         {}
func (NoopDisplayer) Refreshing()                             {}
func (NoopDisplayer) RefreshOK()                              {}
func (NoopDisplayer) RefreshFailed(_ error)                   {}
func (NoopDisplayer) AuthorizationURLReady(_ string, _ error) {}
func (NoopDisplayer) WaitingForCallback(_ time.Time)          {}
func (NoopDisplayer) CallbackReceived()                       {}
func (NoopDisplayer) AuthSuccess()                            {}
func (NoopDisplayer) TokenSaved(_ string)                     {}
func (NoopDisplayer) TokenSaveFailed(_ error)                 {}
func (NoopDisplayer) Calling(_, _ string)                     {}
func (NoopDisplayer) APICallOK(_ string)                      {}
func (NoopDisplayer) APICallFailed(_ error)                   {}
func (NoopDisplayer) AccessTokenRejected()                    {}
func (NoopDisplayer) TokenRefreshedRetrying()                 {}
func (NoopDisplayer) ReAuthRequired()                         {}
func (NoopDisplayer) Done(_, _ string, _ time.Duration)       {}
func (NoopDisplayer) Fatal(_ error)                           {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) TokensFound() {
	t.p.Send(MsgTokensFound{})
}

func (t *ProgramDisplayer) TokenValid() {
	t.p.Send(MsgTokenValid{})
}

func (t *ProgramDisplayer) TokenExpired() {
	t.p.Send(MsgTokenExpired{})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) AuthorizationURLReady(url string, browserErr error) {
	t.p.Send(MsgAuthorizationURLReady{URL: url, BrowserErr: browserErr})
}

func (t *ProgramDisplayer) WaitingForCallback(deadline time.Time) {
	t.p.Send(MsgWaitingForCallback{Deadline: deadline})
}

func (t *ProgramDisplayer) CallbackReceived() {
	t.p.Send(MsgCallbackReceived{})
}

func (t *ProgramDisplayer) AuthSuccess() {
	t.p.Send(MsgAuthSuccess{})
}

func (t *ProgramDisplayer) TokenSaved(path string) {
	t.p.Send(MsgTokenSaved{Path: path})
}

func (t *ProgramDisplayer) TokenSaveFailed(err error) {
	t.p.Send(MsgTokenSaveFailed{Err: err})
}

func (t *ProgramDisplayer) Calling(method, path string) {
	t.p.Send(MsgCalling{Method: method, Path: path})
}

func (t *ProgramDisplayer) APICallOK(body string) {
	t.p.Send(MsgAPICallOK{Body: body})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) AccessTokenRejected() {
	t.p.Send(MsgAccessTokenRejected{})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying() {
	t.p.Send(MsgTokenRefreshedRetrying{})
}

func (t *ProgramDisplayer) ReAuthRequired() {
	t.p.Send(MsgReAuthRequired{})
}

func (t *ProgramDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, TokenType: tokenType, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
