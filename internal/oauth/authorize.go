// Package oauth implements the OAuth2 authorization-code flow against the
// Legrand partner login: state nonces, the authorization URL, the local
// redirect listener and the token endpoint exchanges.
package oauth

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Vendor endpoints.
const (
	DefaultAuthURL  = "https://partners-login.eliotbylegrand.com/authorize"
	DefaultTokenURL = "https://partners-login.eliotbylegrand.com/token"
)

// AuthorizationRequest is the set of parameters sent to the authorization
// endpoint for one flow invocation.
type AuthorizationRequest struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
	State       string
}

// URL builds the browser URL for r against authURL. Parameters are
// percent-encoded and response_type is always "code".
func (r AuthorizationRequest) URL(authURL string) string {
	cfg := oauth2.Config{
		ClientID:    r.ClientID,
		RedirectURL: r.RedirectURI,
		Scopes:      r.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: authURL},
	}
	return cfg.AuthCodeURL(r.State)
}

// ParseScopes splits a space or comma separated scope list.
func ParseScopes(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

// Launcher sends the user to the authorization endpoint.
type Launcher struct {
	AuthURL string
	// Open opens a URL in the user's browser. Defaults to OpenURL.
	Open func(url string) error
}

// Launch builds the authorization URL for req and tries to open it. The URL
// is always returned; a browser error is informational and the caller should
// show the URL so the user can open it manually.
func (l *Launcher) Launch(req AuthorizationRequest) (string, error) {
	authURL := l.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	u := req.URL(authURL)

	open := l.Open
	if open == nil {
		open = OpenURL
	}
	if err := open(u); err != nil {
		log.Debugf("could not open browser: %v", err)
		return u, err
	}
	return u, nil
}
