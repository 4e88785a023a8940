package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go-authgate/smarther-cli/internal/apiclient"
	"github.com/go-authgate/smarther-cli/internal/auth"
	"github.com/go-authgate/smarther-cli/internal/oauth"
)

// flagValues holds raw command line values. Empty means "not given".
type flagValues struct {
	clientID        string
	clientSecret    string
	subscriptionKey string
	authURL         string
	tokenURL        string
	apiURL          string
	redirectURI     string
	scope           string
	tokenFile       string
	callbackTimeout string
	refreshMargin   string
	rateLimit       string
	logFile         string
	debug           bool
}

// config is the resolved configuration for one invocation.
type config struct {
	ClientID        string
	ClientSecret    string
	SubscriptionKey string
	AuthURL         string
	TokenURL        string
	APIURL          string
	RedirectURI     string
	Scopes          []string
	TokenFile       string
	CallbackTimeout time.Duration
	RefreshMargin   time.Duration
	RateLimit       int
	LogFile         string
	Debug           bool
}

const defaultTokenFile = ".smarther-tokens.json"

// loadConfig resolves every setting with priority flag > env > default.
// Non-fatal problems are returned as warnings for the caller to print.
func loadConfig(f flagValues) (*config, []string, error) {
	cfg := &config{
		ClientID:        getConfig(f.clientID, "CLIENT_ID", ""),
		ClientSecret:    getConfig(f.clientSecret, "CLIENT_SECRET", ""),
		SubscriptionKey: getConfig(f.subscriptionKey, "SUBSCRIPTION_KEY", ""),
		AuthURL:         getConfig(f.authURL, "AUTH_URL", oauth.DefaultAuthURL),
		TokenURL:        getConfig(f.tokenURL, "TOKEN_URL", oauth.DefaultTokenURL),
		APIURL:          getConfig(f.apiURL, "API_URL", apiclient.DefaultBaseURL),
		RedirectURI:     getConfig(f.redirectURI, "REDIRECT_URI", oauth.DefaultRedirectURI),
		Scopes:          oauth.ParseScopes(getConfig(f.scope, "SCOPE", "")),
		TokenFile:       getConfig(f.tokenFile, "TOKEN_FILE", defaultTokenFile),
		LogFile:         getConfig(f.logFile, "LOG_FILE", ""),
		Debug:           f.debug,
	}

	if !cfg.Debug {
		if v := getEnv("DEBUG", ""); v != "" {
			debug, err := strconv.ParseBool(v)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid DEBUG: %w", err)
			}
			cfg.Debug = debug
		}
	}

	var err error
	cfg.CallbackTimeout, err = parseDuration(
		getConfig(f.callbackTimeout, "CALLBACK_TIMEOUT", oauth.DefaultCallbackTimeout.String()),
	)
	if err != nil || cfg.CallbackTimeout <= 0 {
		return nil, nil, fmt.Errorf("invalid callback timeout: must be a positive duration")
	}
	cfg.RefreshMargin, err = parseDuration(
		getConfig(f.refreshMargin, "REFRESH_MARGIN", auth.DefaultRefreshMargin.String()),
	)
	if err != nil || cfg.RefreshMargin < 0 {
		return nil, nil, fmt.Errorf("invalid refresh margin: must be a non-negative duration")
	}
	cfg.RateLimit, err = strconv.Atoi(getConfig(f.rateLimit, "RATE_LIMIT", strconv.Itoa(apiclient.DefaultRateLimit)))
	if err != nil || cfg.RateLimit < 0 {
		return nil, nil, fmt.Errorf("invalid rate limit: must be a non-negative integer")
	}

	if cfg.ClientID == "" {
		return nil, nil, errors.New(
			"CLIENT_ID not set, provide it via --client-id, the CLIENT_ID environment variable or a .env file",
		)
	}

	var warnings []string
	for _, u := range []struct{ name, value string }{
		{"AUTH_URL", cfg.AuthURL},
		{"TOKEN_URL", cfg.TokenURL},
		{"API_URL", cfg.APIURL},
	} {
		if err := validateServerURL(u.value); err != nil {
			return nil, nil, fmt.Errorf("invalid %s: %w", u.name, err)
		}
		if isPlainRemoteHTTP(u.value) {
			warnings = append(warnings, fmt.Sprintf(
				"%s uses HTTP instead of HTTPS. Tokens will be transmitted in plaintext!", u.name,
			))
		}
	}

	if err := validateRedirectURI(cfg.RedirectURI); err != nil {
		return nil, nil, fmt.Errorf("invalid REDIRECT_URI: %w", err)
	}

	if _, err := uuid.Parse(cfg.ClientID); err != nil {
		warnings = append(warnings, fmt.Sprintf(
			"CLIENT_ID doesn't appear to be a valid UUID: %s", cfg.ClientID,
		))
	}

	return cfg, warnings, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration accepts Go durations ("90s", "5m") or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// validateRedirectURI checks the redirect can be served by the local listener.
func validateRedirectURI(rawURL string) error {
	if err := validateServerURL(rawURL); err != nil {
		return err
	}
	u, _ := url.Parse(rawURL)
	if u.Scheme != "http" {
		return fmt.Errorf("redirect URI must use http for the local listener, got: %s", u.Scheme)
	}
	if !isLoopback(u.Hostname()) {
		return fmt.Errorf("redirect URI host must be loopback, got: %s", u.Hostname())
	}
	return nil
}

func isPlainRemoteHTTP(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "http") && !isLoopback(u.Hostname())
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
