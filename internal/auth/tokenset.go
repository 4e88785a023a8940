package auth

import "time"

// TokenSet is the credential triple returned by the token endpoint.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// expiresWithin reports whether the access token expires before now+margin.
func (t *TokenSet) expiresWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(t.ExpiresAt)
}

func (t *TokenSet) clone() *TokenSet {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
