package domain

import "time"

// AuthorizationCode models the short-lived, single-use credential minted at
// the authorize step. A code is exchangeable iff not expired, not consumed,
// and the presented client_id/redirect_uri match the ones it was issued with.
type AuthorizationCode struct {
	ID              int64
	Code            string
	ClientID        string
	AccountID       int64
	CodeChallenge   string
	ChallengeMethod string
	RedirectURI     string
	Scope           string
	Nonce           string
	Consumed        bool
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// Expired reports whether the code TTL has elapsed.
func (c AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// RefreshToken persists an opaque rotating refresh token. Rotation replaces
// the token value in place so the predecessor and successor are never valid
// at the same time.
type RefreshToken struct {
	ID        int64
	Token     string
	ClientID  string
	AccountID int64
	Scope     string
	Revoked   bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SigningKey stores a token-signing key pair. Retired keys stay available for
// verification until their tokens expire.
type SigningKey struct {
	ID         int64
	KID        string
	Algorithm  string
	PrivatePEM []byte
	Active     bool
	CreatedAt  time.Time
	RetiredAt  *time.Time
}

// LoginSession is the ephemeral sign-in state held between the authorize
// request and the credential submission. It lives only in the session store
// and is dropped once a code is minted.
type LoginSession struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	RedirectURI     string    `json:"redirect_uri"`
	Scope           string    `json:"scope"`
	State           string    `json:"state"`
	Nonce           string    `json:"nonce"`
	CodeChallenge   string    `json:"code_challenge"`
	ChallengeMethod string    `json:"code_challenge_method"`
	CreatedAt       time.Time `json:"created_at"`
}
