// Package pkce implements RFC 7636 proof-key generation and verification.
// The verifier side runs in the public client; VerifyS256 runs in the issuer
// at code exchange.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
)

const (
	// MinVerifierLen and MaxVerifierLen bound the verifier per RFC 7636 §4.1.
	MinVerifierLen = 43
	MaxVerifierLen = 128

	// MethodS256 is the only challenge method this issuer accepts.
	MethodS256 = "S256"
)

// unreserved is the full RFC 3986 unreserved set allowed in verifiers.
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateVerifier returns a cryptographically random code verifier with a
// length chosen uniformly in [MinVerifierLen, MaxVerifierLen].
func GenerateVerifier() (string, error) {
	span := big.NewInt(int64(MaxVerifierLen - MinVerifierLen + 1))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", fmt.Errorf("pick verifier length: %w", err)
	}
	length := MinVerifierLen + int(n.Int64())

	alphabet := big.NewInt(int64(len(unreserved)))
	out := make([]byte, length)
	for i := range out {
		idx, err := rand.Int(rand.Reader, alphabet)
		if err != nil {
			return "", fmt.Errorf("pick verifier char: %w", err)
		}
		out[i] = unreserved[idx.Int64()]
	}
	return string(out), nil
}

// Challenge computes base64url(SHA256(verifier)) without padding.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidVerifier reports whether the verifier satisfies the RFC 7636 length
// and alphabet constraints.
func ValidVerifier(verifier string) bool {
	if len(verifier) < MinVerifierLen || len(verifier) > MaxVerifierLen {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyS256 recomputes the challenge from the presented verifier and compares
// it to the challenge recorded at authorize time.
func VerifyS256(verifier, challenge string) bool {
	if !ValidVerifier(verifier) || challenge == "" {
		return false
	}
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
