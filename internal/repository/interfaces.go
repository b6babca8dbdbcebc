package repository

import (
	"context"
	"time"

	"github.com/lumacart/identity/internal/domain"
)

// AccountRepository exposes persistence for accounts and their roles.
// Conflicting writes to one account row are serialized by the store so the
// final state is always one of the intended outcomes.
type AccountRepository interface {
	// Create inserts the account and assigns its roles, creating unknown
	// roles on the fly. Duplicate email, username, or phone surfaces as a
	// Conflict error with no side effect.
	Create(ctx context.Context, account domain.Account) (domain.Account, error)
	GetByID(ctx context.Context, id int64) (domain.Account, error)
	// GetByIdentifier resolves an account by email, username, or phone.
	GetByIdentifier(ctx context.Context, identifier string) (domain.Account, error)
	UpdateProfile(ctx context.Context, id int64, upd domain.AccountUpdate) (domain.Account, error)
	// SwapPasswordHash rotates the hash only if the stored hash still equals
	// oldHash. Returns false when a concurrent write got there first.
	SwapPasswordHash(ctx context.Context, id int64, oldHash, newHash string) (bool, error)
	Deactivate(ctx context.Context, id int64) error
	// RecordFailedLogin bumps the lockout counter and returns the new value.
	RecordFailedLogin(ctx context.Context, id int64) (int, error)
	ResetFailedLogins(ctx context.Context, id int64) error
}

// CodeRepository manages single-use authorization codes.
type CodeRepository interface {
	Create(ctx context.Context, code domain.AuthorizationCode) error
	Get(ctx context.Context, code string) (domain.AuthorizationCode, error)
	// Consume atomically flips the code to consumed and persists the refresh
	// token minted for this exchange in the same transaction. Returns false
	// when the code was already consumed; exactly one of two concurrent
	// exchanges observes true.
	Consume(ctx context.Context, code string, issued domain.RefreshToken) (bool, error)
}

// TokenRepository handles refresh token persistence and rotation.
type TokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) error
	GetByToken(ctx context.Context, token string) (domain.RefreshToken, error)
	// Rotate swaps the token value in place. The predecessor stops matching
	// the instant the successor exists; false means the old value was
	// already rotated or revoked.
	Rotate(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (bool, error)
	Revoke(ctx context.Context, token string) error
	RevokeAllForAccount(ctx context.Context, accountID int64) error
}

// KeyRepository stores token-signing keys.
type KeyRepository interface {
	GetActive(ctx context.Context) (domain.SigningKey, error)
	// ListVerification returns the active key plus retired keys still needed
	// to verify unexpired tokens.
	ListVerification(ctx context.Context) ([]domain.SigningKey, error)
	Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
	Retire(ctx context.Context, kid string) error
}

// SessionStore holds ephemeral authorize-step sign-in state.
type SessionStore interface {
	Save(ctx context.Context, session domain.LoginSession, ttl time.Duration) error
	Get(ctx context.Context, id string) (*domain.LoginSession, error)
	Delete(ctx context.Context, id string) error
}
