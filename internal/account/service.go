// Package account owns the account record lifecycle: registration, credential
// validation, password rotation, profile updates, and deactivation.
package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/password"
	"github.com/lumacart/identity/internal/repository"
)

// DefaultRole is assigned when registration does not name one.
const DefaultRole = "User"

// RegisterInput carries the registration form.
type RegisterInput struct {
	Email     string
	Username  string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	Role      string
}

// Service implements the account and credential store.
type Service struct {
	accounts         repository.AccountRepository
	tokens           repository.TokenRepository
	node             *snowflake.Node
	lockoutThreshold int
	logger           *zap.Logger
	tracer           trace.Tracer
}

// NewService wires dependencies.
func NewService(accounts repository.AccountRepository, tokens repository.TokenRepository, node *snowflake.Node, lockoutThreshold int, logger *zap.Logger) *Service {
	if lockoutThreshold <= 0 {
		lockoutThreshold = 5
	}
	return &Service{
		accounts:         accounts,
		tokens:           tokens,
		node:             node,
		lockoutThreshold: lockoutThreshold,
		logger:           logger,
		tracer:           otel.Tracer("github.com/lumacart/identity/internal/account"),
	}
}

// Register creates an account, creating and assigning the role lazily.
// Duplicate email, username, or phone fails with Conflict and no side effect.
func (s *Service) Register(ctx context.Context, in RegisterInput) (domain.Account, error) {
	ctx, span := s.tracer.Start(ctx, "account.Register")
	defer span.End()

	if fields := validateRegistration(in); len(fields) > 0 {
		return domain.Account{}, domain.Validation(fields)
	}

	hash, err := password.Hash(in.Password)
	if err != nil {
		return domain.Account{}, fmt.Errorf("hash password: %w", err)
	}

	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = DefaultRole
	}

	created, err := s.accounts.Create(ctx, domain.Account{
		ID:           s.node.Generate().Int64(),
		Username:     strings.TrimSpace(in.Username),
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Phone:        strings.TrimSpace(in.Phone),
		Roles:        []string{role},
		Active:       true,
	})
	if err != nil {
		span.RecordError(err)
		return domain.Account{}, err
	}

	s.audit("account.registered", created.ID, zap.String("email", created.Email))
	return created, nil
}

// ValidateCredentials authenticates by email, username, or phone. Every
// failure mode returns the same AuthenticationFailure so callers cannot
// distinguish unknown identifier, wrong password, lockout, or inactive state.
func (s *Service) ValidateCredentials(ctx context.Context, identifier, plaintext string) (domain.Account, error) {
	ctx, span := s.tracer.Start(ctx, "account.ValidateCredentials")
	defer span.End()

	acct, err := s.accounts.GetByIdentifier(ctx, strings.TrimSpace(identifier))
	if err != nil {
		span.RecordError(err)
		return domain.Account{}, domain.AuthFailure(err)
	}
	if !acct.Active {
		return domain.Account{}, domain.AuthFailure(fmt.Errorf("account %d inactive", acct.ID))
	}
	if acct.FailedLogins >= s.lockoutThreshold {
		return domain.Account{}, domain.AuthFailure(fmt.Errorf("account %d locked", acct.ID))
	}

	ok, err := password.Verify(plaintext, acct.PasswordHash)
	if err != nil || !ok {
		if count, recErr := s.accounts.RecordFailedLogin(ctx, acct.ID); recErr == nil && count == s.lockoutThreshold {
			s.audit("account.locked", acct.ID)
		}
		return domain.Account{}, domain.AuthFailure(fmt.Errorf("password mismatch for account %d", acct.ID))
	}

	if acct.FailedLogins > 0 {
		if err := s.accounts.ResetFailedLogins(ctx, acct.ID); err != nil {
			s.log().Warn("reset failed logins", zap.Int64("account_id", acct.ID), zap.Error(err))
		}
	}
	return acct, nil
}

// ChangePassword rotates the hash after verifying the old password. The swap
// is a compare-and-set on the stored hash so a racing write cannot be merged
// into a corrupted state.
func (s *Service) ChangePassword(ctx context.Context, accountID int64, oldPassword, newPassword string) error {
	ctx, span := s.tracer.Start(ctx, "account.ChangePassword")
	defer span.End()

	if len(newPassword) < 8 {
		return domain.Validation(map[string]string{"newPassword": "must be at least 8 characters"})
	}

	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		return domain.E(domain.KindNotFound, "account not found")
	}

	ok, err := password.Verify(oldPassword, acct.PasswordHash)
	if err != nil || !ok {
		return domain.AuthFailure(fmt.Errorf("old password mismatch for account %d", accountID))
	}

	newHash, err := password.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	swapped, err := s.accounts.SwapPasswordHash(ctx, accountID, acct.PasswordHash, newHash)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !swapped {
		// a concurrent password change or deactivation won the race
		return domain.E(domain.KindConflict, "account was modified concurrently, retry")
	}

	s.audit("account.password_changed", accountID)
	return nil
}

// Deactivate flips the account to its terminal inactive state and revokes
// outstanding refresh tokens. Already-issued access tokens are caught by the
// next claims/liveness check.
func (s *Service) Deactivate(ctx context.Context, accountID int64) error {
	ctx, span := s.tracer.Start(ctx, "account.Deactivate")
	defer span.End()

	if err := s.accounts.Deactivate(ctx, accountID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.tokens.RevokeAllForAccount(ctx, accountID); err != nil {
		s.log().Warn("revoke tokens on deactivate", zap.Int64("account_id", accountID), zap.Error(err))
	}
	s.audit("account.deactivated", accountID)
	return nil
}

// Update applies a partial profile update.
func (s *Service) Update(ctx context.Context, accountID int64, upd domain.AccountUpdate) (domain.Account, error) {
	ctx, span := s.tracer.Start(ctx, "account.Update")
	defer span.End()

	if upd.Email != nil {
		normalized := strings.ToLower(strings.TrimSpace(*upd.Email))
		if !looksLikeEmail(normalized) {
			return domain.Account{}, domain.Validation(map[string]string{"email": "invalid email address"})
		}
		upd.Email = &normalized
	}

	acct, err := s.accounts.UpdateProfile(ctx, accountID, upd)
	if err != nil {
		span.RecordError(err)
		return domain.Account{}, err
	}
	s.audit("account.updated", accountID)
	return acct, nil
}

// Get loads a single account record.
func (s *Service) Get(ctx context.Context, accountID int64) (domain.Account, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	return acct, nil
}

func validateRegistration(in RegisterInput) map[string]string {
	fields := map[string]string{}
	if !looksLikeEmail(strings.TrimSpace(in.Email)) {
		fields["email"] = "invalid email address"
	}
	if len(strings.TrimSpace(in.Username)) < 3 {
		fields["username"] = "must be at least 3 characters"
	}
	if len(in.Password) < 8 {
		fields["password"] = "must be at least 8 characters"
	}
	return fields
}

func looksLikeEmail(s string) bool {
	at := strings.Index(s, "@")
	return at > 0 && at < len(s)-1 && !strings.ContainsAny(s, " \t")
}

func (s *Service) audit(event string, accountID int64, extra ...zap.Field) {
	fields := append([]zap.Field{
		zap.String("event", event),
		zap.Int64("account_id", accountID),
		zap.Time("timestamp", time.Now().UTC()),
	}, extra...)
	s.log().Info("audit", fields...)
}

func (s *Service) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
