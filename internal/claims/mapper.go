// Package claims derives token claim sets from current account state. Claims
// are computed fresh at every issuance and liveness check; a token is never
// the source of truth for active-state, which makes deactivation observable
// on the next check regardless of token expiry.
package claims

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/repository"
)

// Claims is the derived attribute set for an authenticated subject.
type Claims struct {
	Subject     string   `json:"sub"`
	DisplayName string   `json:"name"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Active      bool     `json:"-"`
}

// Mapper reads the account store on demand.
type Mapper struct {
	accounts repository.AccountRepository
}

// NewMapper constructs a Mapper.
func NewMapper(accounts repository.AccountRepository) *Mapper {
	return &Mapper{accounts: accounts}
}

// Map loads the current claim set for the subject. Inactive accounts fail the
// mapping; there is no claim set for a deactivated subject.
func (m *Mapper) Map(ctx context.Context, accountID int64) (Claims, error) {
	acct, err := m.accounts.GetByID(ctx, accountID)
	if err != nil {
		return Claims{}, fmt.Errorf("load account for claims: %w", err)
	}
	if !acct.Active {
		return Claims{}, domain.AuthFailure(fmt.Errorf("account %d inactive", accountID))
	}
	return fromAccount(acct), nil
}

// CheckLiveness reports whether the subject is still active, reading the
// store directly rather than trusting any token contents.
func (m *Mapper) CheckLiveness(ctx context.Context, subject string) (Claims, error) {
	id, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return Claims{}, domain.AuthFailure(fmt.Errorf("malformed subject %q", subject))
	}
	return m.Map(ctx, id)
}

func fromAccount(a domain.Account) Claims {
	roles := make([]string, len(a.Roles))
	copy(roles, a.Roles)
	return Claims{
		Subject:     strconv.FormatInt(a.ID, 10),
		DisplayName: a.DisplayName(),
		Email:       a.Email,
		Roles:       roles,
		Active:      a.Active,
	}
}
