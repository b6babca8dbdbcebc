// Package bootstrap seeds the minimum state the service needs on first boot.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lumacart/identity/internal/config"
	"github.com/lumacart/identity/internal/domain"
	"github.com/lumacart/identity/internal/password"
	"github.com/lumacart/identity/internal/repository"
)

// AdminRole grants the account management endpoints.
const AdminRole = "Admin"

// EnsureAdmin creates the administrator account on startup if it is missing.
// Without it a fresh deployment has no way to manage other accounts.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, accounts repository.AccountRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureAdmin(ctx, cfg, accounts, node, logger)
		},
	})
}

func ensureAdmin(ctx context.Context, cfg config.Config, accounts repository.AccountRepository, node *snowflake.Node, logger *zap.Logger) error {
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if email == "" || strings.TrimSpace(cfg.AdminPassword) == "" {
		return fmt.Errorf("admin bootstrap missing required config")
	}

	if existing, err := accounts.GetByIdentifier(ctx, email); err == nil {
		if !existing.HasRole(AdminRole) {
			return fmt.Errorf("account %s exists without the %s role", email, AdminRole)
		}
		return nil
	} else if domain.KindOf(err) != domain.KindNotFound {
		return fmt.Errorf("bootstrap lookup admin: %w", err)
	}

	hashed, err := password.Hash(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap hash password: %w", err)
	}

	created, err := accounts.Create(ctx, domain.Account{
		ID:           node.Generate().Int64(),
		Username:     "admin",
		Email:        email,
		PasswordHash: hashed,
		FirstName:    "Admin",
		Roles:        []string{AdminRole, "User"},
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("bootstrap create admin: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap admin account created",
			zap.String("email", created.Email),
			zap.Int64("account_id", created.ID),
		)
	}
	return nil
}
