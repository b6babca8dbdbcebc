package repository

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/lumacart/identity/internal/domain"
)

func TestConflictErrorNamesViolatedField(t *testing.T) {
	cases := []struct {
		constraint string
		field      string
	}{
		{"accounts_phone_key", "phone"},
		{"accounts_email_key", "email"},
		{"accounts_username_key", "username"},
	}
	for _, tc := range cases {
		t.Run(tc.field, func(t *testing.T) {
			pgErr := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: tc.constraint}
			err := conflictError(pgErr)

			e, ok := domain.AsError(err)
			require.True(t, ok)
			require.Equal(t, domain.KindConflict, e.Kind)
			require.Equal(t, map[string]string{tc.field: "already registered"}, e.Fields)

			var unwrapped *pgconn.PgError
			require.True(t, errors.As(err, &unwrapped))
		})
	}
}

func TestConflictErrorUnknownConstraintFallsBack(t *testing.T) {
	pgErr := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "refresh_tokens_token_key"}
	err := conflictError(pgErr)

	e, ok := domain.AsError(err)
	require.True(t, ok)
	require.Equal(t, domain.KindConflict, e.Kind)
	require.Equal(t, map[string]string{"account": "already registered"}, e.Fields)
}
