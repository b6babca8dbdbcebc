package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumacart/identity/internal/domain"
)

// Compile-time interface assertions.
var (
	_ AccountRepository = (*PostgresAccountRepo)(nil)
	_ CodeRepository    = (*PostgresCodeRepo)(nil)
	_ TokenRepository   = (*PostgresTokenRepo)(nil)
	_ KeyRepository     = (*PostgresKeyRepo)(nil)
)

const pgUniqueViolation = "23505"

// conflictError maps a unique violation to a Conflict error naming the field.
func conflictError(pgErr *pgconn.PgError) error {
	field := "account"
	switch {
	case strings.Contains(pgErr.ConstraintName, "phone"):
		field = "phone"
	case strings.Contains(pgErr.ConstraintName, "email"):
		field = "email"
	case strings.Contains(pgErr.ConstraintName, "username"):
		field = "username"
	}
	e := domain.E(domain.KindConflict, field+" is already registered")
	e.Fields = map[string]string{field: "already registered"}
	e.Err = pgErr
	return e
}

// PostgresAccountRepo implements AccountRepository on pgx.
type PostgresAccountRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAccountRepo(pool *pgxpool.Pool) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: pool}
}

const selectAccountSQL = `
SELECT a.id, a.username, a.email, a.password_hash, a.first_name, a.last_name,
       a.phone, a.active, a.failed_logins, a.created_at, a.updated_at,
       COALESCE(array_agg(r.name) FILTER (WHERE r.name IS NOT NULL), '{}') AS roles
FROM accounts a
LEFT JOIN account_roles ar ON ar.account_id = a.id
LEFT JOIN roles r ON r.id = ar.role_id
`

func (r *PostgresAccountRepo) Create(ctx context.Context, account domain.Account) (domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Account{}, fmt.Errorf("begin create account: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO accounts (id, username, email, password_hash, first_name, last_name, phone, active, failed_logins)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
RETURNING created_at, updated_at`

	err = tx.QueryRow(ctx, insertSQL,
		account.ID, account.Username, account.Email, account.PasswordHash,
		account.FirstName, account.LastName, account.Phone, account.Active,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.Account{}, conflictError(pgErr)
		}
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}

	for _, role := range account.Roles {
		var roleID int64
		// roles are created lazily on first assignment
		err = tx.QueryRow(ctx, `
INSERT INTO roles (name) VALUES ($1)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, role).Scan(&roleID)
		if err != nil {
			return domain.Account{}, fmt.Errorf("ensure role %q: %w", role, err)
		}
		if _, err = tx.Exec(ctx, `
INSERT INTO account_roles (account_id, role_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, account.ID, roleID); err != nil {
			return domain.Account{}, fmt.Errorf("assign role %q: %w", role, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Account{}, fmt.Errorf("commit create account: %w", err)
	}
	return account, nil
}

func (r *PostgresAccountRepo) GetByID(ctx context.Context, id int64) (domain.Account, error) {
	return r.scanOne(ctx, selectAccountSQL+`WHERE a.id = $1 GROUP BY a.id`, id)
}

func (r *PostgresAccountRepo) GetByIdentifier(ctx context.Context, identifier string) (domain.Account, error) {
	const clause = `WHERE lower(a.email) = lower($1) OR a.username = $1 OR a.phone = $1 GROUP BY a.id`
	return r.scanOne(ctx, selectAccountSQL+clause, identifier)
}

func (r *PostgresAccountRepo) scanOne(ctx context.Context, sql string, args ...any) (domain.Account, error) {
	var a domain.Account
	err := r.db.QueryRow(ctx, sql, args...).Scan(
		&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.FirstName, &a.LastName,
		&a.Phone, &a.Active, &a.FailedLogins, &a.CreatedAt, &a.UpdatedAt, &a.Roles,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.E(domain.KindNotFound, "account not found")
		}
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (r *PostgresAccountRepo) UpdateProfile(ctx context.Context, id int64, upd domain.AccountUpdate) (domain.Account, error) {
	set := make([]string, 0, 5)
	args := []any{id}
	add := func(col string, val *string) {
		if val != nil {
			args = append(args, *val)
			set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("username", upd.Username)
	add("email", upd.Email)
	add("first_name", upd.FirstName)
	add("last_name", upd.LastName)
	add("phone", upd.Phone)
	if len(set) == 0 {
		return r.GetByID(ctx, id)
	}

	sql := fmt.Sprintf("UPDATE accounts SET %s, updated_at = now() WHERE id = $1", strings.Join(set, ", "))
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.Account{}, conflictError(pgErr)
		}
		return domain.Account{}, fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Account{}, domain.E(domain.KindNotFound, "account not found")
	}
	return r.GetByID(ctx, id)
}

func (r *PostgresAccountRepo) SwapPasswordHash(ctx context.Context, id int64, oldHash, newHash string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
UPDATE accounts SET password_hash = $3, updated_at = now()
WHERE id = $1 AND password_hash = $2`, id, oldHash, newHash)
	if err != nil {
		return false, fmt.Errorf("swap password hash: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresAccountRepo) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindNotFound, "account not found")
	}
	return nil
}

func (r *PostgresAccountRepo) RecordFailedLogin(ctx context.Context, id int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
UPDATE accounts SET failed_logins = failed_logins + 1, updated_at = now()
WHERE id = $1
RETURNING failed_logins`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record failed login: %w", err)
	}
	return count, nil
}

func (r *PostgresAccountRepo) ResetFailedLogins(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `UPDATE accounts SET failed_logins = 0 WHERE id = $1 AND failed_logins <> 0`, id); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

// PostgresCodeRepo implements CodeRepository.
type PostgresCodeRepo struct {
	db *pgxpool.Pool
}

func NewPostgresCodeRepo(pool *pgxpool.Pool) *PostgresCodeRepo {
	return &PostgresCodeRepo{db: pool}
}

func (r *PostgresCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	const sql = `
INSERT INTO auth_codes (id, code, client_id, account_id, code_challenge, challenge_method,
                        redirect_uri, scope, nonce, consumed, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10)`
	if _, err := r.db.Exec(ctx, sql,
		code.ID, code.Code, code.ClientID, code.AccountID, code.CodeChallenge,
		code.ChallengeMethod, code.RedirectURI, code.Scope, code.Nonce, code.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert auth code: %w", err)
	}
	return nil
}

func (r *PostgresCodeRepo) Get(ctx context.Context, code string) (domain.AuthorizationCode, error) {
	const sql = `
SELECT id, code, client_id, account_id, code_challenge, challenge_method,
       redirect_uri, scope, nonce, consumed, expires_at, created_at
FROM auth_codes WHERE code = $1`
	var c domain.AuthorizationCode
	err := r.db.QueryRow(ctx, sql, code).Scan(
		&c.ID, &c.Code, &c.ClientID, &c.AccountID, &c.CodeChallenge, &c.ChallengeMethod,
		&c.RedirectURI, &c.Scope, &c.Nonce, &c.Consumed, &c.ExpiresAt, &c.CreatedAt,
	)
	if err != nil {
		return domain.AuthorizationCode{}, fmt.Errorf("get auth code: %w", err)
	}
	return c, nil
}

// Consume marks the code used and stores the exchange's refresh token in one
// transaction. The conditional UPDATE is the check-and-set that makes
// consumption exactly-once under concurrent exchanges.
func (r *PostgresCodeRepo) Consume(ctx context.Context, code string, issued domain.RefreshToken) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin consume: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE auth_codes SET consumed = true WHERE code = $1 AND consumed = false`, code)
	if err != nil {
		return false, fmt.Errorf("consume auth code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, insertRefreshTokenSQL,
		issued.ID, issued.Token, issued.ClientID, issued.AccountID, issued.Scope, issued.ExpiresAt,
	); err != nil {
		return false, fmt.Errorf("store refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit consume: %w", err)
	}
	return true, nil
}

const insertRefreshTokenSQL = `
INSERT INTO refresh_tokens (id, token, client_id, account_id, scope, revoked, expires_at)
VALUES ($1, $2, $3, $4, $5, false, $6)`

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

func (r *PostgresTokenRepo) Create(ctx context.Context, token domain.RefreshToken) error {
	if _, err := r.db.Exec(ctx, insertRefreshTokenSQL,
		token.ID, token.Token, token.ClientID, token.AccountID, token.Scope, token.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) GetByToken(ctx context.Context, token string) (domain.RefreshToken, error) {
	const sql = `
SELECT id, token, client_id, account_id, scope, revoked, expires_at, created_at
FROM refresh_tokens WHERE token = $1`
	var t domain.RefreshToken
	err := r.db.QueryRow(ctx, sql, token).Scan(
		&t.ID, &t.Token, &t.ClientID, &t.AccountID, &t.Scope, &t.Revoked, &t.ExpiresAt, &t.CreatedAt,
	)
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("get refresh token: %w", err)
	}
	return t, nil
}

// Rotate swaps the stored token value in place so there is no window where
// both the predecessor and the successor match a lookup.
func (r *PostgresTokenRepo) Rotate(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
UPDATE refresh_tokens SET token = $2, expires_at = $3
WHERE token = $1 AND revoked = false AND expires_at > now()`, oldToken, newToken, expiresAt)
	if err != nil {
		return false, fmt.Errorf("rotate refresh token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresTokenRepo) Revoke(ctx context.Context, token string) error {
	if _, err := r.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE token = $1`, token); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) RevokeAllForAccount(ctx context.Context, accountID int64) error {
	if _, err := r.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE account_id = $1 AND revoked = false`, accountID); err != nil {
		return fmt.Errorf("revoke account tokens: %w", err)
	}
	return nil
}

// PostgresKeyRepo implements KeyRepository.
type PostgresKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{db: pool}
}

func (r *PostgresKeyRepo) GetActive(ctx context.Context) (domain.SigningKey, error) {
	const sql = `
SELECT id, kid, algorithm, private_pem, active, created_at, retired_at
FROM signing_keys WHERE active = true
ORDER BY created_at DESC LIMIT 1`
	return r.scanKey(r.db.QueryRow(ctx, sql))
}

func (r *PostgresKeyRepo) ListVerification(ctx context.Context) ([]domain.SigningKey, error) {
	const sql = `
SELECT id, kid, algorithm, private_pem, active, created_at, retired_at
FROM signing_keys
WHERE active = true OR retired_at > now() - interval '7 days'
ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.SigningKey
	for rows.Next() {
		k, err := r.scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *PostgresKeyRepo) Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	const sql = `
INSERT INTO signing_keys (id, kid, algorithm, private_pem, active)
VALUES ($1, $2, $3, $4, true)
RETURNING created_at`
	if err := r.db.QueryRow(ctx, sql, key.ID, key.KID, key.Algorithm, key.PrivatePEM).Scan(&key.CreatedAt); err != nil {
		return domain.SigningKey{}, fmt.Errorf("insert signing key: %w", err)
	}
	key.Active = true
	return key, nil
}

func (r *PostgresKeyRepo) Retire(ctx context.Context, kid string) error {
	if _, err := r.db.Exec(ctx, `
UPDATE signing_keys SET active = false, retired_at = now() WHERE kid = $1 AND active = true`, kid); err != nil {
		return fmt.Errorf("retire signing key: %w", err)
	}
	return nil
}

func (r *PostgresKeyRepo) scanKey(row pgx.Row) (domain.SigningKey, error) {
	var k domain.SigningKey
	if err := row.Scan(&k.ID, &k.KID, &k.Algorithm, &k.PrivatePEM, &k.Active, &k.CreatedAt, &k.RetiredAt); err != nil {
		return domain.SigningKey{}, fmt.Errorf("scan signing key: %w", err)
	}
	return k, nil
}
