// Package repository provides raw-SQL data access on top of pgx.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grabfeed/grabfeed/internal/models"
)

// AccountsRepository handles accounts table operations.
type AccountsRepository struct {
	pool *pgxpool.Pool
}

// NewAccountsRepository creates a new accounts repository.
func NewAccountsRepository(pool *pgxpool.Pool) *AccountsRepository {
	return &AccountsRepository{pool: pool}
}

const accountColumns = `id, phone, api_id, api_hash, session_file, is_active, needs_auth, auth_token, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID, &a.Phone, &a.APIID, &a.APIHash, &a.SessionFile,
		&a.IsActive, &a.NeedsAuth, &a.AuthToken, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// Create inserts a new account.
func (r *AccountsRepository) Create(ctx context.Context, a *models.Account) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (phone, api_id, api_hash, session_file, is_active, needs_auth, auth_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, a.Phone, a.APIID, a.APIHash, a.SessionFile, a.IsActive, a.NeedsAuth, a.AuthToken,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetByID returns an account by id, or nil if not found.
func (r *AccountsRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1
	`, id)
	return scanAccount(row)
}

// GetByPhone returns an account by phone, or nil if not found.
func (r *AccountsRepository) GetByPhone(ctx context.Context, phone string) (*models.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE phone = $1
	`, phone)
	return scanAccount(row)
}

// ListActive returns all active accounts ordered by id.
// The deterministic order matters: the pool's fallback selection picks the
// lowest account id among healthy clients.
func (r *AccountsRepository) ListActive(ctx context.Context) ([]models.Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE is_active ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(
			&a.ID, &a.Phone, &a.APIID, &a.APIHash, &a.SessionFile,
			&a.IsActive, &a.NeedsAuth, &a.AuthToken, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetNeedsAuth flips the needs_auth flag and clears the session file pointer
// when the flag is raised (a stale pointer must not be retried headlessly).
func (r *AccountsRepository) SetNeedsAuth(ctx context.Context, id uuid.UUID, needsAuth bool) error {
	var err error
	if needsAuth {
		_, err = r.pool.Exec(ctx, `
			UPDATE accounts SET needs_auth = TRUE, session_file = NULL, updated_at = NOW() WHERE id = $1
		`, id)
	} else {
		_, err = r.pool.Exec(ctx, `
			UPDATE accounts SET needs_auth = FALSE, updated_at = NOW() WHERE id = $1
		`, id)
	}
	if err != nil {
		return fmt.Errorf("set needs_auth: %w", err)
	}
	return nil
}

// UpdateSessionFile refreshes the authoritative session file pointer.
func (r *AccountsRepository) UpdateSessionFile(ctx context.Context, id uuid.UUID, path string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET session_file = $2, updated_at = NOW() WHERE id = $1
	`, id, path)
	if err != nil {
		return fmt.Errorf("update session file: %w", err)
	}
	return nil
}

// MarkAuthorized records a completed interactive sign-in: needs_auth drops,
// the session file pointer is set and any pending auth token is cleared.
func (r *AccountsRepository) MarkAuthorized(ctx context.Context, id uuid.UUID, sessionFile string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET needs_auth = FALSE, session_file = $2, auth_token = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, sessionFile)
	if err != nil {
		return fmt.Errorf("mark authorized: %w", err)
	}
	return nil
}
