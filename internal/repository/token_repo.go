package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailschedule/internal/apperr"
	"mailschedule/internal/model"
)

type TokenRepository struct {
	db *pgxpool.Pool
}

func NewTokenRepository(db *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{db: db}
}

// Latest returns the current token record: latest expiry first, a record
// without expiry ranks after dated ones, ties broken by newest row.
func (r *TokenRepository) Latest(ctx context.Context, userID int64) (*model.TokenRecord, error) {
	query := `
        SELECT id, user_id, access_token, COALESCE(refresh_token, ''), expires_at, created_at, updated_at
        FROM tokens
        WHERE user_id = $1
        ORDER BY expires_at DESC NULLS LAST, id DESC
        LIMIT 1
    `
	var t model.TokenRecord
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&t.ID, &t.UserID, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "token for user", userID)
	}
	return &t, nil
}

// Insert stores the record created by an OAuth grant.
func (r *TokenRepository) Insert(ctx context.Context, t *model.TokenRecord) error {
	query := `
        INSERT INTO tokens (user_id, access_token, refresh_token, expires_at, created_at, updated_at)
        VALUES ($1, $2, NULLIF($3, ''), $4, NOW(), NOW())
        RETURNING id, created_at, updated_at
    `
	return r.db.QueryRow(ctx, query, t.UserID, t.AccessToken, t.RefreshToken, t.ExpiresAt).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// UpdateAccessToken mutates the record in place after a refresh. The refresh
// token column is left alone.
func (r *TokenRepository) UpdateAccessToken(ctx context.Context, id int64, accessToken string, expiresAt *time.Time) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE tokens
        SET access_token = $2, expires_at = $3, updated_at = NOW()
        WHERE id = $1
    `, id, accessToken, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token %d: %w", id, apperr.ErrNotFound)
	}
	return nil
}
