package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/storage"
)

// SaveRefreshToken сохраняет новый refresh-токен в БД.
func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	query := `
        INSERT INTO refresh_tokens(token_hash, subject, client_id, scopes, issued_at, expires_at, consumed)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `

	scopes := token.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	_, err := s.db.Exec(ctx, query,
		token.Hash,
		token.Subject,
		token.ClientID,
		scopes,
		token.IssuedAt,
		token.ExpiresAt,
		token.Consumed,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshTokenByHash находит refresh-токен по его хэшу.
func (s *Storage) RefreshTokenByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	const op = "storage.postgres.RefreshTokenByHash"

	query := `
        SELECT token_hash, subject, client_id, scopes, issued_at, expires_at, consumed
        FROM refresh_tokens
        WHERE token_hash = $1
    `

	var token models.RefreshToken
	err := s.db.QueryRow(ctx, query, hash).Scan(
		&token.Hash,
		&token.Subject,
		&token.ClientID,
		&token.Scopes,
		&token.IssuedAt,
		&token.ExpiresAt,
		&token.Consumed,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	token.IssuedAt = token.IssuedAt.UTC()
	token.ExpiresAt = token.ExpiresAt.UTC()

	return &token, nil
}

// ConsumeRefreshToken гасит токен, если он ещё не погашен.
// Условный UPDATE выполняется атомарно: из N конкурентных вызовов
// строку вернёт ровно один.
func (s *Storage) ConsumeRefreshToken(ctx context.Context, hash string) (bool, error) {
	const op = "storage.postgres.ConsumeRefreshToken"

	const upd = `
		UPDATE refresh_tokens
		SET consumed = TRUE
		WHERE token_hash = $1 AND consumed = FALSE
		RETURNING subject
	`

	var subject string
	err := s.db.QueryRow(ctx, upd, hash).Scan(&subject)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	const sel = `
		SELECT consumed
		FROM refresh_tokens
		WHERE token_hash = $1
	`

	var consumed bool
	err = s.db.QueryRow(ctx, sel, hash).Scan(&consumed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return false, fmt.Errorf("%s: %w", op, err)
	}

	return false, nil
}

// DeleteExpiredTokens удаляет токены, истёкшие раньше before.
func (s *Storage) DeleteExpiredTokens(ctx context.Context, before time.Time) error {
	const op = "storage.postgres.DeleteExpiredTokens"

	query := `
        DELETE FROM refresh_tokens
        WHERE expires_at < $1
    `

	_, err := s.db.Exec(ctx, query, before)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
