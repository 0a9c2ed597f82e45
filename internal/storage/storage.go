// storage задаёт контракты хранилищ сервиса авторизации и общие ошибки.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/opencarrental/identity/internal/models"
)

var (
	// ErrNotFound — запись не найдена (пользователь/токен).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists — нарушение уникальности (email/refresh-token).
	ErrAlreadyExists = errors.New("already exists")
)

// RefreshTokenStorage выполняет операции над refresh-токенами.
type RefreshTokenStorage interface {
	// SaveRefreshToken сохраняет новый refresh-токен (по хэшу).
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error
	// RefreshTokenByHash находит refresh-токен по его хэшу.
	RefreshTokenByHash(ctx context.Context, hash string) (*models.RefreshToken, error)
	// ConsumeRefreshToken атомарно помечает токен использованным.
	// Возвращает:
	//	(true, nil)  — токен был активен и погашен этим вызовом;
	//	(false, nil) — токен уже погашен;
	//	(false, ErrNotFound) — токен не найден.
	ConsumeRefreshToken(ctx context.Context, hash string) (bool, error)
	// DeleteExpiredTokens удаляет токены с expires_at строго раньше before.
	DeleteExpiredTokens(ctx context.Context, before time.Time) error
}

// UserStorage — учётные данные и представление конечных пользователей.
type UserStorage interface {
	// UserByEmail находит пользователя по e-mail (логин password-гранта).
	UserByEmail(ctx context.Context, email string) (*models.EndUser, error)
	// UserByID находит пользователя по идентификатору.
	UserByID(ctx context.Context, id string) (*models.EndUser, error)
	// TouchLastLogin фиксирует время последнего входа.
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}
