// memory — потокобезопасные in-process хранилища refresh-токенов и
// пользователей. Используются в окружении local и в тестах.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/storage"
)

// RefreshTokens — хранилище refresh-токенов в памяти.
type RefreshTokens struct {
	mu     sync.Mutex
	tokens map[string]models.RefreshToken
}

// NewRefreshTokens создаёт пустое хранилище.
func NewRefreshTokens() *RefreshTokens {
	return &RefreshTokens{tokens: make(map[string]models.RefreshToken)}
}

// SaveRefreshToken сохраняет токен; plain-значение не хранится.
func (s *RefreshTokens) SaveRefreshToken(_ context.Context, token *models.RefreshToken) error {
	const op = "storage.memory.SaveRefreshToken"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.Hash]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
	}

	t := *token
	t.Value = ""
	t.Scopes = slices.Clone(token.Scopes)
	s.tokens[t.Hash] = t

	return nil
}

// RefreshTokenByHash находит токен по хэшу.
func (s *RefreshTokens) RefreshTokenByHash(_ context.Context, hash string) (*models.RefreshToken, error) {
	const op = "storage.memory.RefreshTokenByHash"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[hash]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	t.Scopes = slices.Clone(t.Scopes)

	return &t, nil
}

// ConsumeRefreshToken — compare-and-swap consumed: false -> true под мьютексом.
func (s *RefreshTokens) ConsumeRefreshToken(_ context.Context, hash string) (bool, error) {
	const op = "storage.memory.ConsumeRefreshToken"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[hash]
	if !ok {
		return false, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	if t.Consumed {
		return false, nil
	}

	t.Consumed = true
	s.tokens[hash] = t

	return true, nil
}

// DeleteExpiredTokens удаляет токены с expires_at < before.
func (s *RefreshTokens) DeleteExpiredTokens(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, t := range s.tokens {
		if t.ExpiresAt.Before(before) {
			delete(s.tokens, h)
		}
	}

	return nil
}

// Users — хранилище пользователей в памяти; e-mail сравнивается без учёта регистра.
type Users struct {
	mu    sync.RWMutex
	byID  map[string]models.EndUser
	email map[string]string
}

// NewUsers создаёт хранилище и заполняет его переданными пользователями.
func NewUsers(seed ...models.EndUser) (*Users, error) {
	u := &Users{
		byID:  make(map[string]models.EndUser),
		email: make(map[string]string),
	}

	for _, user := range seed {
		if _, err := u.SaveUser(context.Background(), user); err != nil {
			return nil, err
		}
	}

	return u, nil
}

// SaveUser добавляет пользователя; пустой ID генерируется.
func (s *Users) SaveUser(_ context.Context, user models.EndUser) (*models.EndUser, error) {
	const op = "storage.memory.SaveUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(user.Email)
	if _, ok := s.email[key]; ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
	}

	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	if _, ok := s.byID[user.ID]; ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
	}

	s.byID[user.ID] = user
	s.email[key] = user.ID

	return &user, nil
}

// UserByEmail находит пользователя по e-mail.
func (s *Users) UserByEmail(_ context.Context, email string) (*models.EndUser, error) {
	const op = "storage.memory.UserByEmail"

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.email[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	u := s.byID[id]
	return &u, nil
}

// UserByID находит пользователя по ID.
func (s *Users) UserByID(_ context.Context, id string) (*models.EndUser, error) {
	const op = "storage.memory.UserByID"

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return &u, nil
}

// TouchLastLogin выставляет last_login_time.
func (s *Users) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	const op = "storage.memory.TouchLastLogin"

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	at = at.UTC()
	u.LastLoginTime = &at
	s.byID[id] = u

	return nil
}

var (
	_ storage.RefreshTokenStorage = (*RefreshTokens)(nil)
	_ storage.UserStorage         = (*Users)(nil)
)
