// service содержит бизнес-логику сервера авторизации: аутентификацию
// клиентов и пользователей, выпуск и проверку токенов, ротацию и отзыв
// refresh-токенов, публикацию ключа проверки.
//
// Основные аспекты:
//   - Реестр клиентов и ключевая пара неизменяемы и разделяются без блокировок;
//     Service безопасен для конкурентного использования, если хранилища
//     потокобезопасны.
//   - Погашение refresh-токена выполняется атомарно на стороне хранилища (CAS).
//   - Ошибки аутентификации единообразны: транспорт не раскрывает, что именно
//     не совпало (клиент, секрет или пароль).
package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/opencarrental/identity/internal/cache"
	"github.com/opencarrental/identity/internal/config"
	"github.com/opencarrental/identity/internal/keys"
	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/storage"
)

var (
	// ErrInvalidClient — клиент не зарегистрирован или ему не разрешён грант.
	// HTTP: 401 invalid_client; gRPC: codes.Unauthenticated.
	ErrInvalidClient = errors.New("invalid client")

	// ErrInvalidSecret — секрет клиента не совпал с хэшем.
	// Снаружи неотличим от ErrInvalidClient.
	ErrInvalidSecret = errors.New("invalid client secret")

	// ErrInvalidUserCredentials — неверная пара логин/пароль или пользователь не найден.
	// HTTP: 400 invalid_grant.
	ErrInvalidUserCredentials = errors.New("invalid user credentials")

	// ErrInvalidScope — запрошенный scope шире разрешённого. HTTP: 400 invalid_scope.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrExpiredToken — срок действия токена истёк. HTTP: 400 invalid_grant.
	ErrExpiredToken = errors.New("token expired")

	// ErrTokenConsumed — refresh-токен уже использован или отозван.
	ErrTokenConsumed = errors.New("token already consumed")

	// ErrTokenClientMismatch — refresh-токен выпущен другому клиенту.
	ErrTokenClientMismatch = errors.New("token issued to another client")

	// ErrInvalidToken — токен не распознан: неверная подпись, формат или его нет в хранилище.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUserNotFound — пользователь не найден (представление пользователя).
	ErrUserNotFound = errors.New("user not found")

	// ErrRefreshTokenCollision — исчерпаны попытки сохранить уникальный refresh-токен.
	ErrRefreshTokenCollision = errors.New("refresh token collision")
)

// ClientRegistry — источник регистраций клиентов.
type ClientRegistry interface {
	Client(clientID string) (models.ClientRegistration, bool)
}

// Service описывает бизнес-логику сервера авторизации.
type Service struct {
	clients ClientRegistry
	keys    *keys.KeyPair
	tokens  storage.RefreshTokenStorage
	users   storage.UserStorage
	cfg     config.AuthConfig
	rcache  cache.RefreshCache // может быть nil, если кэш не сконфигурирован
	now     func() time.Time
	grace   time.Duration

	// dummyHash сравнивается с секретом неизвестного клиента или паролем
	// несуществующего пользователя, чтобы время ответа не выдавало причину отказа.
	dummyHash []byte
}

// Option настраивает Service.
type Option func(*Service)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepGrace задаёт, сколько просроченный refresh-токен хранится до удаления.
// Пока он в хранилище, обмен отвечает "expired", а не "invalid".
func WithSweepGrace(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// DefaultSweepGrace — срок хранения просроченных refresh-токенов по умолчанию.
const DefaultSweepGrace = 24 * time.Hour

// New создаёт новый экземпляр Service.
func New(
	clients ClientRegistry,
	kp *keys.KeyPair,
	tokens storage.RefreshTokenStorage,
	users storage.UserStorage,
	cfg config.AuthConfig,
	opts ...Option,
) *Service {
	s := &Service{
		clients: clients,
		keys:    kp,
		tokens:  tokens,
		users:   users,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		grace:   DefaultSweepGrace,
	}

	for _, opt := range opts {
		opt(s)
	}

	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	h, err := bcrypt.GenerateFromPassword([]byte("identity-dummy-credential"), cost)
	if err != nil {
		h, _ = bcrypt.GenerateFromPassword([]byte("identity-dummy-credential"), bcrypt.MinCost)
	}
	s.dummyHash = h

	return s
}

// SetRefreshCache устанавливает кэш refresh-токенов (опционально).
func (s *Service) SetRefreshCache(c cache.RefreshCache) {
	s.rcache = c
}

// VerificationKeys возвращает публичную часть ключевой пары в формате JWKS.
// Чистая операция; повторные вызовы возвращают тот же kid и материал.
func (s *Service) VerificationKeys() keys.KeySet {
	return s.keys.KeySet()
}

// PublicKeyPEM возвращает публичный ключ проверки в PEM.
func (s *Service) PublicKeyPEM() string {
	return s.keys.PublicPEM()
}

// DeleteExpiredRefreshTokens удаляет refresh-токены, истёкшие раньше now - grace (janitor).
func (s *Service) DeleteExpiredRefreshTokens(ctx context.Context) error {
	return s.tokens.DeleteExpiredTokens(ctx, s.now().Add(-s.grace))
}
