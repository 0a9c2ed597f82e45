package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/pkg/log"
	"github.com/opencarrental/identity/internal/pkg/redact"
	"github.com/opencarrental/identity/internal/storage"
)

// AuthenticateClient проверяет клиента и его секрет.
//
// Пустой grant означает аутентификацию без привязки к гранту (introspection,
// revocation). Публичный клиент (без хэша секрета) проходит только с пустым секретом.
func (s *Service) AuthenticateClient(ctx context.Context, clientID, secret string, grant models.GrantType) (models.ClientRegistration, error) {
	const op = "service.auth.AuthenticateClient"

	lg := log.From(ctx)

	reg, ok := s.clients.Client(clientID)
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(secret))
		lg.Warn("client_unknown",
			slog.String("op", op),
			slog.String("client_id", clientID),
		)
		return models.ClientRegistration{}, fmt.Errorf("%s: %w", op, ErrInvalidClient)
	}

	if reg.Confidential() {
		if bcrypt.CompareHashAndPassword([]byte(reg.SecretHash), []byte(secret)) != nil {
			lg.Warn("client_secret_mismatch",
				slog.String("op", op),
				slog.String("client_id", clientID),
			)
			return models.ClientRegistration{}, fmt.Errorf("%s: %w", op, ErrInvalidSecret)
		}
	} else if secret != "" {
		lg.Warn("public_client_sent_secret",
			slog.String("op", op),
			slog.String("client_id", clientID),
		)
		return models.ClientRegistration{}, fmt.Errorf("%s: %w", op, ErrInvalidSecret)
	}

	if grant != "" && !reg.AllowsGrant(grant) {
		lg.Warn("client_grant_not_allowed",
			slog.String("op", op),
			slog.String("client_id", clientID),
			slog.String("grant_type", string(grant)),
		)
		return models.ClientRegistration{}, fmt.Errorf("%s: %w", op, ErrInvalidClient)
	}

	return reg, nil
}

// AuthenticateClientCredentials аутентифицирует клиента для client_credentials:
// клиент существует, разрешает грант и предъявил секрет, совпадающий с хэшем.
func (s *Service) AuthenticateClientCredentials(ctx context.Context, clientID, secret string) (models.ClientRegistration, error) {
	const op = "service.auth.AuthenticateClientCredentials"

	reg, err := s.AuthenticateClient(ctx, clientID, secret, models.GrantClientCredentials)
	if err != nil {
		return models.ClientRegistration{}, fmt.Errorf("%s: %w", op, err)
	}

	return reg, nil
}

// AuthenticatePasswordGrant аутентифицирует клиента для гранта password и
// проверяет учётные данные владельца ресурса. Успешный вход фиксирует
// last_login_time; сбой записи только логируется.
func (s *Service) AuthenticatePasswordGrant(ctx context.Context, clientID, clientSecret, username, password string) (models.ClientRegistration, models.UserIdentity, error) {
	const op = "service.auth.AuthenticatePasswordGrant"

	lg := log.From(ctx)

	reg, err := s.AuthenticateClient(ctx, clientID, clientSecret, models.GrantPassword)
	if err != nil {
		return models.ClientRegistration{}, models.UserIdentity{}, fmt.Errorf("%s: %w", op, err)
	}

	email := strings.ToLower(strings.TrimSpace(username))
	if email == "" || password == "" {
		return models.ClientRegistration{}, models.UserIdentity{}, fmt.Errorf("%s: %w", op, ErrInvalidUserCredentials)
	}

	user, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			lg.Warn("user_not_found",
				slog.String("op", op),
				slog.String("email", redact.Email(email)),
			)
			return models.ClientRegistration{}, models.UserIdentity{}, fmt.Errorf("%s: %w", op, ErrInvalidUserCredentials)
		}

		lg.Error("user_lookup_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return models.ClientRegistration{}, models.UserIdentity{}, fmt.Errorf("%s: %w", op, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		lg.Warn("user_password_mismatch",
			slog.String("op", op),
			slog.String("email", redact.Email(email)),
		)
		return models.ClientRegistration{}, models.UserIdentity{}, fmt.Errorf("%s: %w", op, ErrInvalidUserCredentials)
	}

	if err := s.users.TouchLastLogin(ctx, user.ID, s.now()); err != nil {
		lg.Warn("touch_last_login_failed",
			slog.String("op", op),
			slog.String("user_id", user.ID),
			slog.String("err", err.Error()),
		)
	}

	return reg, user.Identity(), nil
}

// EndUser возвращает представление пользователя по идентификатору.
func (s *Service) EndUser(ctx context.Context, id string) (*models.EndUser, error) {
	const op = "service.auth.EndUser"

	user, err := s.users.UserByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}
