package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opencarrental/identity/internal/cache"
	"github.com/opencarrental/identity/internal/keys"
	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/pkg/log"
	"github.com/opencarrental/identity/internal/storage"
)

type accessClaims struct {
	Scope    []string `json:"scope"`
	ClientID string   `json:"client_id"`
	UserName string   `json:"user_name,omitempty"`
	jwt.RegisteredClaims
}

// IssueTokens выпускает access-токен и, если клиент поддерживает refresh_token,
// refresh-токен. user == nil означает клиентский грант: subject = client_id.
// Пустой scopes означает все scope клиента.
func (s *Service) IssueTokens(ctx context.Context, client models.ClientRegistration, user *models.UserIdentity, scopes []string) (*models.TokenGrant, error) {
	const op = "service.token.IssueTokens"

	lg := log.From(ctx)

	granted := normalizeScopes(scopes)
	if len(granted) == 0 {
		granted = slices.Clone(client.Scopes)
	}

	if !client.AllowsScopes(granted) {
		lg.Warn("scope_outside_client",
			slog.String("op", op),
			slog.String("client_id", client.ClientID),
			slog.Any("scope", granted),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidScope)
	}

	subject, username := client.ClientID, ""
	if user != nil {
		subject, username = user.ID, user.Username
	}

	now := s.now()

	access, err := s.generateAccessToken(ctx, client, subject, username, granted, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	grant := &models.TokenGrant{Access: *access}

	if client.AllowsGrant(models.GrantRefreshToken) {
		refresh, err := s.generateRefreshToken(ctx, client.ClientID, subject, granted, now, now.Add(client.RefreshTokenTTL))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		grant.Refresh = refresh
	}

	lg.Info("token_issued",
		slog.String("op", op),
		slog.String("client_id", client.ClientID),
		slog.String("jti", access.ID),
		slog.Bool("refresh", grant.Refresh != nil),
	)

	return grant, nil
}

// Refresh погашает refresh-токен и выпускает новый access-токен вместе с
// ротированным refresh-токеном (абсолютный срок исходного сохраняется).
//
// Проверки до погашения: токен существует, выпущен этому клиенту, не истёк,
// scope не шире исходного. Ошибка проверки не погашает токен.
// Ровно один из конкурентных вызовов с одним токеном завершается успехом.
func (s *Service) Refresh(ctx context.Context, plain string, client models.ClientRegistration, scopes []string) (*models.TokenGrant, error) {
	const op = "service.token.Refresh"

	lg := log.From(ctx)

	if !client.AllowsGrant(models.GrantRefreshToken) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidClient)
	}

	hash := hashToken(plain)
	now := s.now()

	if err := s.checkCachedRefresh(ctx, hash, client.ClientID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	token, err := s.tokens.RefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lg.Warn("refresh_lookup_not_found", slog.String("op", op))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		lg.Error("refresh_lookup_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.ClientID != client.ClientID {
		lg.Warn("refresh_client_mismatch",
			slog.String("op", op),
			slog.String("client_id", client.ClientID),
			slog.String("token_client_id", token.ClientID),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrTokenClientMismatch)
	}

	if token.Expired(now) {
		lg.Warn("refresh_expired",
			slog.String("op", op),
			slog.String("subject", token.Subject),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrExpiredToken)
	}

	if token.Consumed {
		lg.Warn("refresh_replay_detected",
			slog.String("op", op),
			slog.String("subject", token.Subject),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrTokenConsumed)
	}

	granted := normalizeScopes(scopes)
	if len(granted) == 0 {
		granted = slices.Clone(token.Scopes)
	}
	for _, sc := range granted {
		if !slices.Contains(token.Scopes, sc) || !slices.Contains(client.Scopes, sc) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidScope)
		}
	}

	username, err := s.refreshUsername(ctx, client, token.Subject)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ok, err := s.tokens.ConsumeRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		lg.Error("refresh_consume_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		lg.Warn("refresh_consume_lost_race",
			slog.String("op", op),
			slog.String("subject", token.Subject),
		)
		return nil, fmt.Errorf("%s: %w", op, ErrTokenConsumed)
	}

	s.markCachedConsumed(ctx, hash)

	access, err := s.generateAccessToken(ctx, client, token.Subject, username, granted, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rotated, err := s.generateRefreshToken(ctx, client.ClientID, token.Subject, granted, now, token.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	lg.Info("token_refreshed",
		slog.String("op", op),
		slog.String("client_id", client.ClientID),
		slog.String("jti", access.ID),
	)

	return &models.TokenGrant{Access: *access, Refresh: rotated}, nil
}

// RevokeRefreshToken погашает refresh-токен клиента. Неизвестный, уже погашенный
// или просроченный токен — успех без изменений.
func (s *Service) RevokeRefreshToken(ctx context.Context, plain string, client models.ClientRegistration) error {
	const op = "service.token.RevokeRefreshToken"

	lg := log.From(ctx)

	hash := hashToken(plain)

	token, err := s.tokens.RefreshTokenByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if token.ClientID != client.ClientID {
		lg.Warn("revoke_client_mismatch",
			slog.String("op", op),
			slog.String("client_id", client.ClientID),
		)
		return fmt.Errorf("%s: %w", op, ErrTokenClientMismatch)
	}

	if token.Consumed {
		return nil
	}

	if _, err := s.tokens.ConsumeRefreshToken(ctx, hash); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.markCachedConsumed(ctx, hash)

	lg.Info("refresh_revoked",
		slog.String("op", op),
		slog.String("client_id", client.ClientID),
	)

	return nil
}

// ValidateAccessToken проверяет подпись, kid, issuer, audience и срок access-токена.
// Токен действителен до exp включительно и недействителен строго после exp,
// как и refresh-токен (models.RefreshToken.Expired).
func (s *Service) ValidateAccessToken(_ context.Context, value string) (*models.AccessToken, error) {
	const op = "service.token.ValidateAccessToken"

	now := s.now()

	token, err := jwt.ParseWithClaims(value, &accessClaims{},
		func(t *jwt.Token) (any, error) {
			if kid, _ := t.Header["kid"].(string); kid != "" && kid != s.keys.KID() {
				return nil, fmt.Errorf("%s: unknown kid", op)
			}

			return s.keys.Public(), nil
		},
		jwt.WithValidMethods([]string{keys.Algorithm}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience...),
		jwt.WithExpirationRequired(),
		// jwt отклоняет токен уже при now == exp; точная граница проверяется ниже.
		jwt.WithLeeway(time.Second),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%s: %w", op, ErrExpiredToken)
		}

		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}
	if now.After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%s: %w", op, ErrExpiredToken)
	}

	at := &models.AccessToken{
		Value:    value,
		ID:       claims.ID,
		Subject:  claims.Subject,
		ClientID: claims.ClientID,
		Scopes:   claims.Scope,
	}
	if claims.IssuedAt != nil {
		at.IssuedAt = claims.IssuedAt.UTC()
	}
	if claims.ExpiresAt != nil {
		at.ExpiresAt = claims.ExpiresAt.UTC()
	}

	return at, nil
}

// generateAccessToken подписывает RS256 JWT с kid в заголовке.
func (s *Service) generateAccessToken(ctx context.Context, client models.ClientRegistration, subject, username string, scopes []string, now time.Time) (*models.AccessToken, error) {
	const op = "service.token.generateAccessToken"

	issued := jwt.NewNumericDate(now)
	expires := jwt.NewNumericDate(now.Add(client.AccessTokenTTL))

	claims := accessClaims{
		Scope:    scopes,
		ClientID: client.ClientID,
		UserName: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings(s.cfg.Audience),
			IssuedAt:  issued,
			ExpiresAt: expires,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keys.KID()

	signed, err := token.SignedString(s.keys.Private())
	if err != nil {
		log.From(ctx).Error("access_token_sign_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.AccessToken{
		Value:     signed,
		ID:        claims.ID,
		Subject:   subject,
		ClientID:  client.ClientID,
		Scopes:    scopes,
		IssuedAt:  issued.UTC(),
		ExpiresAt: expires.UTC(),
	}, nil
}

// generateRefreshToken создаёт и сохраняет новый refresh-токен.
func (s *Service) generateRefreshToken(ctx context.Context, clientID, subject string, scopes []string, now, expiresAt time.Time) (*models.RefreshToken, error) {
	const (
		op          = "service.token.generateRefreshToken"
		maxAttempts = 5
	)

	lg := log.From(ctx)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			lg.Error("refresh_rand_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		plain := base64.RawURLEncoding.EncodeToString(b)

		token := &models.RefreshToken{
			Value:     plain,
			Hash:      hashToken(plain),
			Subject:   subject,
			ClientID:  clientID,
			Scopes:    slices.Clone(scopes),
			IssuedAt:  now,
			ExpiresAt: expiresAt,
		}

		if err := s.tokens.SaveRefreshToken(ctx, token); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// Редкая коллизия — пробуем сгенерировать заново.
				continue
			}

			lg.Error("save_refresh_token_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		s.cacheRefresh(ctx, token, now)

		return token, nil
	}

	lg.Error("refresh_collision_exceeded", slog.String("op", op))

	return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenCollision)
}

// refreshUsername восстанавливает user_name для нового access-токена.
// Для клиентских субъектов (subject == client_id) пользователя нет.
func (s *Service) refreshUsername(ctx context.Context, client models.ClientRegistration, subject string) (string, error) {
	if subject == client.ClientID {
		return "", nil
	}

	user, err := s.users.UserByID(ctx, subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidToken
		}

		return "", err
	}

	return user.Email, nil
}

// checkCachedRefresh быстро отклоняет погашенный или чужой токен по кэшу.
// Ошибки кэша не влияют на результат: источник истины — хранилище.
func (s *Service) checkCachedRefresh(ctx context.Context, hash, clientID string) error {
	if s.rcache == nil {
		return nil
	}

	e, ok, err := s.rcache.Get(ctx, hash)
	if err != nil {
		log.From(ctx).Warn("refresh_cache_get_failed", slog.String("err", err.Error()))
		return nil
	}
	if !ok {
		return nil
	}

	if e.ClientID != clientID {
		return ErrTokenClientMismatch
	}
	if e.Consumed {
		return ErrTokenConsumed
	}

	return nil
}

func (s *Service) cacheRefresh(ctx context.Context, t *models.RefreshToken, now time.Time) {
	if s.rcache == nil {
		return
	}

	err := s.rcache.Set(ctx, t.Hash, &cache.RefreshEntry{
		Subject:   t.Subject,
		ClientID:  t.ClientID,
		ExpiresAt: t.ExpiresAt,
	}, t.ExpiresAt.Sub(now))
	if err != nil {
		log.From(ctx).Warn("refresh_cache_set_failed", slog.String("err", err.Error()))
	}
}

func (s *Service) markCachedConsumed(ctx context.Context, hash string) {
	if s.rcache == nil {
		return
	}

	if err := s.rcache.MarkConsumed(ctx, hash); err != nil {
		log.From(ctx).Warn("refresh_cache_mark_failed", slog.String("err", err.Error()))
	}
}

// hashToken — base64url(sha256(plain)); в хранилище лежит только хэш.
func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// normalizeScopes убирает пустые значения и дубликаты, сохраняя порядок.
func normalizeScopes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, sc := range in {
		if sc == "" || slices.Contains(out, sc) {
			continue
		}
		out = append(out, sc)
	}

	return out
}
