package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/opencarrental/identity/internal/models"
	"github.com/opencarrental/identity/internal/pkg/log"
	"github.com/opencarrental/identity/internal/service"
	apierrors "github.com/opencarrental/identity/internal/transport/http/errors"
)

// TokenValidator проверяет access-токен.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, value string) (*models.AccessToken, error)
}

// RequireBearer требует действительный Bearer-токен в Authorization и кладёт
// разобранный токен в контекст. Иначе 401 invalid_token (RFC 6750).
func RequireBearer(v TokenValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				apierrors.WriteBearerError(w, r, http.StatusUnauthorized, apierrors.CodeInvalidToken, "bearer token required")
				return
			}

			at, err := v.ValidateAccessToken(r.Context(), raw)
			if err != nil {
				desc := "invalid access token"
				if errors.Is(err, service.ErrExpiredToken) {
					desc = "access token expired"
				}
				log.From(r.Context()).Debug("bearer_rejected", slog.String("err", err.Error()))
				apierrors.WriteBearerError(w, r, http.StatusUnauthorized, apierrors.CodeInvalidToken, desc)
				return
			}

			ctx := context.WithValue(r.Context(), ctxAccessToken, at)
			ctx = log.With(ctx, slog.String("client_id", at.ClientID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope пропускает запрос, если токен содержит хотя бы один из scopes.
// Должен стоять после RequireBearer.
func RequireScope(anyOf ...string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			at, ok := AccessTokenFrom(r.Context())
			if !ok || !HasAnyScope(at, anyOf...) {
				apierrors.WriteBearerError(w, r, http.StatusForbidden, apierrors.CodeInsufficientScope,
					"one of scopes required: "+strings.Join(anyOf, " "))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AccessTokenFrom возвращает токен, положенный RequireBearer.
func AccessTokenFrom(ctx context.Context) (*models.AccessToken, bool) {
	at, ok := ctx.Value(ctxAccessToken).(*models.AccessToken)
	return at, ok && at != nil
}

// HasAnyScope сообщает, есть ли у токена хотя бы один из scopes.
func HasAnyScope(at *models.AccessToken, anyOf ...string) bool {
	for _, s := range anyOf {
		if slices.Contains(at.Scopes, s) {
			return true
		}
	}

	return false
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "

	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}

	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}
