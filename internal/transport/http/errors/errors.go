// errors стандартизирует ответы об ошибках HTTP-слоя в формате OAuth2
// (RFC 6749 §5.2): {"error": "...", "error_description": "..."}.
//
// Вход — ошибка сервисного слоя (sentinel из internal/service) или локальная
// ошибка разбора запроса; выход — HTTP-статус и безопасное тело без деталей.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opencarrental/identity/internal/observability"
	"github.com/opencarrental/identity/internal/service"
)

// Коды ошибок OAuth2.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeInvalidClient          = "invalid_client"
	CodeInvalidGrant           = "invalid_grant"
	CodeInvalidScope           = "invalid_scope"
	CodeUnsupportedGrantType   = "unsupported_grant_type"
	CodeInvalidToken           = "invalid_token"
	CodeInsufficientScope      = "insufficient_scope"
	CodeNotFound               = "not_found"
	CodeServerError            = "server_error"
	CodeTemporarilyUnavailable = "temporarily_unavailable"
)

var (
	// ErrInvalidRequest — запрос не разобран: нет параметра, неверная форма, конфликт способов аутентификации.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnsupportedGrantType — неизвестный grant_type.
	ErrUnsupportedGrantType = errors.New("unsupported grant type")
)

// Error — тело ответа об ошибке.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// ToHTTP конвертирует ошибку в HTTP-статус и тело ответа.
//
// Ошибки аутентификации клиента единообразны (401 invalid_client) и не
// различают неизвестного клиента и неверный секрет. err == nil и любые
// нераспознанные ошибки — 500 server_error.
func ToHTTP(err error) (int, Error) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, Error{Code: CodeServerError, Description: "internal error"}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, Error{Code: CodeInvalidRequest, Description: "malformed request"}
	case errors.Is(err, ErrUnsupportedGrantType):
		return http.StatusBadRequest, Error{Code: CodeUnsupportedGrantType, Description: "grant type is not supported"}
	case errors.Is(err, service.ErrInvalidClient), errors.Is(err, service.ErrInvalidSecret):
		return http.StatusUnauthorized, Error{Code: CodeInvalidClient, Description: "client authentication failed"}
	case errors.Is(err, service.ErrInvalidUserCredentials):
		return http.StatusBadRequest, Error{Code: CodeInvalidGrant, Description: "bad credentials"}
	case errors.Is(err, service.ErrExpiredToken):
		return http.StatusBadRequest, Error{Code: CodeInvalidGrant, Description: "token expired"}
	case errors.Is(err, service.ErrTokenConsumed),
		errors.Is(err, service.ErrTokenClientMismatch),
		errors.Is(err, service.ErrInvalidToken):
		return http.StatusBadRequest, Error{Code: CodeInvalidGrant, Description: "invalid refresh token"}
	case errors.Is(err, service.ErrInvalidScope):
		return http.StatusBadRequest, Error{Code: CodeInvalidScope, Description: "requested scope is not allowed"}
	case errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound, Error{Code: CodeNotFound, Description: "user not found"}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, Error{Code: CodeTemporarilyUnavailable, Description: "request timed out"}
	default:
		return http.StatusInternalServerError, Error{Code: CodeServerError, Description: "internal error"}
	}
}

// WriteError пишет ответ об ошибке. Для 401 invalid_client добавляет
// WWW-Authenticate: Basic; ошибки 500 отправляются в Sentry.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := ToHTTP(err)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	if status == http.StatusInternalServerError {
		observability.CaptureError(err)
	}

	write(w, r, status, body)
}

// WriteBearerError пишет ошибку защищённого ресурса (RFC 6750 §3).
func WriteBearerError(w http.ResponseWriter, r *http.Request, status int, code, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="oauth", error="`+code+`"`)
	write(w, r, status, Error{Code: code, Description: description})
}

func write(w http.ResponseWriter, r *http.Request, status int, body Error) {
	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		body.RequestID = rid
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
