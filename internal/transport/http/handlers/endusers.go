package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencarrental/identity/internal/models"
	apierrors "github.com/opencarrental/identity/internal/transport/http/errors"
	"github.com/opencarrental/identity/internal/transport/http/middleware"
)

// endUserResponse — представление пользователя; хэш пароля не выдаётся.
type endUserResponse struct {
	ID             string     `json:"id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Email          string     `json:"email"`
	Verified       bool       `json:"verified"`
	RegisteredTime time.Time  `json:"registered_time"`
	LastLoginTime  *time.Time `json:"last_login_time,omitempty"`
}

func toEndUserResponse(u *models.EndUser) endUserResponse {
	return endUserResponse{
		ID:             u.ID,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Email:          u.Email,
		Verified:       u.Verified,
		RegisteredTime: u.RegisteredTime,
		LastLoginTime:  u.LastLoginTime,
	}
}

// Me — GET /endusers/me: владелец access-токена.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	at, ok := middleware.AccessTokenFrom(r.Context())
	if !ok {
		apierrors.WriteBearerError(w, r, http.StatusUnauthorized, apierrors.CodeInvalidToken, "bearer token required")
		return
	}

	h.writeEndUser(w, r, at.Subject)
}

// EndUser — GET /endusers/{id}. Чужой профиль требует scope "all".
func (h *Handlers) EndUser(w http.ResponseWriter, r *http.Request) {
	at, ok := middleware.AccessTokenFrom(r.Context())
	if !ok {
		apierrors.WriteBearerError(w, r, http.StatusUnauthorized, apierrors.CodeInvalidToken, "bearer token required")
		return
	}

	id := chi.URLParam(r, "id")
	if id != at.Subject && !middleware.HasAnyScope(at, "all") {
		apierrors.WriteBearerError(w, r, http.StatusForbidden, apierrors.CodeInsufficientScope, "scope all required")
		return
	}

	h.writeEndUser(w, r, id)
}

func (h *Handlers) writeEndUser(w http.ResponseWriter, r *http.Request, id string) {
	u, err := h.svc.EndUser(r.Context(), id)
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toEndUserResponse(u))
}
