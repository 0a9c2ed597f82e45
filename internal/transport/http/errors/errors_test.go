package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencarrental/identity/internal/service"
)

func TestToHTTP_Mapping(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("service.x: %w", err) }

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{nil, http.StatusInternalServerError, CodeServerError},
		{errors.New("boom"), http.StatusInternalServerError, CodeServerError},
		{wrap(ErrInvalidRequest), http.StatusBadRequest, CodeInvalidRequest},
		{wrap(ErrUnsupportedGrantType), http.StatusBadRequest, CodeUnsupportedGrantType},
		{wrap(service.ErrInvalidClient), http.StatusUnauthorized, CodeInvalidClient},
		{wrap(service.ErrInvalidSecret), http.StatusUnauthorized, CodeInvalidClient},
		{wrap(service.ErrInvalidUserCredentials), http.StatusBadRequest, CodeInvalidGrant},
		{wrap(service.ErrExpiredToken), http.StatusBadRequest, CodeInvalidGrant},
		{wrap(service.ErrTokenConsumed), http.StatusBadRequest, CodeInvalidGrant},
		{wrap(service.ErrTokenClientMismatch), http.StatusBadRequest, CodeInvalidGrant},
		{wrap(service.ErrInvalidToken), http.StatusBadRequest, CodeInvalidGrant},
		{wrap(service.ErrInvalidScope), http.StatusBadRequest, CodeInvalidScope},
		{wrap(service.ErrUserNotFound), http.StatusNotFound, CodeNotFound},
		{wrap(context.DeadlineExceeded), http.StatusServiceUnavailable, CodeTemporarilyUnavailable},
	}

	for _, tc := range cases {
		status, body := ToHTTP(tc.err)
		require.Equal(t, tc.status, status, "err=%v", tc.err)
		require.Equal(t, tc.code, body.Code, "err=%v", tc.err)
		require.NotEmpty(t, body.Description)
	}
}

func TestToHTTP_ClientFailuresAreUniform(t *testing.T) {
	s1, b1 := ToHTTP(service.ErrInvalidClient)
	s2, b2 := ToHTTP(service.ErrInvalidSecret)

	require.Equal(t, s1, s2)
	require.Equal(t, b1, b2)
}

func TestWriteError_InvalidClient_SetsChallengeAndRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	rr := httptest.NewRecorder()

	WriteError(rr, req, service.ErrInvalidSecret)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, `Basic realm="oauth"`, rr.Header().Get("WWW-Authenticate"))
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var body Error
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, CodeInvalidClient, body.Code)
	require.Equal(t, "rid-1", body.RequestID)
}

func TestWriteError_InternalDoesNotLeak(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", nil)
	rr := httptest.NewRecorder()

	WriteError(rr, req, errors.New("pq: password authentication failed for user root"))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "pq:")
	require.Empty(t, rr.Header().Get("WWW-Authenticate"))
}

func TestWriteBearerError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/endusers/me", nil)
	rr := httptest.NewRecorder()

	WriteBearerError(rr, req, http.StatusForbidden, CodeInsufficientScope, "scope all required")

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, `Bearer realm="oauth", error="insufficient_scope"`, rr.Header().Get("WWW-Authenticate"))
	require.Contains(t, rr.Body.String(), `"error":"insufficient_scope"`)
}
