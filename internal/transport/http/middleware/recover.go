package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/opencarrental/identity/internal/observability"
	"github.com/opencarrental/identity/internal/pkg/log"
	apierrors "github.com/opencarrental/identity/internal/transport/http/errors"
)

// Recover перехватывает panic, отправляет её в Sentry и отвечает 500 server_error.
// Детали паники не утекают на клиент.
func Recover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					stack := debug.Stack()

					log.From(r.Context()).
						LogAttrs(r.Context(), slog.LevelError, "panic_recovered",
							slog.String("path", r.URL.Path),
							slog.Any("panic", rec),
							slog.String("stack", string(stack)),
						)
					observability.CapturePanic(r.Method+" "+r.URL.Path, rec, stack)

					apierrors.WriteError(w, r, fmt.Errorf("panic: %v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
