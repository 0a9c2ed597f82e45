// observability — интеграция с Sentry: паники и внутренние ошибки.
// Без DSN все функции работают как no-op (клиент hub не инициализирован).
package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry инициализирует глобальный клиент Sentry. Пустой DSN — no-op.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CapturePanic отправляет восстановленную панику с местом возникновения.
func CapturePanic(where string, rec any, stack []byte) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("where", where)
		scope.SetExtra("panic", rec)
		scope.SetExtra("stack", string(stack))
		sentry.CaptureMessage("panic in request")
	})
}

// CaptureError отправляет внутреннюю ошибку (ответ 500 / codes.Internal).
func CaptureError(err error) {
	if err == nil {
		return
	}

	sentry.CaptureException(err)
}
