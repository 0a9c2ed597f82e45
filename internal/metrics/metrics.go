// metrics — прикладные метрики Prometheus сервиса авторизации.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Причины отказа в гранте (label reason).
const (
	ReasonInvalidClient  = "invalid_client"
	ReasonInvalidGrant   = "invalid_grant"
	ReasonInvalidScope   = "invalid_scope"
	ReasonUnsupported    = "unsupported_grant_type"
	ReasonInvalidRequest = "invalid_request"
	ReasonUnavailable    = "temporarily_unavailable"
	ReasonInternal       = "server_error"
)

// GrantUnsupported — значение label grant_type для неизвестных типов гранта.
// Сырое значение из запроса в метки не попадает.
const GrantUnsupported = "unsupported"

// Reason приводит OAuth2-код ошибки к одной из причин Reason*.
// Незнакомый код считается ReasonInternal.
func Reason(code string) string {
	switch code {
	case ReasonInvalidClient, ReasonInvalidGrant, ReasonInvalidScope,
		ReasonUnsupported, ReasonInvalidRequest, ReasonUnavailable:
		return code
	default:
		return ReasonInternal
	}
}

// Metrics — счётчики выдачи токенов.
type Metrics struct {
	TokensIssued   *prometheus.CounterVec
	GrantFailures  *prometheus.CounterVec
	RefreshReplays prometheus.Counter
}

// New создаёт и регистрирует метрики в reg. nil reg — без регистрации (тесты).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued, by grant type and client.",
		}, []string{"grant_type", "client_id"}),
		GrantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "grant_failures_total",
			Help:      "Rejected token requests, by grant type and OAuth2 error code.",
		}, []string{"grant_type", "reason"}),
		RefreshReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "refresh_token_replays_total",
			Help:      "Attempts to redeem an already consumed refresh token.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.TokensIssued, m.GrantFailures, m.RefreshReplays)
	}

	return m
}

func (m *Metrics) Issued(grantType, clientID string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(grantType, clientID).Inc()
}

func (m *Metrics) Failed(grantType, reason string) {
	if m == nil {
		return
	}
	m.GrantFailures.WithLabelValues(grantType, reason).Inc()
}

func (m *Metrics) Replay() {
	if m == nil {
		return
	}
	m.RefreshReplays.Inc()
}
