// app — сборка сервера авторизации из конфигурации: политика безопасности,
// реестр клиентов и пути эндпоинтов.
package app

import (
	"sync"

	"github.com/opencarrental/identity/internal/config"
	"github.com/opencarrental/identity/internal/registry"
)

// SecurityPolicy — политика аутентификации клиентов и параметры токенов.
type SecurityPolicy struct {
	// AllowFormClientAuth разрешает client_id/client_secret в теле формы
	// (client_secret_post); HTTP Basic разрешён всегда.
	AllowFormClientAuth bool
	Issuer              string
	Audience            []string
}

// Endpoints — пути HTTP-эндпоинтов сервера авторизации.
type Endpoints struct {
	Token         string
	JWKS          string
	WellKnownJWKS string
	TokenKey      string
	CheckToken    string
	Revoke        string
	Metadata      string
	EndUsers      string
}

// Configurer — единственная точка конфигурации сервера авторизации.
type Configurer interface {
	SecurityPolicy() SecurityPolicy
	ClientRegistry() (*registry.Registry, error)
	Endpoints() Endpoints
}

// DefaultEndpoints — стандартная раскладка путей.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Token:         "/oauth/token",
		JWKS:          "/oauth/jwks",
		WellKnownJWKS: "/.well-known/jwks.json",
		TokenKey:      "/oauth/token_key",
		CheckToken:    "/oauth/check_token",
		Revoke:        "/oauth/revoke",
		Metadata:      "/.well-known/oauth-authorization-server",
		EndUsers:      "/endusers",
	}
}

// ConfigConfigurer реализует Configurer поверх config.Config.
// Реестр строится один раз (хэширование секретов bcrypt) и далее переиспользуется.
type ConfigConfigurer struct {
	cfg *config.Config

	once sync.Once
	reg  *registry.Registry
	err  error
}

// NewConfigurer создаёт Configurer из загруженной конфигурации.
func NewConfigurer(cfg *config.Config) *ConfigConfigurer {
	return &ConfigConfigurer{cfg: cfg}
}

func (c *ConfigConfigurer) SecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		AllowFormClientAuth: !c.cfg.Auth.DenyFormClientAuth,
		Issuer:              c.cfg.Auth.Issuer,
		Audience:            append([]string(nil), c.cfg.Auth.Audience...),
	}
}

func (c *ConfigConfigurer) ClientRegistry() (*registry.Registry, error) {
	c.once.Do(func() {
		c.reg, c.err = registry.FromConfig(c.cfg.Clients, c.cfg.Auth.BcryptCost)
	})

	return c.reg, c.err
}

func (c *ConfigConfigurer) Endpoints() Endpoints {
	return DefaultEndpoints()
}

var _ Configurer = (*ConfigConfigurer)(nil)
