// registry — неизменяемая таблица client_id -> ClientRegistration.
// Строится один раз при старте и разделяется между запросами без блокировок.
package registry

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/opencarrental/identity/internal/config"
	"github.com/opencarrental/identity/internal/models"
)

// ErrInvalidRegistration — регистрация клиента нарушает инварианты.
var ErrInvalidRegistration = errors.New("invalid client registration")

// Registry — реестр клиентов. Нулевое значение непригодно; используйте New.
type Registry struct {
	clients map[string]models.ClientRegistration
}

// New проверяет регистрации и строит реестр.
//
// Инварианты:
//   - client_id непуст и уникален;
//   - набор грантов непуст и содержит только поддерживаемые значения;
//   - клиент с client_credentials обязан иметь хэш секрета;
//   - TTL access-токена > 0; TTL refresh-токена > 0, если разрешён refresh_token.
func New(regs ...models.ClientRegistration) (*Registry, error) {
	const op = "registry.New"

	clients := make(map[string]models.ClientRegistration, len(regs))
	for _, reg := range regs {
		if err := validate(reg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		if _, dup := clients[reg.ClientID]; dup {
			return nil, fmt.Errorf("%s: %w: duplicate client_id %q", op, ErrInvalidRegistration, reg.ClientID)
		}

		clients[reg.ClientID] = reg.Clone()
	}

	return &Registry{clients: clients}, nil
}

// FromConfig строит реестр из конфигурации: админский клиент (client_credentials,
// секрет хэшируется bcrypt) и клиент веб-приложения (password + refresh_token).
func FromConfig(cfg config.ClientsConfig, cost int) (*Registry, error) {
	const op = "registry.FromConfig"

	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	adminHash, err := hashSecret(cfg.Admin.ClientSecret, cost)
	if err != nil {
		return nil, fmt.Errorf("%s: admin: %w", op, err)
	}

	var serviceHash string
	if cfg.Service.ClientSecret != "" {
		serviceHash, err = hashSecret(cfg.Service.ClientSecret, cost)
		if err != nil {
			return nil, fmt.Errorf("%s: service: %w", op, err)
		}
	}

	reg, err := New(
		models.ClientRegistration{
			ClientID:       cfg.Admin.ClientID,
			SecretHash:     adminHash,
			GrantTypes:     []models.GrantType{models.GrantClientCredentials},
			Scopes:         cfg.Admin.Scopes,
			AccessTokenTTL: cfg.Admin.AccessTokenTTL,
		},
		models.ClientRegistration{
			ClientID:        cfg.Service.ClientID,
			SecretHash:      serviceHash,
			GrantTypes:      []models.GrantType{models.GrantPassword, models.GrantRefreshToken},
			Scopes:          cfg.Service.Scopes,
			AccessTokenTTL:  cfg.Service.AccessTokenTTL,
			RefreshTokenTTL: cfg.Service.RefreshTokenTTL,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return reg, nil
}

// Client возвращает копию регистрации клиента.
func (r *Registry) Client(clientID string) (models.ClientRegistration, bool) {
	c, ok := r.clients[clientID]
	if !ok {
		return models.ClientRegistration{}, false
	}

	return c.Clone(), true
}

// Len — число зарегистрированных клиентов.
func (r *Registry) Len() int { return len(r.clients) }

// GrantTypes — объединение грантов всех клиентов в стабильном порядке.
func (r *Registry) GrantTypes() []models.GrantType {
	var out []models.GrantType
	for _, c := range r.clients {
		for _, g := range c.GrantTypes {
			if !slices.Contains(out, g) {
				out = append(out, g)
			}
		}
	}
	slices.Sort(out)

	return out
}

// Scopes — объединение scope всех клиентов в стабильном порядке.
func (r *Registry) Scopes() []string {
	var out []string
	for _, c := range r.clients {
		for _, s := range c.Scopes {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)

	return out
}

func validate(reg models.ClientRegistration) error {
	if reg.ClientID == "" {
		return fmt.Errorf("%w: empty client_id", ErrInvalidRegistration)
	}

	if len(reg.GrantTypes) == 0 {
		return fmt.Errorf("%w: client %q has no grant types", ErrInvalidRegistration, reg.ClientID)
	}

	for _, g := range reg.GrantTypes {
		if !g.Valid() {
			return fmt.Errorf("%w: client %q: unsupported grant type %q", ErrInvalidRegistration, reg.ClientID, g)
		}
	}

	if reg.AllowsGrant(models.GrantClientCredentials) && reg.SecretHash == "" {
		return fmt.Errorf("%w: client %q: client_credentials requires a secret", ErrInvalidRegistration, reg.ClientID)
	}

	if reg.AccessTokenTTL <= 0 {
		return fmt.Errorf("%w: client %q: access token ttl must be positive", ErrInvalidRegistration, reg.ClientID)
	}

	if reg.AllowsGrant(models.GrantRefreshToken) && reg.RefreshTokenTTL <= 0 {
		return fmt.Errorf("%w: client %q: refresh token ttl must be positive", ErrInvalidRegistration, reg.ClientID)
	}

	if len(reg.Scopes) == 0 {
		return fmt.Errorf("%w: client %q has no scopes", ErrInvalidRegistration, reg.ClientID)
	}

	return nil
}

func hashSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: empty secret", ErrInvalidRegistration)
	}

	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}

	return string(h), nil
}
