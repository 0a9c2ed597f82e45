package models

import (
	"slices"
	"time"
)

// GrantType — тип OAuth2-гранта.
type GrantType string

const (
	GrantPassword          GrantType = "password"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// Valid сообщает, поддерживается ли тип гранта сервером.
func (g GrantType) Valid() bool {
	switch g {
	case GrantPassword, GrantRefreshToken, GrantClientCredentials:
		return true
	default:
		return false
	}
}

// ClientRegistration — регистрация OAuth2-клиента.
//
// SecretHash хранит bcrypt-хэш секрета; пустое значение означает публичного
// клиента без секрета. Клиенты с client_credentials всегда имеют хэш
// (проверяется при построении реестра).
type ClientRegistration struct {
	ClientID        string
	SecretHash      string
	GrantTypes      []GrantType
	Scopes          []string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// AllowsGrant сообщает, разрешён ли клиенту указанный грант.
func (c ClientRegistration) AllowsGrant(g GrantType) bool {
	return slices.Contains(c.GrantTypes, g)
}

// AllowsScopes сообщает, входят ли все запрошенные scope в scope клиента.
// Пустой запрос всегда допустим.
func (c ClientRegistration) AllowsScopes(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}

	return true
}

// Confidential — клиент обязан предъявлять секрет.
func (c ClientRegistration) Confidential() bool {
	return c.SecretHash != ""
}

// Clone возвращает независимую копию регистрации.
func (c ClientRegistration) Clone() ClientRegistration {
	c.GrantTypes = slices.Clone(c.GrantTypes)
	c.Scopes = slices.Clone(c.Scopes)
	return c
}
