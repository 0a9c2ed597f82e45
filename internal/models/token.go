package models

import "time"

// AccessToken — подписанный JWT и разобранные из него claims.
type AccessToken struct {
	// Value — компактная JWS-сериализация.
	Value     string
	ID        string
	Subject   string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken — данные refresh-токена.
//
// Value (plain) заполняется только при выпуске и не сохраняется;
// в хранилище лежит Hash = base64url(sha256(Value)).
type RefreshToken struct {
	Value     string
	Hash      string
	Subject   string
	ClientID  string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// Expired сообщает, истёк ли токен к моменту now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// TokenGrant — результат успешного гранта.
// Refresh равен nil, если клиент не поддерживает refresh_token.
type TokenGrant struct {
	Access  AccessToken
	Refresh *RefreshToken
}
