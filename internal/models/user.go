package models

import "time"

// UserIdentity — владелец ресурса, прошедший проверку пароля.
type UserIdentity struct {
	ID       string
	Username string
}

// EndUser — пользователь платформы проката.
// PasswordHash никогда не покидает сервис.
type EndUser struct {
	ID             string
	FirstName      string
	LastName       string
	Email          string
	PasswordHash   string
	Verified       bool
	RegisteredTime time.Time
	LastLoginTime  *time.Time
}

// Identity возвращает UserIdentity пользователя.
func (u *EndUser) Identity() UserIdentity {
	return UserIdentity{ID: u.ID, Username: u.Email}
}
