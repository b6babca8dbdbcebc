package domain

import "time"

// Account represents a registered end user. Accounts are never physically
// deleted; Active=false is the terminal state.
type Account struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Phone        string
	Roles        []string
	Active       bool
	FailedLogins int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayName returns the name presented in identity token claims.
func (a Account) DisplayName() string {
	switch {
	case a.FirstName != "" && a.LastName != "":
		return a.FirstName + " " + a.LastName
	case a.FirstName != "":
		return a.FirstName
	default:
		return a.Username
	}
}

// HasRole reports whether the account carries the named role.
func (a Account) HasRole(name string) bool {
	for _, r := range a.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Role is created lazily on first assignment.
type Role struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// AccountUpdate carries a partial profile update; nil fields are untouched.
type AccountUpdate struct {
	Username  *string
	Email     *string
	FirstName *string
	LastName  *string
	Phone     *string
}
