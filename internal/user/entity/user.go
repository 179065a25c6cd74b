package entity

import "time"

// User represents an account row in the `users` table.
type User struct {
	ID              string
	Name            string
	Email           string
	Phone           string
	PasswordHash    string // salt:digest, never plaintext
	PasswordAlgo    string // label of the hasher that produced PasswordHash
	IsPhoneVerified bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
