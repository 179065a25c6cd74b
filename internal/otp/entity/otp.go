package entity

import "time"

// OTPVerification is a one-time passcode issued to a user's phone. Rows are
// never deleted; expiry is a query-time condition on ExpiresAt.
type OTPVerification struct {
	ID        string
	UserID    string
	Code      string // 6 digits, kept as a string to preserve leading zeros
	ExpiresAt time.Time
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pending reports whether the code can still be matched at now.
func (v *OTPVerification) Pending(now time.Time) bool {
	return !v.Verified && v.ExpiresAt.After(now)
}
