package model

import "time"

// VerificationToken is a single-use token for OTP and password-reset flows.
type VerificationToken struct {
	Identifier string    `db:"identifier"`
	Token      string    `db:"token"`
	Expires    time.Time `db:"expires"`
}
