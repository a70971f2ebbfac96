package timeblocks

import "time"

// TokenPair is one issued access/refresh token pair with the lifetimes a
// transport needs to build cookies.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
}

// SignupInput is a signup request. ClientKey identifies the caller for rate
// limiting, typically the remote IP.
type SignupInput struct {
	ClientKey string
	Email     string
	Name      string
	Password  string
}

// VerificationResult reports the outcome of an email verification attempt.
// AlreadyVerified means the code was not consumed because the account was
// verified before.
type VerificationResult struct {
	AlreadyVerified bool
}
