package timeblocks

import "errors"

var (
	// ErrBadCredentials covers unknown emails and wrong passwords alike so
	// login failures never reveal which half was wrong.
	ErrBadCredentials = errors.New("bad credentials")
	// ErrEmailNotVerified rejects logins from accounts that never completed
	// email verification.
	ErrEmailNotVerified = errors.New("email not verified")
	// ErrEmailTaken reports a signup against an existing address.
	ErrEmailTaken = errors.New("email already taken")
	// ErrUserNotFound reports a lookup miss on an authenticated surface.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCode reports a wrong or unknown verification/reset code.
	ErrInvalidCode = errors.New("invalid code")
	// ErrCodeExpired reports a code past its lifetime.
	ErrCodeExpired = errors.New("code expired")
	// ErrInvalidToken covers every token failure shown to clients,
	// including replay. Transports must not distinguish replay from an
	// ordinary bad token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenReplayDetected marks an already-rotated refresh token being
	// presented again. Transports map it to the same response as
	// ErrInvalidToken.
	ErrTokenReplayDetected = errors.New("token replay detected")
	// ErrRateLimited reports an exhausted request budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrPasswordPolicy rejects passwords below the minimum length.
	ErrPasswordPolicy = errors.New("password policy violation")
)
