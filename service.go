// Package timeblocks implements the authentication and session subsystem of
// the timeblocks backend: signup with email verification, password login,
// refresh token rotation with replay detection, and password reset.
package timeblocks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/timeblocks/timeblocks/internal/logger"
	"github.com/timeblocks/timeblocks/internal/rate"
	"github.com/timeblocks/timeblocks/internal/stores"
	"github.com/timeblocks/timeblocks/password"
	"github.com/timeblocks/timeblocks/refreshtoken"
	"github.com/timeblocks/timeblocks/token"
	"github.com/timeblocks/timeblocks/user"
)

const minPasswordLength = 8

// Service is the session engine. All methods are safe for concurrent use.
type Service struct {
	users    user.Store
	tokens   refreshtoken.Store
	codec    *token.Codec
	hasher   *password.Hasher
	codes    *stores.CodeStore
	limiter  *rate.Limiter
	notifier Notifier
	metrics  *Metrics
	log      logger.Logger
	now      func() time.Time
}

// Deps carries the service's collaborators. All fields are required except
// Metrics, which may be nil.
type Deps struct {
	Users    user.Store
	Tokens   refreshtoken.Store
	Codec    *token.Codec
	Hasher   *password.Hasher
	Codes    *stores.CodeStore
	Limiter  *rate.Limiter
	Notifier Notifier
	Metrics  *Metrics
	Log      logger.Logger
}

func NewService(d Deps) (*Service, error) {
	if d.Users == nil || d.Tokens == nil || d.Codec == nil || d.Hasher == nil ||
		d.Codes == nil || d.Limiter == nil || d.Notifier == nil || d.Log == nil {
		return nil, errors.New("missing service dependency")
	}
	return &Service{
		users:    d.Users,
		tokens:   d.Tokens,
		codec:    d.Codec,
		hasher:   d.Hasher,
		codes:    d.Codes,
		limiter:  d.Limiter,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log,
		now:      time.Now,
	}, nil
}

// Signup creates an unverified account and sends its verification code.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*user.User, error) {
	if err := s.checkLimit("signup:" + in.ClientKey); err != nil {
		return nil, err
	}
	if len(in.Password) < minPasswordLength {
		return nil, ErrPasswordPolicy
	}

	email := user.NormalizeEmail(in.Email)
	taken, err := s.users.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if taken {
		s.metrics.Inc(MetricSignupDuplicate)
		return nil, ErrEmailTaken
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	u := &user.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         in.Name,
		PasswordHash: hash,
		Role:         user.RoleUser,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			s.metrics.Inc(MetricSignupDuplicate)
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	if err := s.sendVerification(ctx, u); err != nil {
		// The account exists either way; the user can ask for a resend.
		s.log.Warn("verification code issue failed",
			logger.String("user_id", u.ID), logger.Error(err))
	}

	s.metrics.Inc(MetricSignupSuccess)
	s.log.Info("user signed up", logger.String("user_id", u.ID))
	return u, nil
}

// ResendVerification issues a fresh verification code for an unverified
// account. Unknown emails succeed silently.
func (s *Service) ResendVerification(ctx context.Context, clientKey, email string) error {
	if err := s.checkLimit("signup:" + clientKey); err != nil {
		return err
	}
	u, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, user.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.Verified() {
		return nil
	}
	return s.sendVerification(ctx, u)
}

// VerifyEmail consumes a verification code. Verifying an already verified
// account succeeds without touching the code.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) (VerificationResult, error) {
	u, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, user.ErrNotFound) {
		return VerificationResult{}, ErrUserNotFound
	}
	if err != nil {
		return VerificationResult{}, err
	}

	if u.Verified() {
		return VerificationResult{AlreadyVerified: true}, nil
	}

	if err := s.consumeCode(ctx, stores.PurposeVerifyEmail, u.ID, code); err != nil {
		return VerificationResult{}, err
	}
	if err := s.users.MarkVerified(ctx, u.ID, s.now().UTC()); err != nil {
		return VerificationResult{}, err
	}

	s.metrics.Inc(MetricEmailVerified)
	s.log.Info("email verified", logger.String("user_id", u.ID))
	return VerificationResult{}, nil
}

// Login verifies credentials and issues a fresh token pair. Unknown emails
// and wrong passwords both come back as ErrBadCredentials.
func (s *Service) Login(ctx context.Context, clientKey, email, plainPassword string) (*user.User, *TokenPair, error) {
	if err := s.checkLimit("login:" + clientKey); err != nil {
		return nil, nil, err
	}

	u, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, user.ErrNotFound) {
		s.metrics.Inc(MetricLoginFailure)
		return nil, nil, ErrBadCredentials
	}
	if err != nil {
		return nil, nil, err
	}

	ok, err := s.hasher.Verify(plainPassword, u.PasswordHash)
	if err != nil {
		// An unreadable stored hash is a data problem, not a wrong password.
		s.log.Error("stored password hash unreadable",
			logger.String("user_id", u.ID), logger.Error(err))
		return nil, nil, fmt.Errorf("verify password: %v", err)
	}
	if !ok {
		s.metrics.Inc(MetricLoginFailure)
		s.log.Warn("login failed", logger.String("user_id", u.ID))
		return nil, nil, ErrBadCredentials
	}

	if !u.Verified() {
		return nil, nil, ErrEmailNotVerified
	}

	pair, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.Inc(MetricLoginSuccess)
	s.log.Info("login", logger.String("user_id", u.ID))
	return u, pair, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. A token that was already rotated is treated as stolen and
// revokes every outstanding token of its owner.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*user.User, *TokenPair, error) {
	claims, err := s.codec.ParseRefresh(rawRefresh)
	if err != nil {
		s.metrics.Inc(MetricRefreshFailure)
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	rec, err := s.tokens.Claim(ctx, refreshtoken.Hash(rawRefresh))
	if errors.Is(err, refreshtoken.ErrNotFound) {
		return nil, nil, s.handlePotentialReplay(ctx, claims)
	}
	if err != nil {
		return nil, nil, err
	}

	// The record must be exactly the one the token names. A mismatch means
	// the token was spliced together, so the record is destroyed on the spot.
	if rec.ID != claims.ID || rec.OwnerID != claims.Subject {
		s.metrics.Inc(MetricRefreshFailure)
		if err := s.tokens.Revoke(ctx, rec, true); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrInvalidToken
	}

	u, err := s.users.FindByID(ctx, rec.OwnerID)
	if errors.Is(err, user.ErrNotFound) {
		s.metrics.Inc(MetricRefreshFailure)
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, err
	}

	pair, err := s.issuePair(ctx, u)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.Inc(MetricRefreshSuccess)
	return u, pair, nil
}

// Logout deletes the presented refresh token outright. The record must not
// linger for replay detection: a client retrying refresh after logout is
// routine, not theft, and other sessions of the same user stay untouched.
// Invalid or already revoked tokens are ignored so logout never fails
// visibly.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	if rawRefresh == "" {
		return nil
	}
	if _, err := s.codec.ParseRefresh(rawRefresh); err != nil {
		return nil
	}

	rec, err := s.tokens.FindActive(ctx, refreshtoken.Hash(rawRefresh))
	if errors.Is(err, refreshtoken.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.tokens.Revoke(ctx, rec, true); err != nil {
		return err
	}

	s.metrics.Inc(MetricLogout)
	return nil
}

// RequestPasswordReset issues a reset code. Unknown emails succeed silently
// so the endpoint cannot be used to probe for accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = user.NormalizeEmail(email)
	if err := s.checkLimit("pwdreset:" + email); err != nil {
		return err
	}

	u, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, user.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	code, err := s.codes.Issue(ctx, stores.PurposePasswordReset, u.ID)
	if err != nil {
		return err
	}
	if err := s.notifier.PasswordResetCode(ctx, u.Email, code); err != nil {
		s.log.Warn("password reset code delivery failed",
			logger.String("user_id", u.ID), logger.Error(err))
	}

	s.metrics.Inc(MetricPasswordResetRequest)
	s.log.Info("password reset requested", logger.String("user_id", u.ID))
	return nil
}

// ResetPassword consumes a reset code, replaces the password, and revokes
// every outstanding refresh token of the account.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrPasswordPolicy
	}

	u, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, user.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return err
	}

	if err := s.consumeCode(ctx, stores.PurposePasswordReset, u.ID, code); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, u.ID, hash); err != nil {
		return err
	}
	if err := s.tokens.RevokeAllFor(ctx, u.ID); err != nil {
		return err
	}

	s.metrics.Inc(MetricPasswordResetSuccess)
	s.log.Info("password reset", logger.String("user_id", u.ID))
	return nil
}

// GetUser looks up an account for authenticated surfaces.
func (s *Service) GetUser(ctx context.Context, id string) (*user.User, error) {
	u, err := s.users.FindByID(ctx, id)
	if errors.Is(err, user.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// MetricsSnapshot exposes counter values for logging or admin endpoints.
func (s *Service) MetricsSnapshot() map[MetricID]uint64 {
	return s.metrics.Snapshot()
}

func (s *Service) issuePair(ctx context.Context, u *user.User) (*TokenPair, error) {
	tokenID := uuid.NewString()
	rawRefresh, err := s.codec.SignRefresh(u.ID, tokenID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := &refreshtoken.Record{
		ID:         tokenID,
		OwnerID:    u.ID,
		SecretHash: refreshtoken.Hash(rawRefresh),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.codec.RefreshTTL()),
	}
	if err := s.tokens.Save(ctx, rec); err != nil {
		return nil, err
	}

	access, err := s.codec.SignAccess(u.ID, string(u.Role), u.Email)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		AccessTTL:    s.codec.AccessTTL(),
		RefreshTTL:   s.codec.RefreshTTL(),
	}, nil
}

// handlePotentialReplay runs after a refresh token missed the hash lookup.
// If its record still exists by ID, the token was rotated before and is now
// being replayed, so the whole owner gets revoked.
func (s *Service) handlePotentialReplay(ctx context.Context, claims *token.RefreshClaims) error {
	old, err := s.tokens.FindByID(ctx, claims.ID)
	if errors.Is(err, refreshtoken.ErrNotFound) {
		s.metrics.Inc(MetricRefreshFailure)
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}

	s.metrics.Inc(MetricReplayDetected)
	s.log.Warn("refresh token replay detected, revoking all tokens",
		logger.String("user_id", old.OwnerID),
		logger.String("token_id", old.ID))
	if err := s.tokens.RevokeAllFor(ctx, old.OwnerID); err != nil {
		return err
	}
	return ErrTokenReplayDetected
}

func (s *Service) sendVerification(ctx context.Context, u *user.User) error {
	code, err := s.codes.Issue(ctx, stores.PurposeVerifyEmail, u.ID)
	if err != nil {
		return err
	}
	// Delivery is fire and forget: a failed send must not fail the caller.
	if err := s.notifier.VerificationCode(ctx, u.Email, code); err != nil {
		s.log.Warn("verification code delivery failed",
			logger.String("user_id", u.ID), logger.Error(err))
	}
	return nil
}

func (s *Service) consumeCode(ctx context.Context, purpose stores.Purpose, userID, code string) error {
	err := s.codes.Consume(ctx, purpose, userID, code)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrCodeExpired):
		return ErrCodeExpired
	case errors.Is(err, stores.ErrCodeNotFound), errors.Is(err, stores.ErrCodeMismatch):
		return ErrInvalidCode
	}
	return err
}

func (s *Service) checkLimit(key string) error {
	if err := s.limiter.Check(key); err != nil {
		s.metrics.Inc(MetricRateLimitHit)
		return ErrRateLimited
	}
	return nil
}
