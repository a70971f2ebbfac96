// Package stores holds the Redis-backed single-use code store shared by
// email verification and password reset.
package stores

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// Purpose namespaces codes so a verification code can never redeem a
// password reset.
type Purpose string

const (
	PurposeVerifyEmail   Purpose = "verify"
	PurposePasswordReset Purpose = "pwdreset"
)

var (
	ErrCodeNotFound         = errors.New("code not found")
	ErrCodeMismatch         = errors.New("code mismatch")
	ErrCodeExpired          = errors.New("code expired")
	ErrCodeRedisUnavailable = errors.New("code store redis unavailable")
)

const (
	codeRecordVersion = 1

	// maxCodeAttempts bounds guessing: after this many mismatches the
	// record is burned and the owner has to request a fresh code.
	maxCodeAttempts = 5
)

// consumeCodeLua atomically validates and deletes a code record.
// KEYS[1] = record key
// ARGV[1] = provided hash (32 bytes)
// ARGV[2] = current unix timestamp
// ARGV[3] = max failed attempts
//
// Record layout: version(1) expiresAt(8 big-endian) attempts(1) hash(32).
// A matching code is deleted in the same call so it can never be redeemed
// twice. A mismatch increments the attempt counter and deletes the record
// once the counter hits the bound.
var consumeCodeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local version = string.byte(data, 1)
if version ~= 1 or #data ~= 42 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local expiresAt = 0
for i = 2, 9 do
  expiresAt = expiresAt * 256 + string.byte(data, i)
end
if tonumber(ARGV[2]) > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

if string.sub(data, 11, 42) ~= ARGV[1] then
  local attempts = string.byte(data, 10) + 1
  if attempts >= tonumber(ARGV[3]) then
    redis.call('DEL', KEYS[1])
  else
    local updated = string.sub(data, 1, 9) .. string.char(attempts) .. string.sub(data, 11, 42)
    redis.call('SET', KEYS[1], updated, 'KEEPTTL')
  end
  return {err='mismatch'}
end

redis.call('DEL', KEYS[1])
return 1
`)

// CodeStore keeps one outstanding code per (purpose, user). Issuing a new
// code replaces any previous one.
type CodeStore struct {
	redis redis.UniversalClient
	ttl   time.Duration
	now   func() time.Time
}

func NewCodeStore(client redis.UniversalClient, ttl time.Duration) *CodeStore {
	return &CodeStore{redis: client, ttl: ttl, now: time.Now}
}

func (s *CodeStore) key(purpose Purpose, userID string) string {
	return "ac:" + string(purpose) + ":" + userID
}

// Issue generates a fresh 6-digit code, stores its hash, and returns the
// plain code for delivery. The raw code is never persisted.
func (s *CodeStore) Issue(ctx context.Context, purpose Purpose, userID string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}

	expiresAt := s.now().Add(s.ttl).Unix()
	record := make([]byte, 0, 42)
	record = append(record, codeRecordVersion)
	record = binary.BigEndian.AppendUint64(record, uint64(expiresAt))
	record = append(record, 0) // failed attempts
	hash := sha256.Sum256([]byte(code))
	record = append(record, hash[:]...)

	// Redis TTL runs past the logical expiry so a late attempt reads
	// "expired" rather than "not found".
	if err := s.redis.Set(ctx, s.key(purpose, userID), record, 2*s.ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, err)
	}
	return code, nil
}

// Consume validates the code and burns it. Exactly one of two concurrent
// consumers of the same valid code succeeds. Repeated wrong guesses burn
// the record after maxCodeAttempts failures.
func (s *CodeStore) Consume(ctx context.Context, purpose Purpose, userID, code string) error {
	hash := sha256.Sum256([]byte(code))
	nowArg := fmt.Sprintf("%d", s.now().Unix())

	err := consumeCodeLua.Run(ctx, s.redis, []string{s.key(purpose, userID)},
		string(hash[:]), nowArg, maxCodeAttempts).Err()
	if err == nil {
		return nil
	}

	switch err.Error() {
	case "not_found":
		return ErrCodeNotFound
	case "expired":
		return ErrCodeExpired
	case "mismatch":
		return ErrCodeMismatch
	}
	return fmt.Errorf("%w: %v", ErrCodeRedisUnavailable, err)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
