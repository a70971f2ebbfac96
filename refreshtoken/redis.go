package refreshtoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	rt:<id>     encoded record, TTL to natural expiry (or retention once revoked)
//	rth:<hash>  secret hash index, value is the record ID
//	rtu:<owner> set of record IDs belonging to one owner
const (
	recordKeyPrefix = "rt:"
	hashKeyPrefix   = "rth:"
	ownerKeyPrefix  = "rtu:"
)

// claimScript atomically consumes the hash index entry so only one caller
// can claim a given token. The record blob itself is returned along with its
// remaining TTL; the caller rewrites it as revoked.
const claimScript = `
local id = redis.call("GET", KEYS[1])
if not id then
  return nil
end
redis.call("DEL", KEYS[1])
local record_key = ARGV[1] .. id
local data = redis.call("GET", record_key)
if not data then
  return nil
end
local ttl = redis.call("PTTL", record_key)
return {id, data, ttl}
`

var claimLua = redis.NewScript(claimScript)

// RedisStore keeps refresh token records in Redis with per-key TTLs, so
// expired records disappear without a janitor.
type RedisStore struct {
	redis     redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a store on the given client. retention bounds how
// long revoked records stay visible for replay detection; zero keeps them
// until their natural expiry.
func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	return &RedisStore{redis: client, retention: retention, now: time.Now}
}

func recordKey(id string) string     { return recordKeyPrefix + id }
func hashKey(hash string) string     { return hashKeyPrefix + hash }
func ownerKey(ownerID string) string { return ownerKeyPrefix + ownerID }

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return errors.New("record already expired")
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(rec.ID), data, ttl)
		pipe.Set(ctx, hashKey(rec.SecretHash), rec.ID, ttl)
		pipe.SAdd(ctx, ownerKey(rec.OwnerID), rec.ID)
		pipe.Expire(ctx, ownerKey(rec.OwnerID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) FindActive(ctx context.Context, secretHash string) (*Record, error) {
	id, err := s.redis.Get(ctx, hashKey(secretHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	rec, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Active(s.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*Record, error) {
	data, err := s.redis.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Decode(data)
}

func (s *RedisStore) Claim(ctx context.Context, secretHash string) (*Record, error) {
	res, err := claimLua.Run(ctx, s.redis, []string{hashKey(secretHash)}, recordKeyPrefix).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return nil, ErrNotFound
	}
	data, ok := parts[1].(string)
	if !ok {
		return nil, ErrNotFound
	}
	remainingMS, _ := parts[2].(int64)

	rec, err := Decode([]byte(data))
	if err != nil {
		return nil, err
	}
	if !rec.Active(s.now()) {
		return nil, ErrNotFound
	}

	rec.RevokedAt = s.now().UTC()
	if err := s.writeRevoked(ctx, rec, time.Duration(remainingMS)*time.Millisecond); err != nil {
		return nil, err
	}
	return rec, nil
}

// Revoke takes one record out of circulation. An immediate revoke deletes
// every trace; a plain revoke keeps the record visible by ID like a claimed
// one, with the retention-capped TTL.
func (s *RedisStore) Revoke(ctx context.Context, rec *Record, immediate bool) error {
	if immediate {
		_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, recordKey(rec.ID))
			pipe.Del(ctx, hashKey(rec.SecretHash))
			pipe.SRem(ctx, ownerKey(rec.OwnerID), rec.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil
	}

	if rec.RevokedAt.IsZero() {
		rec.RevokedAt = s.now().UTC()
	}
	if err := s.redis.Del(ctx, hashKey(rec.SecretHash)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.writeRevoked(ctx, rec, time.Until(rec.ExpiresAt))
}

// RevokeAllFor deletes every active record of one owner. Records already
// revoked by rotation keep their retention TTL and lapse on their own.
//
// Not fully atomic: a record issued between the member read and the write
// pipeline is missed. The window is tiny and the stray record still expires
// naturally; callers needing certainty can invoke this twice.
func (s *RedisStore) RevokeAllFor(ctx context.Context, ownerID string) error {
	ids, err := s.redis.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	for _, id := range ids {
		rec, err := s.FindByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !rec.RevokedAt.IsZero() {
			continue
		}

		_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, recordKey(rec.ID))
			pipe.Del(ctx, hashKey(rec.SecretHash))
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	if err := s.redis.Del(ctx, ownerKey(ownerID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// PurgeExpired is a no-op: Redis TTLs reap expired records on their own.
func (s *RedisStore) PurgeExpired(ctx context.Context) error { return nil }

func (s *RedisStore) writeRevoked(ctx context.Context, rec *Record, remaining time.Duration) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, recordKey(rec.ID), data, s.revokedTTL(remaining)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) revokedTTL(remaining time.Duration) time.Duration {
	if remaining <= 0 {
		remaining = time.Second
	}
	if s.retention > 0 && s.retention < remaining {
		return s.retention
	}
	return remaining
}
