// Package rdb implements the refresh token store on Redis.
package rdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/ids"
)

// ErrRedisUnavailable wraps transport and server failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

// saveScript writes the record only if absent and indexes it under its subject.
const saveScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "subject", ARGV[2], "issued_at", ARGV[3], "expires_at", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
redis.call("SADD", KEYS[2], ARGV[6])
local ttl = redis.call("PTTL", KEYS[2])
if ttl < tonumber(ARGV[5]) then
  redis.call("PEXPIRE", KEYS[2], ARGV[5])
end
return 1
`

const revokeScript = `
local subject = redis.call("HGET", KEYS[1], "subject")
if not subject then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", ARGV[1] .. subject, ARGV[2])
return 1
`

// revokeAllScript deletes the records indexed under the subject at call time.
const revokeAllScript = `
local hashes = redis.call("SMEMBERS", KEYS[1])
local removed = 0
for _, h in ipairs(hashes) do
  removed = removed + redis.call("DEL", ARGV[1] .. h)
end
redis.call("DEL", KEYS[1])
return removed
`

var (
	saveLua      = redis.NewScript(saveScript)
	revokeLua    = redis.NewScript(revokeScript)
	revokeAllLua = redis.NewScript(revokeAllScript)
)

var _ auth.RefreshTokenStore = (*RefreshTokens)(nil)

// RefreshTokens implements auth.RefreshTokenStore. Records live at <prefix>rt:<sha256> with
// a TTL equal to their remaining lifetime; <prefix>rts:<subject> indexes them per subject.
// The revoke scripts derive record keys from the subject index at run time, so the store
// needs a single-node client rather than a cluster one.
type RefreshTokens struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRefreshTokens builds the store. prefix namespaces every key (e.g. "cwp:").
func NewRefreshTokens(rdb *redis.Client, prefix string) *RefreshTokens {
	return &RefreshTokens{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *RefreshTokens) tokenKey(hash string) string      { return r.prefix + "rt:" + hash }
func (r *RefreshTokens) subjectKey(subject string) string { return r.prefix + "rts:" + subject }

// Save stores tok. A token already past its expiry is rejected with auth.ErrTokenExpired
// since Redis cannot hold a key with a non-positive TTL.
func (r *RefreshTokens) Save(ctx context.Context, tok auth.RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	ttl := tok.ExpiresAt.Sub(r.now())
	if ttl < time.Millisecond {
		return auth.ErrTokenExpired
	}
	hash := auth.HashToken(tok.Token)
	res, err := saveLua.Run(ctx, r.rdb,
		[]string{r.tokenKey(hash), r.subjectKey(tok.Subject)},
		tok.ID, tok.Subject, tok.IssuedAt.UnixMilli(), tok.ExpiresAt.UnixMilli(), ttl.Milliseconds(), hash,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if res == 0 {
		return auth.ErrDuplicateToken
	}
	return nil
}

func (r *RefreshTokens) Revoke(ctx context.Context, token string) (bool, error) {
	hash := auth.HashToken(token)
	res, err := revokeLua.Run(ctx, r.rdb, []string{r.tokenKey(hash)}, r.prefix+"rts:", hash).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return res > 0, nil
}

func (r *RefreshTokens) RevokeAll(ctx context.Context, subject string) (bool, error) {
	res, err := revokeAllLua.Run(ctx, r.rdb, []string{r.subjectKey(subject)}, r.prefix+"rt:").Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return res > 0, nil
}

func (r *RefreshTokens) IsValid(ctx context.Context, subject, token string, at time.Time) (bool, error) {
	vals, err := r.rdb.HMGet(ctx, r.tokenKey(auth.HashToken(token)), "subject", "expires_at").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	stored, _ := vals[0].(string)
	rawExp, _ := vals[1].(string)
	if stored == "" || stored != subject {
		return false, nil
	}
	expMillis, err := strconv.ParseInt(rawExp, 10, 64)
	if err != nil {
		return false, nil
	}
	return at.Before(time.UnixMilli(expMillis)), nil
}

// Ping reports whether Redis answers within ctx.
func (r *RefreshTokens) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
