package auth

import (
	"context"
	"time"
)

// freeAttempts is the number of failures tolerated before throttling starts.
const freeAttempts = 3

// Throttle gates login attempts by the principal's recent failure count.
type Throttle struct {
	store CredentialStore
	now   func() time.Time
}

// NewThrottle builds a throttle over store. A nil clock means time.Now.
func NewThrottle(store CredentialStore, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{store: store, now: now}
}

// requiredWait is floor(10x/2) minutes for x excess attempts.
func requiredWait(attempts int) time.Duration {
	if attempts <= freeAttempts {
		return 0
	}
	x := attempts - freeAttempts
	return time.Duration(10*x/2) * time.Minute
}

func (t *Throttle) remaining(p *Principal) time.Duration {
	if p == nil || p.LoginAttempts <= freeAttempts {
		return 0
	}
	until := p.LastLoginAttempt.Add(requiredWait(p.LoginAttempts))
	left := until.Sub(t.now())
	if left <= 0 {
		return 0
	}
	return left
}

// Exceeded reports whether p is currently throttled. A nil principal is never throttled.
func (t *Throttle) Exceeded(p *Principal) bool {
	return t.remaining(p) > 0
}

// WaitMinutes is the remaining wait rounded up to whole minutes, 0 when not throttled.
func (t *Throttle) WaitMinutes(p *Principal) int {
	left := t.remaining(p)
	if left <= 0 {
		return 0
	}
	return int((left + time.Minute - 1) / time.Minute)
}

// RecordFailure bumps the attempt counter and stamps time and source address.
func (t *Throttle) RecordFailure(ctx context.Context, username, source string) (int, error) {
	return t.store.RecordLoginFailure(ctx, username, t.now(), source)
}

// RecordSuccess zeroes the attempt counter. The last attempt timestamp is left alone.
func (t *Throttle) RecordSuccess(ctx context.Context, username string) error {
	return t.store.ResetLoginAttempts(ctx, username)
}
