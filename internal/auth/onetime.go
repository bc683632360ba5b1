package auth

import (
	"time"

	"cwphosting.org/internal/ids"
)

const (
	defaultActivationGrace = 7 * 24 * time.Hour
	defaultResetTTL        = time.Hour
)

// OneTimeTokens issues and checks activation and password reset tokens held on a Principal.
type OneTimeTokens struct {
	grace    time.Duration
	resetTTL time.Duration
	now      func() time.Time
	newToken func() string
}

// NewOneTimeTokens builds the policy. Non-positive durations fall back to the defaults.
func NewOneTimeTokens(grace, resetTTL time.Duration, now func() time.Time) *OneTimeTokens {
	if grace <= 0 {
		grace = defaultActivationGrace
	}
	if resetTTL <= 0 {
		resetTTL = defaultResetTTL
	}
	if now == nil {
		now = time.Now
	}
	return &OneTimeTokens{grace: grace, resetTTL: resetTTL, now: now, newToken: ids.Token}
}

// IssueActivation stores a fresh activation token on p and returns it.
func (o *OneTimeTokens) IssueActivation(p *Principal) string {
	p.ActivationToken = o.newToken()
	return p.ActivationToken
}

// AccountNonExpired is true while an unactivated account is inside its grace period,
// and always true once activated.
func (o *OneTimeTokens) AccountNonExpired(p *Principal) bool {
	if p.Activated() {
		return true
	}
	return !o.now().After(p.CreatedAt.Add(o.grace))
}

// Activate clears the activation token when it matches.
func (o *OneTimeTokens) Activate(p *Principal, token string) error {
	if token == "" || p.Activated() || p.ActivationToken != token {
		return ErrTokenRevokedOrUnknown
	}
	p.ActivationToken = ""
	return nil
}

// IssueReset replaces any earlier reset token with a new one.
func (o *OneTimeTokens) IssueReset(p *Principal) (string, time.Time) {
	p.ResetToken = o.newToken()
	p.ResetExpiresAt = o.now().Add(o.resetTTL)
	return p.ResetToken, p.ResetExpiresAt
}

// ValidateReset requires a matching token that has not reached its expiry.
func (o *OneTimeTokens) ValidateReset(p *Principal, token string) error {
	if token == "" || p.ResetToken == "" || p.ResetToken != token {
		return ErrTokenRevokedOrUnknown
	}
	if !o.now().Before(p.ResetExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}
