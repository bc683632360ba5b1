package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CredentialStore persists principals. Lookups return ErrNotFound when nothing matches.
type CredentialStore interface {
	FindByUsername(ctx context.Context, username string) (*Principal, error)
	FindByActivationToken(ctx context.Context, token string) (*Principal, error)
	FindByResetToken(ctx context.Context, token string) (*Principal, error)
	// Save inserts or updates the principal together with its role set.
	Save(ctx context.Context, p *Principal) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)

	// The methods below change single columns so concurrent flows on one account
	// do not overwrite each other. Unknown usernames yield ErrNotFound.

	SetSuspended(ctx context.Context, username string, suspended bool) error
	// SetResetToken stores a reset token and its expiry, replacing any earlier one.
	SetResetToken(ctx context.Context, username, token string, expiresAt time.Time) error
	// UpdateProfile replaces the names and the role set.
	UpdateProfile(ctx context.Context, username string, u ProfileUpdate) error
	// ConsumeActivationToken clears the activation token of the account holding it and
	// reports whether one did. A token is consumed at most once.
	ConsumeActivationToken(ctx context.Context, token string) (bool, error)
	// ConsumeResetToken sets passwordHash and clears the reset token, provided the token is
	// still held and unexpired at the given time. It reports whether the token was consumed.
	ConsumeResetToken(ctx context.Context, token, passwordHash string, at time.Time) (bool, error)

	// RecordLoginFailure atomically increments the attempt counter, stamps the attempt
	// time and source address, and returns the new count. ErrNotFound for unknown users.
	RecordLoginFailure(ctx context.Context, username string, at time.Time, source string) (int, error)
	// ResetLoginAttempts sets the attempt counter to zero.
	ResetLoginAttempts(ctx context.Context, username string) error
}

// ProfileUpdate carries the administrator-editable account fields.
type ProfileUpdate struct {
	FirstName string
	LastName  string
	Roles     []string
}

// RefreshTokenStore persists issued refresh tokens so they can be revoked.
type RefreshTokenStore interface {
	// Save fails with ErrDuplicateToken when the token is already stored.
	Save(ctx context.Context, tok RefreshToken) error
	// Revoke removes the record for token and reports whether one existed.
	Revoke(ctx context.Context, token string) (bool, error)
	// RevokeAll removes every record of subject existing at call time and reports whether any did.
	RevokeAll(ctx context.Context, subject string) (bool, error)
	// IsValid reports whether token is stored, bound to subject and unexpired at the given time.
	IsValid(ctx context.Context, subject, token string, at time.Time) (bool, error)
}

// ActivationMessage asks the user to confirm a freshly created account.
type ActivationMessage struct {
	Email string
	Name  string
	Token string
}

// ResetMessage carries a password reset token and its expiry.
type ResetMessage struct {
	Email     string
	Name      string
	Token     string
	ExpiresAt time.Time
}

// Notifier delivers account messages. Failures are logged by the caller and never abort a flow.
type Notifier interface {
	SendActivation(ctx context.Context, msg ActivationMessage) error
	SendPasswordReset(ctx context.Context, msg ResetMessage) error
}

// HashToken is the storage key for a refresh token; raw tokens are never persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
