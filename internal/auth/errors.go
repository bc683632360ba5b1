package auth

import (
	"errors"
	"fmt"
)

// Authentication and token failures. Callers match on these with errors.Is.
var (
	ErrTooManyAttempts       = errors.New("auth: too many login attempts")
	ErrUserNotFound          = errors.New("auth: user not found")
	ErrAccountSuspended      = errors.New("auth: account suspended")
	ErrAccountNotActivated   = errors.New("auth: account not activated")
	ErrBadCredentials        = errors.New("auth: bad credentials")
	ErrTokenExpired          = errors.New("auth: token expired")
	ErrTokenMalformed        = errors.New("auth: token malformed")
	ErrTokenSignatureInvalid = fmt.Errorf("%w: signature invalid", ErrTokenMalformed)
	ErrTokenRevokedOrUnknown = errors.New("auth: token revoked or unknown")
	ErrStorageUnavailable    = errors.New("auth: storage unavailable")
	ErrValidationFailed      = errors.New("auth: validation failed")
	ErrAlreadyExists         = errors.New("auth: already exists")
)

// Store-level outcomes returned by CredentialStore and RefreshTokenStore implementations.
var (
	ErrNotFound       = errors.New("auth: not found")
	ErrDuplicateToken = errors.New("auth: duplicate refresh token")
)

// ThrottledError carries the wait time of a TooManyAttempts rejection.
type ThrottledError struct {
	WaitMinutes int
}

func (e *ThrottledError) Error() string {
	unit := "minutes"
	if e.WaitMinutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("too many login attempts, wait at least %d %s before trying again", e.WaitMinutes, unit)
}

func (e *ThrottledError) Is(target error) bool { return target == ErrTooManyAttempts }

// ValidationError names the field and the rule it broke.
type ValidationError struct {
	Field   string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Rule)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

func invalid(field, rule, msg string) error {
	return &ValidationError{Field: field, Rule: rule, Message: msg}
}

// badCredentialsMessage is shared by unknown-user and wrong-password failures.
const badCredentialsMessage = "Bad credentials"

// UserMessage returns text safe to show at the request boundary. Internal detail never leaks,
// and unknown users read exactly like wrong passwords.
func UserMessage(err error) string {
	var throttled *ThrottledError
	var invalidErr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &throttled):
		return throttled.Error()
	case errors.As(err, &invalidErr):
		return invalidErr.Error()
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrBadCredentials):
		return badCredentialsMessage
	case errors.Is(err, ErrAccountSuspended):
		return "Unable to login. Account is suspended"
	case errors.Is(err, ErrAccountNotActivated):
		return "Unable to login. You need to activate your account first."
	case errors.Is(err, ErrTokenExpired):
		return "Token has expired. Please request a new token"
	case errors.Is(err, ErrTokenMalformed):
		return "Unable to verify token. Please request a new token"
	case errors.Is(err, ErrTokenRevokedOrUnknown):
		return "Token was not accepted"
	case errors.Is(err, ErrAlreadyExists):
		return "User with given email already exists"
	case errors.Is(err, ErrStorageUnavailable):
		return "Service temporarily unavailable, please retry"
	default:
		return "Internal error"
	}
}
