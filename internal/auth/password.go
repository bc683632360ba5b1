package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash in constant time.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// MaxPasswordBytes is the longest input bcrypt accepts.
const MaxPasswordBytes = 72

// DefaultSpecialChars is used when a PasswordPolicy has no special set configured.
const DefaultSpecialChars = "!@#$%^&*()_+-=[]{};:,.?/~"

// PasswordPolicy describes the complexity a new password must meet.
type PasswordPolicy struct {
	MinLength    int
	MaxLength    int
	SpecialChars string
}

// DefaultPasswordPolicy returns 8..64 characters with the default special set.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 8, MaxLength: 64, SpecialChars: DefaultSpecialChars}
}

// Check returns a *ValidationError naming the first rule the password breaks.
func (p PasswordPolicy) Check(password string) error {
	n := utf8.RuneCountInString(password)
	if p.MinLength > 0 && n < p.MinLength {
		return invalid("password", "min_length", fmt.Sprintf("Password must be at least %d characters long", p.MinLength))
	}
	if p.MaxLength > 0 && n > p.MaxLength {
		return invalid("password", "max_length", fmt.Sprintf("Password must be at most %d characters long", p.MaxLength))
	}
	if len(password) > MaxPasswordBytes {
		return invalid("password", "max_length", fmt.Sprintf("Password must be at most %d bytes long", MaxPasswordBytes))
	}
	special := p.SpecialChars
	if special == "" {
		special = DefaultSpecialChars
	}
	var digit, lower, upper, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case strings.ContainsRune(special, r):
			symbol = true
		}
	}
	switch {
	case !digit:
		return invalid("password", "digit", "Password must contain at least one digit")
	case !lower:
		return invalid("password", "lowercase", "Password must contain at least one lowercase letter")
	case !upper:
		return invalid("password", "uppercase", "Password must contain at least one uppercase letter")
	case !symbol:
		return invalid("password", "special", "Password must contain at least one of "+special)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// CheckEmail validates an email address used as a username.
func CheckEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return invalid("email", "required", "Email is required")
	}
	if err := validate.Var(email, "email"); err != nil {
		return invalid("email", "email", "Email address is not valid")
	}
	return nil
}

// NormalizeUsername trims and lower-cases an email-shaped username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
