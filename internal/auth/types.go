package auth

import (
	"slices"
	"strings"
	"time"
)

// Default role names.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Principal is the stored identity record being authenticated. Username is the email address.
type Principal struct {
	ID           string
	Username     string
	FirstName    string
	LastName     string
	PasswordHash string
	Roles        []string
	Suspended    bool
	CreatedAt    time.Time

	LoginAttempts    int
	LastLoginAttempt time.Time
	FailedLoginIP    string

	// ActivationToken is empty once the account has been activated.
	ActivationToken string
	ResetToken      string
	ResetExpiresAt  time.Time
}

// Activated reports whether the activation token has been consumed.
func (p *Principal) Activated() bool { return p.ActivationToken == "" }

// Clone returns a deep copy so stores never share mutable state with callers.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Roles = slices.Clone(p.Roles)
	return &cp
}

// Identity is the request-scoped view of an authenticated principal.
type Identity struct {
	ID        string
	Subject   string
	Roles     []string
	Suspended bool
	Activated bool
}

// HasRole reports whether the identity holds role (case-insensitive).
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// ToIdentity maps a stored principal to the identity attached to requests.
func ToIdentity(p *Principal) Identity {
	if p == nil {
		return Identity{}
	}
	return Identity{
		ID:        p.ID,
		Subject:   p.Username,
		Roles:     normalizeRoles(p.Roles),
		Suspended: p.Suspended,
		Activated: p.Activated(),
	}
}

// RefreshToken is a persisted refresh token record.
type RefreshToken struct {
	ID        string
	Subject   string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// normalizeRoles upper-cases, trims and dedupes role names, keeping first-seen order.
func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var out []string
	for _, role := range roles {
		role = strings.ToUpper(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}
