package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"cwphosting.org/internal/ids"
	"cwphosting.org/internal/obs"
)

const defaultStoreTimeout = 3 * time.Second

// Service runs the login, token and account flows over the credential and refresh token stores.
type Service struct {
	creds    CredentialStore
	refresh  RefreshTokenStore
	codec    *Codec
	throttle *Throttle
	onetime  *OneTimeTokens
	notifier Notifier
	policy   PasswordPolicy
	log      zerolog.Logger

	now              func() time.Time
	storeTimeout     time.Duration
	activationGrace  time.Duration
	resetTTL         time.Duration
	suspendByDefault bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithNotifier sets the account message sink. Without one, messages are discarded.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithPasswordPolicy overrides the complexity rules applied at sign-up and reset.
func WithPasswordPolicy(p PasswordPolicy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// WithOneTimeWindows sets the activation grace period and reset token lifetime.
func WithOneTimeWindows(grace, resetTTL time.Duration) ServiceOption {
	return func(s *Service) {
		s.activationGrace = grace
		s.resetTTL = resetTTL
	}
}

// WithStoreTimeout bounds every storage call.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithSuspendByDefault makes self-registered accounts start suspended.
func WithSuspendByDefault(v bool) ServiceOption {
	return func(s *Service) { s.suspendByDefault = v }
}

// WithServiceClock overrides time source (useful for tests). Pass the same clock to the Codec.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the stores and codec into a Service.
func NewService(creds CredentialStore, refresh RefreshTokenStore, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if creds == nil || refresh == nil || codec == nil {
		return nil, errors.New("auth: credential store, refresh store and codec are required")
	}
	s := &Service{
		creds:        creds,
		refresh:      refresh,
		codec:        codec,
		notifier:     discardNotifier{},
		policy:       DefaultPasswordPolicy(),
		log:          obs.Component("auth"),
		now:          time.Now,
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.throttle = NewThrottle(creds, s.now)
	s.onetime = NewOneTimeTokens(s.activationGrace, s.resetTTL, s.now)
	return s, nil
}

// LoginRequest carries submitted credentials and the caller's address.
type LoginRequest struct {
	Username      string
	Password      string
	SourceAddress string
}

// Login authenticates credentials and issues an access and refresh token pair.
//
// The principal is loaded once and gated by the throttle before its existence is
// acted on, so unknown users and throttled users take the same path up to that point.
func (s *Service) Login(ctx context.Context, req LoginRequest) (TokenPair, error) {
	username := NormalizeUsername(req.Username)
	if username == "" {
		obs.ObserveLogin("invalid")
		return TokenPair{}, invalid("username", "required", "Username is required")
	}

	p, err := s.findByUsername(ctx, username)
	if err != nil && !errors.Is(err, ErrNotFound) {
		obs.ObserveLogin("unavailable")
		return TokenPair{}, err
	}
	if s.throttle.Exceeded(p) {
		obs.ObserveLogin("throttled")
		return TokenPair{}, &ThrottledError{WaitMinutes: s.throttle.WaitMinutes(p)}
	}
	if p == nil {
		_ = VerifyPassword(timingHash(), req.Password)
		obs.ObserveLogin("unknown_user")
		return TokenPair{}, ErrUserNotFound
	}
	if p.Suspended {
		obs.ObserveLogin("suspended")
		return TokenPair{}, ErrAccountSuspended
	}
	if !s.onetime.AccountNonExpired(p) {
		obs.ObserveLogin("not_activated")
		return TokenPair{}, ErrAccountNotActivated
	}
	if err := VerifyPassword(p.PasswordHash, req.Password); err != nil {
		return TokenPair{}, s.loginFailed(ctx, p, req.SourceAddress)
	}

	pair, err := s.issuePair(ctx, p)
	if err != nil {
		obs.ObserveLogin("error")
		return TokenPair{}, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.throttle.RecordSuccess(sctx, p.Username); err != nil {
		s.log.Warn().Err(err).Str("subject", p.Username).Msg("reset login attempts failed")
	}
	obs.ObserveLogin("success")
	return pair, nil
}

// loginFailed records the failure and reports TooManyAttempts when this failure crossed the threshold.
func (s *Service) loginFailed(ctx context.Context, p *Principal, source string) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	attempts, err := s.throttle.RecordFailure(sctx, p.Username, source)
	if err != nil {
		obs.ObserveLogin("unavailable")
		return storageErr("record login failure", err)
	}
	after := p.Clone()
	after.LoginAttempts = attempts
	after.LastLoginAttempt = s.now()
	if s.throttle.Exceeded(after) {
		obs.ObserveLogin("throttled")
		return &ThrottledError{WaitMinutes: s.throttle.WaitMinutes(after)}
	}
	obs.ObserveLogin("bad_credentials")
	return ErrBadCredentials
}

func (s *Service) issuePair(ctx context.Context, p *Principal) (TokenPair, error) {
	access, err := s.codec.Issue(p.Username, p.Roles, KindAccess)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.codec.Issue(p.Username, nil, KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rec := RefreshToken{
		ID:        refresh.ID,
		Subject:   p.Username,
		Token:     refresh.Token,
		IssuedAt:  refresh.IssuedAt,
		ExpiresAt: refresh.ExpiresAt,
	}
	if err := s.refresh.Save(sctx, rec); err != nil {
		// Login still succeeds; the refresh token just cannot be exchanged later.
		obs.RefreshStoreDegraded()
		s.log.Warn().Err(err).Str("subject", p.Username).Msg("refresh token not persisted")
	}
	return TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// Refresh exchanges a stored refresh token for a new access token. The refresh token is
// returned unchanged.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.codec.VerifyKind(refreshToken, KindRefresh)
	if err != nil {
		obs.ObserveRefresh("invalid")
		return TokenPair{}, err
	}
	p, err := s.principalForToken(ctx, claims.Subject)
	if err != nil {
		obs.ObserveRefresh("rejected")
		return TokenPair{}, err
	}
	sctx, cancel := s.storeCtx(ctx)
	valid, err := s.refresh.IsValid(sctx, p.Username, refreshToken, s.now())
	cancel()
	if err != nil {
		obs.ObserveRefresh("unavailable")
		return TokenPair{}, storageErr("check refresh token", err)
	}
	if !valid {
		obs.ObserveRefresh("revoked")
		return TokenPair{}, ErrTokenRevokedOrUnknown
	}
	access, err := s.codec.Issue(p.Username, p.Roles, KindAccess)
	if err != nil {
		obs.ObserveRefresh("error")
		return TokenPair{}, err
	}
	obs.ObserveRefresh("success")
	return TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke deletes a single refresh token.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrTokenMalformed
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	removed, err := s.refresh.Revoke(sctx, refreshToken)
	if err != nil {
		return storageErr("revoke refresh token", err)
	}
	if !removed {
		return ErrTokenRevokedOrUnknown
	}
	return nil
}

// RevokeAll deletes every refresh token of subject.
func (s *Service) RevokeAll(ctx context.Context, subject string) error {
	subject = NormalizeUsername(subject)
	if subject == "" {
		return invalid("username", "required", "Username is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	removed, err := s.refresh.RevokeAll(sctx, subject)
	if err != nil {
		return storageErr("revoke all refresh tokens", err)
	}
	if !removed {
		return ErrTokenRevokedOrUnknown
	}
	return nil
}

// Authenticate verifies an access token and returns the current identity of its subject.
// Roles come from the store, not the token.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Identity, error) {
	claims, err := s.codec.VerifyKind(accessToken, KindAccess)
	if err != nil {
		return Identity{}, err
	}
	p, err := s.principalForToken(ctx, claims.Subject)
	if err != nil {
		return Identity{}, err
	}
	return ToIdentity(p), nil
}

func (s *Service) principalForToken(ctx context.Context, subject string) (*Principal, error) {
	p, err := s.findByUsername(ctx, subject)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrTokenRevokedOrUnknown
	}
	if err != nil {
		return nil, err
	}
	if p.Suspended {
		return nil, ErrAccountSuspended
	}
	return p, nil
}

// NewAccount describes an account to register.
type NewAccount struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	// Roles and Activated are honoured by CreateAccount only.
	Roles     []string
	Activated bool
}

// SignUp registers a self-service account with role USER and sends the activation message.
func (s *Service) SignUp(ctx context.Context, in NewAccount) (*Principal, error) {
	if err := s.policy.Check(in.Password); err != nil {
		return nil, err
	}
	in.Roles = []string{RoleUser}
	in.Activated = false
	return s.register(ctx, in, s.suspendByDefault)
}

// CreateAccount registers an account on behalf of an administrator. Password complexity is
// not enforced.
func (s *Service) CreateAccount(ctx context.Context, in NewAccount) (*Principal, error) {
	if in.Password == "" {
		return nil, invalid("password", "required", "Password is required")
	}
	if len(in.Password) > MaxPasswordBytes {
		return nil, invalid("password", "max_length", fmt.Sprintf("Password must be at most %d bytes long", MaxPasswordBytes))
	}
	if len(normalizeRoles(in.Roles)) == 0 {
		in.Roles = []string{RoleUser}
	}
	return s.register(ctx, in, false)
}

func (s *Service) register(ctx context.Context, in NewAccount, suspended bool) (*Principal, error) {
	username := NormalizeUsername(in.Email)
	if err := CheckEmail(username); err != nil {
		return nil, err
	}
	if _, err := s.findByUsername(ctx, username); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	p := &Principal{
		ID:           ids.New(),
		Username:     username,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PasswordHash: hash,
		Roles:        normalizeRoles(in.Roles),
		Suspended:    suspended,
		CreatedAt:    s.now().UTC(),
	}
	if !in.Activated {
		s.onetime.IssueActivation(p)
	}
	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	if !p.Activated() {
		s.notifyActivation(ctx, p)
	}
	return p.Clone(), nil
}

// ResendActivation sends the pending activation token again.
func (s *Service) ResendActivation(ctx context.Context, username string) error {
	p, err := s.requireUser(ctx, username)
	if err != nil {
		return err
	}
	if p.Activated() {
		return invalid("username", "activated", "Account is already activated")
	}
	s.notifyActivation(ctx, p)
	return nil
}

// Activate consumes an activation token.
func (s *Service) Activate(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, invalid("token", "required", "A valid activation token is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	p, err := s.creds.FindByActivationToken(sctx, token)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return nil, ErrTokenRevokedOrUnknown
	}
	if err != nil {
		return nil, storageErr("find by activation token", err)
	}
	if err := s.onetime.Activate(p, token); err != nil {
		return nil, err
	}
	sctx, cancel = s.storeCtx(ctx)
	consumed, err := s.creds.ConsumeActivationToken(sctx, token)
	cancel()
	if err != nil {
		return nil, storageErr("consume activation token", err)
	}
	if !consumed {
		return nil, ErrTokenRevokedOrUnknown
	}
	return p, nil
}

// RequestPasswordReset issues a reset token, replacing any earlier one, and sends it.
func (s *Service) RequestPasswordReset(ctx context.Context, username string) error {
	p, err := s.requireUser(ctx, username)
	if err != nil {
		return err
	}
	token, expires := s.onetime.IssueReset(p)
	sctx, cancel := s.storeCtx(ctx)
	err = s.creds.SetResetToken(sctx, p.Username, token, expires)
	cancel()
	if err != nil {
		return accountErr("set reset token", err)
	}
	msg := ResetMessage{Email: p.Username, Name: p.FirstName, Token: token, ExpiresAt: expires}
	if err := s.notifier.SendPasswordReset(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("subject", p.Username).Msg("password reset message not sent")
	}
	return nil
}

// ResetPassword sets a new password using a reset token and consumes the token.
// The token is checked again when the password is written, so it works once even
// under concurrent use.
func (s *Service) ResetPassword(ctx context.Context, token, password, confirm string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return invalid("token", "required", "A valid forgotten password token is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	p, err := s.creds.FindByResetToken(sctx, token)
	cancel()
	if errors.Is(err, ErrNotFound) {
		return ErrTokenRevokedOrUnknown
	}
	if err != nil {
		return storageErr("find by reset token", err)
	}
	if err := s.onetime.ValidateReset(p, token); err != nil {
		return err
	}
	if password != confirm {
		return invalid("password_confirm", "match", "The submitted passwords do not match")
	}
	if err := s.policy.Check(password); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	sctx, cancel = s.storeCtx(ctx)
	consumed, err := s.creds.ConsumeResetToken(sctx, token, hash, s.now())
	cancel()
	if err != nil {
		return storageErr("consume reset token", err)
	}
	if !consumed {
		return ErrTokenRevokedOrUnknown
	}
	return nil
}

// SetSuspended suspends or reinstates an account.
func (s *Service) SetSuspended(ctx context.Context, username string, suspended bool) (*Principal, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return nil, invalid("username", "required", "A valid username/email address is required")
	}
	sctx, cancel := s.storeCtx(ctx)
	err := s.creds.SetSuspended(sctx, username, suspended)
	cancel()
	if err != nil {
		return nil, accountErr("set suspended", err)
	}
	return s.requireUser(ctx, username)
}

// AccountUpdate holds the fields an administrator may change on an existing account.
type AccountUpdate struct {
	FirstName string
	LastName  string
	Roles     []string
}

// UpdateAccount replaces the names and role set of an account. Tokens issued earlier
// pick up the new roles on the next refresh or authentication.
func (s *Service) UpdateAccount(ctx context.Context, username string, in AccountUpdate) (*Principal, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return nil, invalid("username", "required", "A valid username/email address is required")
	}
	roles := normalizeRoles(in.Roles)
	if len(roles) == 0 {
		return nil, invalid("roles", "required", "At least one role is required")
	}
	upd := ProfileUpdate{
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Roles:     roles,
	}
	sctx, cancel := s.storeCtx(ctx)
	err := s.creds.UpdateProfile(sctx, username, upd)
	cancel()
	if err != nil {
		return nil, accountErr("update profile", err)
	}
	return s.requireUser(ctx, username)
}

// DeleteAccount removes the account and every refresh token issued to it.
func (s *Service) DeleteAccount(ctx context.Context, username string) error {
	p, err := s.requireUser(ctx, username)
	if err != nil {
		return err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.creds.Delete(sctx, p.ID); err != nil {
		return accountErr("delete user", err)
	}
	if _, err := s.refresh.RevokeAll(sctx, p.Username); err != nil {
		s.log.Warn().Err(err).Str("subject", p.Username).Msg("refresh tokens of deleted account not revoked")
	}
	return nil
}

// Bootstrap creates an activated administrator when the store holds no accounts.
// It reports whether an account was created.
func (s *Service) Bootstrap(ctx context.Context, in NewAccount) (bool, error) {
	sctx, cancel := s.storeCtx(ctx)
	n, err := s.creds.Count(sctx)
	cancel()
	if err != nil {
		return false, storageErr("count users", err)
	}
	if n > 0 {
		return false, nil
	}
	in.Activated = true
	if len(in.Roles) == 0 {
		in.Roles = []string{RoleUser, RoleAdmin}
	}
	if _, err := s.CreateAccount(ctx, in); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) requireUser(ctx context.Context, username string) (*Principal, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return nil, invalid("username", "required", "A valid username/email address is required")
	}
	p, err := s.findByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return p, err
}

// accountErr maps a missing row to ErrUserNotFound for flows addressed by username.
func accountErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrUserNotFound
	}
	return storageErr(op, err)
}

func (s *Service) notifyActivation(ctx context.Context, p *Principal) {
	msg := ActivationMessage{Email: p.Username, Name: p.FirstName, Token: p.ActivationToken}
	if err := s.notifier.SendActivation(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("subject", p.Username).Msg("activation message not sent")
	}
}

func (s *Service) findByUsername(ctx context.Context, username string) (*Principal, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	p, err := s.creds.FindByUsername(sctx, username)
	if err != nil {
		return nil, storageErr("find user", err)
	}
	return p, nil
}

func (s *Service) save(ctx context.Context, p *Principal) error {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return storageErr("save user", s.creds.Save(sctx, p))
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// storageErr passes store outcomes through and turns everything else into ErrStorageUnavailable.
func storageErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrDuplicateToken):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
	}
}

// timingHash is compared against for unknown users so the lookup miss costs a bcrypt round.
var timingHash = sync.OnceValue(func() string {
	h, _ := bcrypt.GenerateFromPassword([]byte(ids.Token()), bcrypt.DefaultCost)
	return string(h)
})

type discardNotifier struct{}

func (discardNotifier) SendActivation(context.Context, ActivationMessage) error { return nil }
func (discardNotifier) SendPasswordReset(context.Context, ResetMessage) error   { return nil }
