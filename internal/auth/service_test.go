package auth

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testPassword = "Passw0rd!"

type recordingNotifier struct {
	mu          sync.Mutex
	activations []ActivationMessage
	resets      []ResetMessage
}

func (n *recordingNotifier) SendActivation(_ context.Context, msg ActivationMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activations = append(n.activations, msg)
	return nil
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, msg ResetMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets = append(n.resets, msg)
	return nil
}

func (n *recordingNotifier) lastReset() ResetMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resets[len(n.resets)-1]
}

type harness struct {
	svc      *Service
	codec    *Codec
	creds    *MemoryCredentials
	refresh  *MemoryRefreshTokens
	clock    *testClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts ...ServiceOption) *harness {
	t.Helper()
	h := &harness{
		creds:    NewMemoryCredentials(),
		refresh:  NewMemoryRefreshTokens(),
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
	}
	codec, err := NewCodec("test-secret", WithClock(h.clock.Now), WithTTLs(15*time.Minute, 24*time.Hour))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	h.codec = codec
	base := []ServiceOption{
		WithServiceClock(h.clock.Now),
		WithNotifier(h.notifier),
		WithOneTimeWindows(24*time.Hour, time.Hour),
	}
	svc, err := NewService(h.creds, h.refresh, codec, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h.svc = svc
	return h
}

func (h *harness) createUser(t *testing.T, email string, roles ...string) *Principal {
	t.Helper()
	p, err := h.svc.CreateAccount(context.Background(), NewAccount{
		Email: email, Password: testPassword, FirstName: "Ann", Roles: roles, Activated: true,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return p
}

func (h *harness) attempts(t *testing.T, email string) int {
	t.Helper()
	p, err := h.creds.FindByUsername(context.Background(), email)
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	return p.LoginAttempts
}

func TestLoginIssuesPairAndResetsAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com")
	for i := 0; i < 2; i++ {
		if _, err := h.creds.RecordLoginFailure(ctx, "ann@example.com", h.clock.Now(), "10.0.0.1"); err != nil {
			t.Fatalf("RecordLoginFailure: %v", err)
		}
	}

	pair, err := h.svc.Login(ctx, LoginRequest{Username: "Ann@Example.com", Password: testPassword, SourceAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", pair)
	}
	if !pair.AccessExpiresAt.Equal(epoch.Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry %v", pair.AccessExpiresAt)
	}
	if got := h.attempts(t, "ann@example.com"); got != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", got)
	}
	if valid, _ := h.refresh.IsValid(ctx, "ann@example.com", pair.RefreshToken, h.clock.Now()); !valid {
		t.Fatal("refresh token should be persisted")
	}
	claims, err := h.codec.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !slices.Equal(claims.Roles, []string{RoleUser}) {
		t.Fatalf("unexpected roles %v", claims.Roles)
	}
}

func TestFourthFailureThrottles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com")
	bad := LoginRequest{Username: "ann@example.com", Password: "nope", SourceAddress: "10.0.0.9"}

	for i := 1; i <= 3; i++ {
		if _, err := h.svc.Login(ctx, bad); !errors.Is(err, ErrBadCredentials) {
			t.Fatalf("attempt %d: expected ErrBadCredentials, got %v", i, err)
		}
	}
	_, err := h.svc.Login(ctx, bad)
	var throttled *ThrottledError
	if !errors.As(err, &throttled) || throttled.WaitMinutes != 5 {
		t.Fatalf("4th failure: expected TooManyAttempts(5), got %v", err)
	}
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatal("ThrottledError must match ErrTooManyAttempts")
	}

	good := LoginRequest{Username: "ann@example.com", Password: testPassword}
	if _, err := h.svc.Login(ctx, good); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("throttled user must be rejected even with the right password, got %v", err)
	}
	if got := h.attempts(t, "ann@example.com"); got != 4 {
		t.Fatalf("throttled attempts must not be counted, got %d", got)
	}

	h.clock.Advance(5 * time.Minute)
	if _, err := h.svc.Login(ctx, good); err != nil {
		t.Fatalf("login after wait: %v", err)
	}
	if got := h.attempts(t, "ann@example.com"); got != 0 {
		t.Fatalf("expected attempts reset, got %d", got)
	}
}

func TestLoginAccountChecks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com")

	_, err := h.svc.Login(ctx, LoginRequest{Username: "ghost@example.com", Password: testPassword})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if UserMessage(err) != UserMessage(ErrBadCredentials) {
		t.Fatal("unknown user must read like a bad password")
	}

	if _, err := h.svc.SetSuspended(ctx, "ann@example.com", true); err != nil {
		t.Fatalf("SetSuspended: %v", err)
	}
	if _, err := h.svc.Login(ctx, LoginRequest{Username: "ann@example.com", Password: testPassword}); !errors.Is(err, ErrAccountSuspended) {
		t.Fatalf("expected ErrAccountSuspended, got %v", err)
	}

	if _, err := h.svc.Login(ctx, LoginRequest{Password: testPassword}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected validation failure for empty username, got %v", err)
	}
}

func TestLoginRequiresActivationAfterGrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.svc.SignUp(ctx, NewAccount{Email: "new@example.com", Password: testPassword}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	login := LoginRequest{Username: "new@example.com", Password: testPassword}

	if _, err := h.svc.Login(ctx, login); err != nil {
		t.Fatalf("login inside grace period: %v", err)
	}
	h.clock.Advance(24*time.Hour + time.Second)
	if _, err := h.svc.Login(ctx, login); !errors.Is(err, ErrAccountNotActivated) {
		t.Fatalf("expected ErrAccountNotActivated, got %v", err)
	}

	if len(h.notifier.activations) != 1 {
		t.Fatalf("expected one activation message, got %d", len(h.notifier.activations))
	}
	if _, err := h.svc.Activate(ctx, h.notifier.activations[0].Token); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := h.svc.Login(ctx, login); err != nil {
		t.Fatalf("login after activation: %v", err)
	}
}

func TestRefreshRehydratesRoles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.createUser(t, "ann@example.com")
	pair, err := h.svc.Login(ctx, LoginRequest{Username: "ann@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	p.Roles = []string{RoleUser, RoleAdmin}
	if err := h.creds.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	h.clock.Advance(time.Minute)

	refreshed, err := h.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.RefreshToken != pair.RefreshToken {
		t.Fatal("refresh token is not rotated")
	}
	if !refreshed.RefreshExpiresAt.Equal(pair.RefreshExpiresAt) {
		t.Fatalf("refresh expiry changed: %v vs %v", refreshed.RefreshExpiresAt, pair.RefreshExpiresAt)
	}
	claims, err := h.codec.VerifyKind(refreshed.AccessToken, KindAccess)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !slices.Contains(claims.Roles, RoleAdmin) {
		t.Fatalf("refreshed access token must carry current roles, got %v", claims.Roles)
	}

	if _, err := h.svc.Refresh(ctx, pair.AccessToken); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("access token must not refresh, got %v", err)
	}
}

func TestRevokeFlows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com")
	login := LoginRequest{Username: "ann@example.com", Password: testPassword}
	first, err := h.svc.Login(ctx, login)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, err := h.svc.Login(ctx, login)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := h.svc.Revoke(ctx, first.RefreshToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := h.svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrTokenRevokedOrUnknown) {
		t.Fatalf("revoked token must not refresh, got %v", err)
	}
	if err := h.svc.Revoke(ctx, first.RefreshToken); !errors.Is(err, ErrTokenRevokedOrUnknown) {
		t.Fatalf("second revoke: expected ErrTokenRevokedOrUnknown, got %v", err)
	}

	if _, err := h.svc.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("other session must survive single revoke: %v", err)
	}
	if err := h.svc.RevokeAll(ctx, "ann@example.com"); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if _, err := h.svc.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrTokenRevokedOrUnknown) {
		t.Fatalf("expected ErrTokenRevokedOrUnknown after RevokeAll, got %v", err)
	}
	if err := h.svc.RevokeAll(ctx, "ann@example.com"); !errors.Is(err, ErrTokenRevokedOrUnknown) {
		t.Fatalf("RevokeAll with nothing stored: got %v", err)
	}
}

func TestAuthenticateUsesCurrentState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com", RoleAdmin)
	pair, err := h.svc.Login(ctx, LoginRequest{Username: "ann@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	id, err := h.svc.Authenticate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Subject != "ann@example.com" || !id.HasRole("admin") || !id.Activated {
		t.Fatalf("unexpected identity %+v", id)
	}
	if _, err := h.svc.Authenticate(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("refresh token must not authenticate, got %v", err)
	}

	if _, err := h.svc.SetSuspended(ctx, "ann@example.com", true); err != nil {
		t.Fatalf("SetSuspended: %v", err)
	}
	if _, err := h.svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrAccountSuspended) {
		t.Fatalf("expected ErrAccountSuspended, got %v", err)
	}

	h.clock.Advance(15 * time.Minute)
	if _, err := h.svc.Authenticate(ctx, pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

type failingRefreshStore struct{ *MemoryRefreshTokens }

func (*failingRefreshStore) Save(context.Context, RefreshToken) error {
	return errors.New("redis: connection refused")
}

func TestLoginSurvivesRefreshSaveFailure(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	creds := NewMemoryCredentials()
	codec, err := NewCodec("test-secret", WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := NewService(creds, &failingRefreshStore{NewMemoryRefreshTokens()}, codec, WithServiceClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := svc.CreateAccount(ctx, NewAccount{Email: "ann@example.com", Password: testPassword, Activated: true}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	pair, err := svc.Login(ctx, LoginRequest{Username: "ann@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("login must succeed when the refresh store fails: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}
}

type stallingCredentials struct{ *MemoryCredentials }

func (stallingCredentials) FindByUsername(ctx context.Context, _ string) (*Principal, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStorageTimeoutIsTransient(t *testing.T) {
	codec, err := NewCodec("test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := NewService(stallingCredentials{NewMemoryCredentials()}, NewMemoryRefreshTokens(), codec, WithStoreTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	_, err = svc.Login(context.Background(), LoginRequest{Username: "ann@example.com", Password: testPassword})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if errors.Is(err, ErrBadCredentials) || errors.Is(err, ErrUserNotFound) {
		t.Fatal("transient failure must not read as an authentication failure")
	}
}

func TestSignUpValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithSuspendByDefault(true))

	_, err := h.svc.SignUp(ctx, NewAccount{Email: "ann@example.com", Password: "weak"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "password" {
		t.Fatalf("expected password validation error, got %v", err)
	}
	if _, err := h.svc.SignUp(ctx, NewAccount{Email: "not-an-email", Password: testPassword}); !errors.As(err, &verr) || verr.Field != "email" {
		t.Fatalf("expected email validation error, got %v", err)
	}

	p, err := h.svc.SignUp(ctx, NewAccount{Email: "Ann@Example.com", Password: testPassword, Roles: []string{RoleAdmin}})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if p.Username != "ann@example.com" || !slices.Equal(p.Roles, []string{RoleUser}) {
		t.Fatalf("sign-up must normalise the username and grant USER only: %+v", p)
	}
	if !p.Suspended || p.Activated() {
		t.Fatalf("expected suspended, unactivated account: %+v", p)
	}
	if _, err := h.svc.SignUp(ctx, NewAccount{Email: "ann@example.com", Password: testPassword}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := h.svc.ResendActivation(ctx, "ann@example.com"); err != nil {
		t.Fatalf("ResendActivation: %v", err)
	}
	if len(h.notifier.activations) != 2 || h.notifier.activations[1].Token != p.ActivationToken {
		t.Fatalf("resend must repeat the pending token: %+v", h.notifier.activations)
	}
	if _, err := h.svc.Activate(ctx, p.ActivationToken); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := h.svc.Activate(ctx, p.ActivationToken); !errors.Is(err, ErrTokenRevokedOrUnknown) {
		t.Fatalf("activation token must be single use, got %v", err)
	}
	if err := h.svc.ResendActivation(ctx, "ann@example.com"); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("resend for an active account: got %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com")
	const newPassword = "N3wPassw0rd#"

	if err := h.svc.RequestPasswordReset(ctx, "ghost@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if err := h.svc.RequestPasswordReset(ctx, "ann@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	msg := h.notifier.lastReset()
	if !msg.ExpiresAt.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("unexpected reset expiry %v", msg.ExpiresAt)
	}

	var verr *ValidationError
	err := h.svc.ResetPassword(ctx, msg.Token, newPassword, "different")
	if !errors.As(err, &verr) || verr.Field != "password_confirm" {
		t.Fatalf("expected confirmation mismatch, got %v", err)
	}
	if err := h.svc.ResetPassword(ctx, msg.Token, newPassword, newPassword); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if err := h.svc.ResetPassword(ctx, msg.Token, newPassword, newPassword); !errors.Is(err, ErrTokenRevokedOrUnknown) {
		t.Fatalf("reset token must be single use, got %v", err)
	}
	if _, err := h.svc.Login(ctx, LoginRequest{Username: "ann@example.com", Password: newPassword}); err != nil {
		t.Fatalf("login with new password: %v", err)
	}

	if err := h.svc.RequestPasswordReset(ctx, "ann@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	expired := h.notifier.lastReset()
	h.clock.Advance(time.Hour)
	if err := h.svc.ResetPassword(ctx, expired.Token, newPassword, newPassword); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestBootstrapCreatesAdminOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	admin := NewAccount{Email: "admin@example.com", Password: "admin"}

	created, err := h.svc.Bootstrap(ctx, admin)
	if err != nil || !created {
		t.Fatalf("Bootstrap: created=%v err=%v", created, err)
	}
	p, err := h.creds.FindByUsername(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if !p.Activated() || !slices.Contains(p.Roles, RoleAdmin) {
		t.Fatalf("expected activated admin, got %+v", p)
	}
	created, err = h.svc.Bootstrap(ctx, NewAccount{Email: "other@example.com", Password: "x"})
	if err != nil || created {
		t.Fatalf("second Bootstrap must be a no-op: created=%v err=%v", created, err)
	}
}

func TestDeleteAccountRevokesTokens(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com")
	pair, err := h.svc.Login(ctx, LoginRequest{Username: "ann@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := h.svc.DeleteAccount(ctx, "ann@example.com"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := h.creds.FindByUsername(ctx, "ann@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected account gone, got %v", err)
	}
	if valid, _ := h.refresh.IsValid(ctx, "ann@example.com", pair.RefreshToken, h.clock.Now()); valid {
		t.Fatal("refresh token must be revoked with the account")
	}
	if err := h.svc.DeleteAccount(ctx, "ann@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

// rendezvous holds the first n-1 callers until the n-th arrives, so concurrent
// flows all finish their reads before any of them writes.
type rendezvous struct {
	n       int32
	arrived atomic.Int32
	release chan struct{}
}

func newRendezvous(n int32) *rendezvous {
	return &rendezvous{n: n, release: make(chan struct{})}
}

func (r *rendezvous) wait(ctx context.Context) {
	switch k := r.arrived.Add(1); {
	case k < r.n:
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	case k == r.n:
		close(r.release)
	}
}

type gatedCredentials struct {
	*MemoryCredentials
	userReads  *rendezvous
	resetReads *rendezvous
}

func (g *gatedCredentials) FindByUsername(ctx context.Context, username string) (*Principal, error) {
	p, err := g.MemoryCredentials.FindByUsername(ctx, username)
	if g.userReads != nil {
		g.userReads.wait(ctx)
	}
	return p, err
}

func (g *gatedCredentials) FindByResetToken(ctx context.Context, token string) (*Principal, error) {
	p, err := g.MemoryCredentials.FindByResetToken(ctx, token)
	if g.resetReads != nil {
		g.resetReads.wait(ctx)
	}
	return p, err
}

func TestConcurrentResetConsumesTokenOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com")
	if err := h.svc.RequestPasswordReset(ctx, "ann@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	token := h.notifier.lastReset().Token

	gated := &gatedCredentials{MemoryCredentials: h.creds, resetReads: newRendezvous(2)}
	svc, err := NewService(gated, h.refresh, h.codec, WithServiceClock(h.clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	passwords := []string{"N3wPassw0rd#", "Sec0ndPassw0rd!"}
	errs := make([]error, len(passwords))
	var wg sync.WaitGroup
	for i, pw := range passwords {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = svc.ResetPassword(ctx, token, pw, pw)
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil && winner < 0:
			winner = i
		case err == nil:
			t.Fatalf("reset token used twice: %v", errs)
		case !errors.Is(err, ErrTokenRevokedOrUnknown):
			t.Fatalf("losing reset: expected ErrTokenRevokedOrUnknown, got %v", err)
		}
	}
	if winner < 0 {
		t.Fatalf("expected one reset to succeed: %v", errs)
	}
	p, err := h.creds.FindByUsername(ctx, "ann@example.com")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if VerifyPassword(p.PasswordHash, passwords[winner]) != nil || p.ResetToken != "" {
		t.Fatalf("stored state must reflect the successful reset only: %+v", p)
	}
}

func TestConcurrentActivationConsumesTokenOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p, err := h.svc.SignUp(ctx, NewAccount{Email: "ann@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	results := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := h.svc.Activate(ctx, p.ActivationToken)
			results <- err
		}()
	}
	succeeded := 0
	for range 2 {
		err := <-results
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrTokenRevokedOrUnknown) {
			t.Fatalf("unexpected activation error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one activation, got %d", succeeded)
	}
}

func TestSuspendAndResetRequestDoNotOverwriteEachOther(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com")

	gated := &gatedCredentials{MemoryCredentials: h.creds, userReads: newRendezvous(2)}
	svc, err := NewService(gated, h.refresh, h.codec, WithServiceClock(h.clock.Now), WithNotifier(h.notifier))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	var wg sync.WaitGroup
	var suspendErr, resetErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, suspendErr = svc.SetSuspended(ctx, "ann@example.com", true)
	}()
	go func() {
		defer wg.Done()
		resetErr = svc.RequestPasswordReset(ctx, "ann@example.com")
	}()
	wg.Wait()
	if suspendErr != nil || resetErr != nil {
		t.Fatalf("SetSuspended=%v RequestPasswordReset=%v", suspendErr, resetErr)
	}

	p, err := h.creds.FindByUsername(ctx, "ann@example.com")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if !p.Suspended {
		t.Fatal("suspension lost to the concurrent reset request")
	}
	if p.ResetToken == "" || p.ResetToken != h.notifier.lastReset().Token {
		t.Fatalf("reset token lost to the concurrent suspension: %+v", p)
	}
}

func TestUpdateAccountReplacesNamesAndRoles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.createUser(t, "ann@example.com")
	pair, err := h.svc.Login(ctx, LoginRequest{Username: "ann@example.com", Password: testPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	p, err := h.svc.UpdateAccount(ctx, "Ann@Example.com", AccountUpdate{FirstName: " Anne ", LastName: "Lee", Roles: []string{"admin", "user", "ADMIN"}})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if p.FirstName != "Anne" || p.LastName != "Lee" || !slices.Equal(p.Roles, []string{RoleAdmin, RoleUser}) {
		t.Fatalf("unexpected account %+v", p)
	}

	refreshed, err := h.svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	claims, err := h.codec.Verify(refreshed.AccessToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !slices.Contains(claims.Roles, RoleAdmin) {
		t.Fatalf("refreshed token must carry the new roles, got %v", claims.Roles)
	}

	var verr *ValidationError
	if _, err := h.svc.UpdateAccount(ctx, "ann@example.com", AccountUpdate{Roles: []string{" "}}); !errors.As(err, &verr) || verr.Field != "roles" {
		t.Fatalf("expected roles validation error, got %v", err)
	}
	if _, err := h.svc.UpdateAccount(ctx, "ghost@example.com", AccountUpdate{Roles: []string{RoleUser}}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := h.svc.SetSuspended(ctx, "ghost@example.com", true); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
