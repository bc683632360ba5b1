package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRefreshTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRefreshTokens()
	now := epoch

	ok, err := store.Revoke(ctx, "never-saved")
	if err != nil || ok {
		t.Fatalf("revoking an unsaved token: ok=%v err=%v", ok, err)
	}

	tok := RefreshToken{Subject: "ann@example.com", Token: "tok-1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := store.Save(ctx, tok); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, tok); !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	if valid, _ := store.IsValid(ctx, "ann@example.com", "tok-1", now); !valid {
		t.Fatal("saved token should be valid")
	}
	if valid, _ := store.IsValid(ctx, "bob@example.com", "tok-1", now); valid {
		t.Fatal("token must be bound to its subject")
	}
	if valid, _ := store.IsValid(ctx, "ann@example.com", "tok-1", now.Add(time.Hour)); valid {
		t.Fatal("token must be invalid at expiry")
	}

	ok, err = store.Revoke(ctx, "tok-1")
	if err != nil || !ok {
		t.Fatalf("revoke after save: ok=%v err=%v", ok, err)
	}
	if valid, _ := store.IsValid(ctx, "ann@example.com", "tok-1", now); valid {
		t.Fatal("revoked token must not be valid")
	}
	if ok, _ := store.Revoke(ctx, "tok-1"); ok {
		t.Fatal("second revoke must report nothing removed")
	}
}

func TestMemoryRefreshTokensRevokeAllScopedToSubject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRefreshTokens()
	exp := epoch.Add(time.Hour)
	for _, tok := range []RefreshToken{
		{Subject: "ann@example.com", Token: "a1", ExpiresAt: exp},
		{Subject: "ann@example.com", Token: "a2", ExpiresAt: exp},
		{Subject: "bob@example.com", Token: "b1", ExpiresAt: exp},
	} {
		if err := store.Save(ctx, tok); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	ok, err := store.RevokeAll(ctx, "ann@example.com")
	if err != nil || !ok {
		t.Fatalf("RevokeAll: ok=%v err=%v", ok, err)
	}
	for _, tok := range []string{"a1", "a2"} {
		if valid, _ := store.IsValid(ctx, "ann@example.com", tok, epoch); valid {
			t.Fatalf("%s should be revoked", tok)
		}
	}
	if valid, _ := store.IsValid(ctx, "bob@example.com", "b1", epoch); !valid {
		t.Fatal("other subjects must keep their tokens")
	}
	if ok, _ := store.RevokeAll(ctx, "ann@example.com"); ok {
		t.Fatal("second RevokeAll must report nothing removed")
	}
}

func TestMemoryCredentials(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentials()
	p := &Principal{Username: " Ann@Example.com ", Roles: []string{RoleUser}, ActivationToken: "act", ResetToken: "rst"}
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if p.ID == "" {
		t.Fatal("Save should assign an id")
	}

	got, err := store.FindByUsername(ctx, "ann@example.com")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	got.Roles[0] = "MUTATED"
	again, _ := store.FindByUsername(ctx, "ann@example.com")
	if again.Roles[0] != RoleUser {
		t.Fatal("store must not share role slices with callers")
	}

	if _, err := store.FindByActivationToken(ctx, "act"); err != nil {
		t.Fatalf("FindByActivationToken: %v", err)
	}
	if _, err := store.FindByResetToken(ctx, "rst"); err != nil {
		t.Fatalf("FindByResetToken: %v", err)
	}
	if _, err := store.FindByResetToken(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty token must not match, got %v", err)
	}

	if err := store.Save(ctx, &Principal{Username: "ann@example.com"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Fatalf("expected 1 user, got %d", n)
	}
	if err := store.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.FindByUsername(ctx, "ann@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := store.RecordLoginFailure(ctx, "ann@example.com", epoch, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestMemoryCredentialsTargetedUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentials()
	p := &Principal{Username: "ann@example.com", PasswordHash: "old", Roles: []string{RoleUser}, ActivationToken: "act"}
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	expires := epoch.Add(time.Hour)

	if err := store.SetSuspended(ctx, "ann@example.com", true); err != nil {
		t.Fatalf("SetSuspended: %v", err)
	}
	if err := store.SetResetToken(ctx, "ann@example.com", "rst", expires); err != nil {
		t.Fatalf("SetResetToken: %v", err)
	}
	if err := store.UpdateProfile(ctx, "ann@example.com", ProfileUpdate{FirstName: "Ann", Roles: []string{"admin"}}); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	got, _ := store.FindByUsername(ctx, "ann@example.com")
	if !got.Suspended || got.ResetToken != "rst" || got.FirstName != "Ann" || got.Roles[0] != RoleAdmin {
		t.Fatalf("updates must accumulate: %+v", got)
	}
	if err := store.SetSuspended(ctx, "ghost@example.com", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if ok, _ := store.ConsumeResetToken(ctx, "rst", "new", expires); ok {
		t.Fatal("reset token must not be consumed at its expiry")
	}
	if ok, _ := store.ConsumeResetToken(ctx, "rst", "new", expires.Add(-time.Second)); !ok {
		t.Fatal("expected reset token to be consumed")
	}
	if ok, _ := store.ConsumeResetToken(ctx, "rst", "newer", epoch); ok {
		t.Fatal("reset token consumed twice")
	}
	got, _ = store.FindByUsername(ctx, "ann@example.com")
	if got.PasswordHash != "new" || got.ResetToken != "" || !got.ResetExpiresAt.IsZero() {
		t.Fatalf("unexpected state after reset: %+v", got)
	}

	if ok, _ := store.ConsumeActivationToken(ctx, "act"); !ok {
		t.Fatal("expected activation token to be consumed")
	}
	if ok, _ := store.ConsumeActivationToken(ctx, "act"); ok {
		t.Fatal("activation token consumed twice")
	}
}
