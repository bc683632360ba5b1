package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"cwphosting.org/internal/auth"
)

func TestRefreshSaveStoresHashOnly(t *testing.T) {
	store, mock := newMock(t)
	issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tok := auth.RefreshToken{ID: "01HZ", Subject: "ann@example.com", Token: "raw-token", IssuedAt: issued, ExpiresAt: issued.Add(time.Hour)}

	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("01HZ", "ann@example.com", auth.HashToken("raw-token"), issued, issued.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	refresh := store.RefreshTokens()
	if err := refresh.Save(context.Background(), tok); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := refresh.Save(context.Background(), tok); !errors.Is(err, auth.ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshRevokeReportsRemoval(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("delete from refresh_tokens where token_hash = \\$1").
		WithArgs(auth.HashToken("gone")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from refresh_tokens where token_hash = \\$1").
		WithArgs(auth.HashToken("live")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from refresh_tokens where subject = \\$1").
		WithArgs("ann@example.com").
		WillReturnResult(sqlmock.NewResult(0, 2))

	refresh := store.RefreshTokens()
	if ok, err := refresh.Revoke(context.Background(), "gone"); err != nil || ok {
		t.Fatalf("revoke unknown: ok=%v err=%v", ok, err)
	}
	if ok, err := refresh.Revoke(context.Background(), "live"); err != nil || !ok {
		t.Fatalf("revoke live: ok=%v err=%v", ok, err)
	}
	if ok, err := refresh.RevokeAll(context.Background(), "ann@example.com"); err != nil || !ok {
		t.Fatalf("revoke all: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshIsValid(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("select exists").
		WithArgs(auth.HashToken("tok"), "ann@example.com", at).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.RefreshTokens().IsValid(context.Background(), "ann@example.com", "tok", at)
	if err != nil || !ok {
		t.Fatalf("IsValid: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshPurgeExpired(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("delete from refresh_tokens where expires_at <= \\$1").
		WithArgs(at).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := store.RefreshTokens().PurgeExpired(context.Background(), at)
	if err != nil || n != 7 {
		t.Fatalf("PurgeExpired: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
