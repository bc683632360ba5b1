package pg

import (
	"context"
	"database/sql"
	"time"

	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/ids"
)

var _ auth.RefreshTokenStore = (*RefreshTokens)(nil)

// RefreshTokens implements auth.RefreshTokenStore. Only the SHA-256 of a token is stored.
type RefreshTokens struct {
	db *sql.DB
}

func (r *RefreshTokens) Save(ctx context.Context, tok auth.RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	_, err := r.db.ExecContext(ctx, `
		insert into refresh_tokens (id, subject, token_hash, issued_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.Subject, auth.HashToken(tok.Token), tok.IssuedAt, tok.ExpiresAt)
	if isUniqueViolation(err) {
		return auth.ErrDuplicateToken
	}
	return err
}

func (r *RefreshTokens) Revoke(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `delete from refresh_tokens where token_hash = $1`, auth.HashToken(token))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RefreshTokens) RevokeAll(ctx context.Context, subject string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `delete from refresh_tokens where subject = $1`, subject)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RefreshTokens) IsValid(ctx context.Context, subject, token string, at time.Time) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		select exists (
			select 1 from refresh_tokens
			where token_hash = $1 and subject = $2 and expires_at > $3
		)
	`, auth.HashToken(token), subject, at).Scan(&ok)
	return ok, err
}

// PurgeExpired deletes records that expired at or before at.
func (r *RefreshTokens) PurgeExpired(ctx context.Context, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `delete from refresh_tokens where expires_at <= $1`, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
