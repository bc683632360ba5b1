package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/ids"
)

var _ auth.CredentialStore = (*Credentials)(nil)

// Credentials implements auth.CredentialStore over the users, roles and user_roles tables.
type Credentials struct {
	db *sql.DB
}

const selectPrincipal = `
	select u.id, u.email, u.first_name, u.last_name, u.password_hash, u.suspended, u.created_at,
	       u.login_attempts, u.last_login_attempt, u.failed_login_ip,
	       u.activation_token, u.reset_token, u.reset_token_expires_at,
	       coalesce(string_agg(r.name, ',' order by r.name), '')
	from users u
	left join user_roles ur on ur.user_id = u.id
	left join roles r on r.id = ur.role_id
	where %s
	group by u.id`

func (c *Credentials) FindByUsername(ctx context.Context, username string) (*auth.Principal, error) {
	return c.findOne(ctx, "u.email = $1", auth.NormalizeUsername(username))
}

func (c *Credentials) FindByActivationToken(ctx context.Context, token string) (*auth.Principal, error) {
	if token == "" {
		return nil, auth.ErrNotFound
	}
	return c.findOne(ctx, "u.activation_token = $1", token)
}

func (c *Credentials) FindByResetToken(ctx context.Context, token string) (*auth.Principal, error) {
	if token == "" {
		return nil, auth.ErrNotFound
	}
	return c.findOne(ctx, "u.reset_token = $1", token)
}

func (c *Credentials) findOne(ctx context.Context, where string, arg any) (*auth.Principal, error) {
	row := c.db.QueryRowContext(ctx, fmt.Sprintf(selectPrincipal, where), arg)
	var (
		p           auth.Principal
		lastAttempt sql.NullTime
		failedIP    sql.NullString
		activation  sql.NullString
		reset       sql.NullString
		resetExp    sql.NullTime
		roles       string
	)
	if err := row.Scan(&p.ID, &p.Username, &p.FirstName, &p.LastName, &p.PasswordHash, &p.Suspended, &p.CreatedAt,
		&p.LoginAttempts, &lastAttempt, &failedIP, &activation, &reset, &resetExp, &roles); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	p.LastLoginAttempt = lastAttempt.Time
	p.FailedLoginIP = failedIP.String
	p.ActivationToken = activation.String
	p.ResetToken = reset.String
	p.ResetExpiresAt = resetExp.Time
	if roles != "" {
		p.Roles = strings.Split(roles, ",")
	}
	return &p, nil
}

// Save upserts the principal and replaces its role links in one transaction.
// Login attempt fields are only written on insert; afterwards they change through
// RecordLoginFailure and ResetLoginAttempts.
func (c *Credentials) Save(ctx context.Context, p *auth.Principal) error {
	if p == nil {
		return errors.New("pg: nil principal")
	}
	p.Username = auth.NormalizeUsername(p.Username)
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		insert into users (id, email, first_name, last_name, password_hash, suspended, created_at,
		                   login_attempts, last_login_attempt, failed_login_ip,
		                   activation_token, reset_token, reset_token_expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		on conflict (id) do update set
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			password_hash = excluded.password_hash,
			suspended = excluded.suspended,
			activation_token = excluded.activation_token,
			reset_token = excluded.reset_token,
			reset_token_expires_at = excluded.reset_token_expires_at,
			updated_at = now()
	`, p.ID, p.Username, p.FirstName, p.LastName, p.PasswordHash, p.Suspended, p.CreatedAt,
		p.LoginAttempts, nullTime(p.LastLoginAttempt), nullIfEmpty(p.FailedLoginIP),
		nullIfEmpty(p.ActivationToken), nullIfEmpty(p.ResetToken), nullTime(p.ResetExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrAlreadyExists
		}
		return err
	}

	if err := linkRoles(ctx, tx, p.ID, p.Roles); err != nil {
		return err
	}
	return tx.Commit()
}

// linkRoles replaces the role set of a user, creating missing roles on the way.
func linkRoles(ctx context.Context, tx *sql.Tx, userID string, roles []string) error {
	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	for _, role := range roles {
		role = strings.ToUpper(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			insert into roles (id, name) values ($1, $2)
			on conflict (name) do nothing
		`, ids.New(), role); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id)
			select $1, id from roles where name = $2
			on conflict do nothing
		`, userID, role); err != nil {
			return err
		}
	}
	return nil
}

func (c *Credentials) SetSuspended(ctx context.Context, username string, suspended bool) error {
	return c.execOne(ctx, `update users set suspended = $2, updated_at = now() where email = $1`,
		auth.NormalizeUsername(username), suspended)
}

func (c *Credentials) SetResetToken(ctx context.Context, username, token string, expiresAt time.Time) error {
	return c.execOne(ctx, `
		update users
		set reset_token = $2, reset_token_expires_at = $3, updated_at = now()
		where email = $1
	`, auth.NormalizeUsername(username), nullIfEmpty(token), nullTime(expiresAt))
}

// UpdateProfile writes the names and relinks roles in one transaction.
func (c *Credentials) UpdateProfile(ctx context.Context, username string, u auth.ProfileUpdate) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		update users
		set first_name = $2, last_name = $3, updated_at = now()
		where email = $1
		returning id
	`, auth.NormalizeUsername(username), u.FirstName, u.LastName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := linkRoles(ctx, tx, id, u.Roles); err != nil {
		return err
	}
	return tx.Commit()
}

// ConsumeActivationToken clears the token in one conditional statement; of two concurrent
// callers only one sees a row affected.
func (c *Credentials) ConsumeActivationToken(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	return c.execAffected(ctx, `
		update users set activation_token = null, updated_at = now()
		where activation_token = $1
	`, token)
}

// ConsumeResetToken writes the new hash only while the token is held and unexpired.
func (c *Credentials) ConsumeResetToken(ctx context.Context, token, passwordHash string, at time.Time) (bool, error) {
	if token == "" {
		return false, nil
	}
	return c.execAffected(ctx, `
		update users
		set password_hash = $1, reset_token = null, reset_token_expires_at = null, updated_at = now()
		where reset_token = $2 and reset_token_expires_at > $3
	`, passwordHash, token, at)
}

func (c *Credentials) execOne(ctx context.Context, query string, args ...any) error {
	ok, err := c.execAffected(ctx, query, args...)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrNotFound
	}
	return nil
}

func (c *Credentials) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Credentials) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (c *Credentials) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `select count(*) from users`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RecordLoginFailure increments the counter in a single statement so concurrent failures are not lost.
func (c *Credentials) RecordLoginFailure(ctx context.Context, username string, at time.Time, source string) (int, error) {
	var attempts int
	err := c.db.QueryRowContext(ctx, `
		update users
		set login_attempts = login_attempts + 1,
		    last_login_attempt = $2,
		    failed_login_ip = $3
		where email = $1
		returning login_attempts
	`, auth.NormalizeUsername(username), at, nullIfEmpty(source)).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, auth.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (c *Credentials) ResetLoginAttempts(ctx context.Context, username string) error {
	return c.execOne(ctx, `update users set login_attempts = 0 where email = $1`, auth.NormalizeUsername(username))
}
