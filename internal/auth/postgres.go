package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgErrUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore     { return &userStore{db: s.db} }
func (s *PGStore) Groups(context.Context) GroupStore   { return &groupStore{db: s.db} }
func (s *PGStore) Sessions(context.Context) SessionStore {
	return &sessionStore{db: s.db}
}
func (s *PGStore) RevokedTokens(context.Context) RevokedTokenStore {
	return &revokedTokenStore{db: s.db}
}

func (s *PGStore) RevokeAndClose(ctx context.Context, rec *RevokedToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into revoked_tokens(jti, token_type, user_id, revoked_at, expires_at)
		values ($1,$2,$3,$4,$5)
		on conflict (jti) do nothing
	`, rec.JTI, rec.TokenType, rec.UserID, rec.RevokedAt, rec.ExpiresAt); err != nil {
		return err
	}
	// A missing session row is fine: revocation alone makes the token dead.
	if _, err := tx.ExecContext(ctx,
		`update user_sessions set is_active = false where id = $1`, rec.JTI); err != nil {
		return err
	}
	return tx.Commit()
}

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

const userColumns = `id, email, full_name, hashed_password, role, status, expiration_date, group_id`

func (s *userStore) Create(ctx context.Context, u *User) error {
	err := s.db.QueryRowContext(ctx, `
		insert into users(email, full_name, hashed_password, role, status, expiration_date, group_id)
		values ($1,$2,$3,$4,$5,$6,$7)
		returning id
	`, u.Email, u.FullName, u.HashedPassword, u.Role, u.Status, u.ExpirationDate, u.GroupID).Scan(&u.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.HashedPassword, &u.Role, &u.Status, &u.ExpirationDate, &u.GroupID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *userStore) Find(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email))
}

func (s *userStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users order by id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *userStore) Update(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set email=$2, full_name=$3, hashed_password=$4, role=$5, status=$6, expiration_date=$7, group_id=$8
		where id=$1
	`, u.ID, u.Email, u.FullName, u.HashedPassword, u.Role, u.Status, u.ExpirationDate, u.GroupID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	return ensureFound(res)
}

func (s *userStore) Delete(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Dependent rows first; the schema has no on-delete cascade.
	for _, q := range []string{
		`delete from audit_logs where user_id=$1`,
		`delete from user_sessions where user_id=$1`,
		`delete from revoked_tokens where user_id=$1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `delete from users where id=$1`, id)
	if err != nil {
		return err
	}
	if err := ensureFound(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *userStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from users where status=$1`, StatusActive).Scan(&n)
	return n, err
}

// Group store --------------------------------------------------------------
type groupStore struct{ db *sql.DB }

const groupColumns = `id, name, description, can_edit_patients, can_export_data, can_manage_users, can_view_images`

func scanGroup(row interface{ Scan(...any) error }) (*Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CanEditPatients, &g.CanExportData, &g.CanManageUsers, &g.CanViewImages)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *groupStore) Create(ctx context.Context, g *Group) error {
	err := s.db.QueryRowContext(ctx, `
		insert into groups(name, description, can_edit_patients, can_export_data, can_manage_users, can_view_images)
		values ($1,$2,$3,$4,$5,$6)
		returning id
	`, g.Name, g.Description, g.CanEditPatients, g.CanExportData, g.CanManageUsers, g.CanViewImages).Scan(&g.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *groupStore) Find(ctx context.Context, id int64) (*Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx,
		`select `+groupColumns+` from groups where id=$1`, id))
}

func (s *groupStore) FindByName(ctx context.Context, name string) (*Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx,
		`select `+groupColumns+` from groups where name=$1`, name))
}

func (s *groupStore) List(ctx context.Context) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+groupColumns+` from groups order by id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *groupStore) Update(ctx context.Context, g *Group) error {
	res, err := s.db.ExecContext(ctx, `
		update groups
		set name=$2, description=$3, can_edit_patients=$4, can_export_data=$5, can_manage_users=$6, can_view_images=$7
		where id=$1
	`, g.ID, g.Name, g.Description, g.CanEditPatients, g.CanExportData, g.CanManageUsers, g.CanViewImages)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	return ensureFound(res)
}

func (s *groupStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `delete from groups where id=$1`, id)
	if err != nil {
		return err
	}
	return ensureFound(res)
}

func (s *groupStore) CountUsers(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from users where group_id=$1`, id).Scan(&n)
	return n, err
}

// Revoked token store ------------------------------------------------------
type revokedTokenStore struct{ db *sql.DB }

func (s *revokedTokenStore) Revoke(ctx context.Context, rec *RevokedToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens(jti, token_type, user_id, revoked_at, expires_at)
		values ($1,$2,$3,$4,$5)
		on conflict (jti) do nothing
	`, rec.JTI, rec.TokenType, rec.UserID, rec.RevokedAt, rec.ExpiresAt)
	return err
}

func (s *revokedTokenStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from revoked_tokens where jti=$1)`, jti).Scan(&exists)
	return exists, err
}

func (s *revokedTokenStore) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from revoked_tokens where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Session store ------------------------------------------------------------
type sessionStore struct{ db *sql.DB }

func (s *sessionStore) Open(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_sessions(id, user_id, ip_address, user_agent, created_at, last_activity, is_active)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, sess.ID, sess.UserID, sess.IPAddress, sess.UserAgent, sess.CreatedAt, sess.LastActivity, sess.Active)
	return err
}

func (s *sessionStore) Find(ctx context.Context, jti string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, ip_address, user_agent, created_at, last_activity, is_active
		from user_sessions where id=$1
	`, jti).Scan(&sess.ID, &sess.UserID, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt, &sess.LastActivity, &sess.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) Touch(ctx context.Context, jti string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update user_sessions set last_activity=$2 where id=$1`, jti, now)
	return err
}

func (s *sessionStore) Close(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx,
		`update user_sessions set is_active=false where id=$1`, jti)
	return err
}

func ensureFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
