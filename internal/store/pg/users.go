package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"draftline.io/internal/auth"
)

const selectUser = `
	select u.id, u.email, u.full_name, u.registration_number, u.password_hash,
	       u.must_change_password, u.is_active, u.access_failed_count, u.lockout_end,
	       u.created_at, u.updated_at,
	       coalesce(string_agg(r.role, ',' order by r.role), '')
	from users u
	left join user_roles r on r.user_id = u.id
`

type userStore struct{ s *Store }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u       auth.User
		regNo   sql.NullString
		lockout sql.NullTime
		roles   string
	)
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &regNo, &u.PasswordHash,
		&u.MustChangePassword, &u.IsActive, &u.AccessFailedCount, &lockout,
		&u.CreatedAt, &u.UpdatedAt, &roles)
	if err != nil {
		return nil, err
	}
	u.RegistrationNumber = stringPtr(regNo)
	u.LockoutEnd = timePtr(lockout)
	if roles != "" {
		u.Roles = strings.Split(roles, ",")
	}
	return &u, nil
}

func (u userStore) findOne(ctx context.Context, where string, arg any) (*auth.User, error) {
	user, err := scanUser(u.s.q.QueryRowContext(ctx, selectUser+where+" group by u.id", arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return user, err
}

func (u userStore) FindByID(ctx context.Context, id string) (*auth.User, error) {
	return u.findOne(ctx, "where u.id = $1", id)
}

func (u userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return u.findOne(ctx, "where lower(u.email) = lower($1)", strings.TrimSpace(email))
}

func (u userStore) Create(ctx context.Context, user *auth.User) error {
	roles, err := auth.NormalizeRoles(user.Roles)
	if err != nil {
		return err
	}
	return u.s.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error {
		q := tx.(*Store).q
		_, err := q.ExecContext(ctx, `
			insert into users (id, email, full_name, registration_number, password_hash,
			                   must_change_password, is_active, access_failed_count, lockout_end,
			                   created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.FullName, nullIfEmpty(user.RegistrationNumber),
			user.PasswordHash, user.MustChangePassword, user.IsActive, user.AccessFailedCount,
			nullTime(user.LockoutEnd), user.CreatedAt.UTC(), user.UpdatedAt.UTC())
		if err != nil {
			return mapWriteError(err)
		}
		return insertRoles(ctx, q, user.ID, roles)
	})
}

func (u userStore) Update(ctx context.Context, user *auth.User) error {
	roles, err := auth.NormalizeRoles(user.Roles)
	if err != nil {
		return err
	}
	return u.s.WithinTx(ctx, func(ctx context.Context, tx auth.Store) error {
		q := tx.(*Store).q
		res, err := q.ExecContext(ctx, `
			update users
			set email = $2, full_name = $3, registration_number = $4,
			    must_change_password = $5, is_active = $6, updated_at = $7
			where id = $1
		`, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.FullName, nullIfEmpty(user.RegistrationNumber),
			user.MustChangePassword, user.IsActive, user.UpdatedAt.UTC())
		if err != nil {
			return mapWriteError(err)
		}
		if err := expectOne(res); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `delete from user_roles where user_id = $1`, user.ID); err != nil {
			return err
		}
		return insertRoles(ctx, q, user.ID, roles)
	})
}

func insertRoles(ctx context.Context, q querier, userID string, roles []string) error {
	for _, role := range roles {
		if _, err := q.ExecContext(ctx, `insert into user_roles (user_id, role) values ($1, $2)`, userID, role); err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

func (u userStore) UpdatePassword(ctx context.Context, id, hash string, mustChange bool) error {
	res, err := u.s.q.ExecContext(ctx, `
		update users
		set password_hash = $2, must_change_password = $3, updated_at = now()
		where id = $1
	`, id, hash, mustChange)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (u userStore) UpdateLockout(ctx context.Context, id string, failedCount int, lockoutEnd *time.Time) error {
	res, err := u.s.q.ExecContext(ctx, `
		update users
		set access_failed_count = $2, lockout_end = $3
		where id = $1
	`, id, failedCount, nullTime(lockoutEnd))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// RecordLoginFailure increments in place so concurrent failures all count.
// Every expression reads the row version the update locked.
func (u userStore) RecordLoginFailure(ctx context.Context, id string, now time.Time, maxAttempts int, until time.Time) (bool, error) {
	var locked bool
	err := u.s.q.QueryRowContext(ctx, `
		update users
		set access_failed_count = case
		        when (case when lockout_end <= $2 then 0 else access_failed_count end) + 1 >= $3 then 0
		        else (case when lockout_end <= $2 then 0 else access_failed_count end) + 1
		    end,
		    lockout_end = case
		        when (case when lockout_end <= $2 then 0 else access_failed_count end) + 1 >= $3 then $4
		        when lockout_end <= $2 then null
		        else lockout_end
		    end
		where id = $1
		returning access_failed_count = 0
	`, id, now.UTC(), maxAttempts, until.UTC()).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, auth.ErrNotFound
	}
	return locked, err
}

// roleAssignmentLock is the advisory lock key for role-set checks.
const roleAssignmentLock = 0x6466_6c72

// LockRoleAssignments takes a transaction-scoped advisory lock. Outside a
// transaction it is released when the statement ends.
func (u userStore) LockRoleAssignments(ctx context.Context) error {
	_, err := u.s.q.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, int64(roleAssignmentLock))
	return err
}

func (u userStore) Delete(ctx context.Context, id string) error {
	res, err := u.s.q.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (u userStore) List(ctx context.Context, filter auth.UserFilter) ([]*auth.User, error) {
	var (
		active sql.NullBool
		limit  sql.NullInt64
	)
	if filter.Active != nil {
		active = sql.NullBool{Bool: *filter.Active, Valid: true}
	}
	if filter.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	}
	rows, err := u.s.q.QueryContext(ctx, selectUser+`
		where ($1 = '' or exists (select 1 from user_roles x where x.user_id = u.id and x.role = $1))
		  and ($2::boolean is null or u.is_active = $2)
		group by u.id
		order by u.email
		limit $3 offset $4
	`, filter.Role, active, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
