package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"draftline.io/internal/auth"
)

const tokenColumns = `id, user_id, token_hash, created_at, expires_at, revoked_at, replaced_by_token_id, revoked_reason`

type tokenStore struct{ s *Store }

func scanToken(row rowScanner) (*auth.RefreshToken, error) {
	var (
		t          auth.RefreshToken
		revokedAt  sql.NullTime
		replacedBy sql.NullString
		reason     string
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &revokedAt, &replacedBy, &reason); err != nil {
		return nil, err
	}
	t.RevokedAt = timePtr(revokedAt)
	t.ReplacedByTokenID = stringPtr(replacedBy)
	t.RevokedReason = auth.RevokeReason(reason)
	return &t, nil
}

func (t tokenStore) findByHash(ctx context.Context, hash, suffix string) (*auth.RefreshToken, error) {
	tok, err := scanToken(t.s.q.QueryRowContext(ctx,
		`select `+tokenColumns+` from refresh_tokens where token_hash = $1`+suffix, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return tok, err
}

func (t tokenStore) FindByHash(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	return t.findByHash(ctx, hash, "")
}

// FindByHashForUpdate holds a row lock until the transaction ends. Outside a
// transaction the lock is released immediately.
func (t tokenStore) FindByHashForUpdate(ctx context.Context, hash string) (*auth.RefreshToken, error) {
	return t.findByHash(ctx, hash, " for update")
}

func (t tokenStore) Insert(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := t.s.q.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, created_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.CreatedAt.UTC(), tok.ExpiresAt.UTC())
	return mapWriteError(err)
}

func (t tokenStore) RevokeIfActive(ctx context.Context, id string, at time.Time, replacedBy *string, reason auth.RevokeReason) (bool, error) {
	res, err := t.s.q.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, replaced_by_token_id = $3, revoked_reason = $4
		where id = $1 and revoked_at is null
	`, id, at.UTC(), nullIfEmpty(replacedBy), string(reason))
	if err != nil {
		return false, mapWriteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t tokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time, reason auth.RevokeReason) (int64, error) {
	res, err := t.s.q.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2, revoked_reason = $3
		where user_id = $1 and revoked_at is null and expires_at > $2
	`, userID, at.UTC(), string(reason))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t tokenStore) Chain(ctx context.Context, id string) ([]*auth.RefreshToken, error) {
	rows, err := t.s.q.QueryContext(ctx, `
		with recursive chain as (
			select `+tokenColumns+`, 1 as depth from refresh_tokens where id = $1
			union all
			select n.id, n.user_id, n.token_hash, n.created_at, n.expires_at, n.revoked_at,
			       n.replaced_by_token_id, n.revoked_reason, c.depth + 1
			from refresh_tokens n
			join chain c on n.id = c.replaced_by_token_id
		)
		select `+tokenColumns+` from chain order by depth
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chain []*auth.RefreshToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		chain = append(chain, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, auth.ErrNotFound
	}
	return chain, nil
}

func (t tokenStore) PruneRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.s.q.ExecContext(ctx, `
		delete from refresh_tokens
		where (revoked_at is not null and revoked_at < $1) or expires_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
