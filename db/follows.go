package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	followColumns = `id, uri, account_id, target_account_id, state, version, created_at, updated_at`

	sqlInsertFollow         = `INSERT INTO follows(` + followColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectFollowById     = `SELECT ` + followColumns + ` FROM follows WHERE id = ?`
	sqlSelectFollowByURI    = `SELECT ` + followColumns + ` FROM follows WHERE uri = ?`
	sqlSelectActiveFollow   = `SELECT ` + followColumns + ` FROM follows WHERE account_id = ? AND target_account_id = ? AND state != 'undo'`
	sqlSelectFollowsForPair = `SELECT ` + followColumns + ` FROM follows WHERE account_id = ? AND target_account_id = ? ORDER BY created_at`
	sqlSelectFollowsByState = `SELECT ` + followColumns + ` FROM follows WHERE target_account_id = ? AND state = ? ORDER BY created_at DESC`

	sqlTransitionFollow = `UPDATE follows SET state = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND state = ?`

	// remote followers only; local followers are materialized in-process
	sqlSelectFollowerInboxes = `SELECT DISTINCT CASE WHEN a.shared_inbox_uri != '' THEN a.shared_inbox_uri ELSE a.inbox_uri END
		FROM follows f INNER JOIN actors a ON a.id = f.account_id
		WHERE f.target_account_id = ? AND f.state = 'accepted' AND a.private_key_pem = ''
		ORDER BY 1`

	sqlSelectLocalFollowerIds = `SELECT f.account_id FROM follows f INNER JOIN actors a ON a.id = f.account_id
		WHERE f.target_account_id = ? AND f.state = 'accepted' AND a.private_key_pem != ''`

	sqlCountFollowers = `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND state = 'accepted'`
	sqlCountFollowing = `SELECT COUNT(*) FROM follows WHERE account_id = ? AND state = 'accepted'`
)

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	var state string
	var createdAt, updatedAt int64
	if err := row.Scan(&f.Id, &f.URI, &f.AccountId, &f.TargetAccountId, &state, &f.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.State = domain.FollowState(state)
	f.CreatedAt = fromNanos(createdAt)
	f.UpdatedAt = fromNanos(updatedAt)
	return &f, nil
}

func (db *DB) readFollow(ctx context.Context, key, query string, args ...any) (*domain.Follow, error) {
	f, err := scanFollow(db.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &domain.NotFoundError{Kind: "follow", Key: key}
	}
	return f, errors.Wrap(err, "reading follow")
}

func (db *DB) readFollows(ctx context.Context, query string, args ...any) ([]*domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "reading follows")
	}
	defer rows.Close()
	var follows []*domain.Follow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return follows, errors.Wrap(err, "scanning follow")
		}
		follows = append(follows, f)
	}
	return follows, rows.Err()
}

// CreateFollow inserts a fresh edge. If the pair already has an edge outside
// the Undo state, ErrConflict is returned.
func (db *DB) CreateFollow(ctx context.Context, f *domain.Follow) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = f.CreatedAt
	f.Version = 1
	_, err := db.db.ExecContext(ctx, sqlInsertFollow, f.Id, f.URI, f.AccountId, f.TargetAccountId,
		f.State, f.Version, toNanos(f.CreatedAt), toNanos(f.UpdatedAt))
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrConflict, "follow %s -> %s", f.AccountId, f.TargetAccountId)
	}
	return errors.Wrap(err, "inserting follow")
}

func (db *DB) ReadFollowById(ctx context.Context, id uuid.UUID) (*domain.Follow, error) {
	return db.readFollow(ctx, id.String(), sqlSelectFollowById, id)
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return db.readFollow(ctx, uri, sqlSelectFollowByURI, uri)
}

// ReadActiveFollow returns the pair's edge that is not in the Undo state.
func (db *DB) ReadActiveFollow(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Follow, error) {
	return db.readFollow(ctx, accountId.String()+"->"+targetId.String(), sqlSelectActiveFollow, accountId, targetId)
}

// ReadFollowHistory returns every edge ever created for the pair, oldest first.
func (db *DB) ReadFollowHistory(ctx context.Context, accountId, targetId uuid.UUID) ([]*domain.Follow, error) {
	return db.readFollows(ctx, sqlSelectFollowsForPair, accountId, targetId)
}

func (db *DB) ReadFollowsByState(ctx context.Context, targetId uuid.UUID, state domain.FollowState) ([]*domain.Follow, error) {
	return db.readFollows(ctx, sqlSelectFollowsByState, targetId, state)
}

// TransitionFollow moves f to next as a compare-and-set on f's state and
// version. On success f reflects the stored row.
func (db *DB) TransitionFollow(ctx context.Context, f *domain.Follow, next domain.FollowState) error {
	if !f.State.CanTransition(next) {
		return errors.Wrapf(domain.ErrConflict, "follow %s cannot move from %s to %s", f.Id, f.State, next)
	}
	now := time.Now().UTC()
	res, err := db.db.ExecContext(ctx, sqlTransitionFollow, next, toNanos(now), f.Id, f.Version, f.State)
	if err != nil {
		return errors.Wrap(err, "transitioning follow")
	}
	if affected(res) == 0 {
		return errors.Wrapf(domain.ErrConflict, "follow %s at version %d", f.Id, f.Version)
	}
	f.State = next
	f.Version++
	f.UpdatedAt = now
	return nil
}

// ReadFollowerInboxes returns the delivery inbox of every accepted remote
// follower, preferring shared inboxes and without duplicates.
func (db *DB) ReadFollowerInboxes(ctx context.Context, targetId uuid.UUID) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerInboxes, targetId)
	if err != nil {
		return nil, errors.Wrap(err, "reading follower inboxes")
	}
	defer rows.Close()
	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return inboxes, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

func (db *DB) ReadLocalFollowerIds(ctx context.Context, targetId uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalFollowerIds, targetId)
	if err != nil {
		return nil, errors.Wrap(err, "reading local followers")
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsFollowing reports whether an accepted edge exists from accountId to targetId.
func (db *DB) IsFollowing(ctx context.Context, accountId, targetId uuid.UUID) (bool, error) {
	f, err := db.ReadActiveFollow(ctx, accountId, targetId)
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f.State == domain.FollowAccepted, nil
}

func (db *DB) CountFollowers(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountFollowers, accountId).Scan(&n)
	return n, errors.Wrap(err, "counting followers")
}

func (db *DB) CountFollowing(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountFollowing, accountId).Scan(&n)
	return n, errors.Wrap(err, "counting following")
}
