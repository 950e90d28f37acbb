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
	sqlInsertLike      = `INSERT INTO likes(id, uri, account_id, status_id, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, status_id) DO NOTHING`
	sqlDeleteLike      = `DELETE FROM likes WHERE account_id = ? AND status_id = ?`
	sqlSelectLike      = `SELECT id, uri, account_id, status_id, created_at FROM likes WHERE account_id = ? AND status_id = ?`
	sqlSelectLikeByURI = `SELECT id, uri, account_id, status_id, created_at FROM likes WHERE uri = ?`
	sqlCountLikes      = `SELECT COUNT(*) FROM likes WHERE status_id = ?`
)

// CreateLike is idempotent per (account, status); it reports whether a new
// edge was stored.
func (db *DB) CreateLike(ctx context.Context, l *domain.Like) (bool, error) {
	if l.Id == uuid.Nil {
		l.Id = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	res, err := db.db.ExecContext(ctx, sqlInsertLike, l.Id, l.URI, l.AccountId, l.StatusId, toNanos(l.CreatedAt))
	if err != nil {
		return false, errors.Wrap(err, "inserting like")
	}
	return affected(res) == 1, nil
}

// DeleteLike reports whether an edge existed.
func (db *DB) DeleteLike(ctx context.Context, accountId, statusId uuid.UUID) (bool, error) {
	res, err := db.db.ExecContext(ctx, sqlDeleteLike, accountId, statusId)
	if err != nil {
		return false, errors.Wrap(err, "deleting like")
	}
	return affected(res) == 1, nil
}

func (db *DB) readLike(ctx context.Context, key, query string, args ...any) (*domain.Like, error) {
	var l domain.Like
	var at int64
	err := db.db.QueryRowContext(ctx, query, args...).Scan(&l.Id, &l.URI, &l.AccountId, &l.StatusId, &at)
	if err == sql.ErrNoRows {
		return nil, &domain.NotFoundError{Kind: "like", Key: key}
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading like")
	}
	l.CreatedAt = fromNanos(at)
	return &l, nil
}

func (db *DB) ReadLike(ctx context.Context, accountId, statusId uuid.UUID) (*domain.Like, error) {
	return db.readLike(ctx, accountId.String()+"/"+statusId.String(), sqlSelectLike, accountId, statusId)
}

func (db *DB) ReadLikeByURI(ctx context.Context, uri string) (*domain.Like, error) {
	return db.readLike(ctx, uri, sqlSelectLikeByURI, uri)
}

// CountLikes aggregates the like edges of a status; the count is never stored.
func (db *DB) CountLikes(ctx context.Context, statusId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountLikes, statusId).Scan(&n)
	return n, errors.Wrap(err, "counting likes")
}
