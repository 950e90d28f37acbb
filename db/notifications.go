package db

import (
	"context"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	sqlInsertNotification = `INSERT INTO notifications(account_id, from_account_id, type, status_id, follow_id, group_key, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(account_id, group_key) DO NOTHING`
	sqlSelectNotifications = `SELECT id, account_id, from_account_id, type, status_id, follow_id, group_key, read, created_at
		FROM notifications WHERE account_id = ? AND (? = 0 OR id < ?) ORDER BY id DESC LIMIT ?`
	sqlDeleteNotificationsByGroup = `DELETE FROM notifications WHERE group_key = ?`
	sqlDismissNotification        = `DELETE FROM notifications WHERE account_id = ? AND id = ?`
	sqlClearNotifications         = `DELETE FROM notifications WHERE account_id = ?`
	sqlMarkNotificationsRead      = `UPDATE notifications SET read = 1 WHERE account_id = ? AND id <= ? AND read = 0`
	sqlCountUnread                = `SELECT COUNT(*) FROM notifications WHERE account_id = ? AND read = 0`
)

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

// CreateNotification stores n unless the recipient already has one with the
// same group key; it reports whether a row was added.
func (db *DB) CreateNotification(ctx context.Context, n *domain.Notification) (bool, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := db.db.ExecContext(ctx, sqlInsertNotification, n.AccountId, n.FromAccountId, n.Type,
		nullableUUID(n.StatusId), nullableUUID(n.FollowId), n.GroupKey, toNanos(n.CreatedAt))
	if err != nil {
		return false, errors.Wrap(err, "inserting notification")
	}
	if affected(res) == 0 {
		return false, nil
	}
	n.Id, _ = res.LastInsertId()
	return true, nil
}

// DeleteNotificationsByGroup removes every notification with the group key,
// for all recipients.
func (db *DB) DeleteNotificationsByGroup(ctx context.Context, groupKey string) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteNotificationsByGroup, groupKey)
	return errors.Wrap(err, "deleting notifications")
}

// ReadNotifications pages newest first. maxId 0 starts from the newest.
func (db *DB) ReadNotifications(ctx context.Context, accountId uuid.UUID, maxId int64, limit int) ([]*domain.Notification, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectNotifications, accountId, maxId, maxId, limit)
	if err != nil {
		return nil, errors.Wrap(err, "reading notifications")
	}
	defer rows.Close()
	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var typ string
		var statusId, followId uuid.NullUUID
		var read int
		var at int64
		if err := rows.Scan(&n.Id, &n.AccountId, &n.FromAccountId, &typ, &statusId, &followId, &n.GroupKey, &read, &at); err != nil {
			return out, errors.Wrap(err, "scanning notification")
		}
		n.Type = domain.NotificationType(typ)
		if statusId.Valid {
			id := statusId.UUID
			n.StatusId = &id
		}
		if followId.Valid {
			id := followId.UUID
			n.FollowId = &id
		}
		n.Read = read != 0
		n.CreatedAt = fromNanos(at)
		out = append(out, &n)
	}
	return out, rows.Err()
}

// DismissNotification reports whether the notification existed.
func (db *DB) DismissNotification(ctx context.Context, accountId uuid.UUID, id int64) (bool, error) {
	res, err := db.db.ExecContext(ctx, sqlDismissNotification, accountId, id)
	if err != nil {
		return false, errors.Wrap(err, "dismissing notification")
	}
	return affected(res) == 1, nil
}

func (db *DB) ClearNotifications(ctx context.Context, accountId uuid.UUID) (int64, error) {
	res, err := db.db.ExecContext(ctx, sqlClearNotifications, accountId)
	if err != nil {
		return 0, errors.Wrap(err, "clearing notifications")
	}
	return affected(res), nil
}

// MarkNotificationsRead marks everything up to and including upToId read.
func (db *DB) MarkNotificationsRead(ctx context.Context, accountId uuid.UUID, upToId int64) (int64, error) {
	res, err := db.db.ExecContext(ctx, sqlMarkNotificationsRead, accountId, upToId)
	if err != nil {
		return 0, errors.Wrap(err, "marking notifications read")
	}
	return affected(res), nil
}

func (db *DB) CountUnreadNotifications(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountUnread, accountId).Scan(&n)
	return n, errors.Wrap(err, "counting unread notifications")
}
