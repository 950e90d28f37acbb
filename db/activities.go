package db

import (
	"context"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectActivityExists = `SELECT EXISTS(SELECT 1 FROM activities WHERE activity_uri = ?)`
	sqlDeleteActivitiesOlder = `DELETE FROM activities WHERE created_at < ?`
)

// RecordActivity logs an inbound activity by id. It reports false when the
// id was seen before.
func (db *DB) RecordActivity(ctx context.Context, a *domain.Activity) (bool, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := db.db.ExecContext(ctx, sqlInsertActivity, a.Id, a.ActivityURI, a.ActivityType, a.ActorURI,
		a.ObjectURI, a.RawJSON, toNanos(a.CreatedAt))
	if err != nil {
		return false, errors.Wrap(err, "recording activity")
	}
	return affected(res) == 1, nil
}

func (db *DB) ActivityHandled(ctx context.Context, activityURI string) (bool, error) {
	var seen bool
	err := db.db.QueryRowContext(ctx, sqlSelectActivityExists, activityURI).Scan(&seen)
	return seen, errors.Wrap(err, "checking activity log")
}

// ForgetActivity drops one entry so a failed application can be retried.
func (db *DB) ForgetActivity(ctx context.Context, activityURI string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM activities WHERE activity_uri = ?`, activityURI)
	return errors.Wrap(err, "forgetting activity")
}

// PruneActivities drops log entries older than the cutoff.
func (db *DB) PruneActivities(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx, sqlDeleteActivitiesOlder, toNanos(before))
	if err != nil {
		return 0, errors.Wrap(err, "pruning activities")
	}
	return affected(res), nil
}
