package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		uri TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		following_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL DEFAULT '',
		manually_approves INTEGER NOT NULL DEFAULT 0,
		default_visibility TEXT NOT NULL DEFAULT 'public',
		deletion_status TEXT NOT NULL DEFAULT 'none',
		created_at INTEGER NOT NULL,
		last_fetched_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE(username, domain)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
	`

	sqlCreateStatusesTable = `CREATE TABLE IF NOT EXISTS statuses (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		content_warning TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL,
		in_reply_to_uri TEXT NOT NULL DEFAULT '',
		reblog_of_id TEXT,
		poll_options TEXT NOT NULL DEFAULT '[]',
		local INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		CHECK ((kind = 'announce') = (reblog_of_id IS NOT NULL))
	)`

	sqlCreateStatusesIndices = `
		CREATE INDEX IF NOT EXISTS idx_statuses_account_id ON statuses(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_statuses_reblog_of_id ON statuses(reblog_of_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_statuses_live_boost ON statuses(account_id, reblog_of_id)
			WHERE reblog_of_id IS NOT NULL AND deleted_at IS NULL;
	`

	sqlCreateStatusMentionsTable = `CREATE TABLE IF NOT EXISTS status_mentions (
		status_id TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		PRIMARY KEY(status_id, actor_uri)
	)`

	sqlCreateStatusEditsTable = `CREATE TABLE IF NOT EXISTS status_edits (
		status_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		content TEXT NOT NULL,
		content_warning TEXT NOT NULL DEFAULT '',
		edited_at INTEGER NOT NULL,
		PRIMARY KEY(status_id, version)
	)`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		state TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`

	sqlCreateFollowsIndices = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_follows_active_pair ON follows(account_id, target_account_id)
			WHERE state != 'undo';
		CREATE INDEX IF NOT EXISTS idx_follows_target_state ON follows(target_account_id, state);
	`

	sqlCreateLikesTable = `CREATE TABLE IF NOT EXISTS likes (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT NOT NULL,
		account_id TEXT NOT NULL,
		status_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(account_id, status_id)
	)`

	sqlCreateLikesIndices = `
		CREATE INDEX IF NOT EXISTS idx_likes_status_id ON likes(status_id);
		CREATE INDEX IF NOT EXISTS idx_likes_uri ON likes(uri);
	`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		from_account_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status_id TEXT,
		follow_id TEXT,
		group_key TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(account_id, group_key)
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_notifications_status_id ON notifications(status_id);
		CREATE INDEX IF NOT EXISTS idx_notifications_group_key ON notifications(group_key);
	`

	sqlCreateTimelineEntriesTable = `CREATE TABLE IF NOT EXISTS timeline_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		status_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(kind, owner_id, status_id)
	)`

	sqlCreateTimelineEntriesIndices = `
		CREATE INDEX IF NOT EXISTS idx_timeline_entries_status_id ON timeline_entries(status_id);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryJobsTable = `CREATE TABLE IF NOT EXISTS delivery_jobs (
		id TEXT NOT NULL PRIMARY KEY,
		identity_key TEXT UNIQUE NOT NULL,
		activity_uri TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		object_uri TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at INTEGER NOT NULL,
		leased_by TEXT NOT NULL DEFAULT '',
		leased_until INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due ON delivery_jobs(state, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_lease ON delivery_jobs(state, leased_until);
	`

	sqlCreateDeliveryReceiptsTable = `CREATE TABLE IF NOT EXISTS delivery_receipts (
		identity_key TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		delivered_at INTEGER NOT NULL
	)`
)

var migrations = []struct {
	name string
	sql  string
}{
	{"actors", sqlCreateActorsTable},
	{"actors indices", sqlCreateActorsIndices},
	{"statuses", sqlCreateStatusesTable},
	{"statuses indices", sqlCreateStatusesIndices},
	{"status mentions", sqlCreateStatusMentionsTable},
	{"status edits", sqlCreateStatusEditsTable},
	{"follows", sqlCreateFollowsTable},
	{"follows indices", sqlCreateFollowsIndices},
	{"likes", sqlCreateLikesTable},
	{"likes indices", sqlCreateLikesIndices},
	{"notifications", sqlCreateNotificationsTable},
	{"notifications indices", sqlCreateNotificationsIndices},
	{"timeline entries", sqlCreateTimelineEntriesTable},
	{"timeline entries indices", sqlCreateTimelineEntriesIndices},
	{"activities", sqlCreateActivitiesTable},
	{"delivery jobs", sqlCreateDeliveryJobsTable},
	{"delivery jobs indices", sqlCreateDeliveryJobsIndices},
	{"delivery receipts", sqlCreateDeliveryReceiptsTable},
}

// RunMigrations creates every table and index that does not exist yet.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range migrations {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return errors.Wrapf(err, "migration %q", m.name)
			}
		}
		return nil
	})
}
