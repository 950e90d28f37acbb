package db

import (
	"context"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	sqlInsertTimelineEntry = `INSERT INTO timeline_entries(kind, owner_id, status_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, owner_id, status_id) DO NOTHING`
	sqlDeleteTimelineEntriesByStatus = `DELETE FROM timeline_entries WHERE status_id = ?`
	sqlSelectTimeline                = `SELECT e.id, e.kind, e.owner_id, e.status_id, e.created_at, ` + prefixedStatusColumns + `
		FROM timeline_entries e INNER JOIN statuses s ON s.id = e.status_id
		WHERE e.kind = ? AND e.owner_id = ? AND (? = 0 OR e.id < ?) AND s.deleted_at IS NULL
		ORDER BY e.id DESC LIMIT ?`
)

const prefixedStatusColumns = `s.id, s.uri, s.account_id, s.kind, s.content, s.content_warning, s.visibility,
	s.in_reply_to_uri, s.reblog_of_id, s.poll_options, s.local, s.version, s.created_at, s.updated_at, s.deleted_at`

// TimelineItem is a timeline entry joined with the status it references.
type TimelineItem struct {
	Entry  domain.TimelineEntry
	Status *domain.Status
}

// InsertTimelineEntry appends a status to a timeline; repeated inserts are
// no-ops. It reports whether an entry was added.
func (db *DB) InsertTimelineEntry(ctx context.Context, kind domain.TimelineKind, ownerId, statusId uuid.UUID) (bool, error) {
	res, err := db.db.ExecContext(ctx, sqlInsertTimelineEntry, kind, ownerId, statusId, toNanos(time.Now().UTC()))
	if err != nil {
		return false, errors.Wrap(err, "inserting timeline entry")
	}
	return affected(res) == 1, nil
}

func (db *DB) DeleteTimelineEntriesByStatus(ctx context.Context, statusId uuid.UUID) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteTimelineEntriesByStatus, statusId)
	return errors.Wrap(err, "deleting timeline entries")
}

// ReadTimeline pages a timeline newest first, skipping tombstoned statuses.
// Owner is uuid.Nil for the local and public timelines; maxId 0 starts
// from the newest entry.
func (db *DB) ReadTimeline(ctx context.Context, kind domain.TimelineKind, ownerId uuid.UUID, maxId int64, limit int) ([]TimelineItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectTimeline, kind, ownerId, maxId, maxId, limit)
	if err != nil {
		return nil, errors.Wrap(err, "reading timeline")
	}
	defer rows.Close()

	var items []TimelineItem
	for rows.Next() {
		var item TimelineItem
		var entryKind string
		var at int64
		scan := &timelineRow{dest: []any{&item.Entry.Id, &entryKind, &item.Entry.OwnerId, &item.Entry.StatusId, &at}, rows: rows}
		s, err := scanStatus(scan)
		if err != nil {
			return items, errors.Wrap(err, "scanning timeline entry")
		}
		item.Entry.Kind = domain.TimelineKind(entryKind)
		item.Entry.CreatedAt = fromNanos(at)
		item.Status = s
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return items, err
	}
	rows.Close()

	for _, item := range items {
		if item.Status.Mentions, err = readMentions(ctx, db.db, item.Status.Id); err != nil {
			return items, err
		}
	}
	return items, nil
}

// timelineRow prepends the entry columns to the status columns scanStatus reads.
type timelineRow struct {
	dest []any
	rows interface{ Scan(...any) error }
}

func (r *timelineRow) Scan(dest ...any) error {
	return r.rows.Scan(append(r.dest, dest...)...)
}
