package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	statusColumns = `id, uri, account_id, kind, content, content_warning, visibility, in_reply_to_uri,
		reblog_of_id, poll_options, local, version, created_at, updated_at, deleted_at`

	sqlInsertStatus = `INSERT INTO statuses(` + statusColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(uri) DO NOTHING`
	sqlSelectStatusById  = `SELECT ` + statusColumns + ` FROM statuses WHERE id = ?`
	sqlSelectStatusByURI = `SELECT ` + statusColumns + ` FROM statuses WHERE uri = ?`
	sqlSelectLiveBoost   = `SELECT ` + statusColumns + ` FROM statuses WHERE account_id = ? AND reblog_of_id = ? AND deleted_at IS NULL`

	sqlSelectStatusesByAccount = `SELECT ` + statusColumns + ` FROM statuses
		WHERE account_id = ? AND deleted_at IS NULL AND visibility IN ('public', 'unlisted')
		ORDER BY created_at DESC LIMIT ?`

	sqlUpdateStatusCAS = `UPDATE statuses SET content = ?, content_warning = ?, poll_options = ?,
		updated_at = ?, version = version + 1
		WHERE id = ? AND version = ? AND deleted_at IS NULL AND updated_at <= ?`

	sqlTombstoneStatus = `UPDATE statuses SET deleted_at = ?, content = '', content_warning = '', version = version + 1
		WHERE id = ? AND deleted_at IS NULL`

	sqlInsertMention   = `INSERT OR IGNORE INTO status_mentions(status_id, actor_uri) VALUES (?, ?)`
	sqlDeleteMentions  = `DELETE FROM status_mentions WHERE status_id = ?`
	sqlSelectMentions  = `SELECT actor_uri FROM status_mentions WHERE status_id = ? ORDER BY actor_uri`
	sqlInsertEdit      = `INSERT OR IGNORE INTO status_edits(status_id, version, content, content_warning, edited_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectEdits     = `SELECT status_id, version, content, content_warning, edited_at FROM status_edits WHERE status_id = ? ORDER BY version`
	sqlCountByAccount  = `SELECT COUNT(*) FROM statuses WHERE account_id = ? AND deleted_at IS NULL`
	sqlSelectTombstone = `SELECT deleted_at IS NOT NULL FROM statuses WHERE uri = ?`
)

func scanStatus(row rowScanner) (*domain.Status, error) {
	var s domain.Status
	var kind, visibility, polls string
	var reblog uuid.NullUUID
	var local int
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64
	err := row.Scan(&s.Id, &s.URI, &s.AccountId, &kind, &s.Content, &s.ContentWarning, &visibility,
		&s.InReplyToURI, &reblog, &polls, &local, &s.Version, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	s.Kind = domain.StatusKind(kind)
	s.Visibility = domain.Visibility(visibility)
	if reblog.Valid {
		id := reblog.UUID
		s.ReblogOfId = &id
	}
	if err := json.Unmarshal([]byte(polls), &s.PollOptions); err != nil {
		return nil, errors.Wrap(err, "decoding poll options")
	}
	if len(s.PollOptions) == 0 {
		s.PollOptions = nil
	}
	s.Local = local != 0
	s.CreatedAt = fromNanos(createdAt)
	s.UpdatedAt = fromNanos(updatedAt)
	s.DeletedAt = fromNullableNanos(deletedAt)
	return &s, nil
}

func encodePolls(options []string) string {
	if len(options) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(options)
	return string(b)
}

func (db *DB) readStatus(ctx context.Context, q queryer, key, query string, args ...any) (*domain.Status, error) {
	s, err := scanStatus(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &domain.NotFoundError{Kind: "status", Key: key}
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading status")
	}
	if s.Mentions, err = readMentions(ctx, q, s.Id); err != nil {
		return nil, err
	}
	return s, nil
}

func readMentions(ctx context.Context, q queryer, statusId uuid.UUID) ([]string, error) {
	rows, err := q.QueryContext(ctx, sqlSelectMentions, statusId)
	if err != nil {
		return nil, errors.Wrap(err, "reading mentions")
	}
	defer rows.Close()
	var mentions []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

func writeMentions(ctx context.Context, tx *sql.Tx, statusId uuid.UUID, mentions []string) error {
	for _, m := range mentions {
		if _, err := tx.ExecContext(ctx, sqlInsertMention, statusId, m); err != nil {
			return errors.Wrap(err, "inserting mention")
		}
	}
	return nil
}

// CreateStatus inserts s unless a status with the same URI exists. It
// reports whether a row was created; when not, s is left untouched.
func (db *DB) CreateStatus(ctx context.Context, s *domain.Status) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	if s.Id == uuid.Nil {
		s.Id = uuid.New()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	s.Version = 1

	var reblog any
	if s.ReblogOfId != nil {
		reblog = *s.ReblogOfId
	}

	created := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertStatus, s.Id, s.URI, s.AccountId, s.Kind, s.Content,
			s.ContentWarning, s.Visibility, s.InReplyToURI, reblog, encodePolls(s.PollOptions),
			boolToInt(s.Local), s.Version, toNanos(s.CreatedAt), toNanos(s.UpdatedAt))
		if isUniqueViolation(err) {
			// a live boost of the same status by the same actor
			return errors.Wrapf(domain.ErrConflict, "status %s duplicates a live boost", s.URI)
		}
		if err != nil {
			return errors.Wrap(err, "inserting status")
		}
		created = affected(res) == 1
		if !created {
			return nil
		}
		return writeMentions(ctx, tx, s.Id, s.Mentions)
	})
	return created, err
}

func (db *DB) ReadStatusById(ctx context.Context, id uuid.UUID) (*domain.Status, error) {
	return db.readStatus(ctx, db.db, id.String(), sqlSelectStatusById, id)
}

// ReadStatusByURI returns the status including tombstoned ones.
func (db *DB) ReadStatusByURI(ctx context.Context, uri string) (*domain.Status, error) {
	return db.readStatus(ctx, db.db, uri, sqlSelectStatusByURI, uri)
}

// ReadLiveBoost returns accountId's current boost of the original status.
func (db *DB) ReadLiveBoost(ctx context.Context, accountId, originalId uuid.UUID) (*domain.Status, error) {
	return db.readStatus(ctx, db.db, originalId.String(), sqlSelectLiveBoost, accountId, originalId)
}

// ReadStatusesByAccount lists an actor's most recent public and unlisted statuses.
func (db *DB) ReadStatusesByAccount(ctx context.Context, accountId uuid.UUID, limit int) ([]*domain.Status, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectStatusesByAccount, accountId, limit)
	if err != nil {
		return nil, errors.Wrap(err, "reading statuses")
	}
	defer rows.Close()
	var statuses []*domain.Status
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return statuses, errors.Wrap(err, "scanning status")
		}
		statuses = append(statuses, s)
	}
	return statuses, rows.Err()
}

// UpdateStatus applies an edit as a compare-and-set on the version counter.
// next carries the new content and its UpdatedAt; expectedVersion is the
// version the caller read. A stale version, an older timestamp or a
// tombstoned row all yield ErrConflict. The replaced content is kept as a
// history row.
func (db *DB) UpdateStatus(ctx context.Context, next *domain.Status, expectedVersion int64) error {
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		current, err := db.readStatus(ctx, tx, next.URI, sqlSelectStatusById, next.Id)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, sqlUpdateStatusCAS, next.Content, next.ContentWarning,
			encodePolls(next.PollOptions), toNanos(next.UpdatedAt), next.Id, expectedVersion,
			toNanos(next.UpdatedAt))
		if err != nil {
			return errors.Wrap(err, "updating status")
		}
		if affected(res) == 0 {
			return errors.Wrapf(domain.ErrConflict, "status %s at version %d", next.URI, expectedVersion)
		}
		if _, err := tx.ExecContext(ctx, sqlInsertEdit, current.Id, current.Version, current.Content,
			current.ContentWarning, toNanos(current.UpdatedAt)); err != nil {
			return errors.Wrap(err, "recording edit")
		}
		if next.Mentions != nil {
			if _, err := tx.ExecContext(ctx, sqlDeleteMentions, next.Id); err != nil {
				return errors.Wrap(err, "clearing mentions")
			}
			if err := writeMentions(ctx, tx, next.Id, next.Mentions); err != nil {
				return err
			}
		}
		next.Version = expectedVersion + 1
		return nil
	})
}

func (db *DB) ReadStatusEdits(ctx context.Context, statusId uuid.UUID) ([]domain.StatusEdit, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectEdits, statusId)
	if err != nil {
		return nil, errors.Wrap(err, "reading edits")
	}
	defer rows.Close()
	var edits []domain.StatusEdit
	for rows.Next() {
		var e domain.StatusEdit
		var at int64
		if err := rows.Scan(&e.StatusId, &e.Version, &e.Content, &e.ContentWarning, &at); err != nil {
			return edits, err
		}
		e.EditedAt = fromNanos(at)
		edits = append(edits, e)
	}
	return edits, rows.Err()
}

// TombstoneStatus marks the status deleted, together with the live boosts
// of it, and removes the derived timeline and notification rows. It
// reports false when the status was already tombstoned.
func (db *DB) TombstoneStatus(ctx context.Context, id uuid.UUID) (bool, error) {
	changed := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		now := toNanos(time.Now().UTC())
		res, err := tx.ExecContext(ctx, sqlTombstoneStatus, now, id)
		if err != nil {
			return errors.Wrap(err, "tombstoning status")
		}
		changed = affected(res) == 1
		if !changed {
			return nil
		}
		stmts := []string{
			`DELETE FROM timeline_entries WHERE status_id = ? OR status_id IN (SELECT id FROM statuses WHERE reblog_of_id = ?)`,
			`DELETE FROM notifications WHERE status_id = ? OR status_id IN (SELECT id FROM statuses WHERE reblog_of_id = ?)`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, id, id); err != nil {
				return errors.Wrap(err, "removing derived rows")
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE statuses SET deleted_at = ?, version = version + 1
			WHERE reblog_of_id = ? AND deleted_at IS NULL`, now, id)
		return errors.Wrap(err, "tombstoning boosts")
	})
	return changed, err
}

// IsObjectTombstoned reports whether uri names a status that has been
// deleted. Unknown URIs are not tombstoned.
func (db *DB) IsObjectTombstoned(ctx context.Context, uri string) (bool, error) {
	var gone bool
	err := db.db.QueryRowContext(ctx, sqlSelectTombstone, uri).Scan(&gone)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return gone, errors.Wrap(err, "checking tombstone")
}

func (db *DB) CountStatuses(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountByAccount, accountId).Scan(&n)
	return n, errors.Wrap(err, "counting statuses")
}
