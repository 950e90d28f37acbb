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
	actorColumns = `id, username, domain, uri, display_name, summary, inbox_uri, shared_inbox_uri,
		outbox_uri, followers_uri, following_uri, public_key_pem, private_key_pem, manually_approves,
		default_visibility, deletion_status, created_at, last_fetched_at`

	sqlInsertActor = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpsertRemoteActor = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, 'none', ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			display_name = excluded.display_name,
			summary = excluded.summary,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			followers_uri = excluded.followers_uri,
			following_uri = excluded.following_uri,
			public_key_pem = excluded.public_key_pem,
			manually_approves = excluded.manually_approves,
			last_fetched_at = excluded.last_fetched_at
		WHERE actors.private_key_pem = ''`

	sqlSelectActorById       = `SELECT ` + actorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByURI      = `SELECT ` + actorColumns + ` FROM actors WHERE uri = ?`
	sqlSelectActorByHandle   = `SELECT ` + actorColumns + ` FROM actors WHERE username = ? AND domain = ?`
	sqlSelectLocalByUsername = `SELECT ` + actorColumns + ` FROM actors WHERE username = ? AND private_key_pem != '' AND deletion_status != 'removed'`
	sqlSelectLocalActors     = `SELECT ` + actorColumns + ` FROM actors WHERE private_key_pem != '' ORDER BY username`

	sqlUpdateDeletionStatus = `UPDATE actors SET deletion_status = ? WHERE id = ? AND deletion_status = ?`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var a domain.Actor
	var manual int
	var createdAt, fetchedAt int64
	var visibility, deletion string
	err := row.Scan(&a.Id, &a.Username, &a.Domain, &a.URI, &a.DisplayName, &a.Summary, &a.InboxURI,
		&a.SharedInboxURI, &a.OutboxURI, &a.FollowersURI, &a.FollowingURI, &a.PublicKeyPem,
		&a.PrivateKeyPem, &manual, &visibility, &deletion, &createdAt, &fetchedAt)
	if err != nil {
		return nil, err
	}
	a.ManuallyApprovesFollowers = manual != 0
	a.DefaultVisibility = domain.Visibility(visibility)
	a.DeletionStatus = domain.DeletionStatus(deletion)
	a.CreatedAt = fromNanos(createdAt)
	a.LastFetchedAt = fromNanos(fetchedAt)
	return &a, nil
}

func (db *DB) readActor(ctx context.Context, q queryer, key string, query string, args ...any) (*domain.Actor, error) {
	a, err := scanActor(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &domain.NotFoundError{Kind: "actor", Key: key}
	}
	return a, errors.Wrap(err, "reading actor")
}

// CreateActor stores a new actor. A duplicate URI or handle yields ErrConflict.
func (db *DB) CreateActor(ctx context.Context, a *domain.Actor) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.DeletionStatus == "" {
		a.DeletionStatus = domain.DeletionNone
	}
	if a.DefaultVisibility == "" {
		a.DefaultVisibility = domain.VisibilityPublic
	}
	_, err := db.db.ExecContext(ctx, sqlInsertActor, a.Id, a.Username, a.Domain, a.URI, a.DisplayName,
		a.Summary, a.InboxURI, a.SharedInboxURI, a.OutboxURI, a.FollowersURI, a.FollowingURI,
		a.PublicKeyPem, a.PrivateKeyPem, boolToInt(a.ManuallyApprovesFollowers), a.DefaultVisibility,
		a.DeletionStatus, toNanos(a.CreatedAt), toNanos(a.LastFetchedAt))
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrConflict, "actor %s already exists", a.Handle())
	}
	return errors.Wrap(err, "inserting actor")
}

// UpsertRemoteActor refreshes the cached mirror of a remote actor, keyed by
// URI. Local actors are never overwritten.
func (db *DB) UpsertRemoteActor(ctx context.Context, a *domain.Actor) (*domain.Actor, error) {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	now := time.Now().UTC()
	if a.LastFetchedAt.IsZero() {
		a.LastFetchedAt = now
	}
	visibility := a.DefaultVisibility
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}
	_, err := db.db.ExecContext(ctx, sqlUpsertRemoteActor, a.Id, a.Username, a.Domain, a.URI,
		a.DisplayName, a.Summary, a.InboxURI, a.SharedInboxURI, a.OutboxURI, a.FollowersURI,
		a.FollowingURI, a.PublicKeyPem, boolToInt(a.ManuallyApprovesFollowers), visibility,
		toNanos(now), toNanos(a.LastFetchedAt))
	if err != nil {
		return nil, errors.Wrapf(err, "upserting remote actor %s", a.URI)
	}
	return db.ReadActorByURI(ctx, a.URI)
}

func (db *DB) ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	return db.readActor(ctx, db.db, id.String(), sqlSelectActorById, id)
}

func (db *DB) ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return db.readActor(ctx, db.db, uri, sqlSelectActorByURI, uri)
}

func (db *DB) ReadActorByHandle(ctx context.Context, username, domainName string) (*domain.Actor, error) {
	return db.readActor(ctx, db.db, username+"@"+domainName, sqlSelectActorByHandle, username, domainName)
}

func (db *DB) ReadLocalActorByUsername(ctx context.Context, username string) (*domain.Actor, error) {
	return db.readActor(ctx, db.db, username, sqlSelectLocalByUsername, username)
}

// ReadActorsByURIs returns the known actors among uris; unknown ones are skipped.
func (db *DB) ReadActorsByURIs(ctx context.Context, uris []string) ([]*domain.Actor, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	args := make([]any, len(uris))
	for i, u := range uris {
		args[i] = u
	}
	rows, err := db.db.QueryContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE uri IN (`+placeholders(len(uris))+`)`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "reading actors")
	}
	defer rows.Close()
	return collectActors(rows)
}

func (db *DB) ReadLocalActors(ctx context.Context) ([]*domain.Actor, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalActors)
	if err != nil {
		return nil, errors.Wrap(err, "reading local actors")
	}
	defer rows.Close()
	return collectActors(rows)
}

func collectActors(rows *sql.Rows) ([]*domain.Actor, error) {
	var actors []*domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return actors, errors.Wrap(err, "scanning actor")
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

// AdvanceDeletion moves an actor one step along its deletion lifecycle.
func (db *DB) AdvanceDeletion(ctx context.Context, id uuid.UUID, from, to domain.DeletionStatus) error {
	if !from.CanTransition(to) {
		return domain.NewValidationError("cannot move actor from %s to %s", from, to)
	}
	res, err := db.db.ExecContext(ctx, sqlUpdateDeletionStatus, to, id, from)
	if err != nil {
		return errors.Wrap(err, "updating deletion status")
	}
	if affected(res) == 0 {
		return errors.Wrapf(domain.ErrConflict, "actor %s is no longer %s", id, from)
	}
	return nil
}

// RemoveActorContent tombstones every status of the actor, undoes its
// follow edges in both directions and drops its likes and the derived rows
// that point at any of them. It returns the ids of the statuses it tombstoned.
func (db *DB) RemoveActorContent(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	var removed []uuid.UUID
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		removed = nil
		now := toNanos(time.Now().UTC())

		rows, err := tx.QueryContext(ctx, `SELECT id FROM statuses WHERE account_id = ? AND deleted_at IS NULL`, id)
		if err != nil {
			return errors.Wrap(err, "listing statuses")
		}
		for rows.Next() {
			var sid uuid.UUID
			if err := rows.Scan(&sid); err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, sid)
		}
		rows.Close()

		stmts := []struct {
			query string
			args  []any
		}{
			{`UPDATE statuses SET deleted_at = ?, content = '', version = version + 1 WHERE account_id = ? AND deleted_at IS NULL`, []any{now, id}},
			{`DELETE FROM timeline_entries WHERE status_id IN (SELECT id FROM statuses WHERE account_id = ?)`, []any{id}},
			{`DELETE FROM notifications WHERE from_account_id = ? OR account_id = ?`, []any{id, id}},
			{`DELETE FROM likes WHERE account_id = ?`, []any{id}},
			{`UPDATE follows SET state = 'undo', version = version + 1, updated_at = ? WHERE (account_id = ? OR target_account_id = ?) AND state != 'undo'`, []any{now, id, id}},
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
				return errors.Wrap(err, "removing actor content")
			}
		}
		return nil
	})
	return removed, err
}
