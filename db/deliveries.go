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
	deliveryColumns = `id, identity_key, activity_uri, activity_type, object_uri, sender_id, inbox_uri, payload,
		attempts, state, last_error, next_attempt_at, leased_by, leased_until, created_at, updated_at`

	sqlInsertDelivery = `INSERT INTO delivery_jobs(` + deliveryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 'pending', '', ?, '', 0, ?, ?)
		ON CONFLICT(identity_key) DO NOTHING`
	sqlSelectReceiptExists = `SELECT EXISTS(SELECT 1 FROM delivery_receipts WHERE identity_key = ?)`

	// Due pending jobs and running jobs whose lease ran out are both claimable.
	sqlClaimDeliveries = `UPDATE delivery_jobs SET state = 'running', leased_by = ?, leased_until = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM delivery_jobs
			WHERE (state = 'pending' AND next_attempt_at <= ?) OR (state = 'running' AND leased_until < ?)
			ORDER BY next_attempt_at LIMIT ?
		)
		RETURNING ` + deliveryColumns

	sqlSelectDeliveryById  = `SELECT ` + deliveryColumns + ` FROM delivery_jobs WHERE id = ?`
	sqlSelectFailed        = `SELECT ` + deliveryColumns + ` FROM delivery_jobs WHERE state = 'failed' ORDER BY updated_at DESC LIMIT ?`
	sqlDeleteDelivery      = `DELETE FROM delivery_jobs WHERE id = ?`
	sqlInsertReceipt       = `INSERT OR IGNORE INTO delivery_receipts(identity_key, activity_uri, inbox_uri, delivered_at) VALUES (?, ?, ?, ?)`
	sqlRescheduleDelivery  = `UPDATE delivery_jobs SET state = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?, leased_by = '', leased_until = 0, updated_at = ? WHERE id = ? AND state = 'running' AND leased_by = ?`
	sqlFailDelivery        = `UPDATE delivery_jobs SET state = 'failed', attempts = ?, last_error = ?, leased_by = '', leased_until = 0, updated_at = ? WHERE id = ? AND state = 'running' AND leased_by = ?`
	sqlRetryDelivery       = `UPDATE delivery_jobs SET state = 'pending', attempts = 0, next_attempt_at = ?, updated_at = ? WHERE id = ? AND state = 'failed'`
	sqlCountByState        = `SELECT state, COUNT(*) FROM delivery_jobs GROUP BY state`
	sqlCountReceipts       = `SELECT COUNT(*) FROM delivery_receipts`
	sqlSelectReceiptByJobs = `SELECT EXISTS(SELECT 1 FROM delivery_receipts WHERE activity_uri = ? AND inbox_uri = ?)`
)

func scanDelivery(row rowScanner) (*domain.DeliveryJob, error) {
	var j domain.DeliveryJob
	var state string
	var next, leased, created, updated int64
	err := row.Scan(&j.Id, &j.IdentityKey, &j.ActivityURI, &j.ActivityType, &j.ObjectURI, &j.SenderId,
		&j.InboxURI, &j.Payload, &j.Attempts, &state, &j.LastError, &next, &j.LeasedBy, &leased, &created, &updated)
	if err != nil {
		return nil, err
	}
	j.State = domain.DeliveryState(state)
	j.NextAttemptAt = fromNanos(next)
	j.LeasedUntil = fromNanos(leased)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	return &j, nil
}

func collectDeliveries(rows *sql.Rows) ([]*domain.DeliveryJob, error) {
	var jobs []*domain.DeliveryJob
	for rows.Next() {
		j, err := scanDelivery(rows)
		if err != nil {
			return jobs, errors.Wrap(err, "scanning delivery")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// EnqueueDeliveries stores one pending job per element. Jobs whose
// identity key was already delivered, or is already queued, are skipped.
// It returns the number of jobs created.
func (db *DB) EnqueueDeliveries(ctx context.Context, jobs []*domain.DeliveryJob) (int, error) {
	created := 0
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		created = 0
		now := time.Now().UTC()
		for _, j := range jobs {
			if j.IdentityKey == "" {
				j.IdentityKey = domain.DeliveryIdentity(j.ActivityURI, j.InboxURI)
			}
			var delivered bool
			if err := tx.QueryRowContext(ctx, sqlSelectReceiptExists, j.IdentityKey).Scan(&delivered); err != nil {
				return errors.Wrap(err, "checking receipt")
			}
			if delivered {
				continue
			}
			if j.Id == uuid.Nil {
				j.Id = uuid.New()
			}
			if j.NextAttemptAt.IsZero() {
				j.NextAttemptAt = now
			}
			res, err := tx.ExecContext(ctx, sqlInsertDelivery, j.Id, j.IdentityKey, j.ActivityURI, j.ActivityType,
				j.ObjectURI, j.SenderId, j.InboxURI, j.Payload, toNanos(j.NextAttemptAt), toNanos(now), toNanos(now))
			if err != nil {
				return errors.Wrap(err, "inserting delivery")
			}
			if affected(res) == 1 {
				j.State = domain.DeliveryPending
				created++
			}
		}
		return nil
	})
	return created, err
}

// ClaimDeliveries leases up to limit due jobs to worker. A job is handed to
// exactly one claimer; a crashed worker's jobs return once the lease lapses.
func (db *DB) ClaimDeliveries(ctx context.Context, worker string, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryJob, error) {
	var jobs []*domain.DeliveryJob
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, sqlClaimDeliveries, worker, toNanos(now.Add(lease)), toNanos(now),
			toNanos(now), toNanos(now), limit)
		if err != nil {
			return errors.Wrap(err, "claiming deliveries")
		}
		defer rows.Close()
		jobs, err = collectDeliveries(rows)
		return err
	})
	return jobs, err
}

func (db *DB) ReadDelivery(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	j, err := scanDelivery(db.db.QueryRowContext(ctx, sqlSelectDeliveryById, id))
	if err == sql.ErrNoRows {
		return nil, &domain.NotFoundError{Kind: "delivery", Key: id.String()}
	}
	return j, errors.Wrap(err, "reading delivery")
}

// CompleteDelivery removes the job leased to worker and keeps a receipt of
// its identity key. A job that is no longer leased to worker yields
// ErrConflict.
func (db *DB) CompleteDelivery(ctx context.Context, id uuid.UUID, worker string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		j, err := scanDelivery(tx.QueryRowContext(ctx, sqlSelectDeliveryById, id))
		if err == sql.ErrNoRows {
			return &domain.NotFoundError{Kind: "delivery", Key: id.String()}
		}
		if err != nil {
			return errors.Wrap(err, "reading delivery")
		}
		if j.State != domain.DeliveryRunning || j.LeasedBy != worker {
			return errors.Wrapf(domain.ErrConflict, "delivery %s is not leased to %s", id, worker)
		}
		if _, err := tx.ExecContext(ctx, sqlDeleteDelivery, id); err != nil {
			return errors.Wrap(err, "deleting delivery")
		}
		_, err = tx.ExecContext(ctx, sqlInsertReceipt, j.IdentityKey, j.ActivityURI, j.InboxURI, toNanos(time.Now().UTC()))
		return errors.Wrap(err, "writing receipt")
	})
}

// RescheduleDelivery returns a job leased to worker to pending for a later
// attempt.
func (db *DB) RescheduleDelivery(ctx context.Context, id uuid.UUID, worker string, attempts int, next time.Time, lastError string) error {
	res, err := db.db.ExecContext(ctx, sqlRescheduleDelivery, attempts, toNanos(next), lastError, toNanos(time.Now().UTC()), id, worker)
	if err != nil {
		return errors.Wrap(err, "rescheduling delivery")
	}
	if affected(res) == 0 {
		return errors.Wrapf(domain.ErrConflict, "delivery %s is not leased to %s", id, worker)
	}
	return nil
}

// FailDelivery parks a job leased to worker in the failed state for operators.
func (db *DB) FailDelivery(ctx context.Context, id uuid.UUID, worker string, attempts int, lastError string) error {
	res, err := db.db.ExecContext(ctx, sqlFailDelivery, attempts, lastError, toNanos(time.Now().UTC()), id, worker)
	if err != nil {
		return errors.Wrap(err, "failing delivery")
	}
	if affected(res) == 0 {
		return errors.Wrapf(domain.ErrConflict, "delivery %s is not leased to %s", id, worker)
	}
	return nil
}

func (db *DB) ReadFailedDeliveries(ctx context.Context, limit int) ([]*domain.DeliveryJob, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFailed, limit)
	if err != nil {
		return nil, errors.Wrap(err, "reading failed deliveries")
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

// RetryDelivery puts a failed job back in the queue with a fresh attempt budget.
func (db *DB) RetryDelivery(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := db.db.ExecContext(ctx, sqlRetryDelivery, toNanos(now), toNanos(now), id)
	if err != nil {
		return errors.Wrap(err, "retrying delivery")
	}
	if affected(res) == 0 {
		return &domain.NotFoundError{Kind: "failed delivery", Key: id.String()}
	}
	return nil
}

// CountDeliveriesByState includes delivered receipts under DeliveryDelivered.
func (db *DB) CountDeliveriesByState(ctx context.Context) (map[domain.DeliveryState]int, error) {
	counts := map[domain.DeliveryState]int{
		domain.DeliveryPending:   0,
		domain.DeliveryRunning:   0,
		domain.DeliveryFailed:    0,
		domain.DeliveryDelivered: 0,
	}
	rows, err := db.db.QueryContext(ctx, sqlCountByState)
	if err != nil {
		return nil, errors.Wrap(err, "counting deliveries")
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, err
		}
		counts[domain.DeliveryState(state)] = n
	}
	rows.Close()

	var delivered int
	if err := db.db.QueryRowContext(ctx, sqlCountReceipts).Scan(&delivered); err != nil {
		return nil, errors.Wrap(err, "counting receipts")
	}
	counts[domain.DeliveryDelivered] = delivered
	return counts, nil
}

// WasDelivered reports whether a receipt exists for the (activity, inbox) pair.
func (db *DB) WasDelivered(ctx context.Context, activityURI, inboxURI string) (bool, error) {
	var ok bool
	err := db.db.QueryRowContext(ctx, sqlSelectReceiptByJobs, activityURI, inboxURI).Scan(&ok)
	return ok, errors.Wrap(err, "checking receipt")
}
