package delivery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Queue is the durable delivery job queue. Job state lives in the database
// so it survives restarts and stays visible to operators.
type Queue struct {
	db      *db.DB
	conf    util.Conf
	metrics *metrics.Metrics
	log     *log.Logger
	wake    chan struct{}
	now     func() time.Time
}

func NewQueue(database *db.DB, conf *util.AppConfig, m *metrics.Metrics, logger *log.Logger) *Queue {
	return &Queue{
		db:      database,
		conf:    conf.Conf,
		metrics: m,
		log:     logger.WithPrefix("queue"),
		wake:    make(chan struct{}, 1),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue creates one pending job per element and skips pairs that were
// already delivered or are already queued. It returns the number created.
func (q *Queue) Enqueue(ctx context.Context, jobs []*domain.DeliveryJob) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	now := q.now()
	for _, j := range jobs {
		if j.NextAttemptAt.IsZero() {
			j.NextAttemptAt = now
		}
	}
	n, err := q.db.EnqueueDeliveries(ctx, jobs)
	if err != nil {
		return 0, errors.Wrap(err, "enqueueing deliveries")
	}
	q.metrics.Enqueued(n)
	if n > 0 {
		q.notify()
	}
	if skipped := len(jobs) - n; skipped > 0 {
		q.log.Debug("skipped duplicate deliveries", "activity", jobs[0].ActivityURI, "skipped", skipped)
	}
	return n, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake fires when new work was queued.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Claim leases up to limit due jobs to worker for the configured lease.
func (q *Queue) Claim(ctx context.Context, worker string, limit int) ([]*domain.DeliveryJob, error) {
	return q.db.ClaimDeliveries(ctx, worker, q.now(), q.conf.LeaseDuration, limit)
}

// MarkComplete removes the job and records its receipt. It fails with
// ErrConflict once the job's lease went to another worker.
func (q *Queue) MarkComplete(ctx context.Context, job *domain.DeliveryJob) error {
	return q.db.CompleteDelivery(ctx, job.Id, job.LeasedBy)
}

// MarkFailed counts one more attempt for job. Permanent failures and jobs
// that ran out of attempts move to failed; everything else is rescheduled
// with backoff. It reports whether the job is now failed.
func (q *Queue) MarkFailed(ctx context.Context, job *domain.DeliveryJob, cause error) (bool, error) {
	attempts := job.Attempts + 1
	reason := cause.Error()

	var permanent *domain.PermanentDeliveryFailure
	if errors.As(cause, &permanent) || attempts >= q.conf.MaxAttempts {
		if err := q.db.FailDelivery(ctx, job.Id, job.LeasedBy, attempts, reason); err != nil {
			return false, err
		}
		job.Attempts, job.State, job.LastError = attempts, domain.DeliveryFailed, reason
		return true, nil
	}

	next := q.now().Add(q.Backoff(attempts))
	if err := q.db.RescheduleDelivery(ctx, job.Id, job.LeasedBy, attempts, next, reason); err != nil {
		return false, err
	}
	job.Attempts, job.State, job.LastError, job.NextAttemptAt = attempts, domain.DeliveryPending, reason, next
	return false, nil
}

// Backoff is the wait before the attempt following attempts failures.
func (q *Queue) Backoff(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.conf.InitialBackoff,
		RandomizationFactor: q.conf.BackoffJitter,
		Multiplier:          q.conf.BackoffMultiplier,
		MaxInterval:         q.conf.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	var wait time.Duration
	for i := 0; i < attempts; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

// Failed lists jobs that will not be retried without an operator.
func (q *Queue) Failed(ctx context.Context, limit int) ([]*domain.DeliveryJob, error) {
	return q.db.ReadFailedDeliveries(ctx, limit)
}

// Retry re-queues a failed job with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id uuid.UUID) error {
	if err := q.db.RetryDelivery(ctx, id, q.now()); err != nil {
		return err
	}
	q.notify()
	return nil
}

// Stats counts jobs per state and publishes them as gauges.
func (q *Queue) Stats(ctx context.Context) (map[domain.DeliveryState]int, error) {
	counts, err := q.db.CountDeliveriesByState(ctx)
	if err != nil {
		return nil, err
	}
	for state, n := range counts {
		q.metrics.QueueDepth(string(state), n)
	}
	return counts, nil
}
