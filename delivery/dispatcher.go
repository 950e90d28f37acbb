package delivery

import (
	"context"
	"crypto/rsa"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Deliverer performs one signed POST; *activitypub.Sender implements it.
type Deliverer interface {
	Deliver(ctx context.Context, key *rsa.PrivateKey, keyId, inbox string, payload []byte) error
}

// Dispatcher pulls due jobs from the Queue and hands them to a bounded
// pool of workers.
type Dispatcher struct {
	queue   *Queue
	db      *db.DB
	sender  Deliverer
	metrics *metrics.Metrics
	log     *log.Logger

	id      string
	workers int
	batch   int
	poll    time.Duration
}

func NewDispatcher(queue *Queue, database *db.DB, sender Deliverer, conf *util.AppConfig, m *metrics.Metrics, logger *log.Logger) *Dispatcher {
	host, err := os.Hostname()
	if err != nil {
		host = util.Name
	}
	return &Dispatcher{
		queue:   queue,
		db:      database,
		sender:  sender,
		metrics: m,
		log:     logger.WithPrefix("delivery"),
		id:      host + "-" + uuid.NewString()[:8],
		workers: conf.Conf.Workers,
		batch:   conf.Conf.BatchSize,
		poll:    conf.Conf.PollInterval,
	}
}

// Run dispatches until ctx is cancelled. Deliveries already in flight are
// allowed to finish; their request timeout bounds the wait.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("starting delivery workers", "worker", d.id, "workers", d.workers, "poll", d.poll)
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		n, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Error("dispatch failed", "err", err)
		}
		if n == d.batch {
			// more may be due
			continue
		}
		if _, err := d.queue.Stats(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("could not count deliveries", "err", err)
		}
		select {
		case <-ctx.Done():
			d.log.Info("delivery workers stopped")
			return nil
		case <-ticker.C:
		case <-d.queue.Wake():
		}
	}
}

// RunOnce claims one batch and processes it. It returns how many jobs
// were claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	jobs, err := d.queue.Claim(ctx, d.id, d.batch)
	if err != nil {
		return 0, errors.Wrap(err, "claiming jobs")
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	d.log.Debug("claimed deliveries", "count", len(jobs))

	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(d.workers)
	for _, job := range jobs {
		g.Go(func() error {
			d.process(work, job)
			return nil
		})
	}
	return len(jobs), g.Wait()
}

func (d *Dispatcher) process(ctx context.Context, job *domain.DeliveryJob) {
	logger := d.log.With("job", job.Id, "type", job.ActivityType, "inbox", job.InboxURI)

	cancelled, err := d.cancelled(ctx, job)
	if err != nil {
		logger.Error("could not check object state", "err", err)
		d.fail(ctx, logger, job, &domain.RetryableDeliveryError{Err: err})
		return
	}
	if cancelled {
		if err := d.queue.MarkComplete(ctx, job); err != nil {
			d.completeFailed(logger, "could not complete cancelled job", err)
			return
		}
		d.metrics.Delivery("cancelled")
		logger.Debug("skipped delivery of deleted object", "object", job.ObjectURI)
		return
	}

	sender, key, err := d.signer(ctx, job)
	if err != nil {
		d.fail(ctx, logger, job, err)
		return
	}

	obs := d.metrics.StartDelivery(job.ActivityType)
	err = d.sender.Deliver(ctx, key, sender.KeyId(), job.InboxURI, job.Payload)
	obs.Finish()
	if err != nil {
		d.fail(ctx, logger, job, err)
		return
	}

	if err := d.queue.MarkComplete(ctx, job); err != nil {
		d.completeFailed(logger, "delivered but could not complete job", err)
		return
	}
	d.metrics.Delivery("delivered")
	logger.Debug("delivered", "attempt", job.Attempts+1)
}

// cancelled reports whether the object the job carries has been deleted
// since it was queued. Deletes and undos of it still go out.
func (d *Dispatcher) cancelled(ctx context.Context, job *domain.DeliveryJob) (bool, error) {
	switch activitypub.ActivityType(job.ActivityType) {
	case activitypub.TypeDelete, activitypub.TypeUndo:
		return false, nil
	}
	if job.ObjectURI == "" {
		return false, nil
	}
	return d.db.IsObjectTombstoned(ctx, job.ObjectURI)
}

func (d *Dispatcher) signer(ctx context.Context, job *domain.DeliveryJob) (*domain.Actor, *rsa.PrivateKey, error) {
	actor, err := d.db.ReadActorById(ctx, job.SenderId)
	if domain.IsNotFound(err) {
		return nil, nil, &domain.PermanentDeliveryFailure{Reason: "sender no longer exists"}
	}
	if err != nil {
		return nil, nil, &domain.RetryableDeliveryError{Err: err}
	}
	if !actor.IsLocal() {
		return nil, nil, &domain.PermanentDeliveryFailure{Reason: "sender is not a local actor"}
	}
	key, err := activitypub.ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return nil, nil, &domain.PermanentDeliveryFailure{Reason: "unusable private key: " + err.Error()}
	}
	return actor, key, nil
}

func (d *Dispatcher) completeFailed(logger *log.Logger, msg string, err error) {
	if errors.Is(err, domain.ErrConflict) {
		logger.Warn("lost lease before completing job", "err", err)
		return
	}
	logger.Error(msg, "err", err)
}

func (d *Dispatcher) fail(ctx context.Context, logger *log.Logger, job *domain.DeliveryJob, cause error) {
	failed, err := d.queue.MarkFailed(ctx, job, cause)
	if errors.Is(err, domain.ErrConflict) {
		// the lease ran out and another worker owns the job now
		logger.Warn("lost lease before recording failure", "err", cause)
		return
	}
	if err != nil {
		logger.Error("could not record failure", "cause", cause, "err", err)
		return
	}
	if failed {
		d.metrics.Delivery("failed")
		logger.Warn("delivery failed permanently", "attempts", job.Attempts, "err", cause)
		return
	}
	d.metrics.Delivery("retried")
	logger.Info("delivery will be retried", "attempts", job.Attempts, "next", job.NextAttemptAt, "err", cause)
}
