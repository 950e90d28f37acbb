package delivery

import (
	"testing"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffIsCapped(t *testing.T) {
	f := setup(t)
	f.queue.conf.InitialBackoff = time.Second
	f.queue.conf.MaxBackoff = 8 * time.Second

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, f.queue.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	f := setup(t)
	f.queue.conf.BackoffJitter = 0.5

	for i := 0; i < 50; i++ {
		wait := f.queue.Backoff(1)
		assert.GreaterOrEqual(t, wait, 30*time.Second)
		assert.LessOrEqual(t, wait, 90*time.Second)
	}
}

func TestEnqueueSkipsLiveDuplicates(t *testing.T) {
	f := setup(t)
	job := f.job(activitypub.TypeLike, "https://remote.example/inbox")
	f.enqueue(t, job)

	dup := *job
	dup.Id, dup.IdentityKey = uuid.Nil, ""
	n, err := f.queue.Enqueue(f.ctx, []*domain.DeliveryJob{&dup})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.queue.Enqueue(f.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	select {
	case <-f.queue.Wake():
	default:
		t.Fatal("Expected a wake-up after the first enqueue")
	}
}

func TestRetryOnlyTouchesFailedJobs(t *testing.T) {
	f := setup(t)
	job := f.job(activitypub.TypeCreate, "https://remote.example/inbox")
	f.enqueue(t, job)

	err := f.queue.Retry(f.ctx, job.Id)
	assert.True(t, domain.IsNotFound(err))
}
