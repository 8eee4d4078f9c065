package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
)

type ackRecorder struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked = true; return nil }
func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}
func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

func delivery(t *testing.T, job any, redelivered bool) (amqp.Delivery, *ackRecorder) {
	body, err := json.Marshal(job)
	require.NoError(t, err)
	rec := &ackRecorder{}
	return amqp.Delivery{Acknowledger: rec, Body: body, Redelivered: redelivered}, rec
}

var job = ImageSyncJob{ProjectID: "p1", UserID: "u1", ClientID: "a", SystemID: "ptdatax.project.x", ImagesPath: "f1/code/images"}

func TestHandleDelivery(t *testing.T) {
	ctx := context.Background()

	d, rec := delivery(t, job, false)
	var got ImageSyncJob
	handleDelivery(ctx, d, func(_ context.Context, j ImageSyncJob) error { got = j; return nil })
	assert.True(t, rec.acked)
	assert.Equal(t, job.ProjectID, got.ProjectID)

	d, rec = delivery(t, job, false)
	handleDelivery(ctx, d, func(context.Context, ImageSyncJob) error { return errs.Transient("op", "503") })
	assert.True(t, rec.nacked)
	assert.True(t, rec.requeue)

	d, rec = delivery(t, job, true)
	handleDelivery(ctx, d, func(context.Context, ImageSyncJob) error { return errs.Transient("op", "503") })
	assert.True(t, rec.nacked)
	assert.False(t, rec.requeue, "a redelivered job is not requeued again")

	d, rec = delivery(t, map[string]string{"project_id": "p1"}, false)
	called := false
	handleDelivery(ctx, d, func(context.Context, ImageSyncJob) error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, rec.nacked)
	assert.False(t, rec.requeue)
}

func TestInlinePublisher(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	q := NewInline(func(_ context.Context, j ImageSyncJob) error {
		mu.Lock()
		seen = append(seen, j.ProjectID)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Publish(ctx, job))
	cancel()
	q.Wait()
	assert.Equal(t, []string{"p1"}, seen)

	assert.True(t, errs.Is(q.Publish(context.Background(), ImageSyncJob{}), errs.KindValidation))
	assert.NoError(t, Discard{}.Publish(context.Background(), job))
}
