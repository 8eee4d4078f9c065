package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/providentiaww/ptdatax-ingest/internal/errs"
	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

// AMQP publishes and consumes jobs on a durable RabbitMQ queue.
type AMQP struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	mu    sync.Mutex
}

// Dial connects to the broker and declares the queue.
func Dial(url, queue string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // args
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	logging.Info("Queue", "connected to RabbitMQ queue %s", queue)
	return &AMQP{conn: conn, ch: ch, queue: queue}, nil
}

// Publish sends job as a persistent JSON message.
func (q *AMQP) Publish(ctx context.Context, job ImageSyncJob) error {
	if err := job.validate(); err != nil {
		return err
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.PublishWithContext(ctx,
		"",      // exchange
		q.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    job.RequestedAt,
			Body:         body,
		},
	)
	if err != nil {
		return errs.E(errs.KindTransientRemote, "queue.Publish", err)
	}
	return nil
}

// Consume delivers jobs to h with at most concurrency in flight until ctx
// is cancelled or the channel closes.
func (q *AMQP) Consume(ctx context.Context, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if err := q.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	msgs, err := q.ch.ConsumeWithContext(ctx,
		q.queue, // queue
		"",      // consumer
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer func() { <-sem; wg.Done() }()
				handleDelivery(ctx, d, h)
			}(d)
		}
	}
}

// handleDelivery acks processed and malformed jobs. A transient failure is
// requeued once; anything else is dropped.
func handleDelivery(ctx context.Context, d amqp.Delivery, h Handler) {
	job, err := decodeJob(d.Body)
	if err != nil {
		logging.Error("Queue", err, "dropping message %s", d.MessageId)
		_ = d.Nack(false, false)
		return
	}
	err = runJob(ctx, h, job)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errs.Is(err, errs.KindTransientRemote) && !d.Redelivered:
		_ = d.Nack(false, true)
	default:
		_ = d.Nack(false, false)
	}
}

func (q *AMQP) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	return q.conn.Close()
}
