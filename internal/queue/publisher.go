package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DeclareTopology declares the main, retry and dead-letter queues for every
// name. Idempotent; safe to run from every process on startup.
func DeclareTopology(ch *amqp.Channel, names ...Name) error {
	for _, n := range names {
		if _, err := ch.QueueDeclare(string(n), true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": n.dlq(),
		}); err != nil {
			return fmt.Errorf("declare %s: %w", n, err)
		}
		if _, err := ch.QueueDeclare(n.retry(), true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": string(n),
		}); err != nil {
			return fmt.Errorf("declare %s: %w", n.retry(), err)
		}
		if _, err := ch.QueueDeclare(n.dlq(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", n.dlq(), err)
		}
	}
	return nil
}

// Publisher enqueues jobs.
type Publisher struct {
	ch  *amqp.Channel
	log *zap.Logger
}

// NewPublisher opens a channel on conn and declares the full topology.
func NewPublisher(conn *amqp.Connection, log *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareTopology(ch, Names()...); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Publisher{ch: ch, log: log.Named("queue")}, nil
}

// Enqueue publishes a job to the named queue and returns its id, assigning
// one when the job carries none.
func (p *Publisher) Enqueue(ctx context.Context, q Name, job Job) (string, error) {
	if job.JobID == "" {
		job.JobID = NewJobID()
	}
	body, err := job.encode()
	if err != nil {
		return "", err
	}
	err = p.ch.PublishWithContext(ctx, "", string(q), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.JobID,
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", q, err)
	}
	p.log.Debug("job enqueued",
		zap.String("queue", string(q)),
		zap.String("job_id", job.JobID),
		zap.Int64("account_id", job.AccountID))
	return job.JobID, nil
}

// EnqueueRetry parks a failed job on the retry queue. The per-message TTL
// expires it back onto the main queue after delay.
func (p *Publisher) EnqueueRetry(ctx context.Context, q Name, job Job, delay time.Duration) error {
	body, err := job.encode()
	if err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, "", q.retry(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.JobID,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.retry(), err)
	}
	p.log.Debug("job parked for retry",
		zap.String("queue", string(q)),
		zap.String("job_id", job.JobID),
		zap.Duration("delay", delay),
		zap.Int("attempt", job.Attempt))
	return nil
}

// Close releases the channel.
func (p *Publisher) Close() error {
	return p.ch.Close()
}
