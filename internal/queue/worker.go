package queue

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/bus"
	"github.com/marketsync/marketsync/internal/retry"
)

// Handler processes one job. A nil return acknowledges the delivery; an
// error sends it through the retry queue until the policy is exhausted,
// then to the dead-letter queue.
type Handler func(ctx context.Context, job Job) error

// Retrier re-publishes a job for delayed redelivery. *Publisher satisfies
// it; tests inject their own.
type Retrier interface {
	EnqueueRetry(ctx context.Context, q Name, job Job, delay time.Duration) error
}

// Worker consumes one queue with a fixed-size goroutine pool.
type Worker struct {
	conn        *amqp.Connection
	queue       Name
	handler     Handler
	retrier     Retrier
	policy      retry.Policy
	concurrency int
	bus         *bus.Bus
	log         *zap.Logger

	ch     *amqp.Channel
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(conn *amqp.Connection, q Name, h Handler, r Retrier, policy retry.Policy, concurrency int, b *bus.Bus, log *zap.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		conn:        conn,
		queue:       q,
		handler:     h,
		retrier:     r,
		policy:      policy,
		concurrency: concurrency,
		bus:         b,
		log:         log.Named("worker").With(zap.String("queue", string(q))),
	}
}

// Start opens a channel and launches the consumer pool. It returns once the
// consumers are running; Stop drains them. The passed context only covers
// startup: lifecycle hooks hand in a deadline-bounded context, and the
// consumers must outlive it.
func (w *Worker) Start(_ context.Context) error {
	ch, err := w.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(w.concurrency, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(string(w.queue), "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	w.ch = ch
	w.launch(deliveries)
	w.log.Info("consuming", zap.Int("concurrency", w.concurrency))
	return nil
}

// launch spawns the consumer goroutines on a context that lives until Stop.
func (w *Worker) launch(deliveries <-chan amqp.Delivery) {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx, deliveries)
		}()
	}
}

// Stop cancels the consumers, closes the channel ending the delivery
// stream, and waits for in-flight jobs to finish.
func (w *Worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.ch != nil {
		err = w.ch.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Worker) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	job, err := decodeJob(d.Body)
	if err != nil {
		w.log.Error("undecodable job dead-lettered", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	w.publish(bus.KindJobStarted, job)
	err = w.handler(ctx, job)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			w.log.Warn("ack failed", zap.String("job_id", job.JobID), zap.Error(ackErr))
		}
		w.publish(bus.KindJobCompleted, job)
		return
	}

	job.Attempt++
	if w.policy.Exhausted(job.Attempt) {
		w.log.Warn("job exhausted, dead-lettering",
			zap.String("job_id", job.JobID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))
		_ = d.Nack(false, false)
		w.publish(bus.KindJobFailed, job)
		return
	}

	delay := w.policy.Delay(job.Attempt)
	if rErr := w.retrier.EnqueueRetry(ctx, w.queue, job, delay); rErr != nil {
		w.log.Error("retry publish failed, dead-lettering",
			zap.String("job_id", job.JobID), zap.Error(rErr))
		_ = d.Nack(false, false)
		w.publish(bus.KindJobFailed, job)
		return
	}
	// The retry copy is on its way; drop this delivery.
	if ackErr := d.Ack(false); ackErr != nil {
		w.log.Warn("ack failed", zap.String("job_id", job.JobID), zap.Error(ackErr))
	}
	w.log.Info("job scheduled for retry",
		zap.String("job_id", job.JobID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err))
}

func (w *Worker) publish(kind string, job Job) {
	w.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   job,
	})
}
