package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/bus"
	"github.com/marketsync/marketsync/internal/retry"
)

type fakeAck struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (f *fakeAck) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAck) Nack(tag uint64, _, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error { return f.Nack(tag, false, requeue) }

type fakeRetrier struct {
	mu    sync.Mutex
	calls []struct {
		Queue Name
		Job   Job
		Delay time.Duration
	}
	err error
}

func (f *fakeRetrier) EnqueueRetry(_ context.Context, q Name, job Job, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, struct {
		Queue Name
		Job   Job
		Delay time.Duration
	}{q, job, delay})
	return nil
}

// drain runs the consumer loop over a closed stream of deliveries.
func drain(t *testing.T, w *Worker, deliveries []amqp.Delivery) {
	t.Helper()
	ch := make(chan amqp.Delivery, len(deliveries))
	for _, d := range deliveries {
		ch <- d
	}
	close(ch)
	w.run(context.Background(), ch)
}

func delivery(t *testing.T, ack *fakeAck, tag uint64, job Job) amqp.Delivery {
	t.Helper()
	body, err := job.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func newTestWorker(h Handler, r Retrier, policy retry.Policy) (*Worker, *bus.Bus) {
	b := bus.New()
	return NewWorker(nil, Directory, h, r, policy, 1, b, zap.NewNop()), b
}

func TestWorkerAcksOnSuccess(t *testing.T) {
	var got []Job
	w, b := newTestWorker(func(_ context.Context, j Job) error {
		got = append(got, j)
		return nil
	}, &fakeRetrier{}, retry.Policy{MaxAttempts: 2})

	events, cancel := b.Subscribe("job.", 8)
	defer cancel()

	ack := &fakeAck{}
	drain(t, w, []amqp.Delivery{delivery(t, ack, 1, Job{JobID: "j1", AccountID: 7})})

	if len(got) != 1 || got[0].AccountID != 7 {
		t.Fatalf("handler got %+v", got)
	}
	if len(ack.acked) != 1 || len(ack.nacked) != 0 {
		t.Fatalf("acked=%v nacked=%v, want one ack", ack.acked, ack.nacked)
	}

	kinds := []string{(<-events).Kind, (<-events).Kind}
	if kinds[0] != bus.KindJobStarted || kinds[1] != bus.KindJobCompleted {
		t.Fatalf("event kinds = %v", kinds)
	}
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	r := &fakeRetrier{}
	w, _ := newTestWorker(func(context.Context, Job) error {
		return errors.New("transient")
	}, r, retry.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second, Factor: 2})

	ack := &fakeAck{}
	drain(t, w, []amqp.Delivery{delivery(t, ack, 1, Job{JobID: "j1"})})

	if len(r.calls) != 1 {
		t.Fatalf("retrier called %d times, want 1", len(r.calls))
	}
	call := r.calls[0]
	if call.Job.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", call.Job.Attempt)
	}
	if call.Delay != 5*time.Second {
		t.Errorf("delay = %v, want base delay on first retry", call.Delay)
	}
	// The original delivery is dropped once the retry copy is published.
	if len(ack.acked) != 1 || len(ack.nacked) != 0 {
		t.Fatalf("acked=%v nacked=%v", ack.acked, ack.nacked)
	}
}

func TestWorkerDeadLettersWhenExhausted(t *testing.T) {
	r := &fakeRetrier{}
	w, b := newTestWorker(func(context.Context, Job) error {
		return errors.New("still broken")
	}, r, retry.Policy{MaxAttempts: 2, BaseDelay: time.Second})

	events, cancel := b.Subscribe(bus.KindJobFailed, 4)
	defer cancel()

	ack := &fakeAck{}
	drain(t, w, []amqp.Delivery{delivery(t, ack, 9, Job{JobID: "j1", Attempt: 1})})

	if len(r.calls) != 0 {
		t.Fatalf("exhausted job was retried: %+v", r.calls)
	}
	if len(ack.nacked) != 1 || ack.nacked[0] != 9 {
		t.Fatalf("nacked = %v, want tag 9 dead-lettered", ack.nacked)
	}
	evt := <-events
	if evt.Payload.(Job).Attempt != 2 {
		t.Errorf("failed event attempt = %d, want 2", evt.Payload.(Job).Attempt)
	}
}

func TestWorkerDeadLettersUndecodablePayload(t *testing.T) {
	called := false
	w, _ := newTestWorker(func(context.Context, Job) error {
		called = true
		return nil
	}, &fakeRetrier{}, retry.Policy{MaxAttempts: 2})

	ack := &fakeAck{}
	drain(t, w, []amqp.Delivery{{Acknowledger: ack, DeliveryTag: 3, Body: []byte("not json")}})

	if called {
		t.Error("handler ran on an undecodable payload")
	}
	if len(ack.nacked) != 1 {
		t.Fatalf("nacked = %v", ack.nacked)
	}
}

func TestWorkerDeadLettersWhenRetryPublishFails(t *testing.T) {
	r := &fakeRetrier{err: errors.New("broker gone")}
	w, _ := newTestWorker(func(context.Context, Job) error {
		return errors.New("transient")
	}, r, retry.Policy{MaxAttempts: 3, BaseDelay: time.Second})

	ack := &fakeAck{}
	drain(t, w, []amqp.Delivery{delivery(t, ack, 4, Job{JobID: "j1"})})

	if len(ack.nacked) != 1 {
		t.Fatalf("nacked = %v, want dead-letter when the retry cannot be parked", ack.nacked)
	}
}

func TestConsumersRunUntilStopped(t *testing.T) {
	handled := make(chan Job, 1)
	w, _ := newTestWorker(func(_ context.Context, j Job) error {
		handled <- j
		return nil
	}, &fakeRetrier{}, retry.Policy{MaxAttempts: 2})

	deliveries := make(chan amqp.Delivery, 1)
	w.launch(deliveries)

	// A delivery arriving long after startup must still be consumed; the
	// pool's context is not bound to any startup deadline.
	ack := &fakeAck{}
	deliveries <- delivery(t, ack, 1, Job{JobID: "late"})
	select {
	case j := <-handled:
		if j.JobID != "late" {
			t.Fatalf("handled %+v", j)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer stopped before Stop was called")
	}

	close(deliveries)
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	in := Job{JobID: NewJobID(), AccountID: 12, ChatURLs: []string{"u1", "u2"}, FollowUnread: true, Attempt: 1}
	body, err := in.encode()
	if err != nil {
		t.Fatal(err)
	}
	out, err := decodeJob(body)
	if err != nil {
		t.Fatal(err)
	}
	if out.JobID != in.JobID || out.AccountID != 12 || len(out.ChatURLs) != 2 || !out.FollowUnread || out.Attempt != 1 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if len(in.JobID) != 26 {
		t.Errorf("job id %q is not a ULID", in.JobID)
	}
}
