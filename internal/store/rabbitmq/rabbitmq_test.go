package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/oldsparrow/internal/logger"
)

type fakeAck struct {
	acks, nacks int
	requeued    bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error { a.acks++; return nil }
func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacks++
	a.requeued = requeue
	return nil
}
func (a *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

type fakeDeclarer struct {
	declared map[string]amqp.Table
	order    []string
}

func (f *fakeDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if f.declared == nil {
		f.declared = map[string]amqp.Table{}
	}
	f.declared[name] = args
	f.order = append(f.order, name)
	return amqp.Queue{Name: name}, nil
}

func TestDeclareTopology(t *testing.T) {
	d := &fakeDeclarer{}
	require.NoError(t, declareTopology(d, "chat_jobs"))

	assert.Equal(t, []string{"chat_jobs.dlq", "chat_jobs.retry", "chat_jobs"}, d.order)
	assert.Equal(t, "chat_jobs", d.declared["chat_jobs.retry"]["x-dead-letter-routing-key"])
	assert.Equal(t, "chat_jobs.dlq", d.declared["chat_jobs"]["x-dead-letter-routing-key"])
}

func TestRetryPublishing(t *testing.T) {
	pub := retryPublishing([]byte(`{"job_id":"j1"}`), 2, 1500*time.Millisecond)
	assert.Equal(t, "1500", pub.Expiration)
	assert.Equal(t, 2, retryCount(pub.Headers))
	assert.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)
	assert.Equal(t, 0, retryCount(nil))
}

func newTestConsumer(maxRetries int, retried *[]amqp.Publishing) *Consumer {
	c := &Consumer{
		cfg: ConsumerConfig{Queue: "chat_jobs", Concurrency: 1, MaxRetries: maxRetries, RetryDelay: time.Second},
		log: logger.Nop(),
	}
	c.retry = func(ctx context.Context, pub amqp.Publishing) error {
		*retried = append(*retried, pub)
		return nil
	}
	return c
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		headers    amqp.Table
		handlerErr error
		wantCalled bool
		wantAcks   int
		wantNacks  int
		wantRetry  int
	}{
		{name: "success acks", body: `{"job_id":"j1"}`, wantCalled: true, wantAcks: 1},
		{name: "bad body dead-letters", body: `nope`, wantNacks: 1},
		{name: "missing id dead-letters", body: `{}`, wantNacks: 1},
		{name: "failure schedules retry", body: `{"job_id":"j1"}`, handlerErr: errors.New("boom"), wantCalled: true, wantAcks: 1, wantRetry: 1},
		{
			name:       "retries exhausted dead-letters",
			body:       `{"job_id":"j1"}`,
			headers:    amqp.Table{retryHeader: int32(3)},
			handlerErr: errors.New("boom"),
			wantCalled: true,
			wantNacks:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var retried []amqp.Publishing
			c := newTestConsumer(3, &retried)
			ack := &fakeAck{}
			called := false

			c.handle(context.Background(), c.log, amqp.Delivery{Acknowledger: ack, Body: []byte(tt.body), Headers: tt.headers},
				func(ctx context.Context, jobID string) error {
					called = true
					assert.Equal(t, "j1", jobID)
					return tt.handlerErr
				})

			assert.Equal(t, tt.wantCalled, called)
			assert.Equal(t, tt.wantAcks, ack.acks)
			assert.Equal(t, tt.wantNacks, ack.nacks)
			assert.False(t, ack.requeued)
			require.Len(t, retried, tt.wantRetry)
			if tt.wantRetry > 0 {
				assert.Equal(t, 1, retryCount(retried[0].Headers))
				assert.Equal(t, tt.body, string(retried[0].Body))
			}
		})
	}
}
