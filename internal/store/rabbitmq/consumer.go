package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/oldsparrow/internal/logger"
)

// Handler runs one job. A returned error triggers a delayed retry until
// MaxRetries is reached, then the message is dead-lettered.
type Handler func(ctx context.Context, jobID string) error

type ConsumerConfig struct {
	URL         string
	Queue       string
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
}

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  ConsumerConfig
	log  *logger.Logger

	// retry republishes onto the retry queue. Swappable for tests.
	retry func(ctx context.Context, pub amqp.Publishing) error
	mu    sync.Mutex
}

func NewConsumer(cfg ConsumerConfig, log *logger.Logger) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if log == nil {
		log = logger.Nop()
	}
	conn, ch, err := dial(cfg.URL, cfg.Queue)
	if err != nil {
		return nil, err
	}
	// strict concurrency control
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	c := &Consumer{conn: conn, ch: ch, cfg: cfg, log: log}
	c.retry = c.publishRetry
	return c, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Consumer) publishRetry(ctx context.Context, pub amqp.Publishing) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.PublishWithContext(cctx, "", retryQueue(c.cfg.Queue), false, false, pub)
}

// Run consumes until ctx is cancelled, then waits for in-flight jobs.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	msgs, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.log.Info("worker started", "queue", c.cfg.Queue, "concurrency", c.cfg.Concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, c.cfg.Concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			log := c.log.With("worker", workerID)
			for d := range jobs {
				c.handle(ctx, log, d, h)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			c.log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return errors.New("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) handle(ctx context.Context, log *logger.Logger, d amqp.Delivery, h Handler) {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Warn("bad message", "err", err)
		_ = d.Nack(false, false)
		return
	}
	log = log.With("job_id", m.JobID)

	start := time.Now()
	err := h(ctx, m.JobID)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("ack failed", "err", ackErr)
		}
		if cost := time.Since(start); cost > 2*time.Second {
			log.Info("job_timing", "cost", cost)
		}
		return
	}

	attempt := retryCount(d.Headers) + 1
	if attempt > c.cfg.MaxRetries {
		log.Error("job failed, dead-lettering", "attempts", attempt, "cost", time.Since(start), "err", err)
		_ = d.Nack(false, false)
		return
	}

	if rerr := c.retry(context.WithoutCancel(ctx), retryPublishing(d.Body, attempt, c.cfg.RetryDelay)); rerr != nil {
		log.Error("retry publish failed, dead-lettering", "err", rerr)
		_ = d.Nack(false, false)
		return
	}
	log.Warn("job failed, retry scheduled", "attempt", attempt, "delay", c.cfg.RetryDelay, "err", err)
	_ = d.Ack(false)
}
