// Package queue is a reliable Redis list queue for compositing jobs and their
// results. A received message is moved atomically into an in-flight list and
// stays there until it is acknowledged or rejected, so a worker crash never
// loses it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ansel1/merry/v2"
	"github.com/go-redis/redis/v8"

	"github.com/bobarin/meetcomposer/internal/models"
)

const (
	DefaultProcessingQueue = "processing"
	DefaultResultsQueue    = "results"
)

// ErrTransport means the broker could not be reached. It is fatal to a worker.
var ErrTransport = merry.Sentinel("queue transport failure")

type Options struct {
	Processing string // Inbound job queue
	Results    string // Outbound result queue
}

func (o Options) withDefaults() Options {
	if o.Processing == "" {
		o.Processing = DefaultProcessingQueue
	}
	if o.Results == "" {
		o.Results = DefaultResultsQueue
	}
	return o
}

type Queue struct {
	client *redis.Client
	opts   Options
}

// Delivery is one received message. It must be passed to exactly one of Ack
// or Reject.
type Delivery struct {
	Body       []byte
	ReceivedAt time.Time
}

func New(redisURL string, opts Options) (*Queue, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, merry.Wrap(ErrTransport, merry.WithMessage("failed to connect to redis"), merry.WithCause(err))
	}

	return NewWithClient(client, opts), nil
}

// NewWithClient wraps an existing client. The queue takes ownership of it.
func NewWithClient(client *redis.Client, opts Options) *Queue {
	return &Queue{client: client, opts: opts.withDefaults()}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Client exposes the underlying connection for stores sharing the broker.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Processing() string { return q.opts.Processing }
func (q *Queue) Results() string    { return q.opts.Results }
func (q *Queue) InFlight() string   { return q.opts.Processing + ":inflight" }
func (q *Queue) DeadLetter() string { return q.opts.Processing + ":dead" }

// Enqueue publishes a job message to the processing queue.
func (q *Queue) Enqueue(ctx context.Context, msg models.JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.EnqueueRaw(ctx, data)
}

// EnqueueRaw publishes an already encoded message body.
func (q *Queue) EnqueueRaw(ctx context.Context, body []byte) error {
	if err := q.client.LPush(ctx, q.opts.Processing, body).Err(); err != nil {
		return transportErr(err, "enqueue")
	}
	return nil
}

// Receive waits up to timeout for the next message. It returns nil, nil when
// nothing arrived in time.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, q.opts.Processing, q.InFlight(), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportErr(err, "receive")
	}

	return &Delivery{Body: []byte(raw), ReceivedAt: time.Now()}, nil
}

// Ack removes a handled message from the in-flight list.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.InFlight(), 1, d.Body).Err(); err != nil {
		return transportErr(err, "ack")
	}
	return nil
}

// Reject moves a message that must not be retried to the dead-letter list.
func (q *Queue) Reject(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.InFlight(), 1, d.Body)
		pipe.LPush(ctx, q.DeadLetter(), d.Body)
		return nil
	})
	if err != nil {
		return transportErr(err, "reject")
	}
	return nil
}

// PublishResult appends a result to the results queue.
func (q *Queue) PublishResult(ctx context.Context, result models.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := q.client.LPush(ctx, q.opts.Results, data).Err(); err != nil {
		return transportErr(err, "publish result")
	}
	return nil
}

// WaitResult pops the oldest result, waiting up to timeout. It returns nil,
// nil when no result arrived in time.
func (q *Queue) WaitResult(ctx context.Context, timeout time.Duration) (*models.Result, error) {
	res, err := q.client.BRPop(ctx, timeout, q.opts.Results).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportErr(err, "wait result")
	}

	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var result models.Result
	if err := json.Unmarshal([]byte(res[1]), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return &result, nil
}

// RecoverInFlight moves messages left in flight by a crashed worker back to
// the consuming end of the processing queue, oldest first. Only call it when
// no other worker shares the queue.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	recovered := 0
	for {
		err := q.client.LMove(ctx, q.InFlight(), q.opts.Processing, "LEFT", "RIGHT").Err()
		if err == redis.Nil {
			return recovered, nil
		}
		if err != nil {
			return recovered, transportErr(err, "recover in-flight")
		}
		recovered++
	}
}

// Stats is a snapshot of the queue lengths.
type Stats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
	Results  int64 `json:"results"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.opts.Processing)
	inflight := pipe.LLen(ctx, q.InFlight())
	dead := pipe.LLen(ctx, q.DeadLetter())
	results := pipe.LLen(ctx, q.opts.Results)

	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, transportErr(err, "stats")
	}

	return Stats{
		Pending:  pending.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
		Results:  results.Val(),
	}, nil
}

// Ping checks the broker connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return transportErr(err, "ping")
	}
	return nil
}

func transportErr(err error, op string) error {
	return merry.Wrap(ErrTransport, merry.WithMessagef("queue %s failed", op), merry.WithCause(err))
}
