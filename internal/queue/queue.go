// Package queue provides the Redis-backed sync-request queue: mailboxes
// waiting to be synced or reindexed, deduplicated per (user, mailbox),
// with priority requests jumping the line.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors
var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrEmpty       = errors.New("queue is empty")
)

// Request asks for one mailbox to be synced.
type Request struct {
	User    string `json:"user"`
	Mailbox string `json:"mailbox"`
	// Priority requests go to the head of the queue; used when a
	// client is actively waiting on the result.
	Priority   bool      `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (r *Request) key() string {
	return r.User + "\x00" + r.Mailbox
}

// Config configures the Redis queue.
type Config struct {
	// RedisURL is the Redis connection URL.
	RedisURL string
	// Prefix is the key prefix for all queue keys.
	Prefix string
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		RedisURL: "redis://localhost:6379/0",
		Prefix:   "mailstore",
	}
}

// Queue is a Redis-backed sync-request queue. The list holds (user,
// mailbox) keys in processing order; the hash holds each queued
// request's payload and doubles as the dedup set.
type Queue struct {
	client *redis.Client
	config Config
	closed bool
}

// New connects to Redis and returns the queue.
func New(cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{client: client, config: cfg}, nil
}

func (q *Queue) listKey() string { return q.config.Prefix + ":sync:queue" }
func (q *Queue) dataKey() string { return q.config.Prefix + ":sync:requests" }

// Push enqueues a request. A request for a (user, mailbox) already in
// the queue is dropped, except that a priority request for a queued
// non-priority entry moves it to the head.
func (q *Queue) Push(ctx context.Context, req *Request) error {
	if q.closed {
		return ErrQueueClosed
	}
	req.EnqueuedAt = time.Now()
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	added, err := q.client.HSetNX(ctx, q.dataKey(), req.key(), string(data)).Result()
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	if !added {
		if !req.Priority {
			return nil
		}
		// Already queued without priority: move its key to the head.
		var queued Request
		if raw, err := q.client.HGet(ctx, q.dataKey(), req.key()).Result(); err == nil {
			if json.Unmarshal([]byte(raw), &queued) == nil && queued.Priority {
				return nil
			}
		}
		if err := q.client.HSet(ctx, q.dataKey(), req.key(), string(data)).Err(); err != nil {
			return fmt.Errorf("failed to upgrade request: %w", err)
		}
		if err := q.client.LRem(ctx, q.listKey(), 0, req.key()).Err(); err != nil {
			return fmt.Errorf("failed to move request: %w", err)
		}
		return q.client.RPush(ctx, q.listKey(), req.key()).Err()
	}

	// BRPOP pops from the right, so priority pushes right, normal left.
	if req.Priority {
		err = q.client.RPush(ctx, q.listKey(), req.key()).Err()
	} else {
		err = q.client.LPush(ctx, q.listKey(), req.key()).Err()
	}
	if err != nil {
		q.client.HDel(ctx, q.dataKey(), req.key())
		return fmt.Errorf("failed to enqueue request: %w", err)
	}
	return nil
}

// Pop blocks up to timeout for the next request. Returns ErrEmpty on
// timeout.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Request, error) {
	if q.closed {
		return nil, ErrQueueClosed
	}

	res, err := q.client.BRPop(ctx, timeout, q.listKey()).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to pop request: %w", err)
	}
	key := res[1]

	raw, err := q.client.HGet(ctx, q.dataKey(), key).Result()
	if err != nil {
		if err == redis.Nil {
			// Payload vanished; treat the slot as consumed.
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	q.client.HDel(ctx, q.dataKey(), key)

	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// Len returns the number of queued requests.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.listKey()).Result()
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	q.closed = true
	return q.client.Close()
}
