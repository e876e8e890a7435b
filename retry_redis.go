package pinmark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CompletionNotifier hands a completion back to the engine that registered it.
type CompletionNotifier interface {
	Notify(ctx context.Context, c RetryCompletion) error
}

type redisRetryEntry struct {
	Tag     RetryTag `json:"tag"`
	Attempt int      `json:"attempt"`
}

func retryListKey(prefix string) string    { return prefix + "retry" }
func retryDelayedKey(prefix string) string { return prefix + "retry:delayed" }
func completionChannel(prefix string) string {
	return prefix + "retry:done"
}

// ============================================================================
// RedisDispatcher
// ============================================================================

// RedisDispatcher registers retries on a Redis list drained by a RedisWorker
// and relays the worker's completion messages from a pub/sub channel.
type RedisDispatcher struct {
	completionHub
	client *redis.Client
	prefix string
	log    zerolog.Logger

	mu  sync.Mutex
	sub *redis.PubSub
	wg  sync.WaitGroup
}

var (
	_ RetryDispatcher  = (*RedisDispatcher)(nil)
	_ CompletionSource = (*RedisDispatcher)(nil)
)

// NewRedisDispatcher creates a dispatcher on client. Call Listen to receive completions.
func NewRedisDispatcher(client *redis.Client, logger *zerolog.Logger) *RedisDispatcher {
	return &RedisDispatcher{
		client: client,
		prefix: defaultRedisPrefix,
		log:    component(logger, "pinmark.dispatch"),
	}
}

func (d *RedisDispatcher) RegisterRetry(ctx context.Context, tag RetryTag) error {
	data, err := json.Marshal(redisRetryEntry{Tag: tag})
	if err != nil {
		return err
	}
	if err := d.client.LPush(ctx, retryListKey(d.prefix), data).Err(); err != nil {
		return fmt.Errorf("register retry %s: %w", tag, err)
	}
	return nil
}

// Listen subscribes to completion messages until Close is called.
func (d *RedisDispatcher) Listen(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return nil
	}
	sub := d.client.Subscribe(ctx, completionChannel(d.prefix))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe completions: %w", err)
	}
	d.sub = sub

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for msg := range sub.Channel() {
			var c RetryCompletion
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				d.log.Warn().Err(err).Msg("malformed completion message")
				continue
			}
			d.publish(c)
		}
	}()
	return nil
}

// Close stops listening for completions.
func (d *RedisDispatcher) Close() error {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	d.wg.Wait()
	return err
}

// ============================================================================
// RedisWorker
// ============================================================================

type redisNotifier struct {
	client *redis.Client
	prefix string
}

func (n *redisNotifier) Notify(ctx context.Context, c RetryCompletion) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, completionChannel(n.prefix), data).Err()
}

// RedisWorker is an out-of-process background retry context. It pops tags
// registered by a RedisDispatcher, submits the queued operation and reports
// the outcome through its notifier.
type RedisWorker struct {
	runner   retryRunner
	client   *redis.Client
	prefix   string
	notifier CompletionNotifier
	opts     WorkerOptions
	log      zerolog.Logger

	// PollTimeout bounds each blocking pop so delayed retries are promoted promptly.
	PollTimeout time.Duration
}

// NewRedisWorker creates a worker. A nil notifier publishes completions on
// the Redis channel a RedisDispatcher listens to.
func NewRedisWorker(client *redis.Client, store QueueStore, remote RemoteStore, notifier CompletionNotifier, opts *WorkerOptions) *RedisWorker {
	o := WorkerOptions{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	if notifier == nil {
		notifier = &redisNotifier{client: client, prefix: defaultRedisPrefix}
	}
	log := component(o.Logger, "pinmark.worker")
	return &RedisWorker{
		runner:      retryRunner{store: store, remote: remote, log: log},
		client:      client,
		prefix:      defaultRedisPrefix,
		notifier:    notifier,
		opts:        o,
		log:         log,
		PollTimeout: time.Second,
	}
}

// Run processes retries until ctx is cancelled.
func (w *RedisWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("worker started")
	defer w.log.Info().Msg("worker stopped")

	for {
		if err := w.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("promote delayed retries")
		}

		res, err := w.client.BRPop(ctx, w.PollTimeout, retryListKey(w.prefix)).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			w.log.Warn().Err(err).Msg("pop retry")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.RetryBaseDelay):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		var entry redisRetryEntry
		if err := json.Unmarshal([]byte(res[1]), &entry); err != nil {
			w.log.Warn().Err(err).Msg("malformed retry entry")
			continue
		}
		w.process(ctx, entry)
	}
}

// ProcessOne handles at most one registered retry without blocking.
func (w *RedisWorker) ProcessOne(ctx context.Context) (bool, error) {
	if err := w.promoteDelayed(ctx); err != nil {
		return false, err
	}
	data, err := w.client.RPop(ctx, retryListKey(w.prefix)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var entry redisRetryEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return false, fmt.Errorf("malformed retry entry: %w", err)
	}
	w.process(ctx, entry)
	return true, nil
}

func (w *RedisWorker) process(ctx context.Context, entry redisRetryEntry) {
	done, ok := w.runner.attempt(ctx, entry.Tag)
	if !ok {
		return
	}
	if err := w.notifier.Notify(ctx, done); err != nil {
		w.log.Warn().Err(err).Str("tag", entry.Tag.String()).Msg("deliver completion")
	}
	if done.OK() || done.Unauthorized || entry.Attempt+1 >= w.opts.MaxAttempts {
		return
	}
	if err := w.schedule(ctx, redisRetryEntry{Tag: entry.Tag, Attempt: entry.Attempt + 1}, w.opts.backoff(entry.Attempt)); err != nil {
		w.log.Warn().Err(err).Str("tag", entry.Tag.String()).Msg("schedule retry")
	}
}

func (w *RedisWorker) schedule(ctx context.Context, entry redisRetryEntry, delay time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	readyAt := time.Now().Add(delay).UnixMilli()
	return w.client.ZAdd(ctx, retryDelayedKey(w.prefix), redis.Z{Score: float64(readyAt), Member: string(data)}).Err()
}

func (w *RedisWorker) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := w.client.ZRangeByScore(ctx, retryDelayedKey(w.prefix), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		// ZREM decides which worker owns the entry when several race.
		removed, err := w.client.ZRem(ctx, retryDelayedKey(w.prefix), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := w.client.LPush(ctx, retryListKey(w.prefix), member).Err(); err != nil {
			return err
		}
	}
	return nil
}
