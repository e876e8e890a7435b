package pinmark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "pinmark:"

// RedisQueueStore is a QueueStore shared through Redis, so an out-of-process
// worker can drain the same queue the engine fills.
type RedisQueueStore struct {
	client *redis.Client
	prefix string
}

// NewRedisQueueStore connects to redisURL and verifies the connection.
func NewRedisQueueStore(redisURL string) (*RedisQueueStore, error) {
	client, err := dialRedis(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisQueueStoreWithClient(client), nil
}

// NewRedisQueueStoreWithClient creates a store from an existing Redis client.
func NewRedisQueueStoreWithClient(client *redis.Client) *RedisQueueStore {
	return &RedisQueueStore{client: client, prefix: defaultRedisPrefix}
}

func dialRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (s *RedisQueueStore) opKey(opID string) string {
	return s.prefix + "op:" + opID
}

func (s *RedisQueueStore) fileKey(fileID string) string {
	return s.prefix + "file:" + fileID + ":ops"
}

func (s *RedisQueueStore) Enqueue(ctx context.Context, fileID string, op PendingOperation) error {
	op.FileID = fileID
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.opKey(op.ID), data, 0)
		pipe.SAdd(ctx, s.fileKey(fileID), op.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	return nil
}

func (s *RedisQueueStore) ListPending(ctx context.Context, fileID string) ([]PendingOperation, error) {
	ids, err := s.client.SMembers(ctx, s.fileKey(fileID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending %s: %w", fileID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.opKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending %s: %w", fileID, err)
	}

	ops := make([]PendingOperation, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Removed between SMEMBERS and MGET.
			continue
		}
		var op PendingOperation
		if err := json.Unmarshal([]byte(str), &op); err != nil {
			return nil, fmt.Errorf("list pending %s: %w", fileID, err)
		}
		ops = append(ops, op)
	}
	sortOperations(ops)
	return ops, nil
}

func (s *RedisQueueStore) Get(ctx context.Context, opID string) (PendingOperation, error) {
	data, err := s.client.Get(ctx, s.opKey(opID)).Result()
	if errors.Is(err, redis.Nil) {
		return PendingOperation{}, fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	if err != nil {
		return PendingOperation{}, fmt.Errorf("get operation %s: %w", opID, err)
	}
	var op PendingOperation
	if err := json.Unmarshal([]byte(data), &op); err != nil {
		return PendingOperation{}, fmt.Errorf("get operation %s: %w", opID, err)
	}
	return op, nil
}

func (s *RedisQueueStore) Remove(ctx context.Context, opID string) error {
	op, err := s.Get(ctx, opID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.opKey(opID))
		pipe.SRem(ctx, s.fileKey(op.FileID), opID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove operation %s: %w", opID, err)
	}
	return nil
}

func (s *RedisQueueStore) ClearAll(ctx context.Context, fileID string) error {
	ids, err := s.client.SMembers(ctx, s.fileKey(fileID)).Result()
	if err != nil {
		return fmt.Errorf("clear operations %s: %w", fileID, err)
	}
	keys := []string{s.fileKey(fileID)}
	for _, id := range ids {
		keys = append(keys, s.opKey(id))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear operations %s: %w", fileID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisQueueStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisQueueStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
