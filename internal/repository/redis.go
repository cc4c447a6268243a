package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/domain"
	"syncbridge/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue entries are "<dedupKey>\x1f<job json>" so the drain script can clear
// dedup markers without decoding JSON.
const redisEntrySep = "\x1f"

var (
	redisEnqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

	redisDrainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
  redis.call('LTRIM', KEYS[1], #items, -1)
  for _, item in ipairs(items) do
    local sep = string.find(item, '\31', 1, true)
    if sep then
      redis.call('SREM', KEYS[2], string.sub(item, 1, sep - 1))
    end
  end
end
return items
`)

	redisReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient builds a client from a redis:// DSN; explicit config fields override the URL.
func NewRedisClient(dsn string, cfg config.RedisConfig) (*redis.Client, error) {
	options, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	if cfg.Password != "" {
		options.Password = cfg.Password
	}
	if cfg.DB != 0 {
		options.DB = cfg.DB
	}
	if cfg.PoolSize != 0 {
		options.PoolSize = cfg.PoolSize
	}
	return redis.NewClient(options), nil
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(parts ...string) string {
	return r.prefix + ":" + strings.Join(parts, ":")
}

func (r *RedisStore) Enqueue(ctx context.Context, jobs []models.Job) (models.EnqueueResult, error) {
	var res models.EnqueueResult
	if r.client == nil {
		return res, fmt.Errorf("redis client is nil")
	}

	keys := []string{r.key("queue"), r.key("queue", "keys")}
	for _, job := range jobs {
		if job.DedupKey == "" {
			res.Skipped++
			continue
		}
		data, err := json.Marshal(stampJob(job, time.Now()))
		if err != nil {
			return res, fmt.Errorf("failed to marshal job: %w", err)
		}
		added, err := redisEnqueueScript.Run(ctx, r.client, keys, job.DedupKey, job.DedupKey+redisEntrySep+string(data)).Int()
		if err != nil {
			return res, fmt.Errorf("failed to enqueue job: %w", err)
		}
		if added == 1 {
			res.Enqueued++
		} else {
			res.Deduped++
		}
	}
	return res, nil
}

func (r *RedisStore) Drain(ctx context.Context, max int) ([]models.Job, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if max <= 0 {
		return nil, nil
	}

	items, err := redisDrainScript.Run(ctx, r.client, []string{r.key("queue"), r.key("queue", "keys")}, max).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}

	jobs := make([]models.Job, 0, len(items))
	for _, item := range items {
		_, payload, ok := strings.Cut(item, redisEntrySep)
		if !ok {
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return jobs, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisStore) Depth(ctx context.Context) (int, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	n, err := r.client.LLen(ctx, r.key("queue")).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return int(n), nil
}

func (r *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key("lock", key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (r *RedisStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if token == "" {
		return false, nil
	}
	n, err := redisReleaseScript.Run(ctx, r.client, []string{r.key("lock", key)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return n == 1, nil
}

func (r *RedisStore) PushDeadLetter(ctx context.Context, job models.Job) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := r.client.RPush(ctx, r.key("deadletter"), data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, r.key("state", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state from redis: %w", err)
	}
	return val, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.key("state", key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state in redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, r.key("state", key)).Err(); err != nil {
		return fmt.Errorf("failed to delete state from redis: %w", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	base := r.key("state", "")
	out := make(map[string][]byte)
	iter := r.client.Scan(ctx, 0, base+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		val, err := r.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get state from redis: %w", err)
		}
		out[strings.TrimPrefix(full, base)] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan state keys: %w", err)
	}
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if _, err := r.client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

var _ domain.Store = (*RedisStore)(nil)
