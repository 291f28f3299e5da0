package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/errors"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// Redis is the shared cache tier used when multiple dispatcher replicas
// run against the same store. It also backs the scheduler lease and the
// rate-limit windows so those are cluster-wide rather than per-process.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis connects to the given Redis address and verifies the
// connection with a ping before returning.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.StoreUnavailable.Wrapf(err, "redis ping %s", addr)
	}

	logger := log.WithComponent("cache")
	logger.Info().Str("addr", addr).Int("db", db).Msg("Connected to Redis cache")

	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) SetJobStatus(ctx context.Context, view *types.JobStatusView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return errors.Wrapf(err, "marshal status for job %s", view.JobID)
	}
	return r.client.Set(ctx, statusKey(view.JobID), data, statusTTL(view)).Err()
}

func (r *Redis) JobStatus(ctx context.Context, jobID string) (*types.JobStatusView, error) {
	data, err := r.client.Get(ctx, statusKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var view types.JobStatusView
	if err := json.Unmarshal(data, &view); err != nil {
		// Corrupt entry: treat as a miss so callers fall back to the store.
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Discarding corrupt status cache entry")
		r.client.Del(ctx, statusKey(jobID))
		return nil, nil
	}
	return &view, nil
}

func (r *Redis) SetCancelFlag(ctx context.Context, jobID string, cancelled bool) error {
	value := "0"
	if cancelled {
		value = "1"
	}
	return r.client.Set(ctx, cancelKey(jobID), value, CancelFlagTTL).Err()
}

func (r *Redis) CancelFlag(ctx context.Context, jobID string) (bool, bool, error) {
	value, err := r.client.Get(ctx, cancelKey(jobID)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return value == "1", true, nil
}

func (r *Redis) Invalidate(ctx context.Context, jobID string) error {
	return r.client.Del(ctx, statusKey(jobID), cancelKey(jobID)).Err()
}

func (r *Redis) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, "1", ttl).Result()
}

func (r *Redis) ReleaseLease(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := windowKey(key, time.Now(), window)
	count, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		// First hit in this window owns setting the expiry.
		r.client.Expire(ctx, k, window)
	}
	return count, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
