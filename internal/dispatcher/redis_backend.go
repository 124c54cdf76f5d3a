package dispatcher

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/flow-like/substrate/internal/domain"
)

// RedisExecutionQueueKey is the list key the dispatcher LPUSHes onto and
// the list key a pool of workers is expected to BRPOP from.
const RedisExecutionQueueKey = "REDIS_EXECUTION_QUEUE"

// RedisBackend pushes a DispatchRequest's payload onto a Redis list,
// mirroring the teacher's own Redis-backed queue notifier but used here as
// the transport itself rather than a wake-up signal for a DB-backed queue.
type RedisBackend struct {
	Client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{Client: client}
}

func (b *RedisBackend) Name() domain.Backend { return domain.BackendRedis }

func (b *RedisBackend) Dispatch(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResponse, error) {
	if err := b.Client.LPush(ctx, RedisExecutionQueueKey, req.Payload).Err(); err != nil {
		return nil, newDispatchErr(ErrorRedis, string(b.Name()), req.JobID, err)
	}
	return &domain.DispatchResponse{JobID: req.JobID, StatusCode: 200}, nil
}
