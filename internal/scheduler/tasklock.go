package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/redis"
)

var ErrTickSkipped = errors.New("tick already running on another instance")

// TaskLocks leases one redis key per task so that scheduler replicas
// never run the same tick concurrently. The lease TTL backstops a
// crashed holder; a clean run releases early.
type TaskLocks struct {
	redis  redis.RedisAdapter
	prefix string
	ttl    time.Duration
}

func NewTaskLocks(redisAdapter redis.RedisAdapter, ttl time.Duration) *TaskLocks {
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	return &TaskLocks{
		redis:  redisAdapter,
		prefix: "tick-lock:",
		ttl:    ttl,
	}
}

func (l *TaskLocks) Acquire(name string) (func(), error) {
	key := l.prefix + name
	value := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	acquired, err := l.redis.SetNX(key, value, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire tick lease: %w", err)
	}
	if !acquired {
		return nil, ErrTickSkipped
	}

	release := func() {
		if err := l.redis.Del(key); err != nil {
			logger.Warn("failed to release tick lease", "task", name, "error", err)
		}
	}
	return release, nil
}
