package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/redis"
)

var ErrLockHeld = errors.New("participant lock held by another worker")

// ParticipantLocks serializes dispatch, resend and heartbeat work per
// participant with redis SetNX leases. The participant row is the
// concurrency unit; ticks for different participants run freely in
// parallel.
type ParticipantLocks struct {
	redis  redis.RedisAdapter
	prefix string
	ttl    time.Duration
}

func NewParticipantLocks(redisAdapter redis.RedisAdapter, ttl time.Duration) *ParticipantLocks {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &ParticipantLocks{
		redis:  redisAdapter,
		prefix: "participant-lock:",
		ttl:    ttl,
	}
}

// Acquire takes the lease for one participant. Returns ErrLockHeld when
// another worker owns it; the caller skips the participant this tick.
func (l *ParticipantLocks) Acquire(ctx context.Context, participantID int64) (func(), error) {
	key := fmt.Sprintf("%s%d", l.prefix, participantID)
	value := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	acquired, err := l.redis.SetNX(key, value, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire participant lock: %w", err)
	}
	if !acquired {
		logger.Debug("participant lock held elsewhere", "participant_id", participantID)
		return nil, ErrLockHeld
	}

	release := func() {
		if err := l.redis.Del(key); err != nil {
			logger.Warn("failed to release participant lock", "participant_id", participantID, "error", err)
		}
	}
	return release, nil
}
