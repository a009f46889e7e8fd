package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/redis"
	"github.com/pkg/errors"
)

var (
	ErrAlreadyProcessed   = errors.New("upload already processed")
	ErrProcessingInFlight = errors.New("upload is being processed by another worker")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded for upload")
)

const (
	processedKeyPrefix  = "processed:"
	processingKeyPrefix = "processing:"
	retryKeyPrefix      = "retry:"

	processedTTL  = 24 * time.Hour
	processingTTL = 5 * time.Minute
	retryTTL      = time.Hour

	maxRetries = 3
)

// IdempotencyService guards each upload job against double processing
// across the consumer fleet. Jobs are keyed by their stream message ID.
type IdempotencyService struct {
	redis redis.RedisAdapter
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter) *IdempotencyService {
	return &IdempotencyService{redis: redisAdapter}
}

// ProcessingContext carries the idempotency state for one delivery.
type ProcessingContext struct {
	JobID        string
	RetryCount   int
	IsRetry      bool
	lockAcquired bool
}

// AcquireProcessingLock claims a job for this worker. It fails with
// ErrAlreadyProcessed for completed jobs, ErrProcessingInFlight when a
// peer holds the lock and ErrMaxRetriesExceeded once the retry budget
// is spent.
func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, jobID string) (*ProcessingContext, error) {
	processedKey := processedKeyPrefix + jobID
	if n, err := s.redis.Exist(processedKey); err != nil {
		return nil, fmt.Errorf("check processed marker: %w", err)
	} else if n > 0 {
		return nil, ErrAlreadyProcessed
	}

	retryCount, err := s.getRetryCount(jobID)
	if err != nil {
		return nil, fmt.Errorf("read retry count: %w", err)
	}
	if retryCount >= maxRetries {
		return nil, ErrMaxRetriesExceeded
	}

	lockKey := processingKeyPrefix + jobID
	acquired, err := s.redis.SetNX(lockKey, []byte("1"), processingTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire processing lock: %w", err)
	}
	if !acquired {
		return nil, ErrProcessingInFlight
	}

	return &ProcessingContext{
		JobID:        jobID,
		RetryCount:   retryCount,
		IsRetry:      retryCount > 0,
		lockAcquired: true,
	}, nil
}

// MarkSuccess records the job as done and drops its lock and retry
// bookkeeping.
func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	if err := s.redis.Set(processedKeyPrefix+pc.JobID, []byte("1"), processedTTL); err != nil {
		return fmt.Errorf("set processed marker: %w", err)
	}
	s.cleanup(pc)
	return nil
}

// MarkFailure increments the retry count and releases the lock so the
// reclaim loop can redeliver the job.
func (s *IdempotencyService) MarkFailure(ctx context.Context, pc *ProcessingContext) error {
	next := pc.RetryCount + 1
	if err := s.redis.Set(retryKeyPrefix+pc.JobID, []byte(fmt.Sprintf("%d", next)), retryTTL); err != nil {
		logger.Warn("failed to record retry count", "job_id", pc.JobID, "error", err)
	}
	s.ReleaseLock(pc)
	return nil
}

// ReleaseLock frees the processing lock without touching the processed
// marker or retry count.
func (s *IdempotencyService) ReleaseLock(pc *ProcessingContext) {
	if !pc.lockAcquired {
		return
	}
	if err := s.redis.Del(processingKeyPrefix + pc.JobID); err != nil {
		logger.Warn("failed to release processing lock", "job_id", pc.JobID, "error", err)
	}
	pc.lockAcquired = false
}

func (s *IdempotencyService) cleanup(pc *ProcessingContext) {
	s.ReleaseLock(pc)
	if err := s.redis.Del(retryKeyPrefix + pc.JobID); err != nil {
		logger.Warn("failed to clear retry count", "job_id", pc.JobID, "error", err)
	}
}

func (s *IdempotencyService) getRetryCount(jobID string) (int, error) {
	raw, err := s.redis.Get(retryKeyPrefix + jobID)
	if errors.Is(err, redis.NilError) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(string(raw), "%d", &n); err != nil {
		return 0, nil
	}
	return n, nil
}
