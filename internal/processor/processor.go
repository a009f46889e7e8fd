// Package processor consumes the upload handoff stream and turns
// decrypted device files into hourly chunks under CHUNKED_DATA/.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chronica/sensing-gateway/internal/config"
	"github.com/chronica/sensing-gateway/internal/queue"
	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/redis"
	"github.com/chronica/sensing-gateway/pkg/worker"
)

const ProcessingTimeout = time.Second * 30
const HealthInterval = time.Second * 30
const ShutdownTimeout = time.Minute

const numConsumers = 4
const numWorkers = 32

// Processor handles one queue message kind.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

// PipelineService pulls upload jobs off the redis stream and runs them
// through a worker pool.
type PipelineService struct {
	adapter   redis.RedisAdapter
	queues    []*queue.Queue
	processor Processor
	metrics   *PipelineMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

func NewPipelineService(redisAdapter redis.RedisAdapter) *PipelineService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PipelineService{
		adapter: redisAdapter,
		queues:  make([]*queue.Queue, 0),
		metrics: NewPipelineMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		worker:  worker.NewWorkerManager(10_000, numWorkers, nil),
	}
}

// Metrics exposes the shared counters so the registered processor can
// report chunk writes.
func (s *PipelineService) Metrics() *PipelineMetrics {
	return s.metrics
}

func (s *PipelineService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("registered processor", "type", processor.GetType())
}

func (s *PipelineService) Start() error {
	logger.Info("starting upload pipeline..")

	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Info("worker manager stopped", "reason", err.Error())
		}
	}()

	for i := 0; i < numConsumers; i++ {
		queueConfig := queue.Config{
			Name:              config.Get().QueueName,
			ConsumerGroup:     config.Get().QueueConsumerGroup,
			ConsumerName:      fmt.Sprintf("%s-instance-%d", config.Get().QueueConsumerName, i),
			MaxRetries:        config.Get().QueueMaxRetries,
			VisibilityTimeout: config.Get().QueueVisibilityTimeout,
			PollInterval:      config.Get().QueuePollInterval,
			BatchSize:         config.Get().QueueBatchSize,
			MaxLen:            config.Get().QueueMaxLen,
			EnableDLQ:         config.Get().QueueEnableDLQ,
		}

		q, err := queue.New(s.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("failed to create queue consumer %d: %w", i, err)
		}
		if err := q.Consume(s.messageHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}
		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("upload pipeline started", "consumers", len(s.queues), "workers", numWorkers)
	return nil
}

func (s *PipelineService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PipelineService) reportMetrics() {
	stats := s.metrics.Stats()
	logger.Info("pipeline stats",
		"files_processed", stats.FilesProcessed,
		"files_failed", stats.FilesFailed,
		"chunks_written", stats.ChunksWritten,
		"avg_duration_ms", stats.AvgDuration.Milliseconds())

	for i, q := range s.queues {
		if qStats, err := q.GetStats(); err == nil {
			logger.Info("queue stats", "queue", i, "total", qStats.TotalMessages, "pending", qStats.PendingMessages)
		}
	}
}

func (s *PipelineService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PipelineService) performHealthCheck() {
	if err := s.adapter.Client().Ping(context.Background()).Err(); err != nil {
		logger.Error("health check failed: redis connection error", "error", err)
		return
	}

	for i, q := range s.queues {
		stats, err := q.GetStats()
		if err != nil {
			logger.Warn("health check: queue stats unavailable", "queue", i, "error", err)
			continue
		}
		if stats.PendingMessages > 10000 {
			logger.Warn("health check: queue has high lag", "queue", i, "pending_messages", stats.PendingMessages)
		}
	}
}

// Stop gracefully stops the service.
func (s *PipelineService) Stop() {
	logger.Info("shutting down upload pipeline..")

	s.cancel()

	timeout := ShutdownTimeout
	stopChan := make(chan bool, len(s.queues))

	for i, q := range s.queues {
		go func(index int, queue *queue.Queue) {
			if err := queue.Stop(timeout); err != nil {
				logger.Error("error stopping queue", "queue", index, "error", err)
			}
			stopChan <- true
		}(i, q)
	}

	for range s.queues {
		select {
		case <-stopChan:
		case <-time.After(timeout + 5*time.Second):
			logger.Warn("timeout waiting for queues to stop")
		}
	}

	s.worker.Exit()
	s.wg.Wait()
	s.reportMetrics()

	logger.Info("upload pipeline stopped")
}

type jobResult struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler bridges the queue consumer and the worker pool,
// blocking until the worker reports a verdict so ack/nack stays correct.
func (s *PipelineService) messageHandler(ctx context.Context, msg *queue.Message) error {
	resultChan := make(chan error, 1)

	msgCtx, cancel := context.WithTimeout(ctx, ProcessingTimeout+time.Second)
	defer cancel()

	s.worker.Enqueue(&jobResult{
		msg:        msg,
		resultChan: resultChan,
		ctx:        msgCtx,
	})

	select {
	case err := <-resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process upload: %w", msgCtx.Err())
	}
}

func (s *PipelineService) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("invalid job type in worker", "worker", workerIndex)
		return
	}

	select {
	case <-jobRes.ctx.Done():
		logger.Warn("job context cancelled before processing started", "worker", workerIndex)
		return
	default:
	}

	start := time.Now()
	var resultErr error
	if s.processor == nil {
		logger.Error("no processor registered", "worker", workerIndex)
		s.metrics.RecordFailure()
	} else if err := s.processor.Process(jobRes.ctx, jobRes.msg); err != nil {
		s.metrics.RecordFailure()
		logger.Error("failed to process upload", "worker", workerIndex, "error", err)
		resultErr = err
	} else {
		s.metrics.RecordFile(time.Since(start))
	}

	// The handler may have timed out and stopped listening.
	select {
	case jobRes.resultChan <- resultErr:
	case <-jobRes.ctx.Done():
		logger.Warn("context cancelled while sending result", "worker", workerIndex)
	}
}
