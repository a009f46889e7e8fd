// Package scheduler runs the periodic engine ticks: materialization,
// dispatch, resend, heartbeats and purge. Every task is idempotent, so
// a missed or doubled tick is harmless; redis leases keep replicas from
// ticking the same task concurrently.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chronica/sensing-gateway/pkg/logger"
	"github.com/chronica/sensing-gateway/pkg/redis"
	"github.com/chronica/sensing-gateway/pkg/worker"
)

// SoftDeadline is logged when exceeded, never enforced. Purge in
// particular is allowed to run to completion.
const SoftDeadline = 30 * time.Second

const reportInterval = 30 * time.Second

// Task is one periodic unit of work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Service struct {
	tasks    []Task
	locks    *TaskLocks
	metrics  *TickMetrics
	interval time.Duration
	worker   *worker.WorkerManager
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewService(redisAdapter redis.RedisAdapter, interval time.Duration) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		locks:    NewTaskLocks(redisAdapter, interval),
		metrics:  NewTickMetrics(),
		interval: interval,
		worker:   worker.NewWorkerManager(64, 4, nil),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Register(name string, run func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

// Start launches the worker pool and the tick loop. It returns
// immediately; use Stop for shutdown.
func (s *Service) Start() error {
	s.worker.SetWorker(s.workerHandler)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Info("scheduler workers stopped", "reason", err.Error())
		}
	}()

	s.wg.Add(2)
	go s.tickLoop()
	go s.reportLoop()

	logger.Info("scheduler started", "tasks", len(s.tasks), "interval", s.interval.String())
	return nil
}

func (s *Service) Stop() {
	s.cancel()
	s.worker.Exit()
	s.wg.Wait()
	s.report()
	logger.Info("scheduler stopped")
}

// RunOnce executes every registered task synchronously, in order. The
// tick loop goes through the worker pool instead; this is the one-shot
// entry point for the CLI and tests.
func (s *Service) RunOnce(ctx context.Context) {
	for _, task := range s.tasks {
		s.execute(ctx, task)
	}
}

func (s *Service) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.enqueueAll()
	for {
		select {
		case <-ticker.C:
			s.enqueueAll()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) enqueueAll() {
	for _, task := range s.tasks {
		s.worker.Enqueue(task)
	}
}

func (s *Service) workerHandler(workerIndex int, job interface{}) {
	task, ok := job.(Task)
	if !ok {
		logger.Error("invalid job type in scheduler worker", "worker", workerIndex)
		return
	}
	s.execute(s.ctx, task)
}

func (s *Service) execute(ctx context.Context, task Task) {
	release, err := s.locks.Acquire(task.Name)
	if errors.Is(err, ErrTickSkipped) {
		logger.Debug("tick held by another instance", "task", task.Name)
		return
	}
	if err != nil {
		logger.Error("tick lease failed", "task", task.Name, "error", err)
		s.metrics.RecordFailure(task.Name)
		return
	}
	defer release()

	start := time.Now()
	err = task.Run(ctx)
	elapsed := time.Since(start)

	if elapsed > SoftDeadline {
		logger.Warn("tick exceeded soft deadline", "task", task.Name, "elapsed", elapsed.String())
	}
	if err != nil {
		logger.Error("tick failed", "task", task.Name, "error", err)
		s.metrics.RecordFailure(task.Name)
		return
	}
	s.metrics.RecordSuccess(task.Name, elapsed)
}

func (s *Service) reportLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) report() {
	for _, st := range s.metrics.Stats() {
		logger.Info("tick stats",
			"task", st.Name,
			"runs", st.Runs,
			"failures", st.Failures,
			"avg_duration_ms", st.AvgDuration.Milliseconds())
	}
}
