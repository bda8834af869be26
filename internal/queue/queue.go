package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotStarted = errors.New("queue not started")
	ErrFull       = errors.New("queue full")
)

// Job is a unit of work for the worker pool.
type Job struct {
	ID       string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats exposes current queue metrics.
type Stats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"workerCount"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// Queue is a bounded job queue with a fixed worker pool and a per-job timeout.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration
	logger      *zap.Logger
	onDone      func(source string, err error)

	mu        sync.RWMutex
	started   bool
	stopped   bool
	wg        sync.WaitGroup
	processed atomic.Uint64
	failed    atomic.Uint64
}

func New(capacity, workerCount int, timeout time.Duration, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
		logger:      logger,
	}
}

// OnDone registers a callback invoked after every job. Call before Start.
func (q *Queue) OnDone(fn func(source string, err error)) { q.onDone = fn }

// NewJobID returns a fresh job identifier.
func NewJobID() string { return uuid.NewString() }

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue queues j without blocking. Jobs without an id get one.
func (q *Queue) Enqueue(j Job) (string, error) {
	if j.ID == "" {
		j.ID = NewJobID()
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started || q.stopped {
		return j.ID, fmt.Errorf("job %s: %w", j.ID, ErrNotStarted)
	}
	select {
	case q.jobs <- j:
		return j.ID, nil
	default:
		q.logger.Warn("job queue full, dropping job", zap.String("job", j.ID), zap.String("source", j.Source))
		return j.ID, fmt.Errorf("job %s: %w", j.ID, ErrFull)
	}
}

// Stop stops accepting jobs and waits for workers to drain until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   q.processed.Load(),
		Failed:      q.failed.Load(),
	}
}

// Healthy reports whether the pool is running.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.stopped
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.logger.Error("job panic recovered", zap.String("job", j.ID), zap.Any("panic", r))
			if j.OnFinish != nil {
				j.OnFinish(err)
			}
		}
		q.processed.Add(1)
		if err != nil {
			q.failed.Add(1)
		}
		if q.onDone != nil {
			q.onDone(j.Source, err)
		}
		q.logger.Info("job finished",
			zap.String("job_source", j.Source),
			zap.String("job", j.ID),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Error(err),
		)
	}()

	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	err = j.Work(jobCtx)
	cancel()
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
}
