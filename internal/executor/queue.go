package executor

import (
	"context"
	"sync"
	"time"

	"github.com/caesium-cloud/quarry/internal/metrics"
	"github.com/caesium-cloud/quarry/internal/worker"
	"github.com/caesium-cloud/quarry/pkg/log"
)

const (
	statusSucceeded = "succeeded"
	statusRetried   = "retried"
	statusAbandoned = "abandoned"
)

// Task is a named unit of background work. Tasks sharing a key are
// deduplicated while one of them is in flight.
type Task struct {
	Name string
	Key  string
	Run  func(ctx context.Context) error
}

func (t Task) key() string {
	if t.Key == "" {
		return t.Name
	}
	return t.Name + "/" + t.Key
}

// Queue runs tasks on a bounded pool. A failed task is never retried in
// place: it is resubmitted after a fixed delay until it runs out of
// attempts.
type Queue struct {
	pool        *worker.Pool
	delay       time.Duration
	maxAttempts int
	after       func(time.Duration, func())

	inflight sync.WaitGroup
	keys     sync.Map
}

func NewQueue(concurrency int, delay time.Duration, maxAttempts int) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{
		pool:        worker.NewPool(concurrency),
		delay:       delay,
		maxAttempts: maxAttempts,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Enqueue schedules task and reports whether it was accepted. It never
// blocks on a full pool.
func (q *Queue) Enqueue(ctx context.Context, task Task) bool {
	if _, loaded := q.keys.LoadOrStore(task.key(), struct{}{}); loaded {
		log.Debug("task already in flight", "task", task.Name, "key", task.Key)
		return false
	}

	q.inflight.Add(1)
	go q.submit(ctx, task, 1)
	return true
}

// Wait blocks until every accepted task succeeded or was abandoned,
// including pending retries.
func (q *Queue) Wait() {
	q.inflight.Wait()
}

func (q *Queue) submit(ctx context.Context, task Task, attempt int) {
	active := metrics.TasksActive.WithLabelValues(task.Name)
	err := q.pool.Go(ctx, func() error {
		active.Inc()
		defer active.Dec()
		return task.Run(ctx)
	}, func(err error) {
		q.finish(ctx, task, attempt, err)
	})
	if err != nil {
		log.Warn("task dropped", "task", task.Name, "key", task.Key, "error", err)
		metrics.TaskRunsTotal.WithLabelValues(task.Name, statusAbandoned).Inc()
		q.done(task)
	}
}

func (q *Queue) finish(ctx context.Context, task Task, attempt int, err error) {
	switch {
	case err == nil:
		metrics.TaskRunsTotal.WithLabelValues(task.Name, statusSucceeded).Inc()
		q.done(task)
	case attempt >= q.maxAttempts || ctx.Err() != nil:
		metrics.TaskRunsTotal.WithLabelValues(task.Name, statusAbandoned).Inc()
		log.Error("task abandoned", "task", task.Name, "key", task.Key, "attempt", attempt, "error", err)
		q.done(task)
	default:
		metrics.TaskRunsTotal.WithLabelValues(task.Name, statusRetried).Inc()
		log.Warn("task failed, re-enqueueing",
			"task", task.Name,
			"key", task.Key,
			"attempt", attempt,
			"delay", q.delay,
			"error", err,
		)
		q.after(q.delay, func() {
			q.submit(ctx, task, attempt+1)
		})
	}
}

func (q *Queue) done(task Task) {
	q.keys.Delete(task.key())
	q.inflight.Done()
}
