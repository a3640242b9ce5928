package executor

import (
	"context"
	"time"

	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/robfig/cron"
)

var parser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// Scheduler enqueues tasks on cron schedules. A tick whose previous run is
// still in flight is dropped by the queue.
type Scheduler struct {
	cron  *cron.Cron
	queue *Queue
}

func NewScheduler(queue *Queue) *Scheduler {
	return &Scheduler{cron: cron.NewWithLocation(time.UTC), queue: queue}
}

// Every registers task under a five field cron expression.
func (s *Scheduler) Every(ctx context.Context, expr string, task Task) error {
	sched, err := parser.Parse(expr)
	if err != nil {
		return err
	}

	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.queue.Enqueue(ctx, task)
	}))

	log.Info("task scheduled", "task", task.Name, "schedule", expr)
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}
