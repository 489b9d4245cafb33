package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"extracthub/internal/model"

	"go.uber.org/zap"
)

// Every lifecycle event of a job lands in the task's audit log. All hooks
// are total over unknown task ids: a log row for a vanished task still
// records what the scheduler did.

func (s *Scheduler) eventAdded(ctx context.Context, taskID int64, triggers []string) {
	s.store.Log(ctx, &taskID, nil, model.LogScheduler,
		fmt.Sprintf("Job added with triggers: %s.", strings.Join(triggers, ", ")), false)
}

func (s *Scheduler) eventSubmitted(ctx context.Context, j *job, runID string) {
	s.store.Log(ctx, &j.taskID, &runID, model.LogScheduler,
		fmt.Sprintf("Run submitted by %s trigger.", j.kind), false)
}

func (s *Scheduler) eventExecuted(ctx context.Context, j *job, runID string) {
	s.store.Log(ctx, &j.taskID, &runID, model.LogScheduler,
		fmt.Sprintf("Job %s executed.", j.key), false)
}

func (s *Scheduler) eventMissed(ctx context.Context, j *job, scheduled time.Time) {
	s.store.Log(ctx, &j.taskID, nil, model.LogScheduler,
		fmt.Sprintf("Job %s missed its %s fire beyond the misfire grace, skipping.",
			j.key, scheduled.Format(time.RFC3339)), true)
}

func (s *Scheduler) eventError(ctx context.Context, j *job, msg string) {
	s.store.Log(ctx, &j.taskID, nil, model.LogScheduler, msg, true)
	if err := s.store.SetTaskStatus(ctx, j.taskID, model.StatusErrored); err != nil {
		zap.L().Warn("failed to mark task errored", zap.Int64("task_id", j.taskID), zap.Error(err))
	}
}

func (s *Scheduler) eventRemoved(ctx context.Context, taskID int64, msg string) {
	s.store.Log(ctx, &taskID, nil, model.LogScheduler, msg, false)
}
