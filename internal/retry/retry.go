// Package retry decides what happens after a failed run: requeue with a
// delay while attempts remain, otherwise mark the task errored and cancel
// the rest of its sequence.
package retry

import (
	"context"
	"fmt"
	"time"

	"extracthub/internal/model"
	"extracthub/internal/queue"
	"extracthub/internal/runerr"
	"extracthub/internal/store"
	"extracthub/pkg/config"
	"extracthub/pkg/rediskey"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("retry", fx.Provide(NewController))

// counters is the slice of redis the controller needs; tests swap it out.
type counters interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// enqueuer is the slice of the asynq client the controller needs.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Controller struct {
	rdb    counters
	client enqueuer
	store  *store.Store
	cfg    *config.Config
}

func NewController(rdb *redis.Client, client *asynq.Client, s *store.Store, cfg *config.Config) *Controller {
	return New(rdb, client, s, cfg)
}

func New(rdb counters, client enqueuer, s *store.Store, cfg *config.Config) *Controller {
	return &Controller{rdb: rdb, client: client, store: s, cfg: cfg}
}

// Attempt handles a run failure. It returns true when the run was requeued
// for another attempt.
func (c *Controller) Attempt(ctx context.Context, task *model.Task, jobKey string, runErr error) bool {
	count, err := c.rdb.Incr(ctx, rediskey.BuildRetryKey(task.ID)).Result()
	if err != nil {
		zap.L().Error("retry counter unavailable, giving up on task",
			zap.Int64("task_id", task.ID), zap.Error(err))
		c.exhaust(ctx, task, jobKey)
		return false
	}

	if count > int64(task.MaxRetries) {
		c.exhaust(ctx, task, jobKey)
		return false
	}

	delay := c.cfg.Runner.RetryDelay
	if runerr.ClassOf(runErr) == runerr.Admission {
		delay = c.cfg.Runner.AdmissionDelay
	}

	_, err = c.client.EnqueueContext(ctx, queue.NewRunTask(queue.RunPayload{
		TaskID: task.ID,
		JobKey: jobKey,
		Retry:  int(count),
	}), asynq.Queue(queue.QueueRuns), asynq.ProcessIn(delay))
	if err != nil {
		zap.L().Error("failed to requeue run",
			zap.Int64("task_id", task.ID), zap.Error(err))
		c.exhaust(ctx, task, jobKey)
		return false
	}

	c.store.Log(ctx, &task.ID, &jobKey, model.LogRunner,
		fmt.Sprintf("Run will be retried in %s (attempt %d of %d).", delay, count, task.MaxRetries), false)
	return true
}

// exhaust ends the retry cycle: the task is marked errored and every enabled
// task after it in a sequenced project is cancelled without executing.
func (c *Controller) exhaust(ctx context.Context, task *model.Task, jobKey string) {
	c.Clear(ctx, task.ID)

	if err := c.store.SetTaskStatus(ctx, task.ID, model.StatusErrored); err != nil {
		zap.L().Error("failed to mark task errored", zap.Int64("task_id", task.ID), zap.Error(err))
	}

	project, err := c.store.Project(ctx, task.ProjectID)
	if err != nil || !project.SequenceTasks {
		return
	}

	rest, err := c.store.EnabledTasksAfter(ctx, task)
	if err != nil {
		zap.L().Error("failed to load sequence remainder",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	for i := range rest {
		next := &rest[i]
		if err := c.store.SetTaskStatus(ctx, next.ID, model.StatusErrored); err != nil {
			zap.L().Error("failed to cancel sequenced task",
				zap.Int64("task_id", next.ID), zap.Error(err))
			continue
		}
		c.store.Log(ctx, &next.ID, nil, model.LogRunner,
			fmt.Sprintf("Cancelled, task %d earlier in the sequence exhausted its retries.", task.ID), true)
	}
}

// Abandon ends a run without consuming attempts, used for fatal failures.
// The sequence remainder is cancelled the same way as an exhausted retry.
func (c *Controller) Abandon(ctx context.Context, task *model.Task, jobKey string) {
	c.exhaust(ctx, task, jobKey)
}

// Clear resets the attempt counter after a successful run or a manual stop.
func (c *Controller) Clear(ctx context.Context, taskID int64) {
	if err := c.rdb.Del(ctx, rediskey.BuildRetryKey(taskID)).Err(); err != nil {
		zap.L().Warn("failed to clear retry counter",
			zap.Int64("task_id", taskID), zap.Error(err))
	}
}

// RequeueDelay is used by callers scheduling a manual delayed run.
func (c *Controller) RequeueDelay(ctx context.Context, taskID int64, jobKey string, delay time.Duration) error {
	_, err := c.client.EnqueueContext(ctx, queue.NewRunTask(queue.RunPayload{
		TaskID: taskID,
		JobKey: jobKey,
	}), asynq.Queue(queue.QueueRuns), asynq.ProcessIn(delay))
	return err
}
