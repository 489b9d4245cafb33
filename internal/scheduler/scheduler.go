// Package scheduler owns the trigger side of the engine. Cron and interval
// triggers run on an in-process cron runner; one-off triggers are parked on
// the queue with a process-at time. Scheduled task ids are mirrored to redis
// so a restarted scheduler re-registers its jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"extracthub/internal/model"
	"extracthub/internal/queue"
	"extracthub/internal/store"
	"extracthub/pkg/config"
	"extracthub/pkg/rediskey"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(Register, RegisterMaintenance),
)

// job is one registered trigger of a task.
type job struct {
	key     string
	taskID  int64
	kind    model.TriggerKind
	entryID cron.EntryID // cron and interval triggers
	oneOff  time.Time    // one-off triggers
	runID   string       // one-off triggers, assigned at enqueue
	timer   *time.Timer  // one-off bookkeeping at fire time
}

// enqueuer is the slice of the asynq client the scheduler needs; tests swap
// it out.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Scheduler struct {
	cron      *cron.Cron
	store     *store.Store
	cfg       *config.Config
	client    enqueuer
	inspector *asynq.Inspector
	rdb       *redis.Client
	node      *snowflake.Node

	mu     sync.Mutex
	jobs   map[string]*job
	paused bool
}

func New(s *store.Store, cfg *config.Config, client *asynq.Client, inspector *asynq.Inspector, rdb *redis.Client, node *snowflake.Node) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		store:     s,
		cfg:       cfg,
		client:    client,
		inspector: inspector,
		rdb:       rdb,
		node:      node,
		jobs:      map[string]*job{},
	}
}

func Register(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.cron.Start()
			go s.restore(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopped := s.cron.Stop()
			select {
			case <-stopped.Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
}

// restore re-registers every task id found in the redis job registry.
func (s *Scheduler) restore(ctx context.Context) {
	ids, err := s.rdb.SMembers(ctx, rediskey.JobRegistryKey).Result()
	if err != nil {
		zap.L().Error("failed to read job registry", zap.Error(err))
		return
	}
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if err := s.AddTask(ctx, id); err != nil {
			zap.L().Warn("failed to restore task schedule", zap.Int64("task_id", id), zap.Error(err))
		}
	}
	zap.L().Info("job registry restored", zap.Int("entries", len(ids)))
}

func jobKey(projectID, taskID int64, kind model.TriggerKind) string {
	return fmt.Sprintf("%d-%d-%s", projectID, taskID, kind)
}

// AddTask registers every active trigger of a task. It is idempotent: any
// existing jobs for the task are dropped first, so re-adding after an edit
// always reflects the current project triggers.
func (s *Scheduler) AddTask(ctx context.Context, taskID int64) error {
	s.removeJobs(ctx, taskID, false)

	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %d: %w", taskID, err)
	}
	if !task.Enabled {
		return fmt.Errorf("task %d is disabled", taskID)
	}

	project, err := s.store.Project(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("project %d: %w", task.ProjectID, err)
	}

	var added []string

	if project.Cron && project.CronExpr != "" {
		if err := s.addCron(ctx, project, task); err != nil {
			return err
		}
		added = append(added, string(model.TriggerCron))
	}

	// Registration is atomic per task: a trigger that fails to register
	// takes the already-registered ones down with it.
	if project.Interval && project.IntervalValue > 0 {
		if err := s.addInterval(ctx, project, task); err != nil {
			s.removeJobs(ctx, taskID, false)
			return err
		}
		added = append(added, string(model.TriggerInterval))
	}

	if project.OneOff && project.OneOffAt != nil {
		if err := s.addOneOff(ctx, project, task); err != nil {
			s.removeJobs(ctx, taskID, false)
			return err
		}
		added = append(added, string(model.TriggerOneOff))
	}

	if len(added) == 0 {
		return fmt.Errorf("project %d declares no active trigger", project.ID)
	}

	if err := s.rdb.SAdd(ctx, rediskey.JobRegistryKey, strconv.FormatInt(taskID, 10)).Err(); err != nil {
		zap.L().Warn("failed to record job in registry", zap.Int64("task_id", taskID), zap.Error(err))
	}

	s.eventAdded(ctx, task.ID, added)
	s.refreshNextRun(ctx, taskID)
	return nil
}

func (s *Scheduler) addCron(ctx context.Context, project *model.Project, task *model.Task) error {
	key := jobKey(project.ID, task.ID, model.TriggerCron)
	j := &job{key: key, taskID: task.ID, kind: model.TriggerCron}

	entryID, err := s.cron.AddFunc(project.CronExpr, func() {
		s.fire(j, project.CronStart, project.CronEnd)
	})
	if err != nil {
		return fmt.Errorf("cron expression %q: %w", project.CronExpr, err)
	}
	j.entryID = entryID

	s.mu.Lock()
	s.jobs[key] = j
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) addInterval(ctx context.Context, project *model.Project, task *model.Task) error {
	d, err := intervalDuration(project.IntervalValue, project.IntervalUnit)
	if err != nil {
		return fmt.Errorf("project %d: %w", project.ID, err)
	}

	key := jobKey(project.ID, task.ID, model.TriggerInterval)
	j := &job{key: key, taskID: task.ID, kind: model.TriggerInterval}

	j.entryID = s.cron.Schedule(cron.Every(d), cron.FuncJob(func() {
		s.fire(j, project.IntervalStart, project.IntervalEnd)
	}))

	s.mu.Lock()
	s.jobs[key] = j
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) addOneOff(ctx context.Context, project *model.Project, task *model.Task) error {
	at := *project.OneOffAt
	if at.Before(time.Now()) {
		return fmt.Errorf("project %d: one-off time %s is in the past", project.ID, at.Format(time.RFC3339))
	}

	key := jobKey(project.ID, task.ID, model.TriggerOneOff)
	runID := key + "-" + s.node.Generate().String()

	_, err := s.client.EnqueueContext(ctx, queue.NewRunTask(queue.RunPayload{
		TaskID: task.ID,
		JobKey: runID,
	}), asynq.Queue(queue.QueueRuns), asynq.ProcessAt(at), asynq.TaskID(key))
	if err != nil {
		return fmt.Errorf("enqueue one-off: %w", err)
	}

	j := &job{key: key, taskID: task.ID, kind: model.TriggerOneOff, oneOff: at, runID: runID}
	j.timer = time.AfterFunc(time.Until(at), func() { s.fireOneOff(j) })

	s.mu.Lock()
	s.jobs[key] = j
	s.mu.Unlock()
	return nil
}

// fireOneOff settles a one-off trigger at its fire time. The run itself was
// parked on the queue at registration; this writes the lifecycle rows and
// drops the spent trigger so listings and next_run never go stale.
func (s *Scheduler) fireOneOff(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.eventSubmitted(ctx, j, j.runID)
	s.eventExecuted(ctx, j, j.runID)

	s.mu.Lock()
	delete(s.jobs, j.key)
	remaining := false
	for _, other := range s.jobs {
		if other.taskID == j.taskID {
			remaining = true
			break
		}
	}
	s.mu.Unlock()

	if !remaining {
		if err := s.rdb.SRem(ctx, rediskey.JobRegistryKey, strconv.FormatInt(j.taskID, 10)).Err(); err != nil {
			zap.L().Warn("failed to unregister spent one-off", zap.Int64("task_id", j.taskID), zap.Error(err))
		}
	}
	s.refreshNextRun(ctx, j.taskID)
}

// fire is the cron callback shared by cron and interval triggers. It applies
// the trigger window and the misfire grace, then hands the run to the queue.
func (s *Scheduler) fire(j *job, windowStart, windowEnd *time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()

	if !s.store.TaskExists(ctx, j.taskID) {
		s.eventError(ctx, j, "Task no longer exists, removing its schedule.")
		s.DeleteTask(ctx, j.taskID)
		return
	}

	if windowStart != nil && now.Before(*windowStart) {
		return
	}
	if windowEnd != nil && now.After(*windowEnd) {
		s.eventRemoved(ctx, j.taskID, "Trigger window ended.")
		s.DeleteTask(ctx, j.taskID)
		return
	}

	entry := s.cron.Entry(j.entryID)
	if !entry.Prev.IsZero() && now.Sub(entry.Prev) > s.cfg.Scheduler.MisfireGrace {
		s.eventMissed(ctx, j, entry.Prev)
		s.refreshNextRun(ctx, j.taskID)
		return
	}

	runID := j.key + "-" + s.node.Generate().String()
	s.eventSubmitted(ctx, j, runID)

	// The task id doubles as the queue identity, so overlapping fires of the
	// same task collapse onto the run already queued or executing.
	_, err := s.client.EnqueueContext(ctx, queue.NewRunTask(queue.RunPayload{
		TaskID: j.taskID,
		JobKey: runID,
	}), asynq.Queue(queue.QueueRuns), asynq.TaskID(queue.RunTaskID(j.taskID)))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		s.store.Log(ctx, &j.taskID, &runID, model.LogScheduler,
			"Run skipped, an earlier run of this task is still queued or executing.", false)
		return
	}
	if err != nil {
		s.eventError(ctx, j, fmt.Sprintf("Failed to submit run: %v", err))
		return
	}

	s.eventExecuted(ctx, j, runID)

	if next := s.cron.Entry(j.entryID).Next; !next.IsZero() {
		if err := s.store.MergeNextRun(ctx, j.taskID, next); err != nil {
			zap.L().Warn("failed to merge next run", zap.Int64("task_id", j.taskID), zap.Error(err))
		}
	}
}

// DeleteTask drops every registered trigger of a task. Unknown ids are a
// no-op; delete must be callable from cleanup paths without a task row.
func (s *Scheduler) DeleteTask(ctx context.Context, taskID int64) {
	if s.removeJobs(ctx, taskID, true) {
		s.eventRemoved(ctx, taskID, "Schedule removed.")
	}
	if err := s.store.RefreshNextRun(ctx, taskID, nil); err != nil {
		zap.L().Debug("failed to clear next run", zap.Int64("task_id", taskID), zap.Error(err))
	}
}

func (s *Scheduler) removeJobs(ctx context.Context, taskID int64, unregister bool) bool {
	s.mu.Lock()
	var removed []*job
	for key, j := range s.jobs {
		if j.taskID == taskID {
			removed = append(removed, j)
			delete(s.jobs, key)
		}
	}
	s.mu.Unlock()

	for _, j := range removed {
		switch j.kind {
		case model.TriggerOneOff:
			if j.timer != nil {
				j.timer.Stop()
			}
			if err := s.inspector.DeleteTask(queue.QueueRuns, j.key); err != nil {
				zap.L().Debug("failed to delete scheduled one-off", zap.String("job", j.key), zap.Error(err))
			}
		default:
			s.cron.Remove(j.entryID)
		}
	}

	if unregister {
		if err := s.rdb.SRem(ctx, rediskey.JobRegistryKey, strconv.FormatInt(taskID, 10)).Err(); err != nil {
			zap.L().Warn("failed to unregister job", zap.Int64("task_id", taskID), zap.Error(err))
		}
	}
	return len(removed) > 0
}

// RunNow submits an immediate run outside any schedule.
func (s *Scheduler) RunNow(ctx context.Context, taskID int64) error {
	return s.RunDelayed(ctx, taskID, 0)
}

// RunDelayed submits a run after the given delay.
func (s *Scheduler) RunDelayed(ctx context.Context, taskID int64, delay time.Duration) error {
	task, err := s.store.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %d: %w", taskID, err)
	}

	runID := fmt.Sprintf("%d-%d-manual-%s", task.ProjectID, task.ID, s.node.Generate().String())
	opts := []asynq.Option{asynq.Queue(queue.QueueRuns)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	_, err = s.client.EnqueueContext(ctx, queue.NewRunTask(queue.RunPayload{
		TaskID: taskID,
		JobKey: runID,
	}), opts...)
	if err != nil {
		return err
	}

	msg := "Manual run submitted."
	if delay > 0 {
		msg = fmt.Sprintf("Manual run submitted with %s delay.", delay)
	}
	s.store.Log(ctx, &taskID, &runID, model.LogScheduler, msg, false)
	return nil
}

// DeleteAll drops every registered job.
func (s *Scheduler) DeleteAll(ctx context.Context) int {
	s.mu.Lock()
	ids := map[int64]bool{}
	for _, j := range s.jobs {
		ids[j.taskID] = true
	}
	s.mu.Unlock()

	for id := range ids {
		s.DeleteTask(ctx, id)
	}
	return len(ids)
}

// PauseAll stops trigger evaluation without losing the registered jobs.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.cron.Stop()
	s.paused = true
}

// ResumeAll restarts trigger evaluation after a pause.
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.cron.Start()
	s.paused = false
}

// Paused reports whether trigger evaluation is stopped.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// JobInfo is the externally visible view of one registered trigger.
type JobInfo struct {
	Key     string            `json:"job_id"`
	TaskID  int64             `json:"task_id"`
	Trigger model.TriggerKind `json:"trigger"`
	NextRun *time.Time        `json:"next_run,omitempty"`
}

// ListJobs returns every registered trigger, stable by job key.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{Key: j.key, TaskID: j.taskID, Trigger: j.kind}
		switch j.kind {
		case model.TriggerOneOff:
			at := j.oneOff
			info.NextRun = &at
		default:
			if next := s.cron.Entry(j.entryID).Next; !next.IsZero() {
				info.NextRun = &next
			}
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, k int) bool { return out[i].Key < out[k].Key })
	return out
}

// HasJobs reports whether the task currently has any registered trigger.
func (s *Scheduler) HasJobs(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.taskID == taskID {
			return true
		}
	}
	return false
}

// DeleteOrphans removes jobs whose task row is gone or disabled. Returns the
// number of tasks unscheduled.
func (s *Scheduler) DeleteOrphans(ctx context.Context) int {
	s.mu.Lock()
	ids := map[int64]bool{}
	for _, j := range s.jobs {
		ids[j.taskID] = true
	}
	s.mu.Unlock()

	removed := 0
	for id := range ids {
		task, err := s.store.Task(ctx, id)
		if err != nil || !task.Enabled {
			s.DeleteTask(ctx, id)
			removed++
		}
	}
	return removed
}

// refreshNextRun recomputes the task's next_run from all its live triggers.
func (s *Scheduler) refreshNextRun(ctx context.Context, taskID int64) {
	s.mu.Lock()
	var fires []time.Time
	for _, j := range s.jobs {
		if j.taskID != taskID {
			continue
		}
		switch j.kind {
		case model.TriggerOneOff:
			fires = append(fires, j.oneOff)
		default:
			if next := s.cron.Entry(j.entryID).Next; !next.IsZero() {
				fires = append(fires, next)
			}
		}
	}
	s.mu.Unlock()

	if err := s.store.RefreshNextRun(ctx, taskID, fires); err != nil {
		zap.L().Warn("failed to refresh next run", zap.Int64("task_id", taskID), zap.Error(err))
	}
}

// intervalDuration converts the project's interval unit into a duration.
func intervalDuration(value int, unit string) (time.Duration, error) {
	if value <= 0 {
		return 0, fmt.Errorf("interval value %d must be positive", value)
	}
	switch unit {
	case "w":
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	case "h":
		return time.Duration(value) * time.Hour, nil
	case "m":
		return time.Duration(value) * time.Minute, nil
	case "s":
		return time.Duration(value) * time.Second, nil
	}
	return 0, fmt.Errorf("unknown interval unit %q", unit)
}
