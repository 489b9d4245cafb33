package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"extracthub/internal/model"
	"extracthub/internal/queue"
	"extracthub/internal/store"
	"extracthub/pkg/config"
	"extracthub/pkg/db"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// newTestScheduler wires a scheduler against sqlite and an unreachable redis.
// Registry writes only warn on failure, so cron and interval scheduling work
// without a live broker.
func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *gorm.DB) {
	t.Helper()

	gdb, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(gdb))
	s := store.New(gdb)

	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"})
	client := asynq.NewClientFromRedisClient(rdb)
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: "127.0.0.1:1"})

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Scheduler.MisfireGrace = 30 * time.Second

	sched := New(s, cfg, client, inspector, rdb, node)
	sched.cron.Start()
	t.Cleanup(func() { sched.cron.Stop() })

	return sched, s, gdb
}

func seedCronTask(t *testing.T, gdb *gorm.DB) *model.Task {
	t.Helper()

	project := &model.Project{Name: "nightly", Cron: true, CronExpr: "0 0 * * *"}
	require.NoError(t, gdb.Create(project).Error)

	task := &model.Task{ProjectID: project.ID, Name: "extract", Enabled: true}
	require.NoError(t, gdb.Create(task).Error)
	return task
}

func TestAddTaskIsIdempotent(t *testing.T) {
	sched, _, gdb := newTestScheduler(t)
	ctx := context.Background()
	task := seedCronTask(t, gdb)

	require.NoError(t, sched.AddTask(ctx, task.ID))
	require.NoError(t, sched.AddTask(ctx, task.ID))

	jobs := sched.ListJobs()
	require.Len(t, jobs, 1)
	require.Equal(t, task.ID, jobs[0].TaskID)
	require.Equal(t, model.TriggerCron, jobs[0].Trigger)
	require.NotNil(t, jobs[0].NextRun)
}

func TestAddTaskRefusesDisabled(t *testing.T) {
	sched, s, gdb := newTestScheduler(t)
	ctx := context.Background()
	task := seedCronTask(t, gdb)
	require.NoError(t, s.UpdateTask(ctx, task.ID, map[string]any{"enabled": false}))

	require.Error(t, sched.AddTask(ctx, task.ID))
	require.Empty(t, sched.ListJobs())
}

func TestAddTaskSetsNextRun(t *testing.T) {
	sched, s, gdb := newTestScheduler(t)
	ctx := context.Background()
	task := seedCronTask(t, gdb)

	require.NoError(t, sched.AddTask(ctx, task.ID))

	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	require.True(t, stored.NextRun.After(time.Now()))
}

func TestDeleteTaskIsTotal(t *testing.T) {
	sched, s, gdb := newTestScheduler(t)
	ctx := context.Background()
	task := seedCronTask(t, gdb)

	// unknown id is a no-op
	sched.DeleteTask(ctx, 99999)

	require.NoError(t, sched.AddTask(ctx, task.ID))
	require.True(t, sched.HasJobs(task.ID))

	sched.DeleteTask(ctx, task.ID)
	require.False(t, sched.HasJobs(task.ID))

	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Nil(t, stored.NextRun)
}

func TestDeleteOrphansDropsDisabled(t *testing.T) {
	sched, s, gdb := newTestScheduler(t)
	ctx := context.Background()
	task := seedCronTask(t, gdb)

	require.NoError(t, sched.AddTask(ctx, task.ID))
	require.NoError(t, s.UpdateTask(ctx, task.ID, map[string]any{"enabled": false}))

	require.Equal(t, 1, sched.DeleteOrphans(ctx))
	require.False(t, sched.HasJobs(task.ID))
}

func TestPauseResume(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	require.False(t, sched.Paused())
	sched.PauseAll()
	sched.PauseAll()
	require.True(t, sched.Paused())
	sched.ResumeAll()
	require.False(t, sched.Paused())
}

func TestIntervalDuration(t *testing.T) {
	cases := []struct {
		value int
		unit  string
		want  time.Duration
	}{
		{2, "w", 2 * 7 * 24 * time.Hour},
		{3, "d", 72 * time.Hour},
		{4, "h", 4 * time.Hour},
		{30, "m", 30 * time.Minute},
		{45, "s", 45 * time.Second},
	}
	for _, tc := range cases {
		got, err := intervalDuration(tc.value, tc.unit)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := intervalDuration(1, "x")
	require.Error(t, err)
	_, err = intervalDuration(0, "h")
	require.Error(t, err)
}

// fakeEnqueuer captures enqueued runs instead of talking to a broker.
type fakeEnqueuer struct {
	err      error
	payloads []queue.RunPayload
	opts     [][]asynq.Option
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, err := queue.ParseRunPayload(task)
	if err != nil {
		return nil, err
	}
	f.payloads = append(f.payloads, p)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{}, nil
}

func taskRows(t *testing.T, gdb *gorm.DB, taskID int64) []model.TaskLog {
	t.Helper()
	var rows []model.TaskLog
	require.NoError(t, gdb.Where("task_id = ?", taskID).Order("id").Find(&rows).Error)
	return rows
}

func TestFireEnqueuesWithTaskIdentity(t *testing.T) {
	sched, _, gdb := newTestScheduler(t)
	task := seedCronTask(t, gdb)

	fake := &fakeEnqueuer{}
	sched.client = fake

	j := &job{key: jobKey(task.ProjectID, task.ID, model.TriggerCron), taskID: task.ID, kind: model.TriggerCron}
	sched.fire(j, nil, nil)

	require.Len(t, fake.payloads, 1)
	require.Equal(t, task.ID, fake.payloads[0].TaskID)

	found := false
	for _, opt := range fake.opts[0] {
		if opt.Type() == asynq.TaskIDOpt {
			require.Equal(t, queue.RunTaskID(task.ID), opt.Value())
			found = true
		}
	}
	require.True(t, found, "run was enqueued without its task-scoped identity")
}

func TestFireSkipsWhenEarlierRunStillQueued(t *testing.T) {
	sched, _, gdb := newTestScheduler(t)
	task := seedCronTask(t, gdb)

	sched.client = &fakeEnqueuer{err: asynq.ErrTaskIDConflict}

	j := &job{key: jobKey(task.ProjectID, task.ID, model.TriggerCron), taskID: task.ID, kind: model.TriggerCron}
	sched.fire(j, nil, nil)

	rows := taskRows(t, gdb, task.ID)
	skipped := false
	for _, row := range rows {
		require.False(t, row.Error, "an overlapping fire must not log an error: %s", row.Message)
		if row.Message == "Run skipped, an earlier run of this task is still queued or executing." {
			skipped = true
		}
	}
	require.True(t, skipped)
}

func TestFireEnqueueFailureMarksTaskErrored(t *testing.T) {
	sched, s, gdb := newTestScheduler(t)
	ctx := context.Background()
	task := seedCronTask(t, gdb)

	sched.client = &fakeEnqueuer{err: errors.New("broker down")}

	j := &job{key: jobKey(task.ProjectID, task.ID, model.TriggerCron), taskID: task.ID, kind: model.TriggerCron}
	sched.fire(j, nil, nil)

	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusErrored, stored.Status)

	errored := false
	for _, row := range taskRows(t, gdb, task.ID) {
		if row.Error {
			errored = true
		}
	}
	require.True(t, errored)
}

func TestOneOffFireDropsSpentTrigger(t *testing.T) {
	sched, s, gdb := newTestScheduler(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	project := &model.Project{Name: "once", OneOff: true, OneOffAt: &at}
	require.NoError(t, gdb.Create(project).Error)
	task := &model.Task{ProjectID: project.ID, Name: "extract", Enabled: true}
	require.NoError(t, gdb.Create(task).Error)

	sched.client = &fakeEnqueuer{}
	require.NoError(t, sched.AddTask(ctx, task.ID))
	require.True(t, sched.HasJobs(task.ID))

	sched.mu.Lock()
	j := sched.jobs[jobKey(project.ID, task.ID, model.TriggerOneOff)]
	sched.mu.Unlock()
	require.NotNil(t, j)
	j.timer.Stop()

	sched.fireOneOff(j)

	require.False(t, sched.HasJobs(task.ID))
	require.Empty(t, sched.ListJobs())

	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Nil(t, stored.NextRun)

	// the fire leaves lifecycle rows under the run id assigned at registration
	submitted, executed := false, false
	for _, row := range taskRows(t, gdb, task.ID) {
		if row.JobID == nil || *row.JobID != j.runID {
			continue
		}
		switch {
		case row.Message == "Run submitted by oneoff trigger.":
			submitted = true
		case row.Message == "Job "+j.key+" executed.":
			executed = true
		}
	}
	require.True(t, submitted)
	require.True(t, executed)
}

func TestAddTaskRollsBackOnBadTrigger(t *testing.T) {
	sched, _, gdb := newTestScheduler(t)
	ctx := context.Background()

	project := &model.Project{
		Name: "mixed", Cron: true, CronExpr: "0 0 * * *",
		Interval: true, IntervalValue: 1, IntervalUnit: "x",
	}
	require.NoError(t, gdb.Create(project).Error)
	task := &model.Task{ProjectID: project.ID, Name: "extract", Enabled: true}
	require.NoError(t, gdb.Create(task).Error)

	require.Error(t, sched.AddTask(ctx, task.ID))
	require.False(t, sched.HasJobs(task.ID))
	require.Empty(t, sched.ListJobs())
}

func TestReconcileClearsDisabledBookkeeping(t *testing.T) {
	sched, s, gdb := newTestScheduler(t)
	ctx := context.Background()

	project := &model.Project{Name: "retired", Cron: true, CronExpr: "0 0 * * *"}
	require.NoError(t, gdb.Create(project).Error)

	next := time.Now().Add(time.Hour)
	dur := int64(90)
	task := &model.Task{ProjectID: project.ID, Name: "extract", Enabled: false, NextRun: &next, EstDuration: &dur}
	require.NoError(t, gdb.Create(task).Error)
	require.False(t, sched.HasJobs(task.ID))

	sched.Reconcile(ctx)

	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Nil(t, stored.NextRun)
	require.Nil(t, stored.EstDuration)
}

func TestForecastBucketsIntervalFires(t *testing.T) {
	sched, _, gdb := newTestScheduler(t)
	ctx := context.Background()

	project := &model.Project{Name: "hourly", Interval: true, IntervalValue: 1, IntervalUnit: "h"}
	require.NoError(t, gdb.Create(project).Error)
	task := &model.Task{ProjectID: project.ID, Name: "extract", Enabled: true}
	require.NoError(t, gdb.Create(task).Error)

	require.NoError(t, sched.AddTask(ctx, task.ID))

	buckets := sched.Forecast(time.Now())
	require.Len(t, buckets, 24)
	require.Equal(t, "now", buckets[0].Hour)

	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	// an @every 1h trigger lands in roughly every bucket of the day
	require.GreaterOrEqual(t, total, 22)
}
