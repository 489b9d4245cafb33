package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"extracthub/internal/model"
	"extracthub/internal/queue"
	"extracthub/internal/runerr"
	"extracthub/internal/store"
	"extracthub/pkg/config"
	"extracthub/pkg/db"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeCounters struct {
	n        int64
	failIncr bool
}

func (f *fakeCounters) Incr(ctx context.Context, key string) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx)
	if f.failIncr {
		cmd.SetErr(errors.New("redis down"))
		return cmd
	}
	f.n++
	cmd.SetVal(f.n)
	return cmd
}

func (f *fakeCounters) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx)
	f.n = 0
	cmd.SetVal(1)
	return cmd
}

type fakeEnqueuer struct {
	payloads []queue.RunPayload
	err      error
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
	return &asynq.TaskInfo{}, nil
}

func newTestController(t *testing.T) (*Controller, *fakeCounters, *fakeEnqueuer, *store.Store, *gorm.DB) {
	t.Helper()

	gdb, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(gdb))
	s := store.New(gdb)

	cfg := &config.Config{}
	cfg.Runner.RetryDelay = 5 * time.Minute
	cfg.Runner.AdmissionDelay = time.Minute

	counters := &fakeCounters{}
	enq := &fakeEnqueuer{}
	return New(counters, enq, s, cfg), counters, enq, s, gdb
}

func seedSequencedProject(t *testing.T, gdb *gorm.DB) []*model.Task {
	t.Helper()

	project := &model.Project{Name: "chained", SequenceTasks: true}
	require.NoError(t, gdb.Create(project).Error)

	tasks := []*model.Task{
		{ProjectID: project.ID, Name: "first", Rank: 1, Enabled: true, MaxRetries: 1},
		{ProjectID: project.ID, Name: "second", Rank: 2, Enabled: true},
		{ProjectID: project.ID, Name: "third", Rank: 3, Enabled: true},
	}
	for _, task := range tasks {
		require.NoError(t, gdb.Create(task).Error)
	}
	return tasks
}

func TestAttemptRequeuesWhileSlotsRemain(t *testing.T) {
	c, _, enq, _, gdb := newTestController(t)
	ctx := context.Background()
	tasks := seedSequencedProject(t, gdb)

	failure := runerr.New(runerr.Transient, model.LogSFTP, "upload failed")
	require.True(t, c.Attempt(ctx, tasks[0], "1-1-cron-9", failure))

	require.Len(t, enq.payloads, 1)
	require.Equal(t, tasks[0].ID, enq.payloads[0].TaskID)
	require.Equal(t, "1-1-cron-9", enq.payloads[0].JobKey)
	require.Equal(t, 1, enq.payloads[0].Retry)
}

func TestAttemptExhaustedCancelsSequence(t *testing.T) {
	c, _, enq, s, gdb := newTestController(t)
	ctx := context.Background()
	tasks := seedSequencedProject(t, gdb)

	failure := runerr.New(runerr.Transient, model.LogSFTP, "upload failed")
	require.True(t, c.Attempt(ctx, tasks[0], "run-1", failure))
	require.False(t, c.Attempt(ctx, tasks[0], "run-1", failure))

	// no second requeue
	require.Len(t, enq.payloads, 1)

	failed, err := s.Task(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusErrored, failed.Status)

	// the rest of the sequence is cancelled without executing
	for _, id := range []int64{tasks[1].ID, tasks[2].ID} {
		task, err := s.Task(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusErrored, task.Status)
	}
}

func TestAttemptGivesUpWhenCounterUnavailable(t *testing.T) {
	c, counters, enq, s, gdb := newTestController(t)
	ctx := context.Background()
	tasks := seedSequencedProject(t, gdb)
	counters.failIncr = true

	failure := runerr.New(runerr.Transient, model.LogSFTP, "upload failed")
	require.False(t, c.Attempt(ctx, tasks[0], "run-1", failure))
	require.Empty(t, enq.payloads)

	failed, err := s.Task(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusErrored, failed.Status)
}

func TestAbandonCancelsWithoutConsumingSlots(t *testing.T) {
	c, counters, enq, s, gdb := newTestController(t)
	ctx := context.Background()
	tasks := seedSequencedProject(t, gdb)

	c.Abandon(ctx, tasks[0], "run-1")

	require.Empty(t, enq.payloads)
	require.Zero(t, counters.n)

	for _, task := range tasks {
		stored, err := s.Task(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, model.StatusErrored, stored.Status)
	}
}

func TestClearResetsCounter(t *testing.T) {
	c, counters, _, _, gdb := newTestController(t)
	ctx := context.Background()
	tasks := seedSequencedProject(t, gdb)

	failure := runerr.New(runerr.Transient, model.LogSFTP, "upload failed")
	require.True(t, c.Attempt(ctx, tasks[0], "run-1", failure))
	require.Equal(t, int64(1), counters.n)

	c.Clear(ctx, tasks[0].ID)
	require.Zero(t, counters.n)
}
