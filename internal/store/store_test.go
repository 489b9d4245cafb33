package store

import (
	"context"
	"testing"
	"time"

	"extracthub/internal/model"
	"extracthub/pkg/db"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	gdb, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, Migrate(gdb))
	return New(gdb), gdb
}

func seedSequence(t *testing.T, gdb *gorm.DB) (*model.Project, []*model.Task) {
	t.Helper()

	project := &model.Project{Name: "chained", SequenceTasks: true}
	require.NoError(t, gdb.Create(project).Error)

	tasks := []*model.Task{
		{ProjectID: project.ID, Name: "first", Rank: 1, Enabled: true},
		{ProjectID: project.ID, Name: "second", Rank: 2, Enabled: false},
		{ProjectID: project.ID, Name: "third", Rank: 3, Enabled: true},
		{ProjectID: project.ID, Name: "fourth", Rank: 4, Enabled: true},
	}
	for _, task := range tasks {
		require.NoError(t, gdb.Create(task).Error)
	}
	return project, tasks
}

func TestNextInSequenceSkipsDisabled(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	_, tasks := seedSequence(t, gdb)

	next, err := s.NextInSequence(ctx, tasks[0])
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, "third", next.Name)

	next, err = s.NextInSequence(ctx, tasks[3])
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestEnabledTasksAfter(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	_, tasks := seedSequence(t, gdb)

	rest, err := s.EnabledTasksAfter(ctx, tasks[0])
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, "third", rest[0].Name)
	require.Equal(t, "fourth", rest[1].Name)
}

func TestMergeNextRunKeepsEarlier(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{ProjectID: 1, Name: "extract"}
	require.NoError(t, gdb.Create(task).Error)

	later := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	earlier := time.Now().Add(1 * time.Hour).Truncate(time.Second)

	require.NoError(t, s.MergeNextRun(ctx, task.ID, later))
	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, later.Unix(), stored.NextRun.Unix())

	// an earlier fire wins
	require.NoError(t, s.MergeNextRun(ctx, task.ID, earlier))
	stored, err = s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, earlier.Unix(), stored.NextRun.Unix())

	// a later fire does not move it back
	require.NoError(t, s.MergeNextRun(ctx, task.ID, later))
	stored, err = s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, earlier.Unix(), stored.NextRun.Unix())
}

func TestRefreshNextRunPicksMinOrClears(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{ProjectID: 1, Name: "extract"}
	require.NoError(t, gdb.Create(task).Error)

	a := time.Now().Add(3 * time.Hour).Truncate(time.Second)
	b := time.Now().Add(1 * time.Hour).Truncate(time.Second)
	c := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	require.NoError(t, s.RefreshNextRun(ctx, task.ID, []time.Time{a, b, c}))
	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, b.Unix(), stored.NextRun.Unix())

	require.NoError(t, s.RefreshNextRun(ctx, task.ID, nil))
	stored, err = s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Nil(t, stored.NextRun)
}

func TestRunErrorCountIsScopedToRun(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	taskID := int64(7)
	runA, runB := "1-7-cron-100", "1-7-cron-200"

	s.Log(ctx, &taskID, &runA, model.LogRunner, "started", false)
	s.Log(ctx, &taskID, &runA, model.LogSFTP, "upload failed", true)
	s.Log(ctx, &taskID, &runA, model.LogRunner, "finished", false)
	s.Log(ctx, &taskID, &runB, model.LogRunner, "started", false)

	count, err := s.RunErrorCount(ctx, taskID, runA)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	count, err = s.RunErrorCount(ctx, taskID, runB)
	require.NoError(t, err)
	require.Zero(t, count)

	logs, err := s.RunLogs(ctx, taskID, runA)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, "started", logs[0].Message)
}

func TestTaskExists(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{ProjectID: 1, Name: "extract"}
	require.NoError(t, gdb.Create(task).Error)

	require.True(t, s.TaskExists(ctx, task.ID))
	require.False(t, s.TaskExists(ctx, task.ID+1))
}

func TestSaveSourceCache(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{ProjectID: 1, Name: "extract"}
	require.NoError(t, gdb.Create(task).Error)

	require.NoError(t, s.SaveSourceCache(ctx, task.ID, "SELECT 1"))
	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", stored.SourceCache)
}
