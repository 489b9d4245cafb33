package runner

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"extracthub/internal/model"
	"extracthub/internal/queue"
	"extracthub/internal/retry"
	"extracthub/internal/runerr"
	"extracthub/internal/source"
	"extracthub/internal/store"
	"extracthub/pkg/config"
	"extracthub/pkg/db"
	"extracthub/pkg/secrets"

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

// fakeTransports stands in for the connector pool. Query results and upload
// failures are scripted per test.
type fakeTransports struct {
	mu        sync.Mutex
	queryData string
	queryRows int64
	queryErr  error
	sftpErr   error
	ftpErr    error
	smbErr    error
	uploads   []string
	mails     []fakeMail
}

type fakeMail struct {
	to          []string
	subject     string
	body        string
	attachments []string
}

func (f *fakeTransports) IsMSSQL(ctx context.Context, connID int64) (bool, error) { return false, nil }

func (f *fakeTransports) QueryToFile(ctx context.Context, connID int64, query, outPath, delimiter string, quote bool) (int64, error) {
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	if err := os.WriteFile(outPath, []byte(f.queryData), 0o644); err != nil {
		return 0, err
	}
	return f.queryRows, nil
}

func (f *fakeTransports) DatabaseStatus(ctx context.Context, connID int64) error { return nil }

func (f *fakeTransports) ReadSMB(ctx context.Context, connID int64, path string) ([]byte, error) {
	return nil, errors.New("no smb share in tests")
}

func (f *fakeTransports) upload(kind, name string, fail error) (string, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, kind)
	f.mu.Unlock()
	if fail != nil {
		return "", fail
	}
	return "remote/" + name, nil
}

func (f *fakeTransports) SMBUpload(ctx context.Context, connID int64, localPath, name string, overwrite bool) (string, error) {
	return f.upload("smb", name, f.smbErr)
}
func (f *fakeTransports) SMBDownload(ctx context.Context, connID int64, remoteName, destPath string) error {
	return os.WriteFile(destPath, nil, 0o644)
}
func (f *fakeTransports) SMBStatus(ctx context.Context, connID int64) error { return nil }

func (f *fakeTransports) SFTPUpload(ctx context.Context, connID int64, localPath, name string, overwrite bool) (string, error) {
	return f.upload("sftp", name, f.sftpErr)
}
func (f *fakeTransports) SFTPDownload(ctx context.Context, connID int64, remoteName, destPath string) error {
	return os.WriteFile(destPath, nil, 0o644)
}
func (f *fakeTransports) SFTPStatus(ctx context.Context, connID int64) error { return nil }

func (f *fakeTransports) FTPUpload(ctx context.Context, connID int64, localPath, name string, overwrite bool) (string, error) {
	return f.upload("ftp", name, f.ftpErr)
}
func (f *fakeTransports) FTPDownload(ctx context.Context, connID int64, remoteName, destPath string) error {
	return os.WriteFile(destPath, nil, 0o644)
}
func (f *fakeTransports) FTPStatus(ctx context.Context, connID int64) error { return nil }

func (f *fakeTransports) SSHExec(ctx context.Context, connID int64, command, outPath string) error {
	return os.WriteFile(outPath, []byte("remote output\n"), 0o644)
}
func (f *fakeTransports) SSHStatus(ctx context.Context, connID int64) error { return nil }

func (f *fakeTransports) SendMail(to []string, subject, htmlBody string, attachments ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mails = append(f.mails, fakeMail{to: to, subject: subject, body: htmlBody, attachments: attachments})
	return nil
}

// fakeArtifacts is an in-memory stand-in for the durable backup store.
type fakeArtifacts struct {
	saved []model.TaskFile
}

func (f *fakeArtifacts) Save(ctx context.Context, project *model.Project, task *model.Task, jobID, localPath, name, hash string, size int64) (*model.TaskFile, error) {
	file := model.TaskFile{TaskID: task.ID, JobID: jobID, Name: name, Path: "backup/" + name, Hash: hash, Size: size}
	f.saved = append(f.saved, file)
	return &file, nil
}

func (f *fakeArtifacts) Fetch(ctx context.Context, file *model.TaskFile, destPath string) error {
	return os.WriteFile(destPath, nil, 0o644)
}

// fakeCounters backs the retry controller without redis.
type fakeCounters struct{ n int64 }

func (f *fakeCounters) Incr(ctx context.Context, key string) *goredis.IntCmd {
	f.n++
	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(f.n)
	return cmd
}

func (f *fakeCounters) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

// fakeRunEnqueuer records retry requeues instead of hitting a broker.
type fakeRunEnqueuer struct {
	payloads []queue.RunPayload
}

func (f *fakeRunEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	p, err := queue.ParseRunPayload(task)
	if err != nil {
		return nil, err
	}
	f.payloads = append(f.payloads, p)
	return &asynq.TaskInfo{}, nil
}

func newTestRunner(t *testing.T) (*Runner, *fakeTransports, *fakeArtifacts, *fakeRunEnqueuer, *store.Store, *gorm.DB) {
	t.Helper()

	gdb, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(gdb))
	s := store.New(gdb)

	cfg := &config.Config{}
	cfg.Runner.TempPath = t.TempDir()

	pool := &fakeTransports{queryData: "id,name\n1,alpha\n2,beta\n", queryRows: 2}
	arts := &fakeArtifacts{}
	enq := &fakeRunEnqueuer{}

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	r := &Runner{
		store:    s,
		cfg:      cfg,
		pool:     pool,
		resolver: source.NewResolver(s, cfg, pool),
		backup:   arts,
		retry:    retry.New(&fakeCounters{}, enq, s, cfg),
		node:     node,
		key:      secrets.Key("test"),
	}
	return r, pool, arts, enq, s, gdb
}

func seedDatabaseTask(t *testing.T, gdb *gorm.DB, mutate func(*model.Task)) (*model.Project, *model.Task) {
	t.Helper()

	project := &model.Project{Name: "warehouse"}
	require.NoError(t, gdb.Create(project).Error)

	connID := int64(1)
	task := &model.Task{
		ProjectID:    project.ID,
		Name:         "daily-extract",
		Enabled:      true,
		SourceKind:   model.SourceDatabase,
		SourceConnID: &connID,
		QueryOrigin:  model.OriginInline,
		SourceCode:   "SELECT id, name FROM accounts",
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, gdb.Create(task).Error)
	return project, task
}

func runLogRows(t *testing.T, gdb *gorm.DB, taskID int64, runID string) []model.TaskLog {
	t.Helper()
	var rows []model.TaskLog
	require.NoError(t, gdb.Where("task_id = ? AND job_id = ?", taskID, runID).Order("id").Find(&rows).Error)
	return rows
}

func hasRow(rows []model.TaskLog, substr string, isErr bool) bool {
	for _, row := range rows {
		if row.Error == isErr && strings.Contains(row.Message, substr) {
			return true
		}
	}
	return false
}

func TestExecuteCompletesDatabaseRun(t *testing.T) {
	r, pool, arts, _, s, gdb := newTestRunner(t)
	ctx := context.Background()

	connID := int64(5)
	_, task := seedDatabaseTask(t, gdb, func(task *model.Task) {
		task.DestSFTP = true
		task.DestSFTPConnID = &connID
	})

	r.Execute(ctx, task, "run-ok", 0)

	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, stored.Status)
	require.NotNil(t, stored.EstDuration)
	require.Nil(t, stored.LastRunJobID)

	require.Len(t, arts.saved, 1)
	require.Equal(t, []string{"sftp"}, pool.uploads)

	rows := runLogRows(t, gdb, task.ID, "run-ok")
	require.True(t, hasRow(rows, "Query returned 2 rows.", false))
	require.True(t, hasRow(rows, "Task finished with status completed", false))
}

func TestDistributeDeliversRemainingOnFailure(t *testing.T) {
	r, pool, _, enq, s, gdb := newTestRunner(t)
	ctx := context.Background()

	sftpID, ftpID := int64(5), int64(6)
	_, task := seedDatabaseTask(t, gdb, func(task *model.Task) {
		task.DestSFTP = true
		task.DestSFTPConnID = &sftpID
		task.DestFTP = true
		task.DestFTPConnID = &ftpID
	})
	pool.sftpErr = errors.New("connection refused")

	r.Execute(ctx, task, "run-half", 0)

	// both destinations were attempted
	require.ElementsMatch(t, []string{"sftp", "ftp"}, pool.uploads)

	rows := runLogRows(t, gdb, task.ID, "run-half")
	require.True(t, hasRow(rows, "sftp delivery of", true))
	require.True(t, hasRow(rows, "delivered to remote/", false))
	require.True(t, hasRow(rows, "the stored copy can be redelivered", false))

	// the failed delivery settles through the run verdict, not a requeue
	require.Empty(t, enq.payloads)
	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusErrored, stored.Status)
}

func TestErrorRowsKeepFileFromDestinations(t *testing.T) {
	r, pool, arts, _, s, gdb := newTestRunner(t)
	ctx := context.Background()

	connID := int64(5)
	_, task := seedDatabaseTask(t, gdb, func(task *model.Task) {
		task.DestSFTP = true
		task.DestSFTPConnID = &connID
	})

	runID := "run-tainted"
	s.Log(ctx, &task.ID, &runID, model.LogSystem, "disk jitter during acquire", true)

	r.Execute(ctx, task, runID, 0)

	require.Empty(t, pool.uploads)
	require.Len(t, arts.saved, 1, "the durable copy is still written for redelivery")

	rows := runLogRows(t, gdb, task.ID, runID)
	require.True(t, hasRow(rows, "File not sent to destinations because the run logged errors.", false))

	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusErrored, stored.Status)
}

func TestTransientFailureRequeuesRun(t *testing.T) {
	r, pool, _, enq, s, gdb := newTestRunner(t)
	ctx := context.Background()

	_, task := seedDatabaseTask(t, gdb, func(task *model.Task) {
		task.MaxRetries = 2
	})
	pool.queryErr = errors.New("connection reset by peer")

	r.Execute(ctx, task, "run-retry", 0)

	require.Len(t, enq.payloads, 1)
	require.Equal(t, task.ID, enq.payloads[0].TaskID)
	require.Equal(t, "run-retry", enq.payloads[0].JobKey)
	require.Equal(t, 1, enq.payloads[0].Retry)

	rows := runLogRows(t, gdb, task.ID, "run-retry")
	require.True(t, hasRow(rows, "Run will be retried", false))

	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusErrored, stored.Status)
}

func TestFatalFailureIsNotRetried(t *testing.T) {
	r, _, _, enq, s, gdb := newTestRunner(t)
	ctx := context.Background()

	_, task := seedDatabaseTask(t, gdb, func(task *model.Task) {
		task.SourceConnID = nil // database source without a connection
		task.MaxRetries = 3
	})

	r.Execute(ctx, task, "run-fatal", 0)

	require.Empty(t, enq.payloads)

	rows := runLogRows(t, gdb, task.ID, "run-fatal")
	require.True(t, hasRow(rows, "Run failed permanently, no retry.", false))

	stored, err := s.Task(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusErrored, stored.Status)
}

func TestCompletionEmailEmbedsFileContents(t *testing.T) {
	r, pool, _, _, _, gdb := newTestRunner(t)
	ctx := context.Background()

	_, task := seedDatabaseTask(t, gdb, func(task *model.Task) {
		task.EmailCompletion = true
		task.EmailCompletionEmbed = true
		task.EmailCompletionRecipients = "ops@example.com"
	})

	r.Execute(ctx, task, "run-embed", 0)

	require.Len(t, pool.mails, 1)
	mail := pool.mails[0]
	require.Contains(t, mail.body, "1,alpha")
	require.Contains(t, mail.body, "2,beta")
	require.Empty(t, mail.attachments)
}

func TestCompletionEmailAttachesFile(t *testing.T) {
	r, pool, _, _, _, gdb := newTestRunner(t)
	ctx := context.Background()

	_, task := seedDatabaseTask(t, gdb, func(task *model.Task) {
		task.EmailCompletion = true
		task.EmailCompletionAttach = true
		task.EmailCompletionRecipients = "ops@example.com"
	})

	r.Execute(ctx, task, "run-attach", 0)

	require.Len(t, pool.mails, 1)
	mail := pool.mails[0]
	require.Len(t, mail.attachments, 1)
	require.NotContains(t, mail.body, "1,alpha")
}

func TestCleanupFailureIsAudited(t *testing.T) {
	r, _, _, _, _, gdb := newTestRunner(t)
	ctx := context.Background()

	_, task := seedDatabaseTask(t, gdb, nil)

	// a NUL byte makes the path unremovable
	r.cleanupWorkspace(ctx, task.ID, "run-sweep", "workspace\x00dir")

	rows := runLogRows(t, gdb, task.ID, "run-sweep")
	require.True(t, hasRow(rows, "Failed to remove workspace", true))
}

func TestAdmitResourceFloors(t *testing.T) {
	cfg := &config.Config{}
	// zero floors disable the checks
	require.NoError(t, admit(cfg))

	cfg.Runner.TempPath = t.TempDir()
	cfg.Runner.MinFreeDiskPercent = 101

	err := admit(cfg)
	require.Error(t, err)
	require.Equal(t, runerr.Admission, runerr.ClassOf(err))
	require.Contains(t, err.Error(), "low disk space")
}

func TestHandleRunSkipsDisabledTask(t *testing.T) {
	r, _, arts, _, _, gdb := newTestRunner(t)
	ctx := context.Background()

	_, task := seedDatabaseTask(t, gdb, func(task *model.Task) {
		task.Enabled = false
	})

	payload := queue.RunPayload{TaskID: task.ID, JobKey: "run-disabled"}
	require.NoError(t, r.HandleRun(ctx, queue.NewRunTask(payload)))
	require.Empty(t, arts.saved)

	var rows []model.TaskLog
	require.NoError(t, gdb.Where("task_id = ?", task.ID).Find(&rows).Error)
	found := false
	for _, row := range rows {
		if row.Message == "Run skipped, task is disabled." {
			found = true
		}
	}
	require.True(t, found)
}
