// Package runner executes task runs end to end: admission, workspace setup,
// source acquisition, processing, packaging, distribution and notification.
// Every stage appends to the task's audit log; the run verdict is derived
// from the error rows written under its run id.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"extracthub/internal/connector"
	"extracthub/internal/model"
	"extracthub/internal/params"
	"extracthub/internal/queue"
	"extracthub/internal/retry"
	"extracthub/internal/runerr"
	"extracthub/internal/source"
	"extracthub/internal/store"
	"extracthub/pkg/config"
	"extracthub/pkg/secrets"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var Module = fx.Module("runner",
	fx.Provide(
		NewNode,
		NewBackup,
		func(s *store.Store, cfg *config.Config, pool *connector.Pool) *source.Resolver {
			return source.NewResolver(s, cfg, pool)
		},
		New,
	),
	fx.Invoke(RegisterHandlers),
)

func NewNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

// transports is the slice of the connector pool the pipeline moves data
// through; tests swap it out.
type transports interface {
	IsMSSQL(ctx context.Context, connID int64) (bool, error)
	QueryToFile(ctx context.Context, connID int64, query, outPath, delimiter string, quote bool) (int64, error)
	DatabaseStatus(ctx context.Context, connID int64) error
	ReadSMB(ctx context.Context, connID int64, path string) ([]byte, error)
	SMBUpload(ctx context.Context, connID int64, localPath, name string, overwrite bool) (string, error)
	SMBDownload(ctx context.Context, connID int64, remoteName, destPath string) error
	SMBStatus(ctx context.Context, connID int64) error
	SFTPUpload(ctx context.Context, connID int64, localPath, name string, overwrite bool) (string, error)
	SFTPDownload(ctx context.Context, connID int64, remoteName, destPath string) error
	SFTPStatus(ctx context.Context, connID int64) error
	FTPUpload(ctx context.Context, connID int64, localPath, name string, overwrite bool) (string, error)
	FTPDownload(ctx context.Context, connID int64, remoteName, destPath string) error
	FTPStatus(ctx context.Context, connID int64) error
	SSHExec(ctx context.Context, connID int64, command, outPath string) error
	SSHStatus(ctx context.Context, connID int64) error
	SendMail(to []string, subject, htmlBody string, attachments ...string) error
}

// artifactStore is the durable copy of produced files.
type artifactStore interface {
	Save(ctx context.Context, project *model.Project, task *model.Task, jobID, localPath, name, hash string, size int64) (*model.TaskFile, error)
	Fetch(ctx context.Context, file *model.TaskFile, destPath string) error
}

type Runner struct {
	store    *store.Store
	cfg      *config.Config
	pool     transports
	resolver *source.Resolver
	backup   artifactStore
	retry    *retry.Controller
	node     *snowflake.Node
	key      []byte
}

func New(s *store.Store, cfg *config.Config, pool *connector.Pool, resolver *source.Resolver, backup *Backup, retryCtl *retry.Controller, node *snowflake.Node) *Runner {
	return &Runner{
		store:    s,
		cfg:      cfg,
		pool:     pool,
		resolver: resolver,
		backup:   backup,
		retry:    retryCtl,
		node:     node,
		key:      secrets.Key(cfg.SecretAES),
	}
}

func RegisterHandlers(mux *asynq.ServeMux, r *Runner) {
	mux.HandleFunc(queue.TaskRun, r.HandleRun)
}

// artifact is the produced output file at a given pipeline stage.
type artifact struct {
	Path  string
	Name  string
	Hash  string
	Size  int64
	Rows  int64 // -1 when the row count is unknown
	Empty bool
}

// HandleRun consumes a task:run message. Queue-level redelivery is disabled
// for run messages; failures are settled here through the retry controller,
// so this handler never returns an error for a run-level failure.
func (r *Runner) HandleRun(ctx context.Context, t *asynq.Task) error {
	payload, err := queue.ParseRunPayload(t)
	if err != nil {
		zap.L().Error("malformed run payload", zap.Error(err))
		return nil
	}

	task, err := r.store.Task(ctx, payload.TaskID)
	if err != nil {
		zap.L().Warn("run for unknown task dropped", zap.Int64("task_id", payload.TaskID), zap.Error(err))
		return nil
	}
	if !task.Enabled {
		r.store.Log(ctx, &task.ID, nil, model.LogRunner, "Run skipped, task is disabled.", false)
		return nil
	}

	runID := payload.JobKey
	if runID == "" {
		runID = r.node.Generate().String()
	}

	r.Execute(ctx, task, runID, payload.Retry)
	return nil
}

// Execute drives one run of a task. All failure handling is internal: the
// outcome lands in the task's status, its audit log and the retry queue.
func (r *Runner) Execute(ctx context.Context, task *model.Task, runID string, attempt int) {
	project, err := r.store.Project(ctx, task.ProjectID)
	if err != nil {
		r.store.Log(ctx, &task.ID, &runID, model.LogRunner,
			fmt.Sprintf("Run aborted, project %d not found: %v", task.ProjectID, err), true)
		return
	}

	started := time.Now()
	if err := r.store.UpdateTask(ctx, task.ID, map[string]any{
		"status":          model.StatusStarting,
		"last_run":        started,
		"last_run_job_id": runID,
	}); err != nil {
		zap.L().Error("failed to mark task starting", zap.Int64("task_id", task.ID), zap.Error(err))
	}
	if attempt > 0 {
		r.store.Log(ctx, &task.ID, &runID, model.LogRunner,
			fmt.Sprintf("Task started (retry %d of %d).", attempt, task.MaxRetries), false)
	} else {
		r.store.Log(ctx, &task.ID, &runID, model.LogRunner, "Task started.", false)
	}

	if err := admit(r.cfg); err != nil {
		r.fail(ctx, project, task, runID, err)
		return
	}

	r.store.SetTaskStatus(ctx, task.ID, model.StatusRunning)

	workspace := filepath.Join(r.cfg.Runner.TempPath,
		sanitizeName(project.Name), sanitizeName(task.Name), runID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		r.fail(ctx, project, task, runID,
			runerr.Wrap(runerr.Transient, model.LogSystem, fmt.Errorf("create workspace: %w", err)))
		return
	}
	defer r.cleanupWorkspace(ctx, task.ID, runID, workspace)

	if err := r.run(ctx, project, task, runID, workspace); err != nil {
		r.fail(ctx, project, task, runID, err)
		return
	}

	// The verdict comes from the audit trail: any error row under this run
	// id, even from a non-aborting stage, denies the task a clean finish.
	errRows, err := r.store.RunErrorCount(ctx, task.ID, runID)
	status := model.StatusCompleted
	if err != nil || errRows > 0 {
		status = model.StatusErrored
	}

	elapsed := int64(time.Since(started).Seconds())
	if err := r.store.UpdateTask(ctx, task.ID, map[string]any{
		"status":          status,
		"est_duration":    elapsed,
		"last_run_job_id": nil,
	}); err != nil {
		zap.L().Error("failed to finalize task", zap.Int64("task_id", task.ID), zap.Error(err))
	}
	r.store.Log(ctx, &task.ID, &runID, model.LogRunner,
		fmt.Sprintf("Task finished with status %s in %ds.", status, elapsed), false)

	r.retry.Clear(ctx, task.ID)

	if status == model.StatusCompleted && project.SequenceTasks {
		r.advanceSequence(ctx, project, task)
	}
}

// run is the fallible stretch of the pipeline, from parameters to email.
func (r *Runner) run(ctx context.Context, project *model.Project, task *model.Task, runID, workspace string) error {
	ps, err := params.Load(ctx, r.store, r.key, task)
	if err != nil {
		return runerr.Wrap(runerr.Fatal, model.LogRunner, err)
	}

	spec, err := task.DecodeSource()
	if err != nil {
		return runerr.Wrap(runerr.Fatal, model.LogRunner, err)
	}

	out, err := r.acquire(ctx, task, runID, spec, ps, workspace)
	if err != nil {
		return err
	}

	out, err = r.process(ctx, task, runID, workspace, out)
	if err != nil {
		return err
	}

	out, err = r.packageArtifact(ctx, task, ps, workspace, out)
	if err != nil {
		return err
	}

	file, err := r.backup.Save(ctx, project, task, runID, out.Path, out.Name, out.Hash, out.Size)
	if err != nil {
		return runerr.Wrap(runerr.Transient, model.LogSystem, err)
	}
	r.store.Log(ctx, &task.ID, &runID, model.LogSystem,
		fmt.Sprintf("File %s (%d bytes) stored as %s.", file.Name, file.Size, file.Path), false)

	// A run that already has error rows keeps its file out of the destinations.
	if errRows, cerr := r.store.RunErrorCount(ctx, task.ID, runID); cerr == nil && errRows > 0 {
		r.store.Log(ctx, &task.ID, &runID, model.LogRunner,
			"File not sent to destinations because the run logged errors.", false)
	} else {
		r.distribute(ctx, task, runID, out)
	}

	if task.EmailCompletion {
		if err := r.sendCompletionEmail(ctx, project, task, runID, out, ps); err != nil {
			// Logged as an error row; the run is not retried over mail.
			r.store.Log(ctx, &task.ID, &runID, model.LogEmail,
				fmt.Sprintf("Failed to send completion email: %v", err), true)
		}
	}

	return nil
}

// acquire pulls the task's data into the workspace.
func (r *Runner) acquire(ctx context.Context, task *model.Task, runID string, spec model.SourceSpec, ps *params.Set, workspace string) (*artifact, error) {
	rawPath := filepath.Join(workspace, "extract.raw")

	switch src := spec.(type) {
	case model.DatabaseSource:
		mssql, err := r.pool.IsMSSQL(ctx, src.ConnID)
		if err != nil {
			return nil, runerr.Wrap(runerr.Fatal, model.LogRunner, err)
		}

		text, fallback, err := r.resolver.Resolve(ctx, task, src.Query, mssql)
		if err != nil {
			return nil, err
		}
		if fallback != nil {
			r.store.Log(ctx, &task.ID, &runID, runerr.SourceOf(fallback), fallback.Error(), false)
		}
		text = ps.InsertQueryParams(text)

		delim := task.DestFileDelimiter
		if delim == "" {
			delim = ","
		}
		logSrc := model.LogPostgres
		if mssql {
			logSrc = model.LogSQLServer
		}

		rows, err := r.pool.QueryToFile(ctx, src.ConnID, text, rawPath, delim, task.DestQuoteFields)
		if err != nil {
			return nil, runerr.Wrap(runerr.Transient, logSrc, err)
		}
		r.store.Log(ctx, &task.ID, &runID, logSrc,
			fmt.Sprintf("Query returned %d rows.", rows), false)
		return &artifact{Path: rawPath, Rows: rows, Empty: rows == 0}, nil

	case model.FileSource:
		var err error
		switch src.Kind {
		case model.SourceSMB:
			err = wrapTransport(model.LogSMB, r.pool.SMBDownload(ctx, src.ConnID, src.Path, rawPath))
		case model.SourceSFTP:
			err = wrapTransport(model.LogSFTP, r.pool.SFTPDownload(ctx, src.ConnID, src.Path, rawPath))
		case model.SourceFTP:
			err = wrapTransport(model.LogFTP, r.pool.FTPDownload(ctx, src.ConnID, src.Path, rawPath))
		default:
			err = runerr.New(runerr.Fatal, model.LogRunner, "unknown file source %q", src.Kind)
		}
		if err != nil {
			return nil, err
		}

		_, size, derr := fileDigest(rawPath)
		if derr != nil {
			return nil, runerr.Wrap(runerr.Transient, model.LogFile, derr)
		}
		r.store.Log(ctx, &task.ID, &runID, model.LogFile,
			fmt.Sprintf("Downloaded %s (%d bytes).", src.Path, size), false)
		return &artifact{Path: rawPath, Rows: -1, Empty: size == 0}, nil

	case model.SSHSource:
		text, fallback, err := r.resolver.Resolve(ctx, task, src.Command, false)
		if err != nil {
			return nil, err
		}
		if fallback != nil {
			r.store.Log(ctx, &task.ID, &runID, runerr.SourceOf(fallback), fallback.Error(), false)
		}
		command := ps.InsertFileParams(text)

		if err := r.pool.SSHExec(ctx, src.ConnID, command, rawPath); err != nil {
			return nil, runerr.Wrap(runerr.Transient, model.LogCmdRunner, err)
		}

		_, size, derr := fileDigest(rawPath)
		if derr != nil {
			return nil, runerr.Wrap(runerr.Transient, model.LogFile, derr)
		}
		r.store.Log(ctx, &task.ID, &runID, model.LogCmdRunner,
			fmt.Sprintf("Remote command produced %d bytes.", size), false)
		return &artifact{Path: rawPath, Rows: -1, Empty: size == 0}, nil
	}

	return nil, runerr.New(runerr.Fatal, model.LogRunner, "unhandled source spec %T", spec)
}

// process runs the optional python processing step on the acquired data.
func (r *Runner) process(ctx context.Context, task *model.Task, runID, workspace string, out *artifact) (*artifact, error) {
	spec, err := task.DecodeProcessing()
	if err != nil {
		return nil, runerr.Wrap(runerr.Fatal, model.LogRunner, err)
	}
	if spec == nil {
		return out, nil
	}

	script, err := r.fetchProcessingScript(ctx, spec)
	if err != nil {
		return nil, err
	}

	newPath, err := runProcessing(ctx, workspace, script, spec.Command, out.Path)
	if err != nil {
		return nil, runerr.Wrap(runerr.Transient, model.LogPyProcessor, err)
	}
	r.store.Log(ctx, &task.ID, &runID, model.LogPyProcessor, "Processing script completed.", false)

	_, size, err := fileDigest(newPath)
	if err != nil {
		return nil, runerr.Wrap(runerr.Transient, model.LogFile, err)
	}
	return &artifact{Path: newPath, Rows: -1, Empty: size == 0}, nil
}

// fetchProcessingScript resolves the processing script text from its origin.
func (r *Runner) fetchProcessingScript(ctx context.Context, spec *model.ProcessingSpec) (string, error) {
	switch spec.Origin {
	case model.ProcessingInline:
		return spec.Inline, nil
	case model.ProcessingGit, model.ProcessingDevops, model.ProcessingURL:
		text, err := r.resolver.FetchScript(ctx, spec)
		if err != nil {
			return "", runerr.Wrap(runerr.Transient, model.LogGitWebCode, err)
		}
		return text, nil
	case model.ProcessingSMB:
		data, err := r.pool.ReadSMB(ctx, spec.ConnID, spec.FilePath)
		if err != nil {
			return "", runerr.Wrap(runerr.Transient, model.LogSMB, err)
		}
		return string(data), nil
	case model.ProcessingSFTP, model.ProcessingFTP:
		tmp, err := os.CreateTemp("", "proc-*.py")
		if err != nil {
			return "", runerr.Wrap(runerr.Transient, model.LogSystem, err)
		}
		tmp.Close()
		defer os.Remove(tmp.Name())

		if spec.Origin == model.ProcessingSFTP {
			if err := r.pool.SFTPDownload(ctx, spec.ConnID, spec.FilePath, tmp.Name()); err != nil {
				return "", wrapTransport(model.LogSFTP, err)
			}
		} else {
			if err := r.pool.FTPDownload(ctx, spec.ConnID, spec.FilePath, tmp.Name()); err != nil {
				return "", wrapTransport(model.LogFTP, err)
			}
		}
		data, err := os.ReadFile(tmp.Name())
		if err != nil {
			return "", runerr.Wrap(runerr.Transient, model.LogSystem, err)
		}
		return string(data), nil
	}
	return "", runerr.New(runerr.Fatal, model.LogRunner, "unknown processing origin %q", spec.Origin)
}

// packageArtifact renames, encrypts and archives the data file per the
// task's destination settings.
func (r *Runner) packageArtifact(ctx context.Context, task *model.Task, ps *params.Set, workspace string, out *artifact) (*artifact, error) {
	now := time.Now()
	name, err := buildFileName(task, ps, now)
	if err != nil {
		return nil, runerr.Wrap(runerr.Fatal, model.LogDateParser, err)
	}

	finalPath := filepath.Join(workspace, name)
	needsRewrite := task.SourceDelimiter != "" && task.DestFileDelimiter != "" &&
		!task.IgnoreDelimiter && !task.DestIgnoreDelimiter && out.Rows < 0

	if needsRewrite {
		if err := transformDelimited(out.Path, finalPath, task.SourceDelimiter, task.DestFileDelimiter, task.DestQuoteFields); err != nil {
			return nil, runerr.Wrap(runerr.Transient, model.LogFile, err)
		}
	} else if out.Path != finalPath {
		if err := os.Rename(out.Path, finalPath); err != nil {
			return nil, runerr.Wrap(runerr.Transient, model.LogFile, err)
		}
	}

	rows, empty := out.Rows, out.Empty
	if rows < 0 && (task.SourceDelimiter != "" || task.DestFileDelimiter != "") {
		if n, err := countDataRows(finalPath); err == nil {
			rows, empty = n, n == 0
		}
	}

	if task.DestGpgEncrypt && task.DestGpgConnID != nil {
		conn, err := r.store.GPGConn(ctx, *task.DestGpgConnID)
		if err != nil {
			return nil, runerr.Wrap(runerr.Fatal, model.LogRunner, err)
		}
		pubKey, err := secrets.Decrypt(conn.PublicKey, r.key)
		if err != nil {
			return nil, runerr.Wrap(runerr.Fatal, model.LogRunner, err)
		}

		encName := name + ".gpg"
		encPath := filepath.Join(workspace, encName)
		if err := encryptGPG(pubKey, finalPath, encPath); err != nil {
			return nil, runerr.Wrap(runerr.Fatal, model.LogFile, err)
		}
		name, finalPath = encName, encPath
	}

	if task.DestCreateZip {
		zipName, err := buildZipName(task, ps, name, now)
		if err != nil {
			return nil, runerr.Wrap(runerr.Fatal, model.LogDateParser, err)
		}
		zipPath := filepath.Join(workspace, zipName)
		if err := zipFile(finalPath, zipPath, name); err != nil {
			return nil, runerr.Wrap(runerr.Transient, model.LogFile, err)
		}
		name, finalPath = zipName, zipPath
	}

	hash, size, err := fileDigest(finalPath)
	if err != nil {
		return nil, runerr.Wrap(runerr.Transient, model.LogFile, err)
	}

	return &artifact{
		Path:  finalPath,
		Name:  name,
		Hash:  hash,
		Size:  size,
		Rows:  rows,
		Empty: empty,
	}, nil
}

// distribute uploads the artifact to each enabled destination concurrently.
// A destination failure is its own audit row and never aborts the other
// deliveries or triggers a re-run; the run verdict picks the failure up from
// the error rows and the durable copy stays available for redelivery.
func (r *Runner) distribute(ctx context.Context, task *model.Task, runID string, out *artifact) {
	type dest struct {
		enabled   bool
		connID    *int64
		skipEmpty bool
		src       model.LogSource
		send      func(connID int64) (string, error)
	}

	dests := []dest{
		{task.DestSFTP, task.DestSFTPConnID, task.DestSFTPSkipEmpty, model.LogSFTP,
			func(id int64) (string, error) {
				return r.pool.SFTPUpload(ctx, id, out.Path, out.Name, task.DestSFTPOverwrite)
			}},
		{task.DestFTP, task.DestFTPConnID, task.DestFTPSkipEmpty, model.LogFTP,
			func(id int64) (string, error) {
				return r.pool.FTPUpload(ctx, id, out.Path, out.Name, task.DestFTPOverwrite)
			}},
		{task.DestSMB, task.DestSMBConnID, task.DestSMBSkipEmpty, model.LogSMB,
			func(id int64) (string, error) {
				return r.pool.SMBUpload(ctx, id, out.Path, out.Name, task.DestSMBOverwrite)
			}},
	}

	var g errgroup.Group
	for _, d := range dests {
		if !d.enabled {
			continue
		}
		if d.connID == nil {
			r.store.Log(ctx, &task.ID, &runID, d.src,
				fmt.Sprintf("%s delivery enabled but no connection configured.", d.src), true)
			continue
		}
		if d.skipEmpty && out.Empty {
			r.store.Log(ctx, &task.ID, &runID, d.src,
				fmt.Sprintf("%s delivery skipped, file is empty.", d.src), false)
			continue
		}

		d := d
		g.Go(func() error {
			remote, err := d.send(*d.connID)
			if err != nil {
				r.store.Log(ctx, &task.ID, &runID, d.src,
					fmt.Sprintf("%s delivery of %s failed: %v", d.src, out.Name, err), true)
				return err
			}
			r.store.Log(ctx, &task.ID, &runID, d.src,
				fmt.Sprintf("File %s delivered to %s.", out.Name, remote), false)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.store.Log(ctx, &task.ID, &runID, model.LogRunner,
			"One or more deliveries failed; the stored copy can be redelivered.", false)
	}
}

// fail settles a failed run: audit row, error email, then the retry verdict.
func (r *Runner) fail(ctx context.Context, project *model.Project, task *model.Task, runID string, runErr error) {
	r.store.Log(ctx, &task.ID, &runID, runerr.SourceOf(runErr), runErr.Error(), true)
	r.store.SetTaskStatus(ctx, task.ID, model.StatusErrored)
	r.sendErrorEmail(ctx, project, task, runID)

	if runerr.ClassOf(runErr) == runerr.Fatal {
		r.store.Log(ctx, &task.ID, &runID, model.LogRunner, "Run failed permanently, no retry.", false)
		r.retry.Abandon(ctx, task, runID)
		return
	}

	if !r.retry.Attempt(ctx, task, runID, runErr) {
		r.store.Log(ctx, &task.ID, &runID, model.LogRunner, "Retries exhausted.", true)
	}
}

// advanceSequence enqueues the next enabled task of a sequenced project.
func (r *Runner) advanceSequence(ctx context.Context, project *model.Project, task *model.Task) {
	next, err := r.store.NextInSequence(ctx, task)
	if err != nil {
		zap.L().Error("failed to resolve next task in sequence",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	if next == nil {
		return
	}

	runID := fmt.Sprintf("%d-%d-sequence-%s", project.ID, next.ID, r.node.Generate().String())
	if err := r.retry.RequeueDelay(ctx, next.ID, runID, 0); err != nil {
		zap.L().Error("failed to enqueue next task in sequence",
			zap.Int64("task_id", next.ID), zap.Error(err))
		return
	}
	r.store.Log(ctx, &next.ID, &runID, model.LogRunner,
		fmt.Sprintf("Queued by sequence after task %d.", task.ID), false)
}

// cleanupWorkspace removes the run's working directory. A leftover workspace
// is audited so the temp sweep's work is visible next to the run.
func (r *Runner) cleanupWorkspace(ctx context.Context, taskID int64, runID, workspace string) {
	if err := os.RemoveAll(workspace); err != nil {
		zap.L().Warn("failed to remove workspace", zap.String("path", workspace), zap.Error(err))
		r.store.Log(ctx, &taskID, &runID, model.LogSystem,
			fmt.Sprintf("Failed to remove workspace %s: %v", workspace, err), true)
	}
}

func wrapTransport(src model.LogSource, err error) error {
	if err == nil {
		return nil
	}
	return runerr.Wrap(runerr.Transient, src, err)
}
