package runner

import (
	"context"
	"fmt"
	"time"

	"extracthub/internal/model"
	"extracthub/internal/params"

	"go.uber.org/zap"
)

// Fire starts a run outside the queue, for the direct-fire endpoint. The run
// executes in the background; the generated run id is returned immediately.
func (r *Runner) Fire(ctx context.Context, taskID int64) (string, error) {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("task %d: %w", taskID, err)
	}

	runID := fmt.Sprintf("%d-%d-manual-%s", task.ProjectID, task.ID, r.node.Generate().String())
	go func() {
		defer func() {
			if p := recover(); p != nil {
				zap.L().Error("run panicked", zap.Int64("task_id", task.ID), zap.Any("panic", p))
			}
		}()
		r.Execute(context.Background(), task, runID, 0)
	}()
	return runID, nil
}

// SourceText returns the task's resolved source text after dialect cleanup
// and parameter substitution, for the source preview endpoint.
func (r *Runner) SourceText(ctx context.Context, taskID int64) (string, error) {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("task %d: %w", taskID, err)
	}

	spec, err := task.DecodeSource()
	if err != nil {
		return "", err
	}

	var q model.QuerySpec
	mssql := false
	switch src := spec.(type) {
	case model.DatabaseSource:
		q = src.Query
		if mssql, err = r.pool.IsMSSQL(ctx, src.ConnID); err != nil {
			return "", err
		}
	case model.SSHSource:
		q = src.Command
	default:
		return "", fmt.Errorf("task %d: %s source has no code to preview", taskID, task.SourceKind)
	}

	text, _, err := r.resolver.Resolve(ctx, task, q, mssql)
	if err != nil {
		return "", err
	}

	ps, err := params.Load(ctx, r.store, r.key, task)
	if err != nil {
		return "", err
	}
	return ps.InsertQueryParams(text), nil
}

// ProcessingText returns the task's processing script, for the preview
// endpoint.
func (r *Runner) ProcessingText(ctx context.Context, taskID int64) (string, error) {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("task %d: %w", taskID, err)
	}

	spec, err := task.DecodeProcessing()
	if err != nil {
		return "", err
	}
	if spec == nil {
		return "", fmt.Errorf("task %d has no processing step", taskID)
	}
	return r.fetchProcessingScript(ctx, spec)
}

// RefreshSourceCache re-fetches the task's remote source into its cache.
func (r *Runner) RefreshSourceCache(ctx context.Context, taskID int64) error {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task %d: %w", taskID, err)
	}
	return r.resolver.RefreshCache(ctx, task)
}

// PreviewFileName renders the destination file name as it would be produced
// right now.
func (r *Runner) PreviewFileName(ctx context.Context, taskID int64) (string, error) {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("task %d: %w", taskID, err)
	}
	ps, err := params.Load(ctx, r.store, r.key, task)
	if err != nil {
		return "", err
	}
	return buildFileName(task, ps, time.Now())
}

// PreviewSuccessSubject renders the configured completion email subject.
func (r *Runner) PreviewSuccessSubject(ctx context.Context, taskID int64) (string, error) {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("task %d: %w", taskID, err)
	}
	ps, err := params.Load(ctx, r.store, r.key, task)
	if err != nil {
		return "", err
	}
	return successSubject(task, ps, time.Now())
}

// ConnectionStatus probes one connection of the given transport.
func (r *Runner) ConnectionStatus(ctx context.Context, transport string, connID int64) error {
	switch transport {
	case "database":
		return r.pool.DatabaseStatus(ctx, connID)
	case "sftp":
		return r.pool.SFTPStatus(ctx, connID)
	case "ftp":
		return r.pool.FTPStatus(ctx, connID)
	case "smb":
		return r.pool.SMBStatus(ctx, connID)
	case "ssh":
		return r.pool.SSHStatus(ctx, connID)
	}
	return fmt.Errorf("unknown transport %q", transport)
}
