package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"extracthub/internal/model"
)

// fetchArtifact pulls a recorded artifact from the backup store into a temp
// directory. The caller removes the directory.
func (r *Runner) fetchArtifact(ctx context.Context, taskID int64, fileID int64) (*model.Task, *model.TaskFile, string, func(), error) {
	task, err := r.store.Task(ctx, taskID)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("task %d: %w", taskID, err)
	}

	file, err := r.store.TaskFile(ctx, fileID)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("file %d: %w", fileID, err)
	}
	if file.TaskID != task.ID {
		return nil, nil, "", nil, fmt.Errorf("file %d does not belong to task %d", fileID, taskID)
	}

	dir, err := os.MkdirTemp(r.cfg.Runner.TempPath, "redeliver-")
	if err != nil {
		return nil, nil, "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	local := filepath.Join(dir, file.Name)
	if err := r.backup.Fetch(ctx, file, local); err != nil {
		cleanup()
		return nil, nil, "", nil, err
	}
	return task, file, local, cleanup, nil
}

// Redeliver re-sends a recorded artifact over one of the task's configured
// transports without re-running the extract.
func (r *Runner) Redeliver(ctx context.Context, transport string, taskID int64, runID string, fileID int64) error {
	task, file, local, cleanup, err := r.fetchArtifact(ctx, taskID, fileID)
	if err != nil {
		return err
	}
	defer cleanup()

	var (
		remote string
		src    model.LogSource
	)
	switch transport {
	case "sftp":
		src = model.LogSFTP
		if task.DestSFTPConnID == nil {
			return fmt.Errorf("task %d has no sftp destination", taskID)
		}
		remote, err = r.pool.SFTPUpload(ctx, *task.DestSFTPConnID, local, file.Name, task.DestSFTPOverwrite)
	case "ftp":
		src = model.LogFTP
		if task.DestFTPConnID == nil {
			return fmt.Errorf("task %d has no ftp destination", taskID)
		}
		remote, err = r.pool.FTPUpload(ctx, *task.DestFTPConnID, local, file.Name, task.DestFTPOverwrite)
	case "smb":
		src = model.LogSMB
		if task.DestSMBConnID == nil {
			return fmt.Errorf("task %d has no smb destination", taskID)
		}
		remote, err = r.pool.SMBUpload(ctx, *task.DestSMBConnID, local, file.Name, task.DestSMBOverwrite)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
	if err != nil {
		r.store.Log(ctx, &task.ID, &runID, src,
			fmt.Sprintf("Redelivery of %s failed: %v", file.Name, err), true)
		return err
	}

	r.store.Log(ctx, &task.ID, &runID, src,
		fmt.Sprintf("File %s redelivered to %s.", file.Name, remote), false)
	return nil
}

// RedeliverEmail re-sends the completion email for a recorded run, attaching
// the chosen artifact.
func (r *Runner) RedeliverEmail(ctx context.Context, taskID int64, runID string, fileID int64) error {
	task, file, local, cleanup, err := r.fetchArtifact(ctx, taskID, fileID)
	if err != nil {
		return err
	}
	defer cleanup()

	project, err := r.store.Project(ctx, task.ProjectID)
	if err != nil {
		return err
	}

	out := &artifact{Path: local, Name: file.Name, Hash: file.Hash, Size: file.Size, Rows: -1, Empty: file.Size == 0}
	if err := r.sendCompletionEmail(ctx, project, task, runID, out, nil); err != nil {
		r.store.Log(ctx, &task.ID, &runID, model.LogEmail,
			fmt.Sprintf("Email redelivery of %s failed: %v", file.Name, err), true)
		return err
	}
	return nil
}
