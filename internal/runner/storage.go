package runner

import (
	"context"
	"fmt"
	"path"

	"extracthub/internal/model"
	"extracthub/internal/store"
	"extracthub/pkg/config"

	"github.com/bwmarrin/snowflake"
	"github.com/minio/minio-go/v7"
)

// Backup keeps the durable copy of every produced artifact on object storage
// and records it as a TaskFile row, so one-off redeliveries can pull the
// exact bytes a run produced.
type Backup struct {
	client *minio.Client
	bucket string
	store  *store.Store
	node   *snowflake.Node
}

func NewBackup(client *minio.Client, cfg *config.Config, s *store.Store, node *snowflake.Node) *Backup {
	return &Backup{client: client, bucket: cfg.Storage.BucketName, store: s, node: node}
}

func objectPath(project *model.Project, task *model.Task, jobID, name string) string {
	return path.Join(sanitizeName(project.Name), sanitizeName(task.Name), jobID, name)
}

// Save uploads the artifact and records it. Returns the TaskFile row.
func (b *Backup) Save(ctx context.Context, project *model.Project, task *model.Task, jobID, localPath, name, hash string, size int64) (*model.TaskFile, error) {
	object := objectPath(project, task, jobID, name)

	if _, err := b.client.FPutObject(ctx, b.bucket, object, localPath, minio.PutObjectOptions{}); err != nil {
		return nil, fmt.Errorf("backup %s: %w", object, err)
	}

	file := &model.TaskFile{
		ID:     b.node.Generate().Int64(),
		TaskID: task.ID,
		JobID:  jobID,
		Name:   name,
		Path:   object,
		Hash:   hash,
		Size:   size,
	}
	if err := b.store.AddTaskFile(ctx, file); err != nil {
		return nil, fmt.Errorf("record %s: %w", object, err)
	}
	return file, nil
}

// Fetch downloads a recorded artifact into destPath for redelivery.
func (b *Backup) Fetch(ctx context.Context, file *model.TaskFile, destPath string) error {
	if err := b.client.FGetObject(ctx, b.bucket, file.Path, destPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("fetch %s: %w", file.Path, err)
	}
	return nil
}
