package store

import (
	"context"
	"time"

	"extracthub/internal/model"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("store", fx.Provide(New))

// Store is the engine's view of the relational store. All relationships are
// resolved through explicit id lookups; models carry no back-references.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the engine tables. The production schema is owned by the
// web layer's migration tooling; this is used by tests and dev bootstrap.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Project{},
		&model.Task{},
		&model.Connection{},
		&model.ConnectionDatabase{},
		&model.ConnectionSFTP{},
		&model.ConnectionFTP{},
		&model.ConnectionSMB{},
		&model.ConnectionSSH{},
		&model.ConnectionGPG{},
		&model.TaskLog{},
		&model.TaskFile{},
		&model.ProjectParam{},
		&model.TaskParam{},
	)
}

func (s *Store) Task(ctx context.Context, id int64) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Store) TaskExists(ctx context.Context, id int64) bool {
	var count int64
	s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", id).Count(&count)
	return count > 0
}

func (s *Store) Project(ctx context.Context, id int64) (*model.Project, error) {
	var project model.Project
	if err := s.db.WithContext(ctx).First(&project, id).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

// ProjectTasks returns the project's tasks in sequence order.
func (s *Store) ProjectTasks(ctx context.Context, projectID int64) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("rank asc").Order("name asc").
		Find(&tasks).Error
	return tasks, err
}

// NextInSequence returns the next enabled task ranked after the given one, or
// nil when the sequence is exhausted.
func (s *Store) NextInSequence(ctx context.Context, after *model.Task) (*model.Task, error) {
	tasks, err := s.ProjectTasks(ctx, after.ProjectID)
	if err != nil {
		return nil, err
	}

	passed := false
	for i := range tasks {
		if tasks[i].ID == after.ID {
			passed = true
			continue
		}
		if passed && tasks[i].Enabled {
			return &tasks[i], nil
		}
	}
	return nil, nil
}

// EnabledTasksAfter returns every enabled task ranked after the given one in
// its project, in sequence order. Used by the sequence cancellation sweep.
func (s *Store) EnabledTasksAfter(ctx context.Context, after *model.Task) ([]model.Task, error) {
	tasks, err := s.ProjectTasks(ctx, after.ProjectID)
	if err != nil {
		return nil, err
	}

	var out []model.Task
	passed := false
	for i := range tasks {
		if tasks[i].ID == after.ID {
			passed = true
			continue
		}
		if passed && tasks[i].Enabled {
			out = append(out, tasks[i])
		}
	}
	return out, nil
}

func (s *Store) EnabledTasks(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&tasks).Error
	return tasks, err
}

func (s *Store) DisabledTasks(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).Where("enabled = ?", false).Find(&tasks).Error
	return tasks, err
}

func (s *Store) UpdateTask(ctx context.Context, id int64, fields map[string]any) error {
	return s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", id).Updates(fields).Error
}

func (s *Store) SetTaskStatus(ctx context.Context, id int64, status model.TaskStatus) error {
	return s.UpdateTask(ctx, id, map[string]any{"status": status})
}

// MergeNextRun sets next_run to the earlier of the current value and t.
func (s *Store) MergeNextRun(ctx context.Context, id int64, t time.Time) error {
	task, err := s.Task(ctx, id)
	if err != nil {
		return err
	}
	if task.NextRun == nil || t.Before(*task.NextRun) {
		return s.UpdateTask(ctx, id, map[string]any{"next_run": t})
	}
	return nil
}

// RefreshNextRun recomputes next_run from the given fire times, or clears it
// when no schedule remains.
func (s *Store) RefreshNextRun(ctx context.Context, id int64, fires []time.Time) error {
	if len(fires) == 0 {
		return s.UpdateTask(ctx, id, map[string]any{"next_run": nil})
	}
	min := fires[0]
	for _, f := range fires[1:] {
		if f.Before(min) {
			min = f
		}
	}
	return s.UpdateTask(ctx, id, map[string]any{"next_run": min})
}

func (s *Store) SaveSourceCache(ctx context.Context, taskID int64, source string) error {
	return s.UpdateTask(ctx, taskID, map[string]any{"source_cache": source})
}

// Log appends one audit row. Append failures are logged to the process log
// only; the audit trail must never take down a run.
func (s *Store) Log(ctx context.Context, taskID *int64, jobID *string, source model.LogSource, message string, isErr bool) {
	row := model.TaskLog{
		TaskID:  taskID,
		JobID:   jobID,
		Source:  source,
		Message: message,
		Error:   isErr,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		zap.L().Error("failed to append task log", zap.Error(err), zap.String("message", message))
	}
}

func (s *Store) RunLogs(ctx context.Context, taskID int64, jobID string) ([]model.TaskLog, error) {
	var logs []model.TaskLog
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND job_id = ?", taskID, jobID).
		Order("status_date asc").
		Find(&logs).Error
	return logs, err
}

func (s *Store) RunErrorCount(ctx context.Context, taskID int64, jobID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.TaskLog{}).
		Where("task_id = ? AND job_id = ? AND error = ?", taskID, jobID, true).
		Count(&count).Error
	return count, err
}

func (s *Store) AddTaskFile(ctx context.Context, file *model.TaskFile) error {
	return s.db.WithContext(ctx).Create(file).Error
}

func (s *Store) TaskFile(ctx context.Context, id int64) (*model.TaskFile, error) {
	var file model.TaskFile
	if err := s.db.WithContext(ctx).First(&file, id).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *Store) DatabaseConn(ctx context.Context, id int64) (*model.ConnectionDatabase, error) {
	var conn model.ConnectionDatabase
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *Store) SFTPConn(ctx context.Context, id int64) (*model.ConnectionSFTP, error) {
	var conn model.ConnectionSFTP
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *Store) FTPConn(ctx context.Context, id int64) (*model.ConnectionFTP, error) {
	var conn model.ConnectionFTP
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *Store) SMBConn(ctx context.Context, id int64) (*model.ConnectionSMB, error) {
	var conn model.ConnectionSMB
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *Store) SSHConn(ctx context.Context, id int64) (*model.ConnectionSSH, error) {
	var conn model.ConnectionSSH
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *Store) GPGConn(ctx context.Context, id int64) (*model.ConnectionGPG, error) {
	var conn model.ConnectionGPG
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *Store) ProjectParams(ctx context.Context, projectID int64) ([]model.ProjectParam, error) {
	var params []model.ProjectParam
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id asc").
		Find(&params).Error
	return params, err
}

func (s *Store) TaskParams(ctx context.Context, taskID int64) ([]model.TaskParam, error) {
	var params []model.TaskParam
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id asc").
		Find(&params).Error
	return params, err
}
