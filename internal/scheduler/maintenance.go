package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// RegisterMaintenance starts the periodic reconcile and temp sweep loops.
func RegisterMaintenance(lc fx.Lifecycle, s *Scheduler) {
	stop := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.reconcileLoop(stop)
			go s.sweepLoop(stop)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			return nil
		},
	})
}

func (s *Scheduler) reconcileLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Scheduler.ReconcileIntv)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Reconcile(context.Background())
		}
	}
}

// Reconcile trues up the live jobs against the database: enabled tasks with
// no trigger get scheduled, disabled tasks with one get dropped.
func (s *Scheduler) Reconcile(ctx context.Context) {
	enabled, err := s.store.EnabledTasks(ctx)
	if err != nil {
		zap.L().Error("reconcile: failed to load enabled tasks", zap.Error(err))
		return
	}

	scheduled, dropped := 0, 0
	for i := range enabled {
		task := &enabled[i]
		if s.HasJobs(task.ID) {
			continue
		}
		if err := s.AddTask(ctx, task.ID); err != nil {
			zap.L().Debug("reconcile: task not schedulable",
				zap.Int64("task_id", task.ID), zap.Error(err))
			continue
		}
		scheduled++
	}

	disabled, err := s.store.DisabledTasks(ctx)
	if err != nil {
		zap.L().Error("reconcile: failed to load disabled tasks", zap.Error(err))
		return
	}
	for i := range disabled {
		task := &disabled[i]
		if s.HasJobs(task.ID) {
			s.DeleteTask(ctx, task.ID)
			dropped++
		}
		// Stale run bookkeeping on a disabled task is cleared whether or not
		// a live job exists; the task may have been disabled while this
		// scheduler was down.
		if task.NextRun != nil || task.EstDuration != nil {
			if err := s.store.UpdateTask(ctx, task.ID, map[string]any{
				"next_run":     nil,
				"est_duration": nil,
			}); err != nil {
				zap.L().Debug("reconcile: failed to clear run bookkeeping",
					zap.Int64("task_id", task.ID), zap.Error(err))
			}
		}
	}

	if scheduled > 0 || dropped > 0 {
		zap.L().Info("reconcile complete",
			zap.Int("scheduled", scheduled), zap.Int("dropped", dropped))
	}
}

func (s *Scheduler) sweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Scheduler.SweepIntv)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.SweepTemp()
		}
	}
}

// SweepTemp removes leftover run workspaces past the retention window. Under
// disk pressure the window shrinks so old workspaces go first.
func (s *Scheduler) SweepTemp() {
	retention := s.cfg.Scheduler.TempRetention
	if usage, err := disk.Usage(s.cfg.Runner.TempPath); err == nil {
		if 100-usage.UsedPercent < s.cfg.Runner.MinFreeDiskPercent {
			retention /= 4
		}
	}
	cutoff := time.Now().Add(-retention)

	// workspace layout: {temp}/{project}/{task}/{run_id}
	runDirs, err := filepath.Glob(filepath.Join(s.cfg.Runner.TempPath, "*", "*", "*"))
	if err != nil {
		return
	}

	removed := 0
	for _, dir := range runDirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(dir); err != nil {
				zap.L().Warn("sweep: failed to remove workspace", zap.String("path", dir), zap.Error(err))
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		zap.L().Info("sweep removed stale workspaces", zap.Int("count", removed))
	}
}
