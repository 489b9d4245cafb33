// Package api exposes the runner's operational endpoints: direct fires,
// previews, connection probes and artifact redelivery. Business failures are
// reported as {"error": ...} bodies with a 200-class status; only malformed
// ids are rejected outright.
package api

import (
	"context"
	"net/http"
	"strconv"

	"extracthub/internal/runner"
	"extracthub/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("runner:api", fx.Invoke(Register))

const invalidJob = "Invalid job."

func Register(lc fx.Lifecycle, cfg *config.Config, r *runner.Runner) {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, runner.HostStatus(cfg))
	})

	api := router.Group("/api")
	{
		api.GET("/:task_id", fire(r))
		api.GET("/:task_id/source_code", sourceCode(r))
		api.GET("/:task_id/processing_code", processingCode(r))
		api.GET("/:task_id/refresh_cache", refreshCache(r))

		api.GET("/send_sftp/:task_id/:run_id/:file_id", redeliver(r, "sftp"))
		api.GET("/send_ftp/:task_id/:run_id/:file_id", redeliver(r, "ftp"))
		api.GET("/send_smb/:task_id/:run_id/:file_id", redeliver(r, "smb"))
		api.GET("/send_email/:task_id/:run_id/:file_id", redeliverEmail(r))

		api.GET("/database/:id/status", connStatus(r, "database"))
		api.GET("/sftp/:id/status", connStatus(r, "sftp"))
		api.GET("/ftp/:id/status", connStatus(r, "ftp"))
		api.GET("/smb/:id/status", connStatus(r, "smb"))
		api.GET("/ssh/:id/status", connStatus(r, "ssh"))

		api.GET("/task/:task_id/filename_preview", filenamePreview(r))
		api.GET("/task/:task_id/email_success_subject_preview", subjectPreview(r))
	}

	srv := &http.Server{Addr: cfg.Runner.Addr, Handler: router}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					zap.L().Error("runner api stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusOK, gin.H{"error": invalidJob})
		return 0, false
	}
	return id, true
}

func fire(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		runID, err := r.Fire(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Task run started.", "job_id": runID})
	}
}

func sourceCode(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		code, err := r.SourceText(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": code})
	}
}

func processingCode(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		code, err := r.ProcessingText(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": code})
	}
}

func refreshCache(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		if err := r.RefreshSourceCache(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Source cache refreshed."})
	}
}

func redeliver(r *runner.Runner, transport string) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		fileID, ok := paramID(c, "file_id")
		if !ok {
			return
		}
		runID := c.Param("run_id")

		if err := r.Redeliver(c.Request.Context(), transport, taskID, runID, fileID); err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "File redelivered."})
	}
}

func redeliverEmail(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		fileID, ok := paramID(c, "file_id")
		if !ok {
			return
		}
		runID := c.Param("run_id")

		if err := r.RedeliverEmail(c.Request.Context(), taskID, runID, fileID); err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Email sent."})
	}
}

func connStatus(r *runner.Runner, transport string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "id")
		if !ok {
			return
		}
		if err := r.ConnectionStatus(c.Request.Context(), transport, id); err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "online"})
	}
}

func filenamePreview(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		name, err := r.PreviewFileName(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"filename": name})
	}
}

func subjectPreview(r *runner.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		subject, err := r.PreviewSuccessSubject(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subject": subject})
	}
}
