// Package api exposes the scheduler's job management endpoints. Business
// failures are reported as {"error": ...} bodies with a 200-class status;
// malformed ids get the canonical "Invalid job." body.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"extracthub/internal/scheduler"
	"extracthub/pkg/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler:api", fx.Invoke(Register))

const invalidJob = "Invalid job."

func Register(lc fx.Lifecycle, cfg *config.Config, s *scheduler.Scheduler) {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.GET("/add/:task_id", add(s))
		api.GET("/delete/:task_id", deleteOne(s))
		api.GET("/run/:task_id", run(s))
		api.GET("/run/:task_id/delay/:minutes", runDelayed(s))
		api.GET("/delete", deleteAll(s))
		api.GET("/pause", pause(s))
		api.GET("/resume", resume(s))
		api.GET("/kill", kill(s))
		api.GET("/jobs", jobs(s))
		api.GET("/details", details(s))
		api.GET("/scheduled", jobs(s))
		api.GET("/delete-orphans", deleteOrphans(s))
		api.GET("/schedule", forecast(s))
	}

	srv := &http.Server{Addr: cfg.Scheduler.Addr, Handler: router}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					zap.L().Error("scheduler api stopped", zap.Error(err))
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

func add(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		if err := s.AddTask(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Scheduled."})
	}
}

func deleteOne(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		s.DeleteTask(c.Request.Context(), id)
		c.JSON(http.StatusOK, gin.H{"message": "Deleted."})
	}
}

func run(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		if err := s.RunNow(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Run submitted."})
	}
}

func runDelayed(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramID(c, "task_id")
		if !ok {
			return
		}
		minutes, err := strconv.Atoi(c.Param("minutes"))
		if err != nil || minutes < 0 {
			c.JSON(http.StatusOK, gin.H{"error": invalidJob})
			return
		}
		if err := s.RunDelayed(c.Request.Context(), id, time.Duration(minutes)*time.Minute); err != nil {
			c.JSON(http.StatusOK, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Run submitted."})
	}
}

func deleteAll(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		count := s.DeleteAll(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"message": "All jobs deleted.", "count": count})
	}
}

func pause(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.PauseAll()
		c.JSON(http.StatusOK, gin.H{"message": "Scheduler paused."})
	}
}

func resume(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.ResumeAll()
		c.JSON(http.StatusOK, gin.H{"message": "Scheduler resumed."})
	}
}

func kill(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.PauseAll()
		count := s.DeleteAll(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"message": "Scheduler stopped.", "count": count})
	}
}

func jobs(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ListJobs())
	}
}

func details(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"paused": s.Paused(),
			"jobs":   s.ListJobs(),
		})
	}
}

func deleteOrphans(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		count := s.DeleteOrphans(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"message": "Orphans deleted.", "count": count})
	}
}

func forecast(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Forecast(time.Now()))
	}
}
