package main

import (
	"extracthub/internal/scheduler"
	"extracthub/internal/scheduler/api"
	"extracthub/internal/store"
	"extracthub/pkg/asynqx"
	"extracthub/pkg/config"
	"extracthub/pkg/db"
	"extracthub/pkg/logger"
	"extracthub/pkg/redis"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		fx.NopLogger,
		logger.Module,
		config.Module,
		db.Module,
		store.Module,
		redis.Module,
		asynqx.Client,
		asynqx.Inspector,
		fx.Provide(func() (*snowflake.Node, error) {
			return snowflake.NewNode(2)
		}),
		scheduler.Module,
		api.Module,
		fx.Invoke(migrate),
	)

	app.Run()
}

// Production schema changes ship through the web layer's migrations; dev and
// test environments bootstrap their own tables.
func migrate(cfg *config.Config, gdb *gorm.DB) error {
	if cfg.AppEnv == "production" {
		return nil
	}
	return store.Migrate(gdb)
}
