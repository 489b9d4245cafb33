// Package objstore provides the object storage client backing the durable
// copy of every produced artifact.
package objstore

import (
	"context"

	"extracthub/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("objstore",
	fx.Provide(New),
	fx.Invoke(EnsureBucket),
)

func New(cfg *config.Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Storage.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
		Secure: cfg.Storage.Secure,
	})
	if err != nil {
		zap.L().Error("failed to init object storage client", zap.Error(err))
		return nil, err
	}
	return client, nil
}

func EnsureBucket(lc fx.Lifecycle, client *minio.Client, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			exists, err := client.BucketExists(ctx, cfg.Storage.BucketName)
			if err != nil {
				return err
			}
			if !exists {
				return client.MakeBucket(ctx, cfg.Storage.BucketName, minio.MakeBucketOptions{})
			}
			return nil
		},
	})
}
