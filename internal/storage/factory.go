package storage

import (
	"context"
	"fmt"

	"github.com/yecday/registration/internal/config"
)

type Factory struct {
	config StorageConfig
}

func NewFactory(config StorageConfig) *Factory {
	return &Factory{
		config: config,
	}
}

func (f *Factory) CreateStorage(ctx context.Context) (Storage, error) {
	switch f.config.Type {
	case StorageTypeLocal:
		basePath := f.config.LocalPath
		if basePath == "" {
			basePath = "./uploads"
		}
		return NewLocalStorage(basePath, f.config.PublicURL, f.config.SigningSecret)

	case StorageTypeS3:
		if f.config.S3 == nil {
			return nil, fmt.Errorf("S3 configuration is required for S3 storage type")
		}
		return NewS3Storage(ctx, *f.config.S3)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", f.config.Type)
	}
}

// NewStorageFromConfig builds the configured backend.
func NewStorageFromConfig(ctx context.Context, cfg *config.Config) (Storage, error) {
	sc := StorageConfig{
		Type:          StorageType(cfg.Storage.Type),
		LocalPath:     cfg.Storage.LocalPath,
		PublicURL:     cfg.Server.BaseURL,
		SigningSecret: cfg.Token.Secret,
	}
	if sc.Type == StorageTypeS3 {
		sc.S3 = &S3Config{
			Bucket:   cfg.Storage.Bucket,
			Region:   cfg.Storage.Region,
			Endpoint: cfg.Storage.Endpoint,
		}
	}
	return NewFactory(sc).CreateStorage(ctx)
}
