// Package backend instantiates the configured objstore.Store.
package backend

import (
	"context"
	"fmt"

	"github.com/fruitsalade/replicasync/internal/config"
	"github.com/fruitsalade/replicasync/internal/objstore"
	"github.com/fruitsalade/replicasync/internal/objstore/gcs"
	"github.com/fruitsalade/replicasync/internal/objstore/local"
	s3store "github.com/fruitsalade/replicasync/internal/objstore/s3"
)

// New creates the Store named by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config) (objstore.Store, error) {
	switch cfg.StorageBackend {
	case "gcs":
		return gcs.New(ctx, gcs.Config{
			ProjectID:       cfg.GCPProjectID,
			CredentialsFile: cfg.GCPCredentials,
		})
	case "s3":
		return s3store.New(ctx, s3store.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	case "local":
		return local.New(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.StorageBackend)
	}
}
