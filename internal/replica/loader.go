package replica

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/objstore"
	"github.com/fruitsalade/replicasync/internal/retry"
)

// loadRetry bounds how long startup waits on a flaky store.
var loadRetry = retry.DefaultConfig()

// Load restores the local database file from the remote snapshot. It must
// run before anything opens the file. Load never fails: without a bucket it
// does nothing, a missing snapshot leaves the local path untouched, and any
// other error is retried briefly, then logged so startup continues on whatever
// file is already there.
func Load(ctx context.Context, r *Replica) {
	if !r.Enabled() {
		logging.Info("no snapshot bucket configured, running on local file only",
			zap.String("path", r.LocalPath()))
		return
	}

	err := retry.Do(ctx, "restore", loadRetry, func(ctx context.Context) error {
		err := r.Restore(ctx)
		if err == nil || errors.Is(err, ErrNoSnapshot) {
			return err
		}
		return retry.Transient(err)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNoSnapshot):
		logging.Info("no remote snapshot yet, first write will publish one",
			zap.String("snapshot", r.Location()))
	default:
		logging.Error("snapshot restore failed, using existing local file",
			zap.String("snapshot", r.Location()),
			zap.String("path", r.LocalPath()),
			zap.Error(err))
	}
}

// EnsureBucket creates the bucket when it does not exist yet. Failures are
// logged; the server keeps running and later uploads report their own errors.
func EnsureBucket(ctx context.Context, store objstore.Store, bucket string) {
	if store == nil || bucket == "" {
		return
	}

	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		logging.Warn("bucket check failed", zap.String("bucket", bucket), zap.Error(err))
		return
	}
	if exists {
		logging.Debug("bucket already exists", zap.String("bucket", bucket))
		return
	}

	if err := store.CreateBucket(ctx, bucket); err != nil {
		logging.Warn("could not create bucket", zap.String("bucket", bucket), zap.Error(err))
		return
	}
	logging.Info("created bucket", zap.String("bucket", bucket))
}
