// Replicasync Server
//
// Runs a small post-sharing API on an embedded SQLite file that lives on
// ephemeral disk and is mirrored to an object store bucket:
// - restores the file from the bucket before opening it
// - republishes the whole file after every committed write
// - serves signed image URLs from an expiring LRU, warmed after startup
// - Prometheus metrics & structured logging (zap)
// - Multi-backend storage (GCS, S3, local)
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/replicasync/internal/api"
	"github.com/fruitsalade/replicasync/internal/config"
	"github.com/fruitsalade/replicasync/internal/db"
	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/metrics"
	"github.com/fruitsalade/replicasync/internal/objstore"
	"github.com/fruitsalade/replicasync/internal/objstore/backend"
	"github.com/fruitsalade/replicasync/internal/replica"
	"github.com/fruitsalade/replicasync/internal/urlcache"
	"github.com/fruitsalade/replicasync/internal/warmer"
	"github.com/fruitsalade/replicasync/internal/workpool"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Replicasync Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("db", cfg.LocalPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Remote object store (optional)
	var store objstore.Store
	if cfg.RemoteEnabled() {
		store, err = backend.New(ctx, cfg)
		if err != nil {
			logging.Fatal("object store init failed",
				zap.String("backend", cfg.StorageBackend), zap.Error(err))
		}
		defer store.Close()
		logging.Info("object store ready",
			zap.String("backend", store.Type()),
			zap.String("bucket", cfg.Bucket))
		replica.EnsureBucket(ctx, store, cfg.Bucket)
	}

	rep := replica.New(store, replica.Config{
		Bucket:    cfg.Bucket,
		Key:       cfg.SnapshotKey,
		LocalPath: cfg.LocalPath,
		Timeout:   cfg.RemoteTimeout,
	})

	// Restore must finish before anything opens the file.
	replica.Load(ctx, rep)

	database, err := db.Open(ctx, rep.LocalPath())
	if err != nil {
		logging.Fatal("database open failed", zap.Error(err))
	}
	defer database.Close()

	syncPool := workpool.New("db-sync", cfg.SyncWorkers, cfg.SyncBacklog)
	defer syncPool.Stop()

	coordinator := replica.NewCoordinator(rep, syncPool, replica.WithCommitHook(db.AfterCommit))
	posts := db.NewPosts(database, coordinator)

	// Access URLs. Without a bucket there is nothing to sign and listings
	// omit image URLs.
	var (
		urls     *urlcache.Cache
		resolver api.URLResolver
		objects  api.ObjectWriter
	)
	if store != nil {
		urls, err = urlcache.New(store, urlcache.Config{
			Bucket:        cfg.Bucket,
			Public:        cfg.PublicURLs,
			PublicBaseURL: cfg.PublicBaseURL,
			Validity:      cfg.SignedURLValidity,
			TTL:           cfg.URLCacheTTL,
			MaxEntries:    cfg.URLCacheSize,
			Timeout:       cfg.RemoteTimeout,
		})
		if err != nil {
			logging.Fatal("url cache init failed", zap.Error(err))
		}
		resolver = urls
		objects = store
	}

	srv := api.NewServer(posts, coordinator, resolver, objects, api.Options{
		Bucket:        cfg.Bucket,
		AdminToken:    cfg.AdminToken,
		MaxUploadSize: cfg.MaxUploadSize,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Warm the URL cache once the listener accepts connections, after the
	// initial delay. Two workers let the next batch overlap the current one.
	var warm *warmer.Warmer
	if urls != nil && !cfg.PublicURLs {
		warmPool := workpool.New("url-cache-warmer", 2, 1)
		defer warmPool.Stop()
		warm = warmer.New(warmer.Config{
			Enabled:      cfg.WarmEnabled,
			InitialDelay: cfg.WarmDelay,
			BatchSize:    cfg.WarmBatchSize,
			TriggerRatio: cfg.WarmTriggerRatio,
			MaxBatches:   cfg.WarmMaxBatches,
		}, posts, urls, warmPool)
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	err = listenAndServe(httpServer, func(net.Addr) {
		if warm != nil {
			warm.Start(ctx)
		}
	})
	if err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-shutdownDone

	// Deferred pool stops drain queued uploads before the process exits.
	if n := coordinator.Pending(); n > 0 {
		logging.Info("waiting for pending snapshot uploads", zap.Uint64("generations", n))
	}
}

// listenAndServe binds srv.Addr, calls onListening once connections can be
// accepted, then serves until the server is shut down.
func listenAndServe(srv *http.Server, onListening func(net.Addr)) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	logging.Info("server listening (HTTP)", zap.String("addr", ln.Addr().String()))
	onListening(ln.Addr())
	return srv.Serve(ln)
}
