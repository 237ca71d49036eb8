// Package warmer pre-populates the access URL cache after startup so the first
// listing requests find their URLs already signed.
package warmer

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/metrics"
)

// Record is one warmable item.
type Record struct {
	ObjectPath string
}

// RecordSource pages through records newest first.
type RecordSource interface {
	FetchPage(ctx context.Context, page, size int) ([]Record, error)
}

// Resolver populates the cache for a path. Only the side effect matters here.
type Resolver interface {
	Resolve(ctx context.Context, objectPath string) (string, bool)
}

// Submitter runs fire-and-forget tasks. *workpool.Pool satisfies it.
type Submitter interface {
	Submit(task func()) bool
}

// Config controls a warm-up run.
type Config struct {
	Enabled      bool
	InitialDelay time.Duration
	BatchSize    int
	TriggerRatio float64 // fraction of a batch after which the next one starts
	MaxBatches   int
}

// Warmer runs a single warm-up pass over at most MaxBatches pages.
type Warmer struct {
	cfg      Config
	source   RecordSource
	resolver Resolver
	pool     Submitter

	started atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Warmer. Batches run on pool, which should have at least two
// workers so a follow-up batch can overlap the one that scheduled it.
func New(cfg Config, source RecordSource, resolver Resolver, pool Submitter) *Warmer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TriggerRatio <= 0 || cfg.TriggerRatio > 1 {
		cfg.TriggerRatio = 0.8
	}
	if cfg.MaxBatches < 0 {
		cfg.MaxBatches = 0
	}
	return &Warmer{cfg: cfg, source: source, resolver: resolver, pool: pool}
}

// Start schedules the warm-up on the pool and returns. Only the first call
// does anything. Cancelling ctx abandons the run between items.
func (w *Warmer) Start(ctx context.Context) {
	if !w.cfg.Enabled || w.cfg.MaxBatches == 0 {
		logging.Debug("url cache warming disabled")
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}

	w.wg.Add(1)
	w.pool.Submit(func() {
		defer w.wg.Done()
		w.run(ctx)
	})
}

// Wait blocks until every scheduled batch has finished.
func (w *Warmer) Wait() {
	w.wg.Wait()
}

// TriggerPoint is the number of processed items in a batch after which the
// next batch is scheduled.
func TriggerPoint(batchSize int, ratio float64) int {
	n := int(math.Ceil(float64(batchSize) * ratio))
	if n < 1 {
		n = 1
	}
	return n
}

func (w *Warmer) run(ctx context.Context) {
	if w.cfg.InitialDelay > 0 {
		t := time.NewTimer(w.cfg.InitialDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			logging.Debug("url cache warming cancelled during delay")
			return
		case <-t.C:
		}
	}

	logging.Info("url cache warming started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Float64("trigger_ratio", w.cfg.TriggerRatio),
		zap.Int("max_batches", w.cfg.MaxBatches))

	w.wg.Add(1)
	w.warmBatch(ctx, 0)
}

// schedule hands the next page to the pool. The page index is bounded by
// MaxBatches, so the chain always ends.
func (w *Warmer) schedule(ctx context.Context, page int) {
	w.wg.Add(1)
	w.pool.Submit(func() { w.warmBatch(ctx, page) })
}

func (w *Warmer) warmBatch(ctx context.Context, page int) {
	defer w.wg.Done()

	if page >= w.cfg.MaxBatches || ctx.Err() != nil {
		return
	}

	records, err := w.source.FetchPage(ctx, page, w.cfg.BatchSize)
	if err != nil {
		logging.Warn("url cache warming stopped, record fetch failed",
			zap.Int("page", page), zap.Error(err))
		return
	}
	if len(records) == 0 {
		logging.Debug("url cache warming reached the end of records", zap.Int("page", page))
		return
	}

	trigger := TriggerPoint(w.cfg.BatchSize, w.cfg.TriggerRatio)
	warmed := 0
	for i, rec := range records {
		if ctx.Err() != nil {
			return
		}

		if rec.ObjectPath != "" {
			if _, ok := w.resolver.Resolve(ctx, rec.ObjectPath); ok {
				warmed++
				metrics.RecordWarmedItem()
			} else {
				logging.Debug("could not warm url", zap.String("path", rec.ObjectPath))
			}
		}

		if i+1 == trigger && page+1 < w.cfg.MaxBatches {
			w.schedule(ctx, page+1)
		}
	}

	logging.Debug("url cache batch warmed",
		zap.Int("page", page),
		zap.Int("records", len(records)),
		zap.Int("warmed", warmed))
}
