package replica

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fruitsalade/replicasync/internal/logging"
	"github.com/fruitsalade/replicasync/internal/metrics"
)

// Submitter runs fire-and-forget tasks. *workpool.Pool satisfies it.
type Submitter interface {
	Submit(task func()) bool
}

// CommitHook registers fn to run after the unit of work carried by ctx
// commits. It returns false when ctx carries no active unit of work.
type CommitHook func(ctx context.Context, fn func()) bool

// Coordinator schedules snapshot uploads after writes.
//
// Every scheduled upload takes a generation number. Uploads run one at a time
// and each reads the file when it starts, so an upload covers every generation
// requested before it started. An upload whose generation is already covered
// is skipped, and the published generation only moves forward on success.
// The remote snapshot therefore never goes back to older bytes than a
// completed upload already wrote.
type Coordinator struct {
	replica     *Replica
	pool        Submitter
	afterCommit CommitHook

	requested atomic.Uint64

	mu        sync.Mutex
	published uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCommitHook defers scheduling until the caller's unit of work commits.
func WithCommitHook(h CommitHook) Option {
	return func(c *Coordinator) {
		c.afterCommit = h
	}
}

// NewCoordinator creates a Coordinator that uploads on pool.
func NewCoordinator(r *Replica, pool Submitter, opts ...Option) *Coordinator {
	c := &Coordinator{replica: r, pool: pool}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MarkDirty records that durable state changed. Inside a unit of work the
// upload is scheduled after commit and dropped on rollback; otherwise it is
// scheduled immediately. It never blocks on the network unless the pool's
// backlog is full, in which case the upload runs on the caller.
func (c *Coordinator) MarkDirty(ctx context.Context) {
	if !c.replica.Enabled() {
		return
	}
	if c.afterCommit != nil && c.afterCommit(ctx, c.schedule) {
		return
	}
	c.schedule()
}

func (c *Coordinator) schedule() {
	gen := c.requested.Add(1)
	if !c.pool.Submit(func() { c.sync(gen) }) {
		logging.Warn("sync backlog full, uploaded snapshot on caller", zap.Uint64("generation", gen))
	}
}

// sync runs on a worker. Request contexts are gone by now, so it uses its own.
func (c *Coordinator) sync(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.published >= gen {
		metrics.RecordSync("skipped", 0)
		logging.Debug("snapshot already covers generation",
			zap.Uint64("generation", gen),
			zap.Uint64("published", c.published))
		return
	}

	target := c.requested.Load()
	n, err := c.replica.Publish(context.Background())
	if err != nil {
		metrics.RecordSync("error", 0)
		logging.Error("failed to sync database to remote snapshot",
			zap.Uint64("generation", gen),
			zap.Error(err))
		return
	}

	c.published = target
	metrics.RecordSync("ok", int64(n))
}

// PublishNow uploads the local file on the calling goroutine and reports the
// outcome. It is the operator's manual backup.
func (c *Coordinator) PublishNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.requested.Load()
	n, err := c.replica.Publish(ctx)
	if err != nil {
		metrics.RecordSync("error", 0)
		return err
	}

	if target > c.published {
		c.published = target
	}
	metrics.RecordSync("ok", int64(n))
	return nil
}

// RestoreNow downloads the remote snapshot over the local file on the calling
// goroutine. The open database keeps using the old file until the process
// restarts.
func (c *Coordinator) RestoreNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.replica.Restore(ctx)
}

// Pending reports how many requested generations are not yet published.
func (c *Coordinator) Pending() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.requested.Load()
	if req <= c.published {
		return 0
	}
	return req - c.published
}
