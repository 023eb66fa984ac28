package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joshu-sajeev/fleetq/internal/clock"
	"github.com/joshu-sajeev/fleetq/internal/config"
	"github.com/joshu-sajeev/fleetq/internal/events"
	"github.com/joshu-sajeev/fleetq/internal/worker"
)

// TokenPurger removes consumed and expired bootstrap tokens.
type TokenPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type Config struct {
	Count           int
	IDPrefix        string
	JanitorInterval time.Duration
	Worker          worker.Options
}

type WorkerPool struct {
	workers         []*worker.Worker
	purger          TokenPurger
	janitorInterval time.Duration
	clock           clock.Clock
	logger          *slog.Logger

	mu         sync.Mutex
	started    bool
	stopLease  context.CancelFunc
	cancelJobs context.CancelFunc
	done       chan struct{}
}

func NewWorkerPool(cfg Config, store worker.Store, handlers map[config.JobKind]worker.Handler, purger TokenPurger, clk clock.Clock, pub events.Publisher, logger *slog.Logger) *WorkerPool {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &WorkerPool{
		purger:          purger,
		janitorInterval: cfg.JanitorInterval,
		clock:           clk,
		logger:          logger,
	}

	for i := 1; i <= cfg.Count; i++ {
		id := fmt.Sprintf("%s-%d", cfg.IDPrefix, i)
		p.workers = append(p.workers, worker.NewWorker(id, store, handlers, cfg.Worker, clk, pub, logger))
	}
	return p
}

func (p *WorkerPool) WorkerIDs() []string {
	ids := make([]string, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.ID
	}
	return ids
}

// Start launches every worker and the token janitor. The pool runs until
// Stop is called or ctx is done.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	leaseCtx, stopLease := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	p.stopLease = stopLease
	p.cancelJobs = cancelJobs
	p.done = make(chan struct{})

	var g errgroup.Group
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(leaseCtx, jobCtx) })
	}
	if p.purger != nil && p.janitorInterval > 0 {
		g.Go(func() error {
			p.janitor(leaseCtx)
			return nil
		})
	}

	go func() {
		if err := g.Wait(); err != nil {
			p.logger.Error("worker pool exited", slog.Any("error", err))
		}
		close(p.done)
	}()

	p.logger.Info("worker pool started", slog.Int("workers", len(p.workers)))
}

func (p *WorkerPool) janitor(ctx context.Context) {
	for {
		if err := p.clock.Sleep(ctx, p.janitorInterval); err != nil {
			return
		}
		n, err := p.purger.PurgeExpired(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("token purge failed", slog.Any("error", err))
			}
			continue
		}
		if n > 0 {
			p.logger.Info("purged bootstrap tokens", slog.Int64("count", n))
		}
	}
}

// Stop stops leasing and waits for in-flight jobs. If ctx ends first the
// remaining handlers are canceled and Stop returns ctx.Err() once they exit.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	done := p.done
	p.mu.Unlock()

	p.stopLease()
	select {
	case <-done:
		p.cancelJobs()
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached, canceling in-flight jobs")
		p.cancelJobs()
		<-done
		return ctx.Err()
	}
}
