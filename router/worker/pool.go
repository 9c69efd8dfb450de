// Package worker provides an asynchronous worker pool that evicts idle fork
// operations to storage.
//
// The pool decouples storage writes from the SIP hot path: the goroutine
// delivering a response never waits for the database.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/papercomputeco/sipfork/pkg/fork/dbproxy"
	"github.com/papercomputeco/sipfork/pkg/logger"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256
	defaultSaveTimeout       = 10 * time.Second
)

// Job is a unit of work for the worker pool to execute against.
type Job struct {
	Proxy *dbproxy.Proxy
}

// Config is the configuration options for the worker pool.
type Config struct {
	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// SaveTimeout bounds each save (defaults to 10s).
	SaveTimeout time.Duration

	// Save overrides how a job is carried out. Defaults to Proxy.Save.
	Save func(ctx context.Context, p *dbproxy.Proxy) error

	Logger *slog.Logger
}

// Pool saves proxies asynchronously via a worker pool.
type Pool struct {
	config *Config
	queue  chan Job
	wg     sync.WaitGroup
	logger *slog.Logger

	// mu guards closed against concurrent Enqueue and Close
	mu     sync.RWMutex
	closed bool
}

var _ dbproxy.Evictor = (*Pool)(nil)

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.SaveTimeout <= 0 {
		c.SaveTimeout = defaultSaveTimeout
	}

	if c.Save == nil {
		c.Save = func(ctx context.Context, p *dbproxy.Proxy) error {
			return p.Save(ctx)
		}
	}

	if c.Logger == nil {
		c.Logger = logger.Nop()
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	wp := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: c.Logger,
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go wp.worker(i)
	}

	return wp, nil
}

// Evict queues p for saving.
func (p *Pool) Evict(proxy *dbproxy.Proxy) {
	p.Enqueue(Job{Proxy: proxy})
}

// Enqueue submits a job for processing by the worker pool.
// Returns true if enqueued, false if the pool is closed or the queue is full,
// resulting in the job being dropped. Dropped evictions are retried by the
// router's sweeper.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Debug("job not queued, pool closed")
		return false
	}

	select {
	case p.queue <- job:
		p.logger.Debug("eviction queued", "fork_id", job.Proxy.ID())
		return true
	default:
		p.logger.Error("eviction not queued, queue full, job dropped",
			"fork_id", job.Proxy.ID(),
		)
		return false
	}
}

// Close signals workers to stop and waits for in-flight jobs to drain.
// Call this during graceful shutdown after intake has stopped.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker is the inner worker thread that continuously pulls jobs off the jobs queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "worker_id", id)

	for job := range p.queue {
		p.processJob(job)
	}

	p.logger.Debug("eviction worker stopped", "worker_id", id)
}

// processJob saves the proxy of a Job.
func (p *Pool) processJob(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.SaveTimeout)
	defer cancel()

	err := p.config.Save(ctx, job.Proxy)
	if err != nil {
		p.logger.Warn("async eviction failed",
			"call_id", callID(job.Proxy),
			"error", err,
		)
		return
	}

	if job.Proxy.Phase() == dbproxy.PhaseEvicted {
		p.logger.Debug("fork evicted",
			"fork_id", job.Proxy.ID(),
			"call_id", callID(job.Proxy),
		)
	}
}

func callID(proxy *dbproxy.Proxy) string {
	if ev := proxy.Event(); ev != nil {
		return ev.CallID
	}
	return ""
}
