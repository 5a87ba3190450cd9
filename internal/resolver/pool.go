// Package resolver runs a bounded worker pool that turns track descriptors
// into playable items: per-source rate limiting, capped retries with
// exponential backoff, a short-lived resolution cache, and batched delivery
// of terminal results.
package resolver

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"mixqueue/internal/core"
	"mixqueue/internal/extract"
	"mixqueue/internal/track"
)

// backoffCap bounds the retry backoff regardless of attempt count.
const backoffCap = 10 * time.Second

// Task is one unit of resolution work. Attempts counts processing attempts
// made so far, including the one currently running.
type Task struct {
	Descriptor *track.Descriptor
	Priority   bool
	Attempts   int
	CreatedAt  time.Time
}

// Result is the terminal outcome of a task. Retried tasks produce no result
// until they either succeed or exhaust their attempts.
type Result struct {
	Task     *Task
	Item     *track.Item
	Success  bool
	Err      error
	Elapsed  time.Duration
	Attempts int
}

// ResultHandler receives batches of terminal results. Batches are flushed
// when full or on a periodic timer, whichever comes first.
type ResultHandler func(results []Result)

// ResultCallback runs once per terminal result, before the result joins a
// batch. A still-retrying task never reaches it.
type ResultCallback func(result Result)

// Stats is a point-in-time snapshot of pool activity. SuccessRate is the
// fraction of processed resolutions that succeeded; ThroughputPerMinute is
// processed resolutions per minute of uptime. Both are zero until the pool
// has started and processed something.
type Stats struct {
	Pending             int
	Active              int
	Processed           uint64
	Succeeded           uint64
	Failed              uint64
	Retried             uint64
	CacheHits           uint64
	SuccessRate         float64
	Uptime              time.Duration
	ThroughputPerMinute float64
}

// Resolver resolves one descriptor into a playable item.
type Resolver interface {
	Resolve(ctx context.Context, d *track.Descriptor) (*track.Item, error)
}

// Pool is the bounded resolution worker pool.
type Pool struct {
	cfg      core.ResolverConfig
	resolver Resolver
	handler  ResultHandler
	logger   *zap.Logger

	tasks   chan *Task
	results chan Result
	sem     *semaphore.Weighted
	cache   *lru.LRU[track.Key, *track.Item]

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	cbMu     sync.RWMutex
	onResult ResultCallback

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	startedAt atomic.Int64 // unix nanos; zero until Start

	active    atomic.Int64
	retrying  atomic.Int64
	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	cacheHits atomic.Uint64
}

// NewPool creates a stopped pool. Start it explicitly, or let the first
// AddTask or AddBatch call start it.
func NewPool(cfg core.ResolverConfig, resolver Resolver, handler ResultHandler, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.BatchFlush <= 0 {
		cfg.BatchFlush = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	var cache *lru.LRU[track.Key, *track.Item]
	if cfg.CacheSize > 0 {
		cache = lru.NewLRU[track.Key, *track.Item](cfg.CacheSize, nil, cfg.CacheTTL)
	}

	return &Pool{
		cfg:      cfg,
		resolver: resolver,
		handler:  handler,
		logger:   logger,
		tasks:    make(chan *Task, cfg.QueueSize),
		results:  make(chan Result, cfg.QueueSize),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		cache:    cache,
		limiters: make(map[string]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers and the result processor. Calling Start more
// than once is a no-op.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.startedAt.Store(time.Now().UnixNano())
		p.logger.Info("Starting resolver pool",
			zap.Int("workers", p.cfg.Workers),
			zap.Int("queueSize", p.cfg.QueueSize))

		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.wg.Add(1)
		go p.processResults()
	})
}

// Stop cancels all workers and waits for them to exit. Tasks still queued
// are dropped; no results are delivered after Stop returns. Safe to call
// more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.logger.Info("Resolver pool stopped",
			zap.Uint64("processed", p.processed.Load()),
			zap.Uint64("succeeded", p.succeeded.Load()),
			zap.Uint64("failed", p.failed.Load()))
	})
}

// AddTask enqueues a descriptor for resolution, starting the pool if
// needed. Returns false when the pool is stopped or the task queue is full.
func (p *Pool) AddTask(d *track.Descriptor, priority bool) bool {
	p.Start()

	task := &Task{
		Descriptor: d,
		Priority:   priority,
		CreatedAt:  time.Now(),
	}
	select {
	case <-p.ctx.Done():
		return false
	case p.tasks <- task:
		return true
	default:
		p.logger.Warn("Resolver task queue full, rejecting task",
			zap.String("key", d.Key().String()))
		return false
	}
}

// AddBatch enqueues several descriptors. Returns the number accepted.
func (p *Pool) AddBatch(ds []*track.Descriptor, priority bool) int {
	accepted := 0
	for _, d := range ds {
		if p.AddTask(d, priority) {
			accepted++
		}
	}
	return accepted
}

// SetResultCallback registers fn to run for every terminal result before
// batching. Pass nil to clear.
func (p *Pool) SetResultCallback(fn ResultCallback) {
	p.cbMu.Lock()
	p.onResult = fn
	p.cbMu.Unlock()
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	stats := Stats{
		Pending:   len(p.tasks),
		Active:    int(p.active.Load()),
		Processed: p.processed.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		CacheHits: p.cacheHits.Load(),
	}
	if stats.Processed > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Processed)
	}
	if started := p.startedAt.Load(); started > 0 {
		stats.Uptime = time.Since(time.Unix(0, started))
		if stats.Uptime > 0 {
			stats.ThroughputPerMinute = float64(stats.Processed) / stats.Uptime.Minutes()
		}
	}
	return stats
}

// IsBusy reports whether any work is queued, running, or awaiting retry.
func (p *Pool) IsBusy() bool {
	return len(p.tasks) > 0 || p.active.Load() > 0 || p.retrying.Load() > 0
}

// WaitUntilIdle blocks until the pool drains or the timeout elapses.
// Reports whether the pool went idle in time.
func (p *Pool) WaitUntilIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !p.IsBusy() {
			return true
		}
		select {
		case <-p.ctx.Done():
			return !p.IsBusy()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return !p.IsBusy()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker", id))
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			p.process(logger, task)
		}
	}
}

// process runs one resolution attempt for the task, retrying on failure
// until the attempt cap is reached. Only terminal outcomes are emitted.
func (p *Pool) process(logger *zap.Logger, task *Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	task.Attempts++
	d := task.Descriptor
	key := d.Key()

	if p.cache != nil {
		if item, ok := p.cache.Get(key); ok {
			p.cacheHits.Add(1)
			p.emit(Result{
				Task:     task,
				Item:     item,
				Success:  true,
				Elapsed:  time.Since(task.CreatedAt),
				Attempts: task.Attempts,
			})
			return
		}
	}

	if err := p.waitForSource(d.Source); err != nil {
		return // pool stopping
	}

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	started := time.Now()
	item, err := p.resolver.Resolve(p.ctx, d)
	p.sem.Release(1)

	p.processed.Add(1)

	if err != nil || item == nil {
		if err == nil {
			err = extract.ErrNoExtractor
		}
		if p.ctx.Err() != nil {
			return
		}
		if task.Attempts < p.cfg.MaxAttempts {
			p.retry(logger, task, err)
			return
		}

		p.failed.Add(1)
		logger.Warn("Track resolution failed permanently",
			zap.String("key", key.String()),
			zap.Int("attempts", task.Attempts),
			zap.Error(err))
		p.emit(Result{
			Task:     task,
			Success:  false,
			Err:      err,
			Elapsed:  time.Since(task.CreatedAt),
			Attempts: task.Attempts,
		})
		return
	}

	if p.cache != nil {
		p.cache.Add(key, item)
	}
	p.succeeded.Add(1)
	logger.Debug("Resolved track",
		zap.String("key", key.String()),
		zap.Duration("took", time.Since(started)),
		zap.Int("attempts", task.Attempts))
	p.emit(Result{
		Task:     task,
		Item:     item,
		Success:  true,
		Elapsed:  time.Since(task.CreatedAt),
		Attempts: task.Attempts,
	})
}

// retry re-enqueues the task after an exponential backoff capped at ten
// seconds. The backoff sleeps outside any worker slot so it never blocks
// other tasks.
func (p *Pool) retry(logger *zap.Logger, task *Task, err error) {
	backoff := time.Duration(math.Pow(2, float64(task.Attempts))) * time.Second
	if backoff > backoffCap {
		backoff = backoffCap
	}
	p.retried.Add(1)
	p.retrying.Add(1)

	logger.Debug("Retrying track resolution",
		zap.String("key", task.Descriptor.Key().String()),
		zap.Int("attempts", task.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(err))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.retrying.Add(-1)
		select {
		case <-p.ctx.Done():
		case <-time.After(backoff):
			select {
			case <-p.ctx.Done():
			case p.tasks <- task:
			}
		}
	}()
}

func (p *Pool) emit(result Result) {
	select {
	case <-p.ctx.Done():
	case p.results <- result:
	}
}

// processResults drains terminal results: each one first goes to the
// per-result callback, then into a batch handed to the handler when the
// batch fills or on every flush tick.
func (p *Pool) processResults() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.BatchFlush)
	defer ticker.Stop()

	batch := make([]Result, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if p.handler != nil {
			p.handler(batch)
		}
		batch = make([]Result, 0, p.cfg.BatchSize)
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case result := <-p.results:
			p.cbMu.RLock()
			onResult := p.onResult
			p.cbMu.RUnlock()
			if onResult != nil {
				onResult(result)
			}
			batch = append(batch, result)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// waitForSource blocks until the per-source rate limiter admits another
// resolution. Each source gets its own limiter with the configured spacing.
func (p *Pool) waitForSource(source string) error {
	p.limitMu.Lock()
	limiter, ok := p.limiters[source]
	if !ok {
		spacing := p.cfg.DefaultSpacing
		if s, found := p.cfg.SourceSpacing[source]; found {
			spacing = s
		}
		if spacing <= 0 {
			spacing = 200 * time.Millisecond
		}
		limiter = rate.NewLimiter(rate.Every(spacing), 1)
		p.limiters[source] = limiter
	}
	p.limitMu.Unlock()

	return limiter.Wait(p.ctx)
}
