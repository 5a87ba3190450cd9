// Package queue implements the dual-lane playback queue: a priority lane
// drained ahead of a FIFO lane, with speculative background preparation of
// upcoming tracks so playback advances without paying resolution latency.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"mixqueue/internal/core"
	"mixqueue/internal/extract"
	"mixqueue/internal/track"
)

// Resolver is the shared resolution entrypoint used for both speculative
// preparation and the synchronous fallback in GetNextPrepared.
type Resolver interface {
	Resolve(ctx context.Context, d *track.Descriptor) (*track.Item, error)
}

// Observer is notified synchronously after every successful lane mutation,
// in registration order. The canonical observer resumes playback when idle.
type Observer interface {
	Update(q *Queue)
}

const (
	// priorityLookahead is how many priority-lane tracks are pre-prepared
	// when playback advances.
	priorityLookahead = 2
	// fifoLookahead is how many FIFO-lane tracks are pre-prepared when
	// playback advances.
	fifoLookahead = 3
)

// Queue is the dual-lane playback queue. All lane and cache mutations happen
// under one mutex; observer notifications run after the lock is released.
type Queue struct {
	mu       sync.Mutex
	fifo     []*track.Descriptor
	priority prioHeap
	seq      uint64

	prep     *prepCache
	inflight map[track.Key]context.CancelFunc
	prepSem  *semaphore.Weighted

	observers []Observer

	resolver Resolver
	cfg      core.QueueConfig
	logger   *zap.Logger
}

// New creates an empty queue backed by the given resolver.
func New(cfg core.QueueConfig, resolver Resolver, logger *zap.Logger) *Queue {
	if cfg.Lookahead < 0 {
		cfg.Lookahead = 3
	}
	if cfg.PrepCacheCapacity <= 0 {
		cfg.PrepCacheCapacity = 20
	}
	if cfg.MaxConcurrentPreparations <= 0 {
		cfg.MaxConcurrentPreparations = 5
	}

	return &Queue{
		prep:     newPrepCache(cfg.PrepCacheCapacity),
		inflight: make(map[track.Key]context.CancelFunc),
		prepSem:  semaphore.NewWeighted(cfg.MaxConcurrentPreparations),
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
}

// Attach registers an observer. Observers are invoked in registration order.
func (q *Queue) Attach(o Observer) {
	q.mu.Lock()
	q.observers = append(q.observers, o)
	q.mu.Unlock()
}

// Detach removes a previously attached observer.
func (q *Queue) Detach(o Observer) {
	q.mu.Lock()
	for i, existing := range q.observers {
		if existing == o {
			q.observers = append(q.observers[:i], q.observers[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

// Add appends a track to the FIFO lane. If the track lands within the
// lookahead window, speculative preparation is scheduled for it.
func (q *Queue) Add(d *track.Descriptor) {
	q.mu.Lock()
	q.fifo = append(q.fifo, d)
	withinLookahead := len(q.fifo) <= q.cfg.Lookahead
	observers := q.observersLocked()
	if withinLookahead {
		q.schedulePrepLocked(d, false)
	}
	q.mu.Unlock()

	q.notify(observers)
}

// AddNext pushes a track onto the priority lane at rank 0 and starts
// preparing it immediately, bypassing the preparation concurrency cap.
func (q *Queue) AddNext(d *track.Descriptor) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.priority, &priorityEntry{
		descriptor: d,
		rank:       0,
		timestamp:  time.Now(),
		seq:        q.seq,
	})
	observers := q.observersLocked()
	q.schedulePrepLocked(d, true)
	q.mu.Unlock()

	q.notify(observers)
}

// AddPriorityBatch pushes several tracks onto the priority lane with ranks
// 0..n-1 in call order, so the batch plays in the order given. The first two
// are prepared immediately.
func (q *Queue) AddPriorityBatch(ds []*track.Descriptor) {
	if len(ds) == 0 {
		return
	}

	q.mu.Lock()
	now := time.Now()
	for i, d := range ds {
		q.seq++
		heap.Push(&q.priority, &priorityEntry{
			descriptor: d,
			rank:       i,
			timestamp:  now,
			seq:        q.seq,
		})
	}
	observers := q.observersLocked()
	for _, d := range ds[:min(priorityLookahead, len(ds))] {
		q.schedulePrepLocked(d, true)
	}
	q.mu.Unlock()

	q.notify(observers)
}

// GetNext pops the next track: the priority lane first (lowest rank, then
// earliest insertion), then the FIFO head. Returns nil when both lanes are
// empty; that is the expected end-of-queue signal, not an error.
func (q *Queue) GetNext() *track.Descriptor {
	q.mu.Lock()
	d := q.popLocked()
	q.mu.Unlock()
	return d
}

func (q *Queue) popLocked() *track.Descriptor {
	if q.priority.Len() > 0 {
		entry := heap.Pop(&q.priority).(*priorityEntry)
		q.logger.Debug("Dequeued priority track",
			zap.String("key", entry.descriptor.Key().String()),
			zap.String("title", entry.descriptor.Title))
		return entry.descriptor
	}
	if len(q.fifo) > 0 {
		d := q.fifo[0]
		q.fifo = q.fifo[1:]
		q.logger.Debug("Dequeued track",
			zap.String("key", d.Key().String()),
			zap.String("title", d.Title))
		return d
	}
	return nil
}

// GetNextPrepared pops tracks until one resolves to a playable item,
// preferring the preparation cache, falling back to synchronous resolution,
// and skipping unplayable tracks. The skip loop is bounded by the queue size
// at entry so it always terminates. Returns nil when the queue drains.
func (q *Queue) GetNextPrepared(ctx context.Context) *track.Item {
	// One pass per track that was queued when we started, plus the track
	// popped on this call itself.
	remaining := q.Size() + 1

	for ; remaining > 0; remaining-- {
		q.mu.Lock()
		d := q.popLocked()
		if d == nil {
			q.mu.Unlock()
			return nil
		}
		item, cached := q.prep.take(d.Key())
		q.mu.Unlock()

		if cached {
			q.prepareUpcoming()
			return item
		}

		item, err := q.resolver.Resolve(ctx, d)
		if err != nil || item == nil {
			q.logger.Error("Failed to resolve track, skipping",
				zap.String("key", d.Key().String()),
				zap.String("title", d.Title),
				zap.String("reason", extract.FailureReason(d.Source, err)),
				zap.Error(err))
			continue
		}

		q.prepareUpcoming()
		return item
	}

	return nil
}

// Size returns the total number of queued tracks across both lanes.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo) + q.priority.Len()
}

// PrioritySize returns the number of tracks in the priority lane.
func (q *Queue) PrioritySize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.priority.Len()
}

// Empty reports whether both lanes are empty.
func (q *Queue) Empty() bool {
	return q.Size() == 0
}

// Index returns the position of a track in the FIFO lane, or -1.
func (q *Queue) Index(d *track.Descriptor) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := d.Key()
	for i, queued := range q.fifo {
		if queued.Key() == key {
			return i
		}
	}
	return -1
}

// GetAt returns the FIFO-lane track at the given position, or nil.
func (q *Queue) GetAt(i int) *track.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i < 0 || i >= len(q.fifo) {
		return nil
	}
	return q.fifo[i]
}

// List returns up to limit FIFO-lane tracks in order; limit < 0 means all.
func (q *Queue) List(limit int) []*track.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.fifo)
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]*track.Descriptor, n)
	copy(out, q.fifo[:n])
	return out
}

// RemoveByIndex removes the FIFO-lane track at the given position.
// Out-of-range indices are ignored.
func (q *Queue) RemoveByIndex(i int) {
	q.mu.Lock()
	var observers []Observer
	if i >= 0 && i < len(q.fifo) {
		q.fifo = append(q.fifo[:i], q.fifo[i+1:]...)
		observers = q.observersLocked()
	}
	q.mu.Unlock()

	q.notify(observers)
}

// RemoveBySong removes the first FIFO-lane track matching the descriptor's
// dedup key. Missing tracks are ignored.
func (q *Queue) RemoveBySong(d *track.Descriptor) {
	q.mu.Lock()
	var observers []Observer
	key := d.Key()
	for i, queued := range q.fifo {
		if queued.Key() == key {
			q.fifo = append(q.fifo[:i], q.fifo[i+1:]...)
			observers = q.observersLocked()
			break
		}
	}
	q.mu.Unlock()

	q.notify(observers)
}

// ApplyResolution records resolved metadata for a queued track. The matching
// descriptor is replaced with an updated copy rather than mutated in place,
// so readers still holding the old pointer never observe a concurrent write.
// Tracks already popped are left alone; their metadata travels on the
// resolved item. Reports whether a queued track matched.
func (q *Queue) ApplyResolution(key track.Key, title, duration string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, d := range q.fifo {
		if d.Key() == key {
			q.fifo[i] = resolvedCopy(d, title, duration)
			return true
		}
	}
	for _, entry := range q.priority {
		if entry.descriptor.Key() == key {
			entry.descriptor = resolvedCopy(entry.descriptor, title, duration)
			return true
		}
	}
	return false
}

func resolvedCopy(d *track.Descriptor, title, duration string) *track.Descriptor {
	updated := *d
	updated.Title = title
	updated.Duration = duration
	updated.Resolved = true
	return &updated
}

// Clear empties both lanes, cancels every outstanding preparation task, and
// drops the prepared-item cache. Cancelled tasks observe their context and
// never mutate the cache afterwards. Clearing an empty queue is a no-op.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.fifo = nil
	q.priority = nil
	for key, cancel := range q.inflight {
		cancel()
		delete(q.inflight, key)
	}
	q.prep.clear()
	observers := q.observersLocked()
	q.mu.Unlock()

	q.notify(observers)
}

// TimeWait sums the durations of the FIFO-lane tracks before upToIndex and
// formats the total as H:MM:SS. upToIndex < 0 covers the whole lane.
func (q *Queue) TimeWait(upToIndex int) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if upToIndex < 0 || upToIndex > len(q.fifo) {
		upToIndex = len(q.fifo)
	}

	var total time.Duration
	for _, d := range q.fifo[:upToIndex] {
		total += track.ParseClock(d.Duration)
	}
	return track.FormatClock(total)
}

// PreparedCount returns the number of items in the preparation cache.
func (q *Queue) PreparedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.prep.len()
}

// InflightPreparations returns the number of running preparation tasks.
func (q *Queue) InflightPreparations() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *Queue) observersLocked() []Observer {
	if len(q.observers) == 0 {
		return nil
	}
	out := make([]Observer, len(q.observers))
	copy(out, q.observers)
	return out
}

func (q *Queue) notify(observers []Observer) {
	for _, o := range observers {
		o.Update(q)
	}
}

// prepareUpcoming schedules preparation for the next few tracks in both
// lanes: up to two priority tracks and three FIFO tracks, deduplicated.
func (q *Queue) prepareUpcoming() {
	q.mu.Lock()
	upcoming := make([]*track.Descriptor, 0, priorityLookahead+fifoLookahead)
	for _, entry := range q.priority.peek(priorityLookahead) {
		upcoming = append(upcoming, entry.descriptor)
	}
	for i := 0; i < fifoLookahead && i < len(q.fifo); i++ {
		upcoming = append(upcoming, q.fifo[i])
	}
	for _, d := range upcoming {
		q.schedulePrepLocked(d, false)
	}
	q.mu.Unlock()
}

// schedulePrepLocked starts a background preparation task for the track
// unless it is already prepared or being prepared. Non-priority tasks are
// capped by the preparation semaphore; priority tasks bypass the cap.
func (q *Queue) schedulePrepLocked(d *track.Descriptor, highPriority bool) {
	key := d.Key()
	if q.prep.has(key) {
		return
	}
	if _, running := q.inflight[key]; running {
		return
	}

	acquired := false
	if !highPriority {
		if !q.prepSem.TryAcquire(1) {
			return
		}
		acquired = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.inflight[key] = cancel

	go q.prepare(ctx, d, highPriority, acquired)
}

func (q *Queue) prepare(ctx context.Context, d *track.Descriptor, highPriority, semAcquired bool) {
	key := d.Key()
	defer func() {
		q.mu.Lock()
		if cancel, ok := q.inflight[key]; ok {
			cancel()
			delete(q.inflight, key)
		}
		q.mu.Unlock()
		if semAcquired {
			q.prepSem.Release(1)
		}
	}()

	if !highPriority && q.cfg.PrepDelay > 0 {
		select {
		case <-time.After(q.cfg.PrepDelay):
		case <-ctx.Done():
			return
		}
	}

	item, err := q.resolver.Resolve(ctx, d)
	if err != nil || item == nil {
		if ctx.Err() == nil {
			q.logger.Warn("Background preparation failed",
				zap.String("key", key.String()),
				zap.String("title", d.Title),
				zap.Error(err))
		}
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// A Clear between resolution and caching must win.
	if ctx.Err() != nil {
		return
	}
	if !q.prep.put(key, item) {
		q.logger.Debug("Preparation cache full, dropping prepared track",
			zap.String("key", key.String()),
			zap.String("title", d.Title))
		return
	}
	q.logger.Debug("Prepared track in background",
		zap.String("key", key.String()),
		zap.String("title", d.Title))
}
