// Package loader implements two-phase collection loading: the first track of
// a playlist or album is extracted eagerly so playback can start, then the
// remainder is enumerated and delivered in batches from a background
// goroutine.
package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mixqueue/internal/core"
	"mixqueue/internal/extract"
	"mixqueue/internal/track"
	"mixqueue/pkg/mediaurl"
)

// State is the lifecycle phase of a load operation.
type State int32

const (
	StateIdle State = iota
	StateLoadingFirst
	StateLoadingBackground
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingFirst:
		return "loading_first"
	case StateLoadingBackground:
		return "loading_background"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoadResult describes a collection load at the moment its first track is
// known: the eagerly-extracted descriptor plus what the flat listing said
// about the collection as a whole. Produced once per load, then immutable.
type LoadResult struct {
	First         *track.Descriptor
	TotalExpected int
	Collection    string
	Source        string
	CollectionID  string
}

// BatchProgress is the cumulative delivery state emitted with every batch.
type BatchProgress struct {
	Loaded       int
	Total        int
	CurrentBatch int
	TotalBatches int
	Failed       int
	LastUpdate   time.Time
}

// Callbacks receives load progress. All callbacks run on the loader's
// goroutines; implementations must not block for long.
type Callbacks interface {
	// OnFirstTrackReady fires once per load, as soon as the first track
	// and the collection's expected total are known.
	OnFirstTrackReady(result *LoadResult)

	// OnBatchLoaded fires per delivered batch. progress.Loaded counts
	// every track delivered so far, including the first.
	OnBatchLoaded(batch []*track.Descriptor, progress BatchProgress)

	// OnLoadingComplete fires once after the final batch, unless the load
	// was cancelled or failed.
	OnLoadingComplete(loaded, failed int)

	// OnLoadingError fires when the load aborts. canRetry hints whether
	// re-submitting the same URL could succeed.
	OnLoadingError(err error, canRetry bool)
}

// Operation describes one running or finished load.
type Operation struct {
	ID       string
	URL      string
	Source   string
	Started  time.Time
	Priority bool
}

// Metrics accumulates loader timing and outcome counters.
type Metrics struct {
	Started          uint64
	Completed        uint64
	Cancelled        uint64
	Failed           uint64
	FirstItemLatency time.Duration
	LastLoadDuration time.Duration
}

// Loader drives collection loads for one session. At most one load runs at
// a time; starting a new one requires the previous to have finished or been
// cancelled.
type Loader struct {
	cfg     core.LoaderConfig
	manager *extract.Manager
	logger  *zap.Logger

	state  atomic.Int32
	cancel context.CancelFunc

	mu      sync.Mutex
	metrics Metrics
}

// New creates an idle loader dispatching through the given manager.
func New(cfg core.LoaderConfig, manager *extract.Manager, logger *zap.Logger) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.MaxBatchFailures <= 0 {
		cfg.MaxBatchFailures = 3
	}
	return &Loader{
		cfg:     cfg,
		manager: manager,
		logger:  logger,
	}
}

// State returns the loader's current phase.
func (l *Loader) State() State {
	return State(l.state.Load())
}

// Metrics returns a snapshot of the loader's counters.
func (l *Loader) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}

// Load starts loading the collection at rawURL. Non-collection URLs return
// (nil, nil): they are single tracks and not this component's job. The first
// track and the flat listing are fetched before Load returns, so the first
// callback already carries the collection's expected total; the remainder
// arrives via callbacks from a background goroutine. Collections of one
// track complete synchronously.
//
// The load runs on a loader-owned context detached from ctx's cancellation;
// only Cancel aborts it once Load has begun.
func (l *Loader) Load(ctx context.Context, rawURL string, playback any, priority bool, cb Callbacks) (*Operation, error) {
	if !mediaurl.IsCollection(rawURL) {
		return nil, nil
	}

	extractor, ok := l.manager.ForURL(rawURL)
	if !ok {
		return nil, fmt.Errorf("load %s: %w", rawURL, extract.ErrNoExtractor)
	}

	if !transition(&l.state, StateIdle, StateLoadingFirst) &&
		!transition(&l.state, StateCompleted, StateLoadingFirst) &&
		!transition(&l.state, StateCancelled, StateLoadingFirst) &&
		!transition(&l.state, StateFailed, StateLoadingFirst) {
		return nil, fmt.Errorf("load %s: a load is already in progress", rawURL)
	}

	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	op := &Operation{
		ID:       uuid.NewString(),
		URL:      rawURL,
		Source:   extractor.Source(),
		Started:  time.Now(),
		Priority: priority,
	}
	l.mu.Lock()
	l.cancel = cancel
	l.metrics.Started++
	l.mu.Unlock()

	l.logger.Info("Loading collection",
		zap.String("load", op.ID),
		zap.String("url", rawURL),
		zap.String("source", op.Source),
		zap.Bool("priority", priority))

	first, err := extractor.FirstItem(loadCtx, rawURL)
	if err != nil {
		extractionErr := &extract.ExtractionError{Source: op.Source, URL: rawURL, Err: err}
		l.abort(cancel, extractionErr, nil)
		return nil, extractionErr
	}
	first.Playback = playback

	l.mu.Lock()
	l.metrics.FirstItemLatency = time.Since(op.Started)
	l.mu.Unlock()

	listing, err := l.listWithRetries(loadCtx, extractor, op)
	if err != nil {
		l.abort(cancel, err, cb)
		return nil, err
	}

	entries := withoutFirst(listing.Entries, first.SourceID)
	total := len(entries) + 1

	result := &LoadResult{
		First:         first,
		TotalExpected: total,
		Collection:    listing.Name,
		Source:        op.Source,
		CollectionID:  listing.ID,
	}

	if total <= 1 {
		if !transition(&l.state, StateLoadingFirst, StateCompleted) {
			// Cancel won during extraction.
			cancel()
			return nil, fmt.Errorf("load %s: cancelled", rawURL)
		}
		cancel()
		l.mu.Lock()
		l.metrics.Completed++
		l.metrics.LastLoadDuration = time.Since(op.Started)
		l.mu.Unlock()

		cb.OnFirstTrackReady(result)
		cb.OnLoadingComplete(1, 0)
		return op, nil
	}

	if !transition(&l.state, StateLoadingFirst, StateLoadingBackground) {
		cancel()
		return nil, fmt.Errorf("load %s: cancelled", rawURL)
	}
	cb.OnFirstTrackReady(result)

	go l.loadRemainder(loadCtx, cancel, op, listing, entries, playback, cb)

	return op, nil
}

// Cancel aborts the running load, if any. Cancelled loads never fire
// OnLoadingComplete.
func (l *Loader) Cancel() {
	if transition(&l.state, StateLoadingFirst, StateCancelled) ||
		transition(&l.state, StateLoadingBackground, StateCancelled) {
		l.mu.Lock()
		cancel := l.cancel
		l.metrics.Cancelled++
		l.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		l.logger.Info("Collection load cancelled")
	}
}

// abort moves a load that failed during the synchronous phase into Failed,
// unless a concurrent Cancel already claimed it. cb may be nil when the
// caller surfaces the error itself.
func (l *Loader) abort(cancel context.CancelFunc, err error, cb Callbacks) {
	defer cancel()
	if !transition(&l.state, StateLoadingFirst, StateFailed) {
		return
	}
	l.mu.Lock()
	l.metrics.Failed++
	l.mu.Unlock()
	if cb != nil {
		cb.OnLoadingError(err, false)
	}
}

func (l *Loader) loadRemainder(ctx context.Context, cancel context.CancelFunc, op *Operation, listing *extract.Listing, entries []extract.Entry, playback any, cb Callbacks) {
	defer cancel()

	total := len(entries) + 1 // remainder plus the already-delivered first track
	totalBatches := (len(entries) + l.cfg.BatchSize - 1) / l.cfg.BatchSize
	loaded := 1
	failed := 0

	for start, batchIndex := 0, 0; start < len(entries); start += l.cfg.BatchSize {
		if ctx.Err() != nil {
			return
		}
		batchIndex++

		end := start + l.cfg.BatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := extract.Descriptors(listing, entries[start:end], playback)
		failed += (end - start) - len(batch)
		loaded += len(batch)

		cb.OnBatchLoaded(batch, BatchProgress{
			Loaded:       loaded,
			Total:        total,
			CurrentBatch: batchIndex,
			TotalBatches: totalBatches,
			Failed:       failed,
			LastUpdate:   time.Now(),
		})
		l.logger.Debug("Loaded collection batch",
			zap.String("load", op.ID),
			zap.Int("batch", batchIndex),
			zap.Int("loaded", loaded),
			zap.Int("total", total))

		if !op.Priority && l.cfg.BatchPause > 0 && end < len(entries) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.BatchPause):
			}
		}
	}

	// Cancel wins any race with completion.
	if !transition(&l.state, StateLoadingBackground, StateCompleted) {
		return
	}

	l.mu.Lock()
	l.metrics.Completed++
	l.metrics.LastLoadDuration = time.Since(op.Started)
	l.mu.Unlock()

	l.logger.Info("Collection load complete",
		zap.String("load", op.ID),
		zap.Int("loaded", loaded),
		zap.Int("failed", failed),
		zap.Duration("took", time.Since(op.Started)))
	cb.OnLoadingComplete(loaded, failed)
}

// listWithRetries fetches the flat listing, retrying transient failures up
// to the configured threshold before giving up.
func (l *Loader) listWithRetries(ctx context.Context, extractor extract.Extractor, op *Operation) (*extract.Listing, error) {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxBatchFailures; attempt++ {
		listing, err := extractor.FlatListing(ctx, op.URL)
		if err == nil {
			return listing, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		l.logger.Warn("Collection listing failed",
			zap.String("load", op.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < l.cfg.MaxBatchFailures && l.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.cfg.BatchPause):
			}
		}
	}
	return nil, &extract.ExtractionError{Source: op.Source, URL: op.URL, Err: lastErr}
}

// withoutFirst drops the one entry matching the already-delivered first
// track so it is not queued twice.
func withoutFirst(entries []extract.Entry, firstID string) []extract.Entry {
	rest := make([]extract.Entry, 0, len(entries))
	dropped := false
	for _, e := range entries {
		if !dropped && e.ID == firstID {
			dropped = true
			continue
		}
		rest = append(rest, e)
	}
	return rest
}

func transition(state *atomic.Int32, from, to State) bool {
	return state.CompareAndSwap(int32(from), int32(to))
}
