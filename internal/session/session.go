// Package session owns the per-listener wiring: each session gets its own
// playback queue, collection loader, resolver pool, and seen-track store,
// created together and torn down together.
package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mixqueue/internal/core"
	"mixqueue/internal/extract"
	"mixqueue/internal/flood"
	"mixqueue/internal/loader"
	"mixqueue/internal/queue"
	"mixqueue/internal/resolver"
	"mixqueue/internal/store"
	"mixqueue/internal/track"
	"mixqueue/pkg/mediaurl"
)

const (
	seenCapacity          = 4096
	seenFalsePositiveRate = 0.01
	enqueuesPerMinute     = 20
)

// ErrFloodLimited is returned when a requester exceeds the enqueue rate.
var ErrFloodLimited = errors.New("session: enqueue rate limit exceeded")

// Session bundles the playback machinery for one listener context.
type Session struct {
	ID string

	queue  *queue.Queue
	loader *loader.Loader
	pool   *resolver.Pool
	seen   *store.SeenStore
	gate   *flood.Gate

	manager *extract.Manager
	logger  *zap.Logger
}

func newSession(id string, cfg *core.Config, manager *extract.Manager, logger *zap.Logger) *Session {
	logger = logger.With(zap.String("session", id))

	s := &Session{
		ID:      id,
		manager: manager,
		logger:  logger,
		seen:    store.NewSeenStore(seenCapacity, seenFalsePositiveRate),
		gate:    flood.New(enqueuesPerMinute),
	}
	s.queue = queue.New(cfg.Queue, manager, logger.Named("queue"))
	s.loader = loader.New(cfg.Loader, manager, logger.Named("loader"))
	s.pool = resolver.NewPool(cfg.Resolver, manager, s.handleResults, logger.Named("resolver"))
	return s
}

// Queue returns the session's playback queue.
func (s *Session) Queue() *queue.Queue { return s.queue }

// Loader returns the session's collection loader.
func (s *Session) Loader() *loader.Loader { return s.loader }

// Pool returns the session's resolver pool.
func (s *Session) Pool() *resolver.Pool { return s.pool }

// Seen returns the session's seen-track store.
func (s *Session) Seen() *store.SeenStore { return s.seen }

// Enqueue adds the media at rawURL to the session. Collection URLs go
// through the two-phase loader; single-track URLs are queued directly.
// Tracks the session has already seen are dropped.
func (s *Session) Enqueue(ctx context.Context, rawURL string, playback any, priority bool) error {
	if mediaurl.IsCollection(rawURL) {
		op, err := s.loader.Load(ctx, rawURL, playback, priority, &queueFeeder{session: s, priority: priority})
		if err != nil {
			return err
		}
		if op == nil {
			return fmt.Errorf("enqueue %s: not a collection", rawURL)
		}
		return nil
	}

	d, err := s.describe(rawURL, playback)
	if err != nil {
		return err
	}
	if !s.seen.MarkIfNew(d.Key()) {
		s.logger.Debug("Dropping already-seen track",
			zap.String("key", d.Key().String()))
		return nil
	}

	if priority {
		s.queue.AddNext(d)
	} else {
		s.queue.Add(d)
	}
	s.pool.AddTask(d, priority)
	return nil
}

// EnqueueFor is Enqueue with per-requester flood limiting applied first.
func (s *Session) EnqueueFor(ctx context.Context, requester, rawURL string, playback any, priority bool) error {
	if requester != "" && !s.gate.Allow(s.ID, requester) {
		s.logger.Warn("Enqueue rate limit hit",
			zap.String("requester", requester))
		return ErrFloodLimited
	}
	return s.Enqueue(ctx, rawURL, playback, priority)
}

// describe builds a descriptor for a single-track URL without touching the
// network.
func (s *Session) describe(rawURL string, playback any) (*track.Descriptor, error) {
	if id, ok := mediaurl.YouTubeVideoID(rawURL); ok {
		return &track.Descriptor{SourceID: id, Source: "youtube", Playback: playback}, nil
	}
	if kind, id, ok := mediaurl.SpotifyID(rawURL); ok && kind == "track" {
		return &track.Descriptor{SourceID: id, Source: "spotify", Playback: playback}, nil
	}
	return nil, fmt.Errorf("describe %s: %w", rawURL, extract.ErrNoExtractor)
}

// handleResults backfills metadata for tracks the pool resolved. The
// backfill goes through the queue, which swaps in an updated descriptor
// under its own lock; the task's descriptor is never written here.
func (s *Session) handleResults(results []resolver.Result) {
	for _, r := range results {
		if !r.Success {
			s.logger.Warn("Track failed resolution",
				zap.String("key", r.Task.Descriptor.Key().String()),
				zap.Int("attempts", r.Attempts),
				zap.Error(r.Err))
			continue
		}
		s.queue.ApplyResolution(r.Task.Descriptor.Key(), r.Item.Title, r.Item.Duration)
	}
}

// close tears the session down: queue cleared, loader cancelled, pool
// stopped.
func (s *Session) close() {
	s.loader.Cancel()
	s.queue.Clear()
	s.pool.Stop()
	s.gate.Stop()
	s.seen.Clear()
	s.logger.Info("Session closed")
}

// queueFeeder adapts loader callbacks onto the session's queue and pool.
type queueFeeder struct {
	session  *Session
	priority bool
}

func (f *queueFeeder) OnFirstTrackReady(result *loader.LoadResult) {
	s := f.session
	first := result.First
	if !s.seen.MarkIfNew(first.Key()) {
		return
	}
	s.logger.Info("Collection first track ready",
		zap.String("collection", result.Collection),
		zap.Int("expected", result.TotalExpected))
	// The first track jumps the line so playback starts immediately.
	s.queue.AddNext(first)
	s.pool.AddTask(first, true)
}

func (f *queueFeeder) OnBatchLoaded(batch []*track.Descriptor, progress loader.BatchProgress) {
	s := f.session

	fresh := batch[:0:0]
	for _, d := range batch {
		if s.seen.MarkIfNew(d.Key()) {
			fresh = append(fresh, d)
		}
	}
	if len(fresh) == 0 {
		return
	}

	if f.priority {
		s.queue.AddPriorityBatch(fresh)
	} else {
		for _, d := range fresh {
			s.queue.Add(d)
		}
	}
	s.pool.AddBatch(fresh, f.priority)
}

func (f *queueFeeder) OnLoadingComplete(loaded, failed int) {
	f.session.logger.Info("Collection fully queued",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed))
}

func (f *queueFeeder) OnLoadingError(err error, canRetry bool) {
	f.session.logger.Error("Collection load aborted",
		zap.Bool("canRetry", canRetry),
		zap.Error(err))
}
