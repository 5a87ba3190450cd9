// Package store provides the seen-track store used to keep sessions from
// queueing the same track twice, backed by a Bloom filter fast path and an
// LRU for bounded memory.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"mixqueue/internal/track"
)

// SeenStore records which tracks a session has already queued or played.
// The Bloom filter answers the common "never seen" case without touching
// the exact set; the LRU bounds memory by evicting the oldest keys.
type SeenStore struct {
	mutex             sync.RWMutex
	keys              map[track.Key]struct{}
	bloom             *bloom.BloomFilter
	lru               *lru.Cache[track.Key, struct{}]
	maxTracks         int
	falsePositiveRate float64
}

// NewSeenStore creates a store holding at most maxTracks keys.
func NewSeenStore(maxTracks int, falsePositiveRate float64) *SeenStore {
	if maxTracks <= 0 {
		panic("store: maxTracks must be positive")
	}
	lruCache, _ := lru.New[track.Key, struct{}](maxTracks)

	return &SeenStore{
		keys:              make(map[track.Key]struct{}),
		bloom:             bloom.NewWithEstimates(uint(maxTracks), falsePositiveRate),
		lru:               lruCache,
		maxTracks:         maxTracks,
		falsePositiveRate: falsePositiveRate,
	}
}

// Has reports whether the track has been seen.
func (s *SeenStore) Has(key track.Key) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if !s.bloom.TestString(key.String()) {
		return false
	}
	_, exists := s.keys[key]
	return exists
}

// Add marks the track as seen, evicting the oldest entry when full.
func (s *SeenStore) Add(key track.Key) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.add(key)
}

// MarkIfNew marks the track as seen and reports whether it was new.
func (s *SeenStore) MarkIfNew(key track.Key) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.bloom.TestString(key.String()) {
		if _, exists := s.keys[key]; exists {
			return false
		}
	}
	s.add(key)
	return true
}

func (s *SeenStore) add(key track.Key) {
	if _, exists := s.keys[key]; exists {
		return
	}

	s.keys[key] = struct{}{}
	s.bloom.AddString(key.String())
	s.lru.Add(key, struct{}{})

	if len(s.keys) > s.maxTracks {
		s.evictOldest()
	}
}

// Remove forgets a track, so it can be queued again. The Bloom filter
// cannot unlearn the key; the exact set keeps the answer correct.
func (s *SeenStore) Remove(key track.Key) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keys[key]; !exists {
		return
	}
	delete(s.keys, key)
	s.lru.Remove(key)
}

// Size returns the number of tracks currently marked seen.
func (s *SeenStore) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.keys)
}

// Clear forgets everything, resetting the Bloom filter as well.
func (s *SeenStore) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.keys = make(map[track.Key]struct{})
	s.bloom = bloom.NewWithEstimates(uint(s.maxTracks), s.falsePositiveRate)
	s.lru.Purge()
}

func (s *SeenStore) evictOldest() {
	oldest, _, ok := s.lru.GetOldest()
	if !ok {
		return
	}
	delete(s.keys, oldest)
	s.lru.Remove(oldest)
}
