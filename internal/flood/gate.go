// Package flood throttles per-requester enqueue bursts so a single caller
// cannot flood a session's queue.
package flood

import (
	"sync"
	"time"
)

const (
	// windowDuration is the sliding window for burst detection.
	windowDuration = 60 * time.Second
	// cleanupInterval is how often idle requester entries are dropped.
	cleanupInterval = 10 * time.Minute
	// idleTimeout is how long a requester may be silent before its entry
	// is removed.
	idleTimeout = 10 * time.Minute
)

// Gate applies per-requester, per-session sliding-window rate limiting to
// enqueue requests.
type Gate struct {
	limitPerMinute int
	entries        map[string]*requesterEntry // key: "sessionID:requester"
	mutex          sync.RWMutex
	stopCleanup    chan struct{}
}

type requesterEntry struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// New creates a gate allowing limitPerMinute enqueues per requester within
// any one-minute window.
func New(limitPerMinute int) *Gate {
	g := &Gate{
		limitPerMinute: limitPerMinute,
		entries:        make(map[string]*requesterEntry),
		stopCleanup:    make(chan struct{}),
	}

	go g.cleanup()

	return g
}

// Stop stops the background cleanup goroutine.
func (g *Gate) Stop() {
	close(g.stopCleanup)
}

// Allow reports whether the requester may enqueue another track in the
// session, recording the attempt when allowed.
func (g *Gate) Allow(sessionID, requester string) bool {
	key := sessionID + ":" + requester
	now := time.Now()

	g.mutex.Lock()
	defer g.mutex.Unlock()

	entry, exists := g.entries[key]
	if !exists {
		entry = &requesterEntry{
			timestamps: make([]time.Time, 0, g.limitPerMinute+1),
		}
		g.entries[key] = entry
	}
	entry.lastSeen = now

	windowStart := now.Add(-windowDuration)
	valid := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			valid = append(valid, ts)
		}
	}
	entry.timestamps = valid

	if len(entry.timestamps) >= g.limitPerMinute {
		return false
	}

	entry.timestamps = append(entry.timestamps, now)
	return true
}

func (g *Gate) cleanup() {
	g.performCleanup()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.performCleanup()
		case <-g.stopCleanup:
			return
		}
	}
}

func (g *Gate) performCleanup() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range g.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(g.entries, key)
		}
	}
}

// Stats describes the gate's current tracking state.
type Stats struct {
	ActiveRequesters int `json:"active_requesters"`
	LimitPerMinute   int `json:"limit_per_minute"`
	WindowSeconds    int `json:"window_seconds"`
}

// GetStats returns a snapshot for monitoring.
func (g *Gate) GetStats() Stats {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return Stats{
		ActiveRequesters: len(g.entries),
		LimitPerMinute:   g.limitPerMinute,
		WindowSeconds:    int(windowDuration.Seconds()),
	}
}
