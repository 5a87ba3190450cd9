// Package track defines the playback data model: lightweight track
// descriptors for queueing and fully resolved playable items.
package track

import (
	"context"
	"fmt"
	"sync"
)

// Key identifies a unique track across sources. Two descriptors refer to
// the same track iff their keys are equal.
type Key struct {
	Source   string
	SourceID string
}

func (k Key) String() string {
	return k.Source + ":" + k.SourceID
}

// Descriptor is a pre-resolution reference to a track. It carries enough
// metadata to display and order the track in a queue; the playback stream
// is resolved later. Title may be empty until metadata backfill runs.
type Descriptor struct {
	Title      string
	Duration   string // clock format, e.g. "3:05" or "1:02:45"
	SourceID   string
	Source     string
	Collection string // origin collection name, if any

	// Playback is an opaque handle supplied by the caller and used only to
	// route eventual playback output. The scheduling engine never inspects it.
	Playback any

	// Resolved reports whether the descriptor already went through full
	// metadata extraction (as opposed to a flat listing entry).
	Resolved bool
}

// Key returns the deduplication key for this descriptor.
func (d *Descriptor) Key() Key {
	return Key{Source: d.Source, SourceID: d.SourceID}
}

// StreamFetch resolves the actual stream URL for an item.
type StreamFetch func(ctx context.Context) (string, error)

// Item is a resolved track, ready for playback. The stream URL is fetched
// lazily, at most once per instance; concurrent callers coalesce on the
// per-item lock.
type Item struct {
	Descriptor

	Uploader  string
	Thumbnail string
	PageURL   string

	fetch StreamFetch

	mu        sync.Mutex
	streamURL string
	prepared  bool
}

// NewItem creates a playable item whose stream URL will be resolved by fetch
// on first use.
func NewItem(d Descriptor, fetch StreamFetch) *Item {
	return &Item{Descriptor: d, fetch: fetch}
}

// NewResolvedItem creates a playable item with an already known stream URL.
func NewResolvedItem(d Descriptor, streamURL string) *Item {
	return &Item{Descriptor: d, streamURL: streamURL, prepared: true}
}

// StreamURL returns the playable stream reference, fetching it on first call.
func (it *Item) StreamURL(ctx context.Context) (string, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.prepared {
		return it.streamURL, nil
	}
	if it.fetch == nil {
		return "", fmt.Errorf("no stream fetcher for %s", it.Descriptor.Key())
	}

	url, err := it.fetch(ctx)
	if err != nil {
		return "", err
	}

	it.streamURL = url
	it.prepared = true
	return url, nil
}

// Prepare forces stream resolution so that a later StreamURL call is instant.
func (it *Item) Prepare(ctx context.Context) error {
	_, err := it.StreamURL(ctx)
	return err
}

// Prepared reports whether the stream URL has been resolved.
func (it *Item) Prepared() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.prepared
}
