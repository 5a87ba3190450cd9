// Package extract defines the boundary to per-source media extraction
// clients: resolving descriptors into playable items and enumerating
// collections without resolving every member.
package extract

import (
	"context"

	"mixqueue/internal/track"
)

// Entry is one member of a flat collection listing. Flat listings carry
// metadata only; no playback URLs are resolved for them.
type Entry struct {
	ID       string
	Title    string
	Duration string
	Uploader string
}

// Listing is the cheap, metadata-only enumeration of a collection.
type Listing struct {
	Source  string
	ID      string
	Name    string
	Entries []Entry
}

// Extractor is the per-source extraction client.
type Extractor interface {
	// Source returns the source label (e.g. "youtube", "spotify").
	Source() string

	// Matches reports whether this extractor handles the given URL.
	Matches(rawURL string) bool

	// Resolve turns a descriptor into a playable item, or fails with a
	// ResolutionError when no playable stream exists.
	Resolve(ctx context.Context, d *track.Descriptor) (*track.Item, error)

	// FirstItem extracts only the first playable member of a collection URL.
	// Its cost must not scale with the collection size.
	FirstItem(ctx context.Context, rawURL string) (*track.Descriptor, error)

	// FlatListing enumerates the whole collection without resolving
	// playback URLs.
	FlatListing(ctx context.Context, rawURL string) (*Listing, error)
}

// Descriptors converts flat listing entries into queueable descriptors for
// the listing's source, attaching the caller's playback context.
func Descriptors(ls *Listing, entries []Entry, playback any) []*track.Descriptor {
	out := make([]*track.Descriptor, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		out = append(out, &track.Descriptor{
			Title:      e.Title,
			Duration:   e.Duration,
			SourceID:   e.ID,
			Source:     ls.Source,
			Collection: ls.Name,
			Playback:   playback,
		})
	}
	return out
}
