// Package spotify implements collection extraction and track resolution
// against the Spotify Web API using client-credentials auth.
package spotify

import (
	"context"
	"fmt"
	"strings"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"mixqueue/internal/core"
	"mixqueue/internal/extract"
	"mixqueue/internal/track"
	"mixqueue/pkg/mediaurl"
)

const (
	sourceName   = "spotify"
	playlistPage = 100
	albumPage    = 50
)

// Extractor resolves spotify.com and spotify: URIs.
type Extractor struct {
	client *spotify.Client
	logger *zap.Logger
}

var _ extract.Extractor = (*Extractor)(nil)

// New builds an extractor authenticating with the client-credentials flow.
// The returned client refreshes its token automatically.
func New(ctx context.Context, cfg core.SpotifyConfig, logger *zap.Logger) (*Extractor, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("spotify: client credentials not configured")
	}

	auth := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	if _, err := auth.Token(ctx); err != nil {
		return nil, fmt.Errorf("spotify: authenticate: %w", err)
	}

	return &Extractor{
		client: spotify.New(auth.Client(ctx)),
		logger: logger,
	}, nil
}

func (e *Extractor) Source() string { return sourceName }

func (e *Extractor) Matches(rawURL string) bool {
	return mediaurl.IsSpotify(rawURL)
}

// Resolve fetches the track and uses its preview stream. Tracks without a
// preview have nothing playable to offer.
func (e *Extractor) Resolve(ctx context.Context, d *track.Descriptor) (*track.Item, error) {
	full, err := e.client.GetTrack(ctx, spotify.ID(d.SourceID))
	if err != nil {
		return nil, &extract.ResolutionError{Source: sourceName, ID: d.SourceID, Reason: "lookup failed", Err: err}
	}
	if full.PreviewURL == "" {
		return nil, &extract.ResolutionError{Source: sourceName, ID: d.SourceID, Reason: "no playable stream"}
	}

	resolved := *d
	resolved.Title = trackTitle(full.SimpleTrack)
	resolved.Duration = track.FormatClock(full.TimeDuration())
	resolved.Resolved = true

	item := track.NewResolvedItem(resolved, full.PreviewURL)
	item.Uploader = artistNames(full.Artists)
	item.PageURL = full.ExternalURLs["spotify"]
	return item, nil
}

// FirstItem fetches only the collection's first track, one API page of size
// one regardless of collection length.
func (e *Extractor) FirstItem(ctx context.Context, rawURL string) (*track.Descriptor, error) {
	kind, id, ok := mediaurl.SpotifyID(rawURL)
	if !ok {
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: fmt.Errorf("unrecognized spotify url")}
	}

	switch kind {
	case "playlist":
		page, err := e.client.GetPlaylistItems(ctx, spotify.ID(id), spotify.Limit(1))
		if err != nil {
			return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: err}
		}
		for _, item := range page.Items {
			if item.Track.Track == nil {
				continue
			}
			return descriptorFromTrack(item.Track.Track.SimpleTrack, ""), nil
		}
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: fmt.Errorf("playlist is empty")}
	case "album":
		page, err := e.client.GetAlbumTracks(ctx, spotify.ID(id), spotify.Limit(1))
		if err != nil {
			return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: err}
		}
		if len(page.Tracks) == 0 {
			return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: fmt.Errorf("album is empty")}
		}
		return descriptorFromTrack(page.Tracks[0], ""), nil
	default:
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: fmt.Errorf("not a collection: %s", kind)}
	}
}

// FlatListing pages through the whole collection, metadata only.
func (e *Extractor) FlatListing(ctx context.Context, rawURL string) (*extract.Listing, error) {
	kind, id, ok := mediaurl.SpotifyID(rawURL)
	if !ok {
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: fmt.Errorf("unrecognized spotify url")}
	}

	switch kind {
	case "playlist":
		return e.listPlaylist(ctx, rawURL, id)
	case "album":
		return e.listAlbum(ctx, rawURL, id)
	default:
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: fmt.Errorf("not a collection: %s", kind)}
	}
}

func (e *Extractor) listPlaylist(ctx context.Context, rawURL, id string) (*extract.Listing, error) {
	meta, err := e.client.GetPlaylist(ctx, spotify.ID(id))
	if err != nil {
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: err}
	}

	listing := &extract.Listing{Source: sourceName, ID: id, Name: meta.Name}
	for offset := 0; ; offset += playlistPage {
		page, err := e.client.GetPlaylistItems(ctx, spotify.ID(id),
			spotify.Limit(playlistPage), spotify.Offset(offset))
		if err != nil {
			return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: err}
		}
		for _, item := range page.Items {
			if item.Track.Track == nil {
				// Local files and removed tracks have no track object.
				continue
			}
			listing.Entries = append(listing.Entries, entryFromTrack(item.Track.Track.SimpleTrack))
		}
		if len(page.Items) < playlistPage {
			break
		}
	}

	e.logger.Debug("Listed spotify playlist",
		zap.String("playlist", id),
		zap.Int("tracks", len(listing.Entries)))
	return listing, nil
}

func (e *Extractor) listAlbum(ctx context.Context, rawURL, id string) (*extract.Listing, error) {
	meta, err := e.client.GetAlbum(ctx, spotify.ID(id))
	if err != nil {
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: err}
	}

	listing := &extract.Listing{Source: sourceName, ID: id, Name: meta.Name}
	for offset := 0; ; offset += albumPage {
		page, err := e.client.GetAlbumTracks(ctx, spotify.ID(id),
			spotify.Limit(albumPage), spotify.Offset(offset))
		if err != nil {
			return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: err}
		}
		for _, t := range page.Tracks {
			listing.Entries = append(listing.Entries, entryFromTrack(t))
		}
		if len(page.Tracks) < albumPage {
			break
		}
	}

	e.logger.Debug("Listed spotify album",
		zap.String("album", id),
		zap.Int("tracks", len(listing.Entries)))
	return listing, nil
}

func descriptorFromTrack(t spotify.SimpleTrack, collection string) *track.Descriptor {
	return &track.Descriptor{
		Title:      trackTitle(t),
		Duration:   track.FormatClock(t.TimeDuration()),
		SourceID:   string(t.ID),
		Source:     sourceName,
		Collection: collection,
	}
}

func entryFromTrack(t spotify.SimpleTrack) extract.Entry {
	return extract.Entry{
		ID:       string(t.ID),
		Title:    trackTitle(t),
		Duration: track.FormatClock(t.TimeDuration()),
		Uploader: artistNames(t.Artists),
	}
}

func trackTitle(t spotify.SimpleTrack) string {
	artists := artistNames(t.Artists)
	if artists == "" {
		return t.Name
	}
	return artists + " - " + t.Name
}

func artistNames(artists []spotify.SimpleArtist) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}
