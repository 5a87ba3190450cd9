// Package youtube implements collection extraction and track resolution
// through yt-dlp. Flat playlist listings keep enumeration cheap; stream URLs
// are only extracted per track on resolution.
package youtube

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"go.uber.org/zap"

	"mixqueue/internal/extract"
	"mixqueue/internal/track"
	"mixqueue/pkg/mediaurl"
)

const (
	sourceName   = "youtube"
	audioFormat  = "bestaudio[ext=webm]/bestaudio"
	watchURLBase = "https://www.youtube.com/watch?v="
)

// Extractor resolves youtube.com and youtu.be URLs via the yt-dlp binary.
type Extractor struct {
	logger *zap.Logger
}

var _ extract.Extractor = (*Extractor)(nil)

func New(logger *zap.Logger) *Extractor {
	return &Extractor{logger: logger}
}

func (e *Extractor) Source() string { return sourceName }

func (e *Extractor) Matches(rawURL string) bool {
	return mediaurl.IsYouTube(rawURL)
}

// Resolve extracts the direct audio stream URL for one video.
func (e *Extractor) Resolve(ctx context.Context, d *track.Descriptor) (*track.Item, error) {
	started := time.Now()
	res, err := ytdlp.New().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		Format(audioFormat).
		NoCheckFormats().
		NoWarnings().
		IgnoreConfig().
		Run(ctx, "--skip-download", watchURLBase+d.SourceID)
	if err != nil {
		return nil, &extract.ResolutionError{Source: sourceName, ID: d.SourceID, Reason: "extraction failed", Err: err}
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 4 || fields[0] == "" {
			continue
		}

		resolved := *d
		resolved.Title = fields[1]
		resolved.Duration = formatSeconds(fields[3])
		resolved.Resolved = true

		item := track.NewResolvedItem(resolved, fields[0])
		item.Uploader = fields[2]
		item.PageURL = watchURLBase + d.SourceID

		e.logger.Debug("Resolved youtube track",
			zap.String("id", d.SourceID),
			zap.Duration("took", time.Since(started)))
		return item, nil
	}
	return nil, &extract.ResolutionError{Source: sourceName, ID: d.SourceID, Reason: "no playable stream"}
}

// FirstItem extracts only the first playlist entry; yt-dlp stops after one
// item so the cost does not grow with playlist length.
func (e *Extractor) FirstItem(ctx context.Context, rawURL string) (*track.Descriptor, error) {
	res, err := ytdlp.New().
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems("1-1").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, rawURL)
	if err != nil {
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: err}
	}

	entries := parseEntries(res.Stdout)
	if len(entries) == 0 {
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: fmt.Errorf("playlist is empty")}
	}
	first := entries[0]
	return &track.Descriptor{
		Title:    first.Title,
		Duration: first.Duration,
		SourceID: first.ID,
		Source:   sourceName,
	}, nil
}

// FlatListing enumerates the playlist without resolving any streams.
func (e *Extractor) FlatListing(ctx context.Context, rawURL string) (*extract.Listing, error) {
	res, err := ytdlp.New().
		FlatPlaylist().
		Print("%(id)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(playlist_title)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, rawURL)
	if err != nil {
		return nil, &extract.ExtractionError{Source: sourceName, URL: rawURL, Err: err}
	}

	listing := &extract.Listing{Source: sourceName}
	if id, ok := mediaurl.YouTubeListID(rawURL); ok {
		listing.ID = id
	}

	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 4 || fields[0] == "" {
			continue
		}
		if listing.Name == "" && len(fields) >= 5 && fields[4] != "NA" {
			listing.Name = fields[4]
		}
		listing.Entries = append(listing.Entries, extract.Entry{
			ID:       fields[0],
			Title:    fields[1],
			Uploader: fields[2],
			Duration: formatSeconds(fields[3]),
		})
	}

	e.logger.Debug("Listed youtube playlist",
		zap.String("playlist", listing.ID),
		zap.Int("tracks", len(listing.Entries)))
	return listing, nil
}

func parseEntries(stdout string) []extract.Entry {
	var entries []extract.Entry
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 4 || fields[0] == "" {
			continue
		}
		entries = append(entries, extract.Entry{
			ID:       fields[0],
			Title:    fields[1],
			Uploader: fields[2],
			Duration: formatSeconds(fields[3]),
		})
	}
	return entries
}

// formatSeconds converts yt-dlp's duration-in-seconds field to clock form.
// Flat listings report "NA" for live streams and hidden videos.
func formatSeconds(raw string) string {
	d, err := time.ParseDuration(raw + "s")
	if err != nil {
		return ""
	}
	return track.FormatClock(d)
}
