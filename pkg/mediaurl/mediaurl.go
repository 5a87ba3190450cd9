// Package mediaurl provides URL classification helpers for streaming media
// providers: detecting collection (playlist/album/set) links and extracting
// provider-specific identifiers.
package mediaurl

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	youtubeWatchRegex = regexp.MustCompile(`[?&]v=([a-zA-Z0-9_-]{6,})`)
	youtubeShortRegex = regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]{6,})`)
	youtubeListRegex  = regexp.MustCompile(`[?&]list=([a-zA-Z0-9_-]+)`)
	spotifyLinkRegex  = regexp.MustCompile(`(?:https?://)?open\.spotify\.com/(track|album|playlist)/([a-zA-Z0-9]+)`)
	spotifyURIRegex   = regexp.MustCompile(`spotify:(track|album|playlist):([a-zA-Z0-9]+)`)
)

// collectionMarkers are URL fragments that identify a multi-track collection
// across the supported providers.
var collectionMarkers = []string{
	"/playlist?", "&list=", "?list=", "/sets/", "/album/", "/collection/",
}

// IsCollection reports whether the URL points at a multi-track collection
// (playlist, album, or set) rather than a single track.
func IsCollection(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, marker := range collectionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsYouTube reports whether the URL belongs to YouTube or YouTube Music.
func IsYouTube(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Hostname()) {
	case "youtube.com", "www.youtube.com", "m.youtube.com", "music.youtube.com", "youtu.be":
		return true
	}
	return false
}

// IsSpotify reports whether the URL is a Spotify link or URI.
func IsSpotify(rawURL string) bool {
	return spotifyLinkRegex.MatchString(rawURL) || spotifyURIRegex.MatchString(rawURL)
}

// YouTubeVideoID extracts the video id from watch and short-link URLs.
func YouTubeVideoID(rawURL string) (string, bool) {
	if m := youtubeWatchRegex.FindStringSubmatch(rawURL); len(m) == 2 {
		return m[1], true
	}
	if m := youtubeShortRegex.FindStringSubmatch(rawURL); len(m) == 2 {
		return m[1], true
	}
	return "", false
}

// YouTubeListID extracts the playlist id from a YouTube URL.
func YouTubeListID(rawURL string) (string, bool) {
	if m := youtubeListRegex.FindStringSubmatch(rawURL); len(m) == 2 {
		return m[1], true
	}
	return "", false
}

// SpotifyID extracts the kind ("track", "album", "playlist") and id from a
// Spotify link or URI.
func SpotifyID(rawURL string) (kind, id string, ok bool) {
	if m := spotifyLinkRegex.FindStringSubmatch(rawURL); len(m) == 3 {
		return m[1], m[2], true
	}
	if m := spotifyURIRegex.FindStringSubmatch(rawURL); len(m) == 3 {
		return m[1], m[2], true
	}
	return "", "", false
}
