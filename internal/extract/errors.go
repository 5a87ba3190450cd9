package extract

import (
	"errors"
	"fmt"
)

// ErrRateLimited marks a failure caused by source-side throttling. It is
// retryable; wrap it into a ResolutionError so callers can test with
// errors.Is.
var ErrRateLimited = errors.New("source rate limited")

// ErrNoExtractor is returned when no registered extractor handles a URL or
// source label.
var ErrNoExtractor = errors.New("no extractor for source")

// ExtractionError reports that collection or first-item metadata could not
// be obtained, typically a network or availability problem.
type ExtractionError struct {
	Source string
	URL    string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: extraction failed for %s: %v", e.Source, e.URL, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ResolutionError reports that a track's metadata was fine but no playable
// stream could be produced (removed, licensing, region lock, throttling).
type ResolutionError struct {
	Source string
	ID     string
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: no playable stream for %s (%s): %v", e.Source, e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: no playable stream for %s (%s)", e.Source, e.ID, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err stems from source throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// FailureReason gives a human-readable, source-specific explanation for a
// resolution failure, used when the queue skips an unplayable track.
func FailureReason(source string, err error) string {
	var re *ResolutionError
	if errors.As(err, &re) && re.Reason != "" {
		return re.Reason
	}

	switch source {
	case "youtube":
		return "the video may be unavailable, age-restricted, or region-blocked"
	case "soundcloud":
		return "the track may be unavailable, region-restricted, or have expired stream URLs"
	case "spotify":
		return "no matching playable stream was found for the track"
	default:
		return "unknown resolution failure"
	}
}
