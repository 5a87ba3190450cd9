package extract

import (
	"context"

	"mixqueue/internal/track"
)

// Manager dispatches extraction requests over the registered per-source
// extractors. It is the shared resolution entrypoint used by both the queue
// and the resolver worker pool.
type Manager struct {
	extractors []Extractor
}

// NewManager creates a manager over the given extractors. Registration order
// decides URL dispatch precedence.
func NewManager(extractors ...Extractor) *Manager {
	return &Manager{extractors: extractors}
}

// Register appends an extractor.
func (m *Manager) Register(e Extractor) {
	m.extractors = append(m.extractors, e)
}

// ForURL returns the extractor handling the given URL.
func (m *Manager) ForURL(rawURL string) (Extractor, bool) {
	for _, e := range m.extractors {
		if e.Matches(rawURL) {
			return e, true
		}
	}
	return nil, false
}

// ForSource returns the extractor with the given source label.
func (m *Manager) ForSource(source string) (Extractor, bool) {
	for _, e := range m.extractors {
		if e.Source() == source {
			return e, true
		}
	}
	return nil, false
}

// Resolve dispatches descriptor resolution to the descriptor's source.
func (m *Manager) Resolve(ctx context.Context, d *track.Descriptor) (*track.Item, error) {
	e, ok := m.ForSource(d.Source)
	if !ok {
		return nil, &ResolutionError{Source: d.Source, ID: d.SourceID, Reason: "unknown source", Err: ErrNoExtractor}
	}
	return e.Resolve(ctx, d)
}
