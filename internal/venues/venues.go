// Package venues supplies candidate meeting points from the venue catalog
// collaborator. The production implementation is a Meilisearch index with
// geo filtering; when it is unreachable the service degrades to an empty
// candidate list so downstream ranking renders an empty state.
package venues

import (
	"context"

	"vibefield/api/internal/geo"
)

// Candidate is one venue row from the catalog.
type Candidate struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Pos      geo.Point `json:"position"`
	Category string    `json:"category"`
	OpenNow  string    `json:"openNow"` // "open" | "closed" | "unknown"
	Crowd    *int      `json:"crowd,omitempty"`
}

// Catalog can look up venues around a point.
type Catalog interface {
	Near(ctx context.Context, center geo.Point, radiusM float64, limit int) ([]Candidate, error)
	Healthy() bool
}

// Indexer can push venue rows into the catalog.
type Indexer interface {
	UpsertVenues(ctx context.Context, candidates []Candidate) error
}
