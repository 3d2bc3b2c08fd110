package venues

import (
	"context"
	"log"

	"vibefield/api/internal/geo"
)

// Service is the facade the rest of the app talks to. meili may be nil
// when no catalog is configured; every degraded path yields an empty
// candidate list rather than an error.
type Service struct {
	meili *Meili
}

// NewService creates a venue service. meili may be nil.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili}
}

// Near returns candidates around center, or an empty list when the
// catalog is missing or unhealthy.
func (s *Service) Near(ctx context.Context, center geo.Point, radiusM float64, limit int) []Candidate {
	if s.meili == nil || !s.meili.Healthy() {
		return []Candidate{}
	}
	candidates, err := s.meili.Near(ctx, center, radiusM, limit)
	if err != nil {
		log.Printf("venues: catalog lookup failed: %v", err)
		return []Candidate{}
	}
	if candidates == nil {
		return []Candidate{}
	}
	return candidates
}

// Upsert pushes venue rows into the catalog. Returns false when no
// catalog is configured.
func (s *Service) Upsert(ctx context.Context, candidates []Candidate) (bool, error) {
	if s.meili == nil || !s.meili.Healthy() {
		return false, nil
	}
	if err := s.meili.UpsertVenues(ctx, candidates); err != nil {
		return false, err
	}
	return true, nil
}

// Healthy reports whether the backing catalog is reachable.
func (s *Service) Healthy() bool {
	return s.meili != nil && s.meili.Healthy()
}
