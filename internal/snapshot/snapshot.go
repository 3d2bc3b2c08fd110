// Package snapshot periodically folds live presence into tile grids for a
// set of configured regions and archives them to object storage. Archives
// are aggregate-only: tiles carry counts and mixes, never identity ids, so
// no location history accumulates for any individual.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"vibefield/api/internal/geo"
	"vibefield/api/internal/tile"
)

// Region is one named area to snapshot.
type Region struct {
	Name       string
	BBox       geo.BBox
	Resolution geo.Resolution
}

// FieldSnapshot is the archived document.
type FieldSnapshot struct {
	Region     string             `json:"region"`
	Resolution geo.Resolution     `json:"resolution"`
	TakenAt    time.Time          `json:"takenAt"`
	Tiles      []tile.SpatialTile `json:"tiles"`
}

// PresenceSource lists live presence inside a box; the Postgres store
// satisfies it.
type PresenceSource interface {
	InBBoxObservations(ctx context.Context, box geo.BBox) ([]tile.Observation, error)
}

// ObjectStore receives finished archives; the MinIO client satisfies it.
type ObjectStore interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) error
}

// Service drives the snapshot cycle.
type Service struct {
	source  PresenceSource
	sink    ObjectStore
	regions []Region
	params  tile.Params
	now     func() time.Time
}

// NewService creates an archiver over the given regions.
func NewService(source PresenceSource, sink ObjectStore, regions []Region, params tile.Params) *Service {
	return &Service{
		source:  source,
		sink:    sink,
		regions: regions,
		params:  params,
		now:     time.Now,
	}
}

// Archive takes one snapshot per region. Empty regions are skipped
// entirely; a region with no tiles produces no object.
func (s *Service) Archive(ctx context.Context) error {
	now := s.now().UTC()
	for _, region := range s.regions {
		obs, err := s.source.InBBoxObservations(ctx, region.BBox)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", region.Name, err)
		}

		tiles := tile.Compute(obs, region.Resolution, now, s.params)
		if len(tiles) == 0 {
			continue
		}

		payload, err := encodeSnapshot(FieldSnapshot{
			Region:     region.Name,
			Resolution: region.Resolution,
			TakenAt:    now,
			Tiles:      tiles,
		})
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", region.Name, err)
		}

		name := fmt.Sprintf("snapshots/%s/%s.json.gz", region.Name, now.Format("2006-01-02T15-04-05Z"))
		if err := s.sink.Put(ctx, name, payload, "application/gzip"); err != nil {
			return fmt.Errorf("archive %s: %w", region.Name, err)
		}
	}
	return nil
}

// Loop archives on every tick until ctx is cancelled. Failures are
// logged, not fatal: snapshots are best-effort background work.
func (s *Service) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Archive(ctx); err != nil {
				log.Printf("snapshot: archive failed: %v", err)
			}
		}
	}
}

func encodeSnapshot(snap FieldSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
