package venues

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"vibefield/api/internal/geo"
)

const idxVenues = "vibefield_venues"

// Meili implements Catalog and Indexer via Meilisearch geo filtering.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// venueDoc is the indexed document shape. Meilisearch requires the
// coordinates under the reserved _geo field for _geoRadius filters.
type venueDoc struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Category string   `json:"category"`
	OpenNow  string   `json:"openNow"`
	Crowd    *int     `json:"crowd,omitempty"`
	Geo      geoPoint `json:"_geo"`
}

type geoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NewMeili creates a Meilisearch client and configures the venue index.
// Returns nil if the initial connection fails (caller should proceed
// without a catalog).
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("venues: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxVenues,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("venues: create index %s (may already exist): %v", idxVenues, err)
	}

	index := m.client.Index(idxVenues)
	filterable := []interface{}{"category", "openNow", "_geo"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("venues: update filterable attrs: %v", err)
	}
	sortable := []string{"_geoPoint"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("venues: update sortable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("venues: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Near returns venues within radiusM of center, nearest first.
func (m *Meili) Near(ctx context.Context, center geo.Point, radiusM float64, limit int) ([]Candidate, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit:  int64(limit),
		Filter: fmt.Sprintf("_geoRadius(%f, %f, %d)", center.Lat, center.Lng, int(radiusM)),
		Sort:   []string{fmt.Sprintf("_geoPoint(%f, %f):asc", center.Lat, center.Lng)},
	}

	resp, err := m.client.Index(idxVenues).SearchWithContext(ctx, "", sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch venue search: %w", err)
	}

	candidates := make([]Candidate, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		candidates = append(candidates, hitToCandidate(hit))
	}
	return candidates, nil
}

func hitToCandidate(hit meili.Hit) Candidate {
	c := Candidate{
		ID:       decodeString(hit, "id"),
		Name:     decodeString(hit, "name"),
		Category: decodeString(hit, "category"),
		OpenNow:  decodeString(hit, "openNow"),
	}
	if c.OpenNow == "" {
		c.OpenNow = "unknown"
	}

	if raw, ok := hit["_geo"]; ok {
		var p geoPoint
		if err := json.Unmarshal(raw, &p); err == nil {
			c.Pos = geo.Point{Lat: p.Lat, Lng: p.Lng}
		}
	}
	if raw, ok := hit["crowd"]; ok {
		var crowd int
		if err := json.Unmarshal(raw, &crowd); err == nil {
			c.Crowd = &crowd
		}
	}
	return c
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// UpsertVenues adds or replaces venue rows in the catalog index.
func (m *Meili) UpsertVenues(ctx context.Context, candidates []Candidate) error {
	if len(candidates) == 0 {
		return nil
	}

	docs := make([]venueDoc, 0, len(candidates))
	for _, c := range candidates {
		openNow := c.OpenNow
		if openNow == "" {
			openNow = "unknown"
		}
		docs = append(docs, venueDoc{
			ID:       c.ID,
			Name:     c.Name,
			Category: c.Category,
			OpenNow:  openNow,
			Crowd:    c.Crowd,
			Geo:      geoPoint{Lat: c.Pos.Lat, Lng: c.Pos.Lng},
		})
	}

	_, err := m.client.Index(idxVenues).AddDocumentsWithContext(ctx, docs, nil)
	if err != nil {
		return fmt.Errorf("index venues: %w", err)
	}
	return nil
}
