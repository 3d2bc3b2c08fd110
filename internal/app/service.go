package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"vibefield/api/internal/bus"
	"vibefield/api/internal/cache"
	"vibefield/api/internal/config"
	"vibefield/api/internal/converge"
	"vibefield/api/internal/flow"
	"vibefield/api/internal/geo"
	"vibefield/api/internal/policy"
	"vibefield/api/internal/store"
	"vibefield/api/internal/tile"
	"vibefield/api/internal/track"
	"vibefield/api/internal/util"
	"vibefield/api/internal/venues"
)

// Bounds on read queries; every query pays for its own cost.
const (
	maxNearbyRadiusM = 5000.0
	maxBBoxSpanDeg   = 1.0
	tileCacheTTL     = 10 * time.Second
	venueLimit       = 20
	friendLimit      = 24
)

var allowedVisibility = map[string]struct{}{
	store.VisibilityPublic:  {},
	store.VisibilityFriends: {},
}

type presenceStore interface {
	UpsertPresence(context.Context, store.PresenceRecord) (store.PresenceRecord, error)
	GetPresence(context.Context, string) (store.PresenceRecord, error)
	Nearby(context.Context, store.NearbyQuery) ([]store.PresenceRecord, error)
	InBBox(context.Context, geo.BBox) ([]store.PresenceRecord, error)
	SweepExpired(context.Context) (int64, error)
	Ping(context.Context) error
	AreFriends(context.Context, string, string) (bool, error)
	ListFriendIDs(context.Context, string, int) ([]string, error)
	UpsertFriendship(context.Context, string, string, string) error
}

type trajectoryStore interface {
	Append(context.Context, string, track.Sample) error
	Recent(context.Context, string, int) ([]track.Sample, error)
	Head(context.Context, string) (track.Sample, bool, error)
}

type policyStateStore interface {
	Get(context.Context, string, string) (policy.State, error)
	MarkChanged(context.Context, string, string, time.Time, *int) error
}

type venueCatalog interface {
	Near(context.Context, geo.Point, float64, int) []venues.Candidate
	Upsert(context.Context, []venues.Candidate) (bool, error)
	Healthy() bool
}

type pinger interface {
	Ping(context.Context) error
}

type Service struct {
	cfg         config.Config
	presence    presenceStore
	tracks      trajectoryStore
	policyState policyStateStore
	catalog     venueCatalog
	publisher   bus.Publisher
	redis       pinger

	tileCache *cache.TTL[[]tile.SpatialTile]

	tileParams     tile.Params
	convergeParams converge.Params
	etaOverride    converge.ETAFunc

	now func() time.Time
}

// New wires the service. publisher may be bus.Nop{} and catalog a
// nil-backed venues.Service when those collaborators are not configured.
func New(cfg config.Config, presence presenceStore, tracks trajectoryStore, policyState policyStateStore, catalog venueCatalog, publisher bus.Publisher, redis pinger) *Service {
	return &Service{
		cfg:            cfg,
		presence:       presence,
		tracks:         tracks,
		policyState:    policyState,
		catalog:        catalog,
		publisher:      publisher,
		redis:          redis,
		tileCache:      cache.New[[]tile.SpatialTile](tileCacheTTL),
		tileParams:     tile.DefaultParams(),
		convergeParams: converge.DefaultParams(),
		now:            time.Now,
	}
}

// SetETAOverride installs the transit collaborator's travel-time
// estimator. Without one, venue ranking falls back to walking estimates.
func (s *Service) SetETAOverride(fn converge.ETAFunc) {
	s.etaOverride = fn
}

// UpsertPresenceInput is the write-path request body.
type UpsertPresenceInput struct {
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	Vibe       string   `json:"vibe"`
	Visibility string   `json:"visibility"`
	Energy     *float64 `json:"energy,omitempty"`

	Theta float64 `json:"theta"`
	Omega float64 `json:"omega"`
	Band  *int    `json:"band,omitempty"`

	VenueSafetySuppressed bool `json:"venueSafetySuppressed"`
}

// UpsertPresence validates, runs the policy ladder, and only then writes.
// A denial is a successful call whose result carries the decision; the
// caller is expected to see denials often.
func (s *Service) UpsertPresence(ctx context.Context, identityID string, input UpsertPresenceInput) (map[string]any, error) {
	pos := geo.Point{Lat: input.Lat, Lng: input.Lng}
	if err := geo.Validate(pos); err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_POSITION", err.Error(), nil)
	}
	if input.Vibe == "" {
		return nil, domainError(http.StatusBadRequest, "INVALID_VIBE", "vibe is required", nil)
	}
	visibility := input.Visibility
	if visibility == "" {
		visibility = store.VisibilityPublic
	}
	if _, ok := allowedVisibility[visibility]; !ok {
		return nil, domainError(http.StatusBadRequest, "INVALID_VISIBILITY", "visibility must be public or friends", nil)
	}

	now := s.now().UTC()

	st, err := s.policyState.Get(ctx, identityID, "presence")
	if err != nil {
		return nil, fmt.Errorf("read policy state: %w", err)
	}

	decision := policy.Evaluate(policy.Input{
		ClassKey:              "presence",
		Theta:                 input.Theta,
		Omega:                 input.Omega,
		Now:                   now,
		LastChangeAt:          st.LastChangeAt,
		Band:                  input.Band,
		PrevBand:              st.PrevBand,
		VenueSafetySuppressed: input.VenueSafetySuppressed,
	})
	if !decision.Allowed {
		return map[string]any{
			"accepted": false,
			"decision": decision,
		}, nil
	}

	rec := store.PresenceRecord{
		IdentityID: identityID,
		Lat:        pos.Lat,
		Lng:        pos.Lng,
		Vibe:       input.Vibe,
		Visibility: visibility,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.PresenceTTL),
	}
	saved, err := s.presence.UpsertPresence(ctx, rec)
	if err != nil {
		return nil, err
	}

	if err := s.policyState.MarkChanged(ctx, identityID, "presence", now, input.Band); err != nil {
		log.Printf("presence: mark policy state for %s: %v", identityID, err)
	}

	if err := s.tracks.Append(ctx, identityID, track.Sample{
		Lat:    saved.Lat,
		Lng:    saved.Lng,
		T:      now.Unix(),
		Energy: input.Energy,
	}); err != nil {
		log.Printf("presence: append trajectory for %s: %v", identityID, err)
	}

	// The published event carries the tile, not the raw position: banded
	// redaction holds on the wire.
	tileID := geo.CellID(pos, geo.ResolutionDistrict)
	if err := s.publisher.Publish(ctx, bus.Event{
		EventID:    util.NewID("ev"),
		IdentityID: identityID,
		Vibe:       saved.Vibe,
		Visibility: saved.Visibility,
		TileID:     tileID,
		Redaction:  decision.RedactionLevel,
		UpdatedAt:  saved.UpdatedAt,
	}); err != nil {
		log.Printf("presence: publish event for %s: %v", identityID, err)
	}

	return map[string]any{
		"accepted": true,
		"decision": decision,
		"record": map[string]any{
			"identityId": saved.IdentityID,
			"vibe":       saved.Vibe,
			"visibility": saved.Visibility,
			"tileId":     tileID,
			"updatedAt":  saved.UpdatedAt,
			"expiresAt":  saved.ExpiresAt,
		},
	}, nil
}

// OwnPresence returns the caller's live record, precise and unredacted.
func (s *Service) OwnPresence(ctx context.Context, identityID string) (map[string]any, error) {
	rec, err := s.presence.GetPresence(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"identityId": rec.IdentityID,
		"position":   geo.Point{Lat: rec.Lat, Lng: rec.Lng},
		"vibe":       rec.Vibe,
		"visibility": rec.Visibility,
		"updatedAt":  rec.UpdatedAt,
		"expiresAt":  rec.ExpiresAt,
	}, nil
}

// Nearby returns visible presence around the viewer. Authorization is
// enforced in the store; visibilityFilter only narrows the result further
// ("" means all the viewer may see). Other identities' positions are
// coarsened to their cell centers; only the viewer's own record comes
// back precise.
func (s *Service) Nearby(ctx context.Context, viewerID string, center geo.Point, radiusM float64, visibilityFilter string, includeSelf bool) (map[string]any, error) {
	if err := geo.Validate(center); err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_POSITION", err.Error(), nil)
	}
	if visibilityFilter != "" {
		if _, ok := allowedVisibility[visibilityFilter]; !ok {
			return nil, domainError(http.StatusBadRequest, "INVALID_VISIBILITY", "visibility must be public or friends", nil)
		}
	}
	if radiusM <= 0 {
		radiusM = 500
	}
	if radiusM > maxNearbyRadiusM {
		radiusM = maxNearbyRadiusM
	}

	records, err := s.presence.Nearby(ctx, store.NearbyQuery{
		Center:      center,
		RadiusM:     radiusM,
		ViewerID:    viewerID,
		ExcludeSelf: !includeSelf,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if visibilityFilter != "" && rec.Visibility != visibilityFilter {
			continue
		}
		pos := geo.Point{Lat: rec.Lat, Lng: rec.Lng}
		shown := geo.CellCenter(pos, geo.ResolutionDistrict)
		if rec.IdentityID == viewerID {
			shown = pos
		}
		entries = append(entries, map[string]any{
			"identityId": rec.IdentityID,
			"position":   shown,
			"vibe":       rec.Vibe,
			"visibility": rec.Visibility,
			"distanceM":  int(geo.DistanceM(center, pos)),
			"updatedAt":  rec.UpdatedAt,
		})
	}

	return map[string]any{
		"results": entries,
		"total":   len(entries),
	}, nil
}

// Tiles aggregates live presence into cells over the bbox, with a short
// read-through cache since tiles are stale-tolerant by design.
func (s *Service) Tiles(ctx context.Context, box geo.BBox, res geo.Resolution) (map[string]any, error) {
	if !box.Valid() {
		return nil, domainError(http.StatusBadRequest, "INVALID_BBOX", "bounding box is malformed", nil)
	}
	if box.MaxLat-box.MinLat > maxBBoxSpanDeg || box.MaxLng-box.MinLng > maxBBoxSpanDeg {
		return nil, domainError(http.StatusBadRequest, "BBOX_TOO_LARGE", "bounding box exceeds the query span limit", nil)
	}
	if !geo.ValidResolution(res) {
		return nil, domainError(http.StatusBadRequest, "INVALID_RESOLUTION", "unsupported tile resolution", nil)
	}

	// Full-precision key: nearby-but-distinct boxes must not share entries.
	key := fmt.Sprintf("tiles:%d:%s:%s:%s:%s", res,
		formatCoord(box.MinLat), formatCoord(box.MinLng),
		formatCoord(box.MaxLat), formatCoord(box.MaxLng))
	if tiles, ok := s.tileCache.Get(key); ok {
		return tileResponse(tiles, true), nil
	}

	obs, err := s.observationsInBBox(ctx, box)
	if err != nil {
		return nil, err
	}
	tiles := tile.Compute(obs, res, s.now().UTC(), s.tileParams)
	s.tileCache.Set(key, tiles)
	return tileResponse(tiles, false), nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func tileResponse(tiles []tile.SpatialTile, cached bool) map[string]any {
	if tiles == nil {
		tiles = []tile.SpatialTile{}
	}
	return map[string]any{
		"tiles":  tiles,
		"total":  len(tiles),
		"cached": cached,
	}
}

func (s *Service) observationsInBBox(ctx context.Context, box geo.BBox) ([]tile.Observation, error) {
	records, err := s.presence.InBBox(ctx, box)
	if err != nil {
		return nil, err
	}
	obs := make([]tile.Observation, 0, len(records))
	for _, rec := range records {
		obs = append(obs, tile.Observation{
			Pos:       geo.Point{Lat: rec.Lat, Lng: rec.Lng},
			Vibe:      rec.Vibe,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return obs, nil
}

// ConvergenceFriends runs pairwise detection across the caller and their
// accepted friends. The batch is friends-list sized by construction.
func (s *Service) ConvergenceFriends(ctx context.Context, identityID string) (map[string]any, error) {
	friendIDs, err := s.presence.ListFriendIDs(ctx, identityID, s.convergeParams.MaxAgents-1)
	if err != nil {
		return nil, err
	}

	agents := append([]string{identityID}, friendIDs...)
	trajectories := make([]converge.Trajectory, 0, len(agents))
	for _, id := range agents {
		samples, err := s.tracks.Recent(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		if len(samples) < 2 {
			continue
		}
		trajectories = append(trajectories, toTrajectory(id, samples))
	}

	predictions := converge.DetectAll(trajectories, s.now().UTC(), s.convergeParams)
	if predictions == nil {
		predictions = []converge.Prediction{}
	}
	return map[string]any{
		"predictions": predictions,
		"total":       len(predictions),
	}, nil
}

// ConvergenceVenues ranks meeting venues between the caller and one peer.
// Peers must be accepted friends; strangers cannot be targeted.
func (s *Service) ConvergenceVenues(ctx context.Context, identityID, peerID string, radiusM float64) (map[string]any, error) {
	if peerID == "" || peerID == identityID {
		return nil, domainError(http.StatusBadRequest, "INVALID_PEER", "peer identity required", nil)
	}
	friends, err := s.presence.AreFriends(ctx, peerID, identityID)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, domainError(http.StatusForbidden, "NOT_FRIENDS", "peer has not accepted you", nil)
	}

	selfHead, ok, err := s.tracks.Head(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "NO_PRESENCE", "broadcast your presence first", nil)
	}
	peerHead, ok, err := s.tracks.Head(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"venues": []converge.RankedPoint{}, "total": 0}, nil
	}

	selfPos := selfHead.Point()
	peerPos := peerHead.Point()

	if radiusM <= 0 {
		// Search around the midpoint, wide enough to cover both agents.
		radiusM = geo.DistanceM(selfPos, peerPos)/2 + 500
	}
	if radiusM > maxNearbyRadiusM {
		radiusM = maxNearbyRadiusM
	}
	mid := geo.Midpoint(selfPos, peerPos)
	candidates := s.catalog.Near(ctx, mid, radiusM, venueLimit)

	trend := s.peerTrend(ctx, peerID)
	ranked := converge.RankVenues(selfPos, peerPos, trend.Dir, trend.Mag, toVenues(candidates), s.etaOverride)
	if ranked == nil {
		ranked = []converge.RankedPoint{}
	}

	return map[string]any{
		"venues": ranked,
		"total":  len(ranked),
	}, nil
}

// peerTrend derives the peer's recent energy momentum; missing energy
// readings degrade to a flat trend.
func (s *Service) peerTrend(ctx context.Context, peerID string) flow.Momentum {
	samples, err := s.tracks.Recent(ctx, peerID, 0)
	if err != nil {
		log.Printf("converge: peer trend for %s: %v", peerID, err)
		return flow.Momentum{}
	}
	return flow.ComputeMomentum(energySeries(samples), 3)
}

// FlowMomentum reports the caller's own energy trend.
func (s *Service) FlowMomentum(ctx context.Context, identityID string) (map[string]any, error) {
	samples, err := s.tracks.Recent(ctx, identityID, 0)
	if err != nil {
		return nil, err
	}
	m := flow.ComputeMomentum(energySeries(samples), 3)
	return map[string]any{
		"dir": m.Dir,
		"mag": m.Mag,
	}, nil
}

// FlowCohesion reports how much the caller's recent path overlapped with
// their friends' latest positions.
func (s *Service) FlowCohesion(ctx context.Context, identityID string) (map[string]any, error) {
	samples, err := s.tracks.Recent(ctx, identityID, 0)
	if err != nil {
		return nil, err
	}
	path := make([]flow.PathPoint, 0, len(samples))
	for _, sm := range samples {
		path = append(path, flow.PathPoint{Pos: sm.Point(), T: sm.Time()})
	}

	friendIDs, err := s.presence.ListFriendIDs(ctx, identityID, friendLimit)
	if err != nil {
		return nil, err
	}
	heads := make([]flow.PathPoint, 0, len(friendIDs))
	for _, id := range friendIDs {
		head, ok, err := s.tracks.Head(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		heads = append(heads, flow.PathPoint{Pos: head.Point(), T: head.Time()})
	}

	c := flow.ComputeCohesion(path, heads, 0, 0)
	return map[string]any{
		"cohesion": c.Cohesion,
		"nearby":   c.Nearby,
	}, nil
}

// SeedVenues pushes catalog rows from the venue collaborator's sync job.
func (s *Service) SeedVenues(ctx context.Context, candidates []venues.Candidate) (map[string]any, error) {
	for _, c := range candidates {
		if c.ID == "" {
			return nil, domainError(http.StatusBadRequest, "INVALID_VENUE", "venue id is required", nil)
		}
		if err := geo.Validate(c.Pos); err != nil {
			return nil, domainError(http.StatusBadRequest, "INVALID_VENUE", fmt.Sprintf("venue %s: %v", c.ID, err), nil)
		}
	}

	indexed, err := s.catalog.Upsert(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("seed venues: %w", err)
	}
	return map[string]any{
		"indexed": indexed,
		"count":   len(candidates),
	}, nil
}

// SeedFriendship records an accepted relationship from the identity
// collaborator's sync job.
func (s *Service) SeedFriendship(ctx context.Context, identityID, friendID string) error {
	if identityID == "" || friendID == "" || identityID == friendID {
		return domainError(http.StatusBadRequest, "INVALID_FRIENDSHIP", "two distinct identities required", nil)
	}
	return s.presence.UpsertFriendship(ctx, identityID, friendID, "accepted")
}

// Sweep purges expired presence rows; storage hygiene only.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.presence.SweepExpired(ctx)
}

// SweepLoop runs Sweep on an interval until ctx is cancelled.
func (s *Service) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("presence: sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("presence: swept %d expired rows", n)
			}
		}
	}
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// CatalogHealthy reports whether the venue catalog is reachable. A down
// catalog degrades venue ranking to empty results, it does not make the
// service unready.
func (s *Service) CatalogHealthy() bool {
	return s.catalog.Healthy()
}

// Ping verifies both storage backends.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.presence.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func toTrajectory(id string, samples []track.Sample) converge.Trajectory {
	out := converge.Trajectory{AgentID: id, Samples: make([]converge.Sample, 0, len(samples))}
	for _, sm := range samples {
		out.Samples = append(out.Samples, converge.Sample{Pos: sm.Point(), T: sm.Time()})
	}
	return out
}

func toVenues(candidates []venues.Candidate) []converge.Venue {
	out := make([]converge.Venue, 0, len(candidates))
	for _, c := range candidates {
		open := converge.OpenUnknown
		switch c.OpenNow {
		case "open":
			open = converge.OpenYes
		case "closed":
			open = converge.OpenNo
		}
		out = append(out, converge.Venue{
			ID:       c.ID,
			Pos:      c.Pos,
			Category: c.Category,
			OpenNow:  open,
			Crowd:    c.Crowd,
		})
	}
	return out
}

func energySeries(samples []track.Sample) []float64 {
	out := make([]float64, 0, len(samples))
	for _, sm := range samples {
		if sm.Energy == nil {
			continue
		}
		out = append(out, *sm.Energy)
	}
	return out
}
