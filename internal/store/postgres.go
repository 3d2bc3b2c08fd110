package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vibefield/api/internal/geo"
	"vibefield/api/internal/tile"
)

// Row caps keep every scan bounded regardless of bbox size.
const (
	maxNearbyRows = 500
	maxBBoxRows   = 5000
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertPresence replaces the identity's single live record. Writes are
// full-row, so last-writer-wins is the only observable ordering.
func (s *PostgresStore) UpsertPresence(ctx context.Context, rec PresenceRecord) (PresenceRecord, error) {
	const query = `
		INSERT INTO presence (identity_id, lat, lng, vibe, visibility, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity_id) DO UPDATE SET
			lat=EXCLUDED.lat, lng=EXCLUDED.lng, vibe=EXCLUDED.vibe,
			visibility=EXCLUDED.visibility, updated_at=EXCLUDED.updated_at,
			expires_at=EXCLUDED.expires_at
		RETURNING identity_id, lat, lng, vibe, visibility, updated_at, expires_at
	`
	var out PresenceRecord
	err := s.db.QueryRowContext(ctx, query,
		rec.IdentityID, rec.Lat, rec.Lng, rec.Vibe, rec.Visibility, rec.UpdatedAt, rec.ExpiresAt,
	).Scan(&out.IdentityID, &out.Lat, &out.Lng, &out.Vibe, &out.Visibility, &out.UpdatedAt, &out.ExpiresAt)
	if err != nil {
		return PresenceRecord{}, fmt.Errorf("upsert presence: %w", err)
	}
	return out, nil
}

// GetPresence returns the identity's live record, or sql.ErrNoRows if it
// is missing or expired.
func (s *PostgresStore) GetPresence(ctx context.Context, identityID string) (PresenceRecord, error) {
	const query = `
		SELECT identity_id, lat, lng, vibe, visibility, updated_at, expires_at
		FROM presence
		WHERE identity_id = $1 AND expires_at > NOW()
	`
	var rec PresenceRecord
	err := s.db.QueryRowContext(ctx, query, identityID).
		Scan(&rec.IdentityID, &rec.Lat, &rec.Lng, &rec.Vibe, &rec.Visibility, &rec.UpdatedAt, &rec.ExpiresAt)
	if err != nil {
		return PresenceRecord{}, err
	}
	return rec, nil
}

// NearbyQuery describes a radius scan around a viewer.
type NearbyQuery struct {
	Center      geo.Point
	RadiusM     float64
	ViewerID    string
	ExcludeSelf bool
}

// Nearby returns non-expired records within the radius that the viewer may
// see: public records, plus friends-only records where the record's owner
// has an accepted friendship with the viewer. Expiry is always filtered at
// read time; the sweep is storage hygiene only.
func (s *PostgresStore) Nearby(ctx context.Context, q NearbyQuery) ([]PresenceRecord, error) {
	box := geo.BoundingBox(q.Center, q.RadiusM)
	const query = `
		SELECT p.identity_id, p.lat, p.lng, p.vibe, p.visibility, p.updated_at, p.expires_at
		FROM presence p
		WHERE p.expires_at > NOW()
			AND p.lat BETWEEN $1 AND $2
			AND p.lng BETWEEN $3 AND $4
			AND (
				p.visibility = 'public'
				OR (p.visibility = 'friends' AND EXISTS (
					SELECT 1 FROM friendships f
					WHERE f.identity_id = p.identity_id
						AND f.friend_id = $5
						AND f.status = 'accepted'
				))
				OR p.identity_id = $5
			)
		ORDER BY p.updated_at DESC
		LIMIT $6
	`
	rows, err := s.db.QueryContext(ctx, query,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng, q.ViewerID, maxNearbyRows)
	if err != nil {
		return nil, fmt.Errorf("nearby presence: %w", err)
	}
	defer rows.Close()

	var out []PresenceRecord
	for rows.Next() {
		var rec PresenceRecord
		if err := rows.Scan(&rec.IdentityID, &rec.Lat, &rec.Lng, &rec.Vibe, &rec.Visibility, &rec.UpdatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		if q.ExcludeSelf && rec.IdentityID == q.ViewerID {
			continue
		}
		// The bbox is a prefilter; the radius check is exact.
		if geo.DistanceM(q.Center, geo.Point{Lat: rec.Lat, Lng: rec.Lng}) > q.RadiusM {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InBBox returns all non-expired records inside the box, capped. Used by
// tile aggregation and field snapshots; no visibility filtering because
// the output is aggregate-only.
func (s *PostgresStore) InBBox(ctx context.Context, box geo.BBox) ([]PresenceRecord, error) {
	const query = `
		SELECT identity_id, lat, lng, vibe, visibility, updated_at, expires_at
		FROM presence
		WHERE expires_at > NOW()
			AND lat BETWEEN $1 AND $2
			AND lng BETWEEN $3 AND $4
		LIMIT $5
	`
	rows, err := s.db.QueryContext(ctx, query, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng, maxBBoxRows)
	if err != nil {
		return nil, fmt.Errorf("bbox presence: %w", err)
	}
	defer rows.Close()

	var out []PresenceRecord
	for rows.Next() {
		var rec PresenceRecord
		if err := rows.Scan(&rec.IdentityID, &rec.Lat, &rec.Lng, &rec.Vibe, &rec.Visibility, &rec.UpdatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InBBoxObservations is InBBox projected down to the aggregate-only shape
// tile computation and snapshots consume.
func (s *PostgresStore) InBBoxObservations(ctx context.Context, box geo.BBox) ([]tile.Observation, error) {
	records, err := s.InBBox(ctx, box)
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

// SweepExpired purges expired rows. Best-effort: correctness never depends
// on it because every read filters expires_at itself.
func (s *PostgresStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM presence WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("sweep presence: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) UpsertFriendship(ctx context.Context, identityID, friendID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO friendships (identity_id, friend_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_id, friend_id) DO UPDATE SET status=EXCLUDED.status
	`, identityID, friendID, status)
	if err != nil {
		return fmt.Errorf("upsert friendship: %w", err)
	}
	return nil
}

// AreFriends reports whether owner has an accepted friendship with viewer.
func (s *PostgresStore) AreFriends(ctx context.Context, ownerID, viewerID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM friendships
			WHERE identity_id=$1 AND friend_id=$2 AND status='accepted'
		)
	`, ownerID, viewerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check friendship: %w", err)
	}
	return exists, nil
}

// ListFriendIDs returns the identities that have accepted the given
// identity. Bounds the convergence batch to a friends-list-sized N.
func (s *PostgresStore) ListFriendIDs(ctx context.Context, identityID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT friend_id FROM friendships
		WHERE identity_id=$1 AND status='accepted'
		ORDER BY created_at
		LIMIT $2
	`, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TouchTimestamps normalizes a record's times for storage: zero UpdatedAt
// becomes now, and ExpiresAt is derived from the TTL when unset.
func TouchTimestamps(rec *PresenceRecord, now time.Time, ttl time.Duration) {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.UpdatedAt.Add(ttl)
	}
}
