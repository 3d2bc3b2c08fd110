package store

import "time"

// Visibility controls who may see a presence record in nearby queries.
const (
	VisibilityPublic  = "public"
	VisibilityFriends = "friends"
)

// PresenceRecord is the single live position row for an identity. A record
// whose ExpiresAt has passed is treated as absent by every read path,
// whether or not the background sweep has removed it yet.
type PresenceRecord struct {
	IdentityID string
	Lat        float64
	Lng        float64
	Vibe       string
	Visibility string
	UpdatedAt  time.Time
	ExpiresAt  time.Time
}

// Friendship is an accepted relationship between two identities, stored
// once per direction by the identity collaborator's sync job.
type Friendship struct {
	IdentityID string
	FriendID   string
	Status     string
	CreatedAt  time.Time
}
