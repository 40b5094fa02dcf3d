// internal/websocket/room.go
package websocket

import "time"

// Room is a call room opened for one relationship. Only the relationship's
// accounts may join it. It lives while at least one client is joined; a room
// nobody joined expires after the hub's pending TTL.
type Room struct {
	ID             string
	RelationshipID int64
	CreatedAt      time.Time

	allowed map[int64]bool
	members map[*Client]bool
	joined  bool
}

func newRoom(id string, relationshipID int64, allowed []int64, now time.Time) *Room {
	r := &Room{
		ID:             id,
		RelationshipID: relationshipID,
		CreatedAt:      now,
		allowed:        make(map[int64]bool, len(allowed)),
		members:        make(map[*Client]bool),
	}
	for _, id := range allowed {
		r.allowed[id] = true
	}
	return r
}

// Allows reports whether identityID may join the room.
func (r *Room) Allows(identityID int64) bool {
	return r.allowed[identityID]
}

// Participants returns the distinct identities present, sorted. Several
// connections of one identity count once.
func (r *Room) Participants() []string {
	set := make(map[string]struct{}, len(r.members))
	for c := range r.members {
		set[ParticipantID(c.identityID)] = struct{}{}
	}
	return sortedKeys(set)
}

func (r *Room) hasIdentity(identityID int64) bool {
	for c := range r.members {
		if c.identityID == identityID {
			return true
		}
	}
	return false
}

func (r *Room) distinctIdentities() int {
	seen := make(map[int64]struct{}, len(r.members))
	for c := range r.members {
		seen[c.identityID] = struct{}{}
	}
	return len(seen)
}

func (r *Room) expired(now time.Time, ttl time.Duration) bool {
	return len(r.members) == 0 && !r.joined && now.Sub(r.CreatedAt) > ttl
}
