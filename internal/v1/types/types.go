// Package types holds the identifiers and small shared structures used across
// the room runtime. Keeping them here avoids import cycles between the store,
// registry, dispatcher and hub packages.
package types

// RoomID is the opaque identifier of a single game session. Room ids are
// lowercase hex (UUIDs with dashes stripped).
type RoomID string

// UserID uniquely identifies an authenticated user (the JWT subject).
type UserID string

// GameType names a registered game module ("race", "reveal", ...).
type GameType string

// ConnectionID identifies one WebSocket connection of a user. A user may hold
// several connections at once (multiple tabs, reconnect overlap).
type ConnectionID string

// SeatIndex is a player's position inside a room, in [0, MaxSeats).
type SeatIndex int

// RoomVisibility controls lobby listing.
type RoomVisibility string

const (
	VisibilityPublic  RoomVisibility = "public"
	VisibilityPrivate RoomVisibility = "private"
)

// RoomMeta is the metadata record persisted next to the binary game state.
// It is stored as JSON and owned exclusively by the room store.
type RoomMeta struct {
	RoomID     RoomID            `json:"roomId"`
	GameType   GameType          `json:"gameType"`
	Seats      map[UserID]int    `json:"seats"`
	MaxSeats   int               `json:"maxSeats"`
	Visibility RoomVisibility    `json:"visibility"`
	EntryFee   int64             `json:"entryFee"`
	Config     map[string]string `json:"config,omitempty"`
	// TurnStartedAt is the unix-second timestamp of the last turn change.
	// Zero while the game has not started.
	TurnStartedAt int64 `json:"turnStartedAt,omitempty"`
	// DisconnectGrace maps disconnected players to their reclaim deadline
	// (unix seconds).
	DisconnectGrace map[UserID]int64 `json:"disconnectGrace,omitempty"`
	CreatedAt       int64            `json:"createdAt"`
}

// SeatOf returns the seat of a user, or -1 if the user is not seated.
func (m *RoomMeta) SeatOf(userID UserID) SeatIndex {
	if seat, ok := m.Seats[userID]; ok {
		return SeatIndex(seat)
	}
	return -1
}

// FreeSeat returns the lowest-indexed free seat, or -1 if the room is full.
func (m *RoomMeta) FreeSeat() SeatIndex {
	taken := make(map[int]bool, len(m.Seats))
	for _, s := range m.Seats {
		taken[s] = true
	}
	for i := 0; i < m.MaxSeats; i++ {
		if !taken[i] {
			return SeatIndex(i)
		}
	}
	return -1
}

// SeatedUsers returns user ids ordered by seat index.
func (m *RoomMeta) SeatedUsers() []UserID {
	out := make([]UserID, m.MaxSeats)
	for uid, s := range m.Seats {
		if s >= 0 && s < m.MaxSeats {
			out[s] = uid
		}
	}
	users := make([]UserID, 0, len(m.Seats))
	for _, uid := range out {
		if uid != "" {
			users = append(users, uid)
		}
	}
	return users
}
