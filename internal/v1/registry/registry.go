// Package registry owns every global Redis index: room listings by game type,
// activity and turn-due sorted sets, the short-code bijection, user to room
// mapping, connection heartbeats, the online set, disconnect tickets and
// per-user rate-limit counters. The store package owns the per-room record
// keys; nothing else writes the keys below.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

const (
	roomRegistryKey      = "global:room_registry"
	shortCodesKey        = "global:short_codes"
	roomShortCodesKey    = "global:room_short_codes"
	shortCodeCounterKey  = "global:short_code_counter"
	userRoomsKey         = "global:user_rooms"
	onlineUsersKey       = "global:online_users"
	disconnectedIndexKey = "global:disconnected_players_index"

	// ConnectionTTL is how long a connection entry counts as alive without a
	// heartbeat.
	ConnectionTTL = 2 * time.Minute
)

// rateLimitScript makes the INCR and the first-touch EXPIRE a single
// round-trip so a crashed client can never leave an immortal counter behind.
var rateLimitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count`)

func roomsIndexKey(gt types.GameType) string    { return fmt.Sprintf("index:rooms:%s", gt) }
func activityIndexKey(gt types.GameType) string { return fmt.Sprintf("index:activity:%s", gt) }
func timeoutsIndexKey(gt types.GameType) string { return fmt.Sprintf("index:timeouts:%s", gt) }
func connectionsKey(u types.UserID) string {
	return fmt.Sprintf("global:user_connections:%s", u)
}
func disconnectTicketKey(u types.UserID) string {
	return fmt.Sprintf("global:disconnected_players:%s", u)
}
func rateLimitKey(u types.UserID) string { return fmt.Sprintf("ratelimit:%s", u) }

// Registry provides the global index operations.
type Registry struct {
	rdb redis.UniversalClient
}

func New(rdb redis.UniversalClient) *Registry {
	return &Registry{rdb: rdb}
}

// --- Room indexes -----------------------------------------------------------

// RegisterRoom records the roomId to gameType mapping and indexes the room by
// creation time. Idempotent.
func (r *Registry) RegisterRoom(ctx context.Context, roomID types.RoomID, gt types.GameType, createdAt time.Time) error {
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, roomRegistryKey, string(roomID), string(gt))
	pipe.ZAdd(ctx, roomsIndexKey(gt), redis.Z{Score: float64(createdAt.Unix()), Member: string(roomID)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: register room %s: %w", roomID, err)
	}
	return nil
}

// GameTypeOf resolves a room id to its game type.
func (r *Registry) GameTypeOf(ctx context.Context, roomID types.RoomID) (types.GameType, bool, error) {
	gt, err := r.rdb.HGet(ctx, roomRegistryKey, string(roomID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: resolve %s: %w", roomID, err)
	}
	return types.GameType(gt), true, nil
}

// RoomIDsByGameType pages through rooms of a game type in creation order.
func (r *Registry) RoomIDsByGameType(ctx context.Context, gt types.GameType, offset, count int64) ([]types.RoomID, error) {
	members, err := r.rdb.ZRange(ctx, roomsIndexKey(gt), offset, offset+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: list rooms for %s: %w", gt, err)
	}
	return toRoomIDs(members), nil
}

// UpdateRoomActivity bumps the room's last-touched score.
func (r *Registry) UpdateRoomActivity(ctx context.Context, roomID types.RoomID, gt types.GameType, at time.Time) error {
	err := r.rdb.ZAdd(ctx, activityIndexKey(gt), redis.Z{Score: float64(at.Unix()), Member: string(roomID)}).Err()
	if err != nil {
		return fmt.Errorf("registry: touch activity for %s: %w", roomID, err)
	}
	return nil
}

// LeastActiveRooms returns up to limit rooms whose last activity is at or
// before the cutoff, oldest first. The sweep uses it to age rooms out.
func (r *Registry) LeastActiveRooms(ctx context.Context, gt types.GameType, cutoff time.Time, limit int64) ([]types.RoomID, error) {
	members, err := r.rdb.ZRangeByScore(ctx, activityIndexKey(gt), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: least active for %s: %w", gt, err)
	}
	return toRoomIDs(members), nil
}

// UnregisterRoom removes the room from every index, including its short code
// if one was allocated.
func (r *Registry) UnregisterRoom(ctx context.Context, roomID types.RoomID, gt types.GameType) error {
	code, err := r.rdb.HGet(ctx, roomShortCodesKey, string(roomID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("registry: lookup code for %s: %w", roomID, err)
	}

	pipe := r.rdb.Pipeline()
	pipe.HDel(ctx, roomRegistryKey, string(roomID))
	pipe.ZRem(ctx, roomsIndexKey(gt), string(roomID))
	pipe.ZRem(ctx, activityIndexKey(gt), string(roomID))
	pipe.ZRem(ctx, timeoutsIndexKey(gt), string(roomID))
	if code != "" {
		pipe.HDel(ctx, shortCodesKey, code)
		pipe.HDel(ctx, roomShortCodesKey, string(roomID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: unregister %s: %w", roomID, err)
	}
	return nil
}

// --- Turn-timeout due index -------------------------------------------------

// RegisterTurnTimeout schedules a room for the timeout sweep at dueAt.
// Reinserting overwrites the previous due time.
func (r *Registry) RegisterTurnTimeout(ctx context.Context, roomID types.RoomID, gt types.GameType, dueAt time.Time) error {
	err := r.rdb.ZAdd(ctx, timeoutsIndexKey(gt), redis.Z{Score: float64(dueAt.Unix()), Member: string(roomID)}).Err()
	if err != nil {
		return fmt.Errorf("registry: register timeout for %s: %w", roomID, err)
	}
	return nil
}

// UnregisterTurnTimeout removes the room's due entry.
func (r *Registry) UnregisterTurnTimeout(ctx context.Context, roomID types.RoomID, gt types.GameType) error {
	if err := r.rdb.ZRem(ctx, timeoutsIndexKey(gt), string(roomID)).Err(); err != nil {
		return fmt.Errorf("registry: unregister timeout for %s: %w", roomID, err)
	}
	return nil
}

// RoomsDueForTimeout returns up to limit rooms whose due time is at or before
// now. Equal scores come back in lexical member order, which keeps the sweep
// deterministic.
func (r *Registry) RoomsDueForTimeout(ctx context.Context, gt types.GameType, now time.Time, limit int64) ([]types.RoomID, error) {
	members, err := r.rdb.ZRangeByScore(ctx, timeoutsIndexKey(gt), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: due rooms for %s: %w", gt, err)
	}
	return toRoomIDs(members), nil
}

// --- Short codes --------------------------------------------------------------

// shortCodeAlphabet has 32 characters with the look-alikes (0/O, 1/I/L)
// removed.
const shortCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	shortCodeLength   = 5
	shortCodeAttempts = 10

	// Two odd multipliers scramble the monotonically increasing counter so
	// consecutive rooms do not receive visually adjacent codes.
	spreadA = 2654435761
	spreadB = 2246822519
)

func encodeShortCode(counter uint64) string {
	h := (counter * spreadA) & 0xFFFFFFFF
	h = (h * spreadB) & 0xFFFFFFFF

	var buf [shortCodeLength]byte
	for i := range buf {
		buf[i] = shortCodeAlphabet[h&31]
		h >>= 5
	}
	return string(buf[:])
}

// AllocateShortCode assigns the room a unique 5-character code. The counter
// increment plus the conditional insert make the code a bijection; on a
// collision (counter wrapped into an occupied slot) the loop draws again.
func (r *Registry) AllocateShortCode(ctx context.Context, roomID types.RoomID) (string, error) {
	for attempt := 0; attempt < shortCodeAttempts; attempt++ {
		counter, err := r.rdb.Incr(ctx, shortCodeCounterKey).Result()
		if err != nil {
			return "", fmt.Errorf("registry: short code counter: %w", err)
		}
		code := encodeShortCode(uint64(counter))

		inserted, err := r.rdb.HSetNX(ctx, shortCodesKey, code, string(roomID)).Result()
		if err != nil {
			return "", fmt.Errorf("registry: insert short code: %w", err)
		}
		if !inserted {
			continue
		}
		if err := r.rdb.HSet(ctx, roomShortCodesKey, string(roomID), code).Err(); err != nil {
			return "", fmt.Errorf("registry: map room to code: %w", err)
		}
		return code, nil
	}
	return "", fmt.Errorf("registry: could not allocate a short code after %d attempts", shortCodeAttempts)
}

// RoomIDByShortCode resolves a code back to its room.
func (r *Registry) RoomIDByShortCode(ctx context.Context, code string) (types.RoomID, bool, error) {
	id, err := r.rdb.HGet(ctx, shortCodesKey, code).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: resolve code %s: %w", code, err)
	}
	return types.RoomID(id), true, nil
}

// ShortCodeOf returns the code allocated to a room, if any.
func (r *Registry) ShortCodeOf(ctx context.Context, roomID types.RoomID) (string, bool, error) {
	code, err := r.rdb.HGet(ctx, roomShortCodesKey, string(roomID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: code of %s: %w", roomID, err)
	}
	return code, true, nil
}

// --- User to room -------------------------------------------------------------

// SetUserRoom records the single room a user is seated in.
func (r *Registry) SetUserRoom(ctx context.Context, userID types.UserID, roomID types.RoomID) error {
	if err := r.rdb.HSet(ctx, userRoomsKey, string(userID), string(roomID)).Err(); err != nil {
		return fmt.Errorf("registry: set user room: %w", err)
	}
	return nil
}

// UserRoom returns the room the user is seated in.
func (r *Registry) UserRoom(ctx context.Context, userID types.UserID) (types.RoomID, bool, error) {
	id, err := r.rdb.HGet(ctx, userRoomsKey, string(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: user room: %w", err)
	}
	return types.RoomID(id), true, nil
}

// ClearUserRoom removes the user's seating record.
func (r *Registry) ClearUserRoom(ctx context.Context, userID types.UserID) error {
	if err := r.rdb.HDel(ctx, userRoomsKey, string(userID)).Err(); err != nil {
		return fmt.Errorf("registry: clear user room: %w", err)
	}
	return nil
}

// --- Connections and presence ---------------------------------------------

// Heartbeat registers or refreshes a connection and marks the user online.
// Entries older than the TTL are pruned on every touch.
func (r *Registry) Heartbeat(ctx context.Context, userID types.UserID, connID types.ConnectionID, at time.Time) error {
	stale := fmt.Sprintf("%d", at.Add(-ConnectionTTL).Unix())

	pipe := r.rdb.Pipeline()
	key := connectionsKey(userID)
	pipe.ZRemRangeByScore(ctx, key, "-inf", stale)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.Unix()), Member: string(connID)})
	pipe.Expire(ctx, key, ConnectionTTL)
	pipe.ZAdd(ctx, onlineUsersKey, redis.Z{Score: float64(at.Unix()), Member: string(userID)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: heartbeat %s/%s: %w", userID, connID, err)
	}
	return nil
}

// RemoveConnection drops one connection and returns how many live connections
// the user still has after pruning.
func (r *Registry) RemoveConnection(ctx context.Context, userID types.UserID, connID types.ConnectionID, now time.Time) (int64, error) {
	stale := fmt.Sprintf("%d", now.Add(-ConnectionTTL).Unix())
	key := connectionsKey(userID)

	pipe := r.rdb.Pipeline()
	pipe.ZRem(ctx, key, string(connID))
	pipe.ZRemRangeByScore(ctx, key, "-inf", stale)
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("registry: remove connection %s/%s: %w", userID, connID, err)
	}
	return countCmd.Val(), nil
}

// IsOnline reports whether the user has heartbeated within the TTL. The online
// set is pruned lazily on each call.
func (r *Registry) IsOnline(ctx context.Context, userID types.UserID, now time.Time) (bool, error) {
	stale := fmt.Sprintf("%d", now.Add(-ConnectionTTL).Unix())
	if err := r.rdb.ZRemRangeByScore(ctx, onlineUsersKey, "-inf", stale).Err(); err != nil {
		return false, fmt.Errorf("registry: prune online set: %w", err)
	}

	_, err := r.rdb.ZScore(ctx, onlineUsersKey, string(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("registry: online check: %w", err)
	}
	return true, nil
}

// OnlineUsers returns everyone with a live heartbeat, pruning stale entries
// first.
func (r *Registry) OnlineUsers(ctx context.Context, now time.Time) ([]types.UserID, error) {
	stale := fmt.Sprintf("%d", now.Add(-ConnectionTTL).Unix())
	if err := r.rdb.ZRemRangeByScore(ctx, onlineUsersKey, "-inf", stale).Err(); err != nil {
		return nil, fmt.Errorf("registry: prune online set: %w", err)
	}

	members, err := r.rdb.ZRange(ctx, onlineUsersKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: online users: %w", err)
	}
	out := make([]types.UserID, len(members))
	for i, m := range members {
		out[i] = types.UserID(m)
	}
	return out, nil
}

// --- Disconnect tickets ---------------------------------------------------

// AddDisconnectTicket records that the user may reclaim their seat in roomID
// until expiresAt. The ticket string outlives the index entry by five minutes
// so a slow cleanup pass can still resolve the room.
func (r *Registry) AddDisconnectTicket(ctx context.Context, userID types.UserID, roomID types.RoomID, expiresAt time.Time) error {
	ttl := time.Until(expiresAt) + 5*time.Minute

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, disconnectTicketKey(userID), string(roomID), ttl)
	pipe.ZAdd(ctx, disconnectedIndexKey, redis.Z{Score: float64(expiresAt.Unix()), Member: string(userID)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: add disconnect ticket for %s: %w", userID, err)
	}
	return nil
}

// TakeDisconnectTicket atomically claims the user's ticket on reconnect. It
// returns the room to resume into, or found=false when no ticket exists.
func (r *Registry) TakeDisconnectTicket(ctx context.Context, userID types.UserID) (types.RoomID, bool, error) {
	roomID, err := r.rdb.GetDel(ctx, disconnectTicketKey(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: take disconnect ticket for %s: %w", userID, err)
	}
	if err := r.rdb.ZRem(ctx, disconnectedIndexKey, string(userID)).Err(); err != nil {
		return "", false, fmt.Errorf("registry: clear disconnect index for %s: %w", userID, err)
	}
	return types.RoomID(roomID), true, nil
}

// ExpiredDisconnectTickets returns users whose grace period ended at or before
// now, together with the room each ticket points at, up to limit entries.
func (r *Registry) ExpiredDisconnectTickets(ctx context.Context, now time.Time, limit int64) (map[types.UserID]types.RoomID, error) {
	members, err := r.rdb.ZRangeByScore(ctx, disconnectedIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: expired tickets: %w", err)
	}

	out := make(map[types.UserID]types.RoomID, len(members))
	for _, m := range members {
		userID := types.UserID(m)
		roomID, err := r.rdb.Get(ctx, disconnectTicketKey(userID)).Result()
		if err == redis.Nil {
			// Ticket string already expired; drop the orphaned index entry.
			_ = r.rdb.ZRem(ctx, disconnectedIndexKey, m).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("registry: read ticket for %s: %w", userID, err)
		}
		out[userID] = types.RoomID(roomID)
	}
	return out, nil
}

// RemoveDisconnectTicket deletes the ticket and its index entry.
func (r *Registry) RemoveDisconnectTicket(ctx context.Context, userID types.UserID) error {
	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, disconnectTicketKey(userID))
	pipe.ZRem(ctx, disconnectedIndexKey, string(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: remove disconnect ticket for %s: %w", userID, err)
	}
	return nil
}

// --- Rate limiting -----------------------------------------------------------

// CheckRateLimit counts one action against the user's 60-second bucket and
// reports whether the user is still within max.
func (r *Registry) CheckRateLimit(ctx context.Context, userID types.UserID, max int64) (bool, error) {
	count, err := rateLimitScript.Run(ctx, r.rdb, []string{rateLimitKey(userID)}, 60).Int64()
	if err != nil {
		return false, fmt.Errorf("registry: rate limit for %s: %w", userID, err)
	}
	return count <= max, nil
}

func toRoomIDs(members []string) []types.RoomID {
	out := make([]types.RoomID, len(members))
	for i, m := range members {
		out[i] = types.RoomID(m)
	}
	return out
}
