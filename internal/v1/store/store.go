// Package store persists room state and metadata to Redis and provides the
// per-room distributed lock. All keys for one room carry a hash tag around the
// room id so they land on the same cluster slot:
//
//	game:<type>:{<roomId>}:state
//	game:<type>:{<roomId>}:meta
//	game:<type>:{<roomId>}:lock
//
// The store owns these keys exclusively; every global index lives in the
// registry package and is kept in sync through the Indexer hooks.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

// Indexer is the slice of the registry the store needs to keep the global
// indexes consistent with saves and deletes.
type Indexer interface {
	RegisterRoom(ctx context.Context, roomID types.RoomID, gameType types.GameType, createdAt time.Time) error
	UpdateRoomActivity(ctx context.Context, roomID types.RoomID, gameType types.GameType, at time.Time) error
	UnregisterRoom(ctx context.Context, roomID types.RoomID, gameType types.GameType) error
}

// unlockScript deletes the lock only when it still carries our token, so a
// node never releases a lock another worker has since acquired.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// claimSeatScript atomically assigns the lowest free seat inside the meta
// record, so two concurrent joins can never both land on the last seat.
// Returns the seat index, or -1 full, -2 already seated, -3 room missing.
var claimSeatScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return -3 end
local meta = cjson.decode(raw)
local seats = meta["seats"]
if type(seats) ~= "table" then seats = {} end
if seats[ARGV[1]] ~= nil then return -2 end
local taken = {}
local count = 0
for _, seat in pairs(seats) do
	taken[seat] = true
	count = count + 1
end
if count >= meta["maxSeats"] then return -1 end
local seat = 0
while taken[seat] do seat = seat + 1 end
seats[ARGV[1]] = seat
meta["seats"] = seats
redis.call("SET", KEYS[1], cjson.encode(meta))
return seat`)

// releaseSeatScript removes a user's seat. Returns the freed seat index, or
// -2 when the user holds no seat, -3 when the room is missing. An emptied seat
// map is dropped from the record entirely to keep the encoding unambiguous.
var releaseSeatScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return -3 end
local meta = cjson.decode(raw)
local seats = meta["seats"]
if type(seats) ~= "table" or seats[ARGV[1]] == nil then return -2 end
local seat = seats[ARGV[1]]
seats[ARGV[1]] = nil
if next(seats) == nil then
	meta["seats"] = nil
else
	meta["seats"] = seats
end
redis.call("SET", KEYS[1], cjson.encode(meta))
return seat`)

// Store reads and writes room records.
type Store struct {
	rdb     redis.UniversalClient
	index   Indexer
	lockTok string
}

// New creates a Store. lockToken must be unique per worker process; it is the
// value written into lock keys.
func New(rdb redis.UniversalClient, index Indexer, lockToken string) *Store {
	return &Store{rdb: rdb, index: index, lockTok: lockToken}
}

func stateKey(gt types.GameType, id types.RoomID) string {
	return fmt.Sprintf("game:%s:{%s}:state", gt, id)
}

func metaKey(gt types.GameType, id types.RoomID) string {
	return fmt.Sprintf("game:%s:{%s}:meta", gt, id)
}

func lockKey(gt types.GameType, id types.RoomID) string {
	return fmt.Sprintf("game:%s:{%s}:lock", gt, id)
}

// Load reads state and meta in one pipelined round-trip. A missing room or an
// undecodable meta record both return found=false; corruption is logged so an
// operator can see it, but the caller only has to handle absence.
func (s *Store) Load(ctx context.Context, gt types.GameType, roomID types.RoomID) (state []byte, meta *types.RoomMeta, found bool, err error) {
	pipe := s.rdb.Pipeline()
	stateCmd := pipe.Get(ctx, stateKey(gt, roomID))
	metaCmd := pipe.Get(ctx, metaKey(gt, roomID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, false, fmt.Errorf("store: load %s: %w", roomID, err)
	}

	stateBytes, stateErr := stateCmd.Bytes()
	metaBytes, metaErr := metaCmd.Bytes()
	if stateErr == redis.Nil && metaErr == redis.Nil {
		return nil, nil, false, nil
	}
	if stateErr != nil || metaErr != nil {
		// One half of the record is gone. Treat as corruption: absent.
		logging.Warn(ctx, "room record is partial, treating as absent",
			zap.String("room_id", string(roomID)),
			zap.Bool("state_present", stateErr == nil),
			zap.Bool("meta_present", metaErr == nil))
		return nil, nil, false, nil
	}

	var m types.RoomMeta
	if err := json.Unmarshal(metaBytes, &m); err != nil {
		logging.Error(ctx, "room meta failed to decode, treating as absent",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return nil, nil, false, nil
	}

	return stateBytes, &m, true, nil
}

// Save writes state and meta in one pipelined round-trip and registers the
// room in the activity indexes.
func (s *Store) Save(ctx context.Context, gt types.GameType, roomID types.RoomID, state []byte, meta *types.RoomMeta) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: marshal meta for %s: %w", roomID, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, stateKey(gt, roomID), state, 0)
	pipe.Set(ctx, metaKey(gt, roomID), metaBytes, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save %s: %w", roomID, err)
	}

	now := time.Now()
	if err := s.index.RegisterRoom(ctx, roomID, gt, time.Unix(meta.CreatedAt, 0)); err != nil {
		return fmt.Errorf("store: register %s: %w", roomID, err)
	}
	if err := s.index.UpdateRoomActivity(ctx, roomID, gt, now); err != nil {
		return fmt.Errorf("store: touch activity for %s: %w", roomID, err)
	}
	return nil
}

// LoadMany fetches the states of several rooms in one pipeline. Missing rooms
// are omitted from the result.
func (s *Store) LoadMany(ctx context.Context, gt types.GameType, roomIDs []types.RoomID) (map[types.RoomID][]byte, error) {
	if len(roomIDs) == 0 {
		return map[types.RoomID][]byte{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(roomIDs))
	for i, id := range roomIDs {
		cmds[i] = pipe.Get(ctx, stateKey(gt, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("store: load many: %w", err)
	}

	out := make(map[types.RoomID][]byte, len(roomIDs))
	for i, cmd := range cmds {
		b, err := cmd.Bytes()
		if err == nil {
			out[roomIDs[i]] = b
		}
	}
	return out, nil
}

// LoadMetaMany fetches the metadata of several rooms in one pipeline. Missing
// or undecodable records are omitted.
func (s *Store) LoadMetaMany(ctx context.Context, gt types.GameType, roomIDs []types.RoomID) (map[types.RoomID]*types.RoomMeta, error) {
	if len(roomIDs) == 0 {
		return map[types.RoomID]*types.RoomMeta{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(roomIDs))
	for i, id := range roomIDs {
		cmds[i] = pipe.Get(ctx, metaKey(gt, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("store: load meta many: %w", err)
	}

	out := make(map[types.RoomID]*types.RoomMeta, len(roomIDs))
	for i, cmd := range cmds {
		b, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var m types.RoomMeta
		if err := json.Unmarshal(b, &m); err != nil {
			logging.Warn(ctx, "skipping undecodable meta in batch",
				zap.String("room_id", string(roomIDs[i])), zap.Error(err))
			continue
		}
		out[roomIDs[i]] = &m
	}
	return out, nil
}

// SaveMeta rewrites only the metadata record. Used for seat and grace-map
// changes that do not touch game state.
func (s *Store) SaveMeta(ctx context.Context, gt types.GameType, roomID types.RoomID, meta *types.RoomMeta) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: marshal meta for %s: %w", roomID, err)
	}
	if err := s.rdb.Set(ctx, metaKey(gt, roomID), metaBytes, 0).Err(); err != nil {
		return fmt.Errorf("store: save meta %s: %w", roomID, err)
	}
	return nil
}

// LoadMeta reads only the metadata record.
func (s *Store) LoadMeta(ctx context.Context, gt types.GameType, roomID types.RoomID) (*types.RoomMeta, bool, error) {
	b, err := s.rdb.Get(ctx, metaKey(gt, roomID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: load meta %s: %w", roomID, err)
	}
	var m types.RoomMeta
	if err := json.Unmarshal(b, &m); err != nil {
		logging.Error(ctx, "room meta failed to decode, treating as absent",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return nil, false, nil
	}
	return &m, true, nil
}

// ClaimSeat atomically seats the user on the lowest free seat. It returns the
// assigned seat, or ErrRoomFull, ErrRoomNotFound, or ErrConcurrencyConflict
// when the user already holds a seat.
func (s *Store) ClaimSeat(ctx context.Context, gt types.GameType, roomID types.RoomID, userID types.UserID) (int, error) {
	seat, err := claimSeatScript.Run(ctx, s.rdb, []string{metaKey(gt, roomID)}, string(userID)).Int()
	if err != nil {
		return -1, fmt.Errorf("store: claim seat in %s: %w", roomID, err)
	}
	switch seat {
	case -1:
		return -1, types.ErrRoomFull
	case -2:
		return -1, types.ErrConcurrencyConflict
	case -3:
		return -1, types.ErrRoomNotFound
	}
	return seat, nil
}

// ReleaseSeat atomically vacates the user's seat and returns its index.
func (s *Store) ReleaseSeat(ctx context.Context, gt types.GameType, roomID types.RoomID, userID types.UserID) (int, error) {
	seat, err := releaseSeatScript.Run(ctx, s.rdb, []string{metaKey(gt, roomID)}, string(userID)).Int()
	if err != nil {
		return -1, fmt.Errorf("store: release seat in %s: %w", roomID, err)
	}
	switch seat {
	case -2:
		return -1, types.ErrNotInRoom
	case -3:
		return -1, types.ErrRoomNotFound
	}
	return seat, nil
}

// TryLock attempts to acquire the room lock with SET NX EX. It returns false
// without error when another worker holds the lock.
func (s *Store) TryLock(ctx context.Context, gt types.GameType, roomID types.RoomID, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey(gt, roomID), s.lockTok, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: lock %s: %w", roomID, err)
	}
	return ok, nil
}

// Unlock releases the room lock if and only if this worker still holds it.
func (s *Store) Unlock(ctx context.Context, gt types.GameType, roomID types.RoomID) error {
	if err := unlockScript.Run(ctx, s.rdb, []string{lockKey(gt, roomID)}, s.lockTok).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("store: unlock %s: %w", roomID, err)
	}
	return nil
}

// Delete removes state, meta and lock, and unregisters the room from the
// global indexes.
func (s *Store) Delete(ctx context.Context, gt types.GameType, roomID types.RoomID) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, stateKey(gt, roomID))
	pipe.Del(ctx, metaKey(gt, roomID))
	pipe.Del(ctx, lockKey(gt, roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: delete %s: %w", roomID, err)
	}
	if err := s.index.UnregisterRoom(ctx, roomID, gt); err != nil {
		return fmt.Errorf("store: unregister %s: %w", roomID, err)
	}
	return nil
}
