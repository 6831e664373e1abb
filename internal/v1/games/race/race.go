// Package race is a four-player dice race: players roll in seat order and the
// first to reach the end of the track takes the pot. It exercises the full
// turn-based surface of the runtime (turn clock, timeout skips, game end).
package race

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/codec"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/registry"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/rooms"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/store"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

const (
	GameType types.GameType = "race"

	maxSeats    = 4
	entryFee    = 50
	trackLength = 30
	turnTimeout = 30 * time.Second

	// maxSkips ends an abandoned game instead of skipping forever.
	maxSkips = 8
)

// state is the fixed-size race position record.
type state struct {
	Positions [maxSeats]int32
	Occupied  [maxSeats]bool
	Turn      int8
	Started   bool
	Finished  bool
	Winner    int8
	Skips     int32
	Seed      uint64
	StartedAt int64
}

// view is the JSON shape sent to clients.
type view struct {
	Positions   []int32 `json:"positions"`
	Turn        int     `json:"turn"`
	Started     bool    `json:"started"`
	Finished    bool    `json:"finished"`
	Winner      int     `json:"winner"`
	TrackLength int     `json:"trackLength"`
}

func init() {
	module.Register(module.Descriptor{
		GameType:        GameType,
		MaxSeats:        maxSeats,
		DefaultEntryFee: entryFee,
		DefaultTimeout:  turnTimeout,
		JSONSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"enum": ["start", "roll"]}
			}
		}`),
		BuildEngine: func(deps module.Deps) module.Engine {
			return &Engine{store: deps.Store, reg: deps.Registry}
		},
		BuildRoomService: func(deps module.Deps) module.RoomService {
			return rooms.NewService(rooms.Config{
				GameType:     GameType,
				MaxSeats:     maxSeats,
				EntryFee:     entryFee,
				InitialState: initialState,
			}, deps)
		},
	})
}

func initialState() ([]byte, error) {
	s := state{Turn: -1, Winner: -1, Seed: uint64(time.Now().UnixNano())}
	return codec.Encode(&s, codec.CurrentVersion)
}

// Engine implements module.Engine and module.TurnBased.
type Engine struct {
	store *store.Store
	reg   *registry.Registry
}

func (e *Engine) TurnTimeout() time.Duration { return turnTimeout }

// Execute handles "start" and "roll". The dispatcher has already serialized
// commands for this room and the caller holds the room lock.
func (e *Engine) Execute(ctx context.Context, roomID types.RoomID, cmd module.Command) (*module.ActionResult, error) {
	blob, meta, found, err := e.store.Load(ctx, GameType, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrRoomNotFound
	}
	st, err := codec.Decode[state](blob)
	if err != nil {
		return nil, err
	}

	seat := int(meta.SeatOf(cmd.UserID))
	if seat < 0 {
		return nil, types.ErrNotInRoom
	}

	switch cmd.Action {
	case "start":
		return e.start(ctx, roomID, meta, &st)
	case "roll":
		return e.roll(ctx, roomID, meta, &st, seat)
	default:
		return nil, types.ErrUnknownAction
	}
}

func (e *Engine) start(ctx context.Context, roomID types.RoomID, meta *types.RoomMeta, st *state) (*module.ActionResult, error) {
	if st.Started {
		return module.Fail("game already started"), nil
	}
	if len(meta.Seats) < 2 {
		return module.Fail("need at least 2 players"), nil
	}

	for _, s := range meta.Seats {
		st.Occupied[s] = true
	}
	st.Started = true
	st.StartedAt = time.Now().Unix()
	st.Turn = int8(nextOccupied(st, -1))

	res, err := e.commit(ctx, roomID, meta, st, module.Event{
		Name:      "game_started",
		Data:      map[string]any{"players": len(meta.Seats)},
		Timestamp: time.Now().Unix(),
	})
	return res, err
}

func (e *Engine) roll(ctx context.Context, roomID types.RoomID, meta *types.RoomMeta, st *state, seat int) (*module.ActionResult, error) {
	if !st.Started || st.Finished {
		return module.Fail("game is not running"), nil
	}
	if int(st.Turn) != seat {
		return nil, types.ErrNotYourTurn
	}

	roll := e.rollDie(st)
	st.Positions[seat] += int32(roll)
	st.Skips = 0

	event := module.Event{
		Name:      "dice_rolled",
		Data:      map[string]any{"seat": seat, "roll": roll, "position": st.Positions[seat]},
		Timestamp: time.Now().Unix(),
	}

	if st.Positions[seat] >= trackLength {
		st.Finished = true
		st.Winner = int8(seat)
		return e.finish(ctx, roomID, meta, st, event)
	}

	st.Turn = int8(nextOccupied(st, seat))
	return e.commit(ctx, roomID, meta, st, event)
}

// CheckTimeouts skips the current player's turn when the clock has run out.
// After maxSkips consecutive skips the game is declared abandoned and ends
// with the current leader as winner.
func (e *Engine) CheckTimeouts(ctx context.Context, roomID types.RoomID) (*module.ActionResult, error) {
	blob, meta, found, err := e.store.Load(ctx, GameType, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	st, err := codec.Decode[state](blob)
	if err != nil {
		return nil, err
	}
	if !st.Started || st.Finished {
		return nil, nil
	}
	if meta.TurnStartedAt == 0 || time.Since(time.Unix(meta.TurnStartedAt, 0)) < turnTimeout {
		return nil, nil
	}

	skipped := int(st.Turn)
	st.Skips++
	if st.Skips >= maxSkips {
		st.Finished = true
		st.Winner = int8(leadingSeat(&st))
		return e.finish(ctx, roomID, meta, &st, module.Event{
			Name:      "game_abandoned",
			Data:      map[string]any{"skips": st.Skips},
			Timestamp: time.Now().Unix(),
		})
	}

	st.Turn = int8(nextOccupied(&st, skipped))
	return e.commit(ctx, roomID, meta, &st, module.Event{
		Name:      "turn_skipped",
		Data:      map[string]any{"seat": skipped},
		Timestamp: time.Now().Unix(),
	})
}

// commit saves state and meta, stamps the new turn clock and registers the
// next due time. It is the only author of turn timeout entries for this game.
func (e *Engine) commit(ctx context.Context, roomID types.RoomID, meta *types.RoomMeta, st *state, ev module.Event) (*module.ActionResult, error) {
	meta.TurnStartedAt = time.Now().Unix()

	blob, err := codec.Encode(st, codec.CurrentVersion)
	if err != nil {
		return nil, err
	}
	defer codec.Release(blob)
	if err := e.store.Save(ctx, GameType, roomID, blob, meta); err != nil {
		return nil, err
	}
	dueAt := time.Unix(meta.TurnStartedAt, 0).Add(turnTimeout)
	if err := e.reg.RegisterTurnTimeout(ctx, roomID, GameType, dueAt); err != nil {
		return nil, err
	}

	return &module.ActionResult{
		Success:  true,
		NewState: stateJSON(st),
		Events:   []module.Event{ev},
	}, nil
}

// finish saves the terminal state and reports the game end; the runtime
// enqueues the payout from the returned GameEnd.
func (e *Engine) finish(ctx context.Context, roomID types.RoomID, meta *types.RoomMeta, st *state, ev module.Event) (*module.ActionResult, error) {
	meta.TurnStartedAt = 0

	blob, err := codec.Encode(st, codec.CurrentVersion)
	if err != nil {
		return nil, err
	}
	defer codec.Release(blob)
	if err := e.store.Save(ctx, GameType, roomID, blob, meta); err != nil {
		return nil, err
	}

	var winner types.UserID
	ranking := rankingBySeat(st, meta)
	if len(ranking) > 0 {
		winner = ranking[0]
	}

	final := stateJSON(st)
	return &module.ActionResult{
		Success:  true,
		NewState: final,
		Events:   []module.Event{ev},
		GameEnded: &module.GameEnd{
			WinnerUserID: winner,
			Ranking:      ranking,
			TotalPot:     meta.EntryFee * int64(len(meta.Seats)),
			FinalState:   final,
			StartedAt:    st.StartedAt,
			EndedAt:      time.Now().Unix(),
		},
	}, nil
}

// LegalActions lists what the user may do right now.
func (e *Engine) LegalActions(ctx context.Context, roomID types.RoomID, userID types.UserID) ([]string, error) {
	blob, meta, found, err := e.store.Load(ctx, GameType, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrRoomNotFound
	}
	st, err := codec.Decode[state](blob)
	if err != nil {
		return nil, err
	}

	seat := int(meta.SeatOf(userID))
	if seat < 0 {
		return nil, nil
	}
	switch {
	case !st.Started:
		return []string{"start"}, nil
	case st.Finished:
		return nil, nil
	case int(st.Turn) == seat:
		return []string{"roll"}, nil
	default:
		return nil, nil
	}
}

// State returns the full room view.
func (e *Engine) State(ctx context.Context, roomID types.RoomID) (*module.StateResponse, error) {
	blob, meta, found, err := e.store.Load(ctx, GameType, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrRoomNotFound
	}
	st, err := codec.Decode[state](blob)
	if err != nil {
		return nil, err
	}
	return &module.StateResponse{
		RoomID:   roomID,
		GameType: GameType,
		Meta:     meta,
		State:    stateJSON(&st),
	}, nil
}

// States batch-loads room views for the lobby.
func (e *Engine) States(ctx context.Context, roomIDs []types.RoomID) ([]*module.StateResponse, error) {
	blobs, err := e.store.LoadMany(ctx, GameType, roomIDs)
	if err != nil {
		return nil, err
	}
	metas, err := e.store.LoadMetaMany(ctx, GameType, roomIDs)
	if err != nil {
		return nil, err
	}

	out := make([]*module.StateResponse, 0, len(roomIDs))
	for _, id := range roomIDs {
		blob, ok := blobs[id]
		meta := metas[id]
		if !ok || meta == nil {
			continue
		}
		st, err := codec.Decode[state](blob)
		if err != nil {
			// A single corrupt room must not break the whole lobby page.
			continue
		}
		out = append(out, &module.StateResponse{
			RoomID:   id,
			GameType: GameType,
			Meta:     meta,
			State:    stateJSON(&st),
		})
	}
	return out, nil
}

// Metas batch-loads metadata only.
func (e *Engine) Metas(ctx context.Context, roomIDs []types.RoomID) ([]*types.RoomMeta, error) {
	metas, err := e.store.LoadMetaMany(ctx, GameType, roomIDs)
	if err != nil {
		return nil, err
	}
	out := make([]*types.RoomMeta, 0, len(roomIDs))
	for _, id := range roomIDs {
		if m := metas[id]; m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// rollDie advances the in-state xorshift generator and returns 1..6.
func (e *Engine) rollDie(st *state) int {
	x := st.Seed
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	st.Seed = x
	return int(x%6) + 1
}

// nextOccupied returns the next occupied seat after the given one, wrapping.
func nextOccupied(st *state, after int) int {
	for i := 1; i <= maxSeats; i++ {
		seat := (after + i) % maxSeats
		if st.Occupied[seat] {
			return seat
		}
	}
	return 0
}

// leadingSeat returns the occupied seat with the highest position.
func leadingSeat(st *state) int {
	best, bestPos := 0, int32(-1)
	for seat := 0; seat < maxSeats; seat++ {
		if st.Occupied[seat] && st.Positions[seat] > bestPos {
			best, bestPos = seat, st.Positions[seat]
		}
	}
	return best
}

// rankingBySeat orders seated users by position, winner first.
func rankingBySeat(st *state, meta *types.RoomMeta) []types.UserID {
	type entry struct {
		user types.UserID
		pos  int32
		seat int
	}
	entries := make([]entry, 0, len(meta.Seats))
	for user, seat := range meta.Seats {
		entries = append(entries, entry{user: user, pos: st.Positions[seat], seat: seat})
	}
	// Winner by position; seat index breaks ties deterministically.
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].pos > entries[i].pos ||
				(entries[j].pos == entries[i].pos && entries[j].seat < entries[i].seat) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	if st.Winner >= 0 {
		// The declared winner goes first even on a position tie.
		for i, e := range entries {
			if e.seat == int(st.Winner) && i != 0 {
				entries[0], entries[i] = entries[i], entries[0]
				break
			}
		}
	}
	out := make([]types.UserID, len(entries))
	for i, e := range entries {
		out[i] = e.user
	}
	return out
}

func stateJSON(st *state) json.RawMessage {
	v := view{
		Positions:   st.Positions[:],
		Turn:        int(st.Turn),
		Started:     st.Started,
		Finished:    st.Finished,
		Winner:      int(st.Winner),
		TrackLength: trackLength,
	}
	raw, err := json.Marshal(v)
	if err != nil {
		// view has no unmarshalable fields; this cannot happen.
		panic(fmt.Sprintf("race: marshal view: %v", err))
	}
	return raw
}
