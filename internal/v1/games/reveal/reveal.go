// Package reveal is a single-player push-your-luck grid: five mines hide in a
// 5x5 field, and clearing every safe cell wins the pot. There is no turn
// clock, so the engine deliberately does not implement the turn-based hook.
package reveal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/codec"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/rooms"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/store"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

const (
	GameType types.GameType = "reveal"

	gridSize  = 25
	mineCount = 5
	entryFee  = 20
)

type state struct {
	Mines     [gridSize]bool
	Revealed  [gridSize]bool
	Exploded  bool
	Cleared   bool
	SafeLeft  int32
	Seed      uint64
	StartedAt int64
}

type view struct {
	Revealed []int  `json:"revealed"`
	Mines    []int  `json:"mines,omitempty"` // only exposed once the game is over
	SafeLeft int32  `json:"safeLeft"`
	Exploded bool   `json:"exploded"`
	Cleared  bool   `json:"cleared"`
	GridSize int    `json:"gridSize"`
}

type revealPayload struct {
	Cell int `json:"cell"`
}

func init() {
	module.Register(module.Descriptor{
		GameType:        GameType,
		MaxSeats:        1,
		DefaultEntryFee: entryFee,
		JSONSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"cell": {"type": "integer", "minimum": 0, "maximum": 24}
			},
			"required": ["cell"]
		}`),
		BuildEngine: func(deps module.Deps) module.Engine {
			return &Engine{store: deps.Store}
		},
		BuildRoomService: func(deps module.Deps) module.RoomService {
			return rooms.NewService(rooms.Config{
				GameType:     GameType,
				MaxSeats:     1,
				EntryFee:     entryFee,
				InitialState: initialState,
			}, deps)
		},
	})
}

func initialState() ([]byte, error) {
	s := newGame(uint64(time.Now().UnixNano()))
	return codec.Encode(&s, codec.CurrentVersion)
}

func newGame(seed uint64) state {
	s := state{
		SafeLeft:  gridSize - mineCount,
		Seed:      seed,
		StartedAt: time.Now().Unix(),
	}
	placed := 0
	for placed < mineCount {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		cell := int(seed % gridSize)
		if !s.Mines[cell] {
			s.Mines[cell] = true
			placed++
		}
	}
	return s
}

// Engine implements module.Engine. No TurnBased: the scheduler never sweeps
// reveal rooms.
type Engine struct {
	store *store.Store
}

func (e *Engine) Execute(ctx context.Context, roomID types.RoomID, cmd module.Command) (*module.ActionResult, error) {
	blob, meta, found, err := e.store.Load(ctx, GameType, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrRoomNotFound
	}
	if meta.SeatOf(cmd.UserID) < 0 {
		return nil, types.ErrNotInRoom
	}
	st, err := codec.Decode[state](blob)
	if err != nil {
		return nil, err
	}

	if cmd.Action != "reveal" {
		return nil, types.ErrUnknownAction
	}
	if st.Exploded || st.Cleared {
		return module.Fail("game is over"), nil
	}

	var p revealPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return module.Fail("malformed payload"), nil
	}
	if p.Cell < 0 || p.Cell >= gridSize {
		return nil, types.ErrIllegalMove
	}
	if st.Revealed[p.Cell] {
		return nil, types.ErrIllegalMove
	}

	st.Revealed[p.Cell] = true
	event := module.Event{
		Name:      "cell_revealed",
		Data:      map[string]any{"cell": p.Cell, "mine": st.Mines[p.Cell]},
		Timestamp: time.Now().Unix(),
	}

	if st.Mines[p.Cell] {
		st.Exploded = true
		// The committed entry fee is the pot; an exploded game pays nothing.
		return e.finish(ctx, roomID, meta, &st, cmd.UserID, 0, event)
	}

	st.SafeLeft--
	if st.SafeLeft == 0 {
		st.Cleared = true
		return e.finish(ctx, roomID, meta, &st, cmd.UserID, meta.EntryFee*2, event)
	}

	return e.save(ctx, roomID, meta, &st, event)
}

func (e *Engine) save(ctx context.Context, roomID types.RoomID, meta *types.RoomMeta, st *state, ev module.Event) (*module.ActionResult, error) {
	blob, err := codec.Encode(st, codec.CurrentVersion)
	if err != nil {
		return nil, err
	}
	defer codec.Release(blob)
	if err := e.store.Save(ctx, GameType, roomID, blob, meta); err != nil {
		return nil, err
	}
	return &module.ActionResult{
		Success:  true,
		NewState: stateJSON(st),
		Events:   []module.Event{ev},
	}, nil
}

func (e *Engine) finish(ctx context.Context, roomID types.RoomID, meta *types.RoomMeta, st *state, player types.UserID, pot int64, ev module.Event) (*module.ActionResult, error) {
	blob, err := codec.Encode(st, codec.CurrentVersion)
	if err != nil {
		return nil, err
	}
	defer codec.Release(blob)
	if err := e.store.Save(ctx, GameType, roomID, blob, meta); err != nil {
		return nil, err
	}

	end := &module.GameEnd{
		TotalPot:   pot,
		FinalState: stateJSON(st),
		StartedAt:  st.StartedAt,
		EndedAt:    time.Now().Unix(),
	}
	if st.Cleared {
		end.WinnerUserID = player
	}
	return &module.ActionResult{
		Success:   true,
		NewState:  stateJSON(st),
		Events:    []module.Event{ev},
		GameEnded: end,
	}, nil
}

func (e *Engine) LegalActions(ctx context.Context, roomID types.RoomID, userID types.UserID) ([]string, error) {
	blob, meta, found, err := e.store.Load(ctx, GameType, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrRoomNotFound
	}
	if meta.SeatOf(userID) < 0 {
		return nil, nil
	}
	st, err := codec.Decode[state](blob)
	if err != nil {
		return nil, err
	}
	if st.Exploded || st.Cleared {
		return nil, nil
	}
	return []string{"reveal"}, nil
}

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

// stateJSON hides mine positions while the game is live.
func stateJSON(st *state) json.RawMessage {
	v := view{
		Revealed: cells(st.Revealed),
		SafeLeft: st.SafeLeft,
		Exploded: st.Exploded,
		Cleared:  st.Cleared,
		GridSize: gridSize,
	}
	if st.Exploded || st.Cleared {
		v.Mines = cells(st.Mines)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("reveal: marshal view: %v", err))
	}
	return raw
}

func cells(grid [gridSize]bool) []int {
	out := make([]int, 0, gridSize)
	for i, set := range grid {
		if set {
			out = append(out, i)
		}
	}
	return out
}
