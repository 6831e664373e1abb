// Package module defines the contract a game rule engine must satisfy to run
// inside the room runtime, plus the process-wide registration table keyed by
// game type. A module contributes exactly one engine and one room service;
// everything else (locking, dispatch, timeouts, broadcast) is the runtime's
// job.
package module

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/economy"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/registry"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/store"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

// Command is one player action funneled through the dispatcher.
type Command struct {
	UserID    types.UserID
	Action    string
	Payload   json.RawMessage
	CommandID string
}

// Event is a domain event emitted by an engine alongside a state change.
type Event struct {
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// GameEnd is set on the final ActionResult of a game. The runtime turns it
// into an outbox record; payout and archival happen asynchronously.
type GameEnd struct {
	WinnerUserID types.UserID    `json:"winnerUserId,omitempty"`
	Ranking      []types.UserID  `json:"ranking,omitempty"`
	TotalPot     int64           `json:"totalPot"`
	FinalState   json.RawMessage `json:"finalState"`
	StartedAt    int64           `json:"startedAt"`
	EndedAt      int64           `json:"endedAt"`
}

// ActionResult is what an engine returns for every command or timeout check.
type ActionResult struct {
	Success      bool
	ErrorMessage string
	NewState     json.RawMessage
	Events       []Event
	GameEnded    *GameEnd
}

// Fail builds a failed result with the message shown to the acting client.
func Fail(format string, args ...any) *ActionResult {
	return &ActionResult{ErrorMessage: fmt.Sprintf(format, args...)}
}

// StateResponse is the full room view returned to clients and admin tooling.
type StateResponse struct {
	RoomID     types.RoomID    `json:"roomId"`
	GameType   types.GameType  `json:"gameType"`
	Meta       *types.RoomMeta `json:"meta"`
	State      json.RawMessage `json:"state"`
	LegalMoves []string        `json:"legalMoves"`
}

// JoinResult reports the outcome of a seat claim.
type JoinResult struct {
	Success bool
	Seat    int
	Err     error
}

// Engine executes game rules. Every call runs under the caller-held room lock
// via the dispatcher; engines never lock themselves.
type Engine interface {
	Execute(ctx context.Context, roomID types.RoomID, cmd Command) (*ActionResult, error)
	LegalActions(ctx context.Context, roomID types.RoomID, userID types.UserID) ([]string, error)
	State(ctx context.Context, roomID types.RoomID) (*StateResponse, error)
	States(ctx context.Context, roomIDs []types.RoomID) ([]*StateResponse, error)
	Metas(ctx context.Context, roomIDs []types.RoomID) ([]*types.RoomMeta, error)
}

// TurnBased is implemented by engines with a turn clock. Engines without a
// turn concept simply do not implement it and the scheduler ignores them.
type TurnBased interface {
	TurnTimeout() time.Duration
	CheckTimeouts(ctx context.Context, roomID types.RoomID) (*ActionResult, error)
}

// RoomService manages room membership for one game type.
type RoomService interface {
	CreateRoom(ctx context.Context, meta *types.RoomMeta) (types.RoomID, error)
	JoinRoom(ctx context.Context, roomID types.RoomID, userID types.UserID) (*JoinResult, error)
	LeaveRoom(ctx context.Context, roomID types.RoomID, userID types.UserID) error
	RoomMeta(ctx context.Context, roomID types.RoomID) (*types.RoomMeta, error)
	DeleteRoom(ctx context.Context, roomID types.RoomID) error
}

// Deps are the runtime handles handed to module constructors.
type Deps struct {
	Store    *store.Store
	Registry *registry.Registry
	Economy  economy.Ledger
}

// Descriptor is what a module exports at process init.
type Descriptor struct {
	GameType         types.GameType
	MaxSeats         int
	DefaultEntryFee  int64
	DefaultTimeout   time.Duration
	JSONSchema       json.RawMessage
	BuildEngine      func(deps Deps) Engine
	BuildRoomService func(deps Deps) RoomService
}

var (
	regMu       sync.RWMutex
	descriptors = make(map[types.GameType]Descriptor)
	engines     = make(map[types.GameType]Engine)
	services    = make(map[types.GameType]RoomService)
)

// Register adds a module descriptor to the table. It panics on a duplicate or
// incomplete descriptor because both are programmer errors at init time.
func Register(d Descriptor) {
	if d.GameType == "" || d.BuildEngine == nil || d.BuildRoomService == nil {
		panic(fmt.Sprintf("module: incomplete descriptor for %q", d.GameType))
	}

	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := descriptors[d.GameType]; dup {
		panic(fmt.Sprintf("module: game type %q registered twice", d.GameType))
	}
	descriptors[d.GameType] = d
}

// Instantiate builds every registered engine and room service once. Call it
// after all Register calls, before serving traffic.
func Instantiate(deps Deps) {
	regMu.Lock()
	defer regMu.Unlock()
	for gt, d := range descriptors {
		engines[gt] = d.BuildEngine(deps)
		services[gt] = d.BuildRoomService(deps)
	}
}

// EngineFor returns the singleton engine for a game type.
func EngineFor(gt types.GameType) (Engine, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	e, ok := engines[gt]
	return e, ok
}

// ServiceFor returns the room service for a game type.
func ServiceFor(gt types.GameType) (RoomService, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	s, ok := services[gt]
	return s, ok
}

// DescriptorFor returns the registered descriptor for a game type.
func DescriptorFor(gt types.GameType) (Descriptor, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	d, ok := descriptors[gt]
	return d, ok
}

// TurnBasedEngines returns the subset of instantiated engines that carry a
// turn clock. The scheduler iterates exactly this set.
func TurnBasedEngines() map[types.GameType]TurnBased {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make(map[types.GameType]TurnBased)
	for gt, e := range engines {
		if tb, ok := e.(TurnBased); ok {
			out[gt] = tb
		}
	}
	return out
}

// GameTypes lists every registered game type.
func GameTypes() []types.GameType {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]types.GameType, 0, len(descriptors))
	for gt := range descriptors {
		out = append(out, gt)
	}
	return out
}

// Reset clears the table. Tests only.
func Reset() {
	regMu.Lock()
	defer regMu.Unlock()
	descriptors = make(map[types.GameType]Descriptor)
	engines = make(map[types.GameType]Engine)
	services = make(map[types.GameType]RoomService)
}
