// Package broadcast fans typed messages out to everyone watching a room:
// players and spectators on this pod directly, and other pods through the
// Redis bus. Delivery is FIFO per room for messages originating on the same
// pod; there is no ordering across rooms and delivery to any one subscriber
// is best effort.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/bus"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

// Message types carried in the envelope.
const (
	TypeGameState          = "game_state"
	TypePlayerJoined       = "player_joined"
	TypePlayerLeft         = "player_left"
	TypePlayerDisconnected = "player_disconnected"
	TypePlayerReconnected  = "player_reconnected"
	TypeGameEvent          = "game_event"
	TypeActionError        = "action_error"
	TypeChatMessage        = "chat_message"
)

// Envelope is the single frame format every subscriber receives.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    types.RoomID    `json:"roomId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type playerEvent struct {
	UserID             types.UserID `json:"userId"`
	UserName           string       `json:"userName"`
	SeatIndex          int          `json:"seatIndex,omitempty"`
	GracePeriodSeconds int          `json:"gracePeriodSeconds,omitempty"`
}

type gameEvent struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

type actionError struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

type chatMessage struct {
	UserID   types.UserID `json:"userId"`
	UserName string       `json:"userName"`
	Text     string       `json:"text"`
}

// Subscriber is one delivery target, usually a websocket client. Deliver must
// not block indefinitely; a failed delivery is logged and skipped so the rest
// of the room still receives the message.
type Subscriber interface {
	ID() types.ConnectionID
	Deliver(env Envelope) error
}

type roomFanout struct {
	mu     sync.Mutex
	subs   map[types.ConnectionID]Subscriber
	seq    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Broadcaster is the room-scoped publish sink.
type Broadcaster struct {
	bus   *bus.Service
	podID string

	mu    sync.RWMutex
	rooms map[types.RoomID]*roomFanout
}

func New(b *bus.Service, podID string) *Broadcaster {
	return &Broadcaster{
		bus:   b,
		podID: podID,
		rooms: make(map[types.RoomID]*roomFanout),
	}
}

// Subscribe attaches a local subscriber to a room. The first subscriber on
// this pod also opens the cross-pod bus subscription for the room.
func (b *Broadcaster) Subscribe(ctx context.Context, roomID types.RoomID, sub Subscriber) {
	b.mu.Lock()
	fan, ok := b.rooms[roomID]
	if !ok {
		busCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fan = &roomFanout{
			subs:   make(map[types.ConnectionID]Subscriber),
			cancel: cancel,
		}
		b.rooms[roomID] = fan
		b.bus.Subscribe(busCtx, string(roomID), &fan.wg, func(p bus.PubSubPayload) {
			if p.SenderID == b.podID {
				return // our own publish, already delivered locally
			}
			var env Envelope
			if err := json.Unmarshal(p.Payload, &env); err != nil {
				logging.Warn(busCtx, "dropping malformed relayed broadcast",
					zap.String("room_id", string(roomID)), zap.Error(err))
				return
			}
			b.deliverLocal(busCtx, roomID, env)
		})
	}
	b.mu.Unlock()

	fan.mu.Lock()
	fan.subs[sub.ID()] = sub
	fan.mu.Unlock()
}

// Unsubscribe detaches a subscriber. When the last local subscriber leaves,
// the bus subscription is closed and the room entry dropped.
func (b *Broadcaster) Unsubscribe(roomID types.RoomID, connID types.ConnectionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fan, ok := b.rooms[roomID]
	if !ok {
		return
	}
	fan.mu.Lock()
	delete(fan.subs, connID)
	empty := len(fan.subs) == 0
	fan.mu.Unlock()

	if empty {
		fan.cancel()
		delete(b.rooms, roomID)
	}
}

// Close tears down every bus subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for roomID, fan := range b.rooms {
		fan.cancel()
		delete(b.rooms, roomID)
	}
}

// publish delivers locally in room order and relays to other pods.
func (b *Broadcaster) publish(ctx context.Context, roomID types.RoomID, msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		logging.Error(ctx, "broadcast payload failed to marshal",
			zap.String("room_id", string(roomID)), zap.String("type", msgType), zap.Error(err))
		return
	}
	env := Envelope{
		Type:      msgType,
		RoomID:    roomID,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}

	b.mu.RLock()
	fan, ok := b.rooms[roomID]
	b.mu.RUnlock()

	var seq uint64
	if ok {
		// The fanout mutex is held across the whole local delivery so two
		// publishes to the same room can never interleave.
		fan.mu.Lock()
		fan.seq++
		seq = fan.seq
		for _, sub := range fan.subs {
			if err := sub.Deliver(env); err != nil {
				logging.Warn(ctx, "subscriber missed a broadcast",
					zap.String("room_id", string(roomID)),
					zap.String("connection_id", string(sub.ID())),
					zap.Error(err))
			}
		}
		fan.mu.Unlock()
	}

	if err := b.bus.Publish(ctx, string(roomID), msgType, env, b.podID, seq); err != nil {
		logging.Warn(ctx, "bus relay failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
	}
}

func (b *Broadcaster) deliverLocal(ctx context.Context, roomID types.RoomID, env Envelope) {
	b.mu.RLock()
	fan, ok := b.rooms[roomID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	fan.mu.Lock()
	defer fan.mu.Unlock()
	for _, sub := range fan.subs {
		if err := sub.Deliver(env); err != nil {
			logging.Warn(ctx, "subscriber missed a relayed broadcast",
				zap.String("room_id", string(roomID)),
				zap.String("connection_id", string(sub.ID())),
				zap.Error(err))
		}
	}
}

// GameState broadcasts a full state snapshot.
func (b *Broadcaster) GameState(ctx context.Context, roomID types.RoomID, state json.RawMessage) {
	b.publish(ctx, roomID, TypeGameState, state)
}

// PlayerJoined announces a claimed seat.
func (b *Broadcaster) PlayerJoined(ctx context.Context, roomID types.RoomID, userID types.UserID, userName string, seat int) {
	b.publish(ctx, roomID, TypePlayerJoined, playerEvent{UserID: userID, UserName: userName, SeatIndex: seat})
}

// PlayerLeft announces a vacated seat.
func (b *Broadcaster) PlayerLeft(ctx context.Context, roomID types.RoomID, userID types.UserID, userName string) {
	b.publish(ctx, roomID, TypePlayerLeft, playerEvent{UserID: userID, UserName: userName})
}

// PlayerDisconnected announces the start of a reconnect grace window.
func (b *Broadcaster) PlayerDisconnected(ctx context.Context, roomID types.RoomID, userID types.UserID, userName string, graceSeconds int) {
	b.publish(ctx, roomID, TypePlayerDisconnected, playerEvent{UserID: userID, UserName: userName, GracePeriodSeconds: graceSeconds})
}

// PlayerReconnected announces a reclaimed seat.
func (b *Broadcaster) PlayerReconnected(ctx context.Context, roomID types.RoomID, userID types.UserID, userName string) {
	b.publish(ctx, roomID, TypePlayerReconnected, playerEvent{UserID: userID, UserName: userName})
}

// GameEvent broadcasts a named domain event.
func (b *Broadcaster) GameEvent(ctx context.Context, roomID types.RoomID, name string, data map[string]any) {
	b.publish(ctx, roomID, TypeGameEvent, gameEvent{Name: name, Data: data})
}

// ChatMessage broadcasts a chat line.
func (b *Broadcaster) ChatMessage(ctx context.Context, roomID types.RoomID, userID types.UserID, userName, text string) {
	b.publish(ctx, roomID, TypeChatMessage, chatMessage{UserID: userID, UserName: userName, Text: text})
}

// ActionResult emits the engine's events in order, then the state snapshot if
// one was produced.
func (b *Broadcaster) ActionResult(ctx context.Context, roomID types.RoomID, res *module.ActionResult) {
	if res == nil {
		return
	}
	for _, ev := range res.Events {
		b.GameEvent(ctx, roomID, ev.Name, ev.Data)
	}
	if len(res.NewState) > 0 {
		b.GameState(ctx, roomID, res.NewState)
	}
}

// ActionErrorEnvelope builds the frame for a failed action. It is sent only to
// the originating connection by the hub, never broadcast.
func ActionErrorEnvelope(roomID types.RoomID, action, message string) Envelope {
	raw, _ := json.Marshal(actionError{Action: action, Message: message})
	return Envelope{
		Type:      TypeActionError,
		RoomID:    roomID,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}
}
