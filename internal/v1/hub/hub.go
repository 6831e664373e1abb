// Package hub is the realtime command surface: it authenticates websocket
// clients, validates and rate-limits their requests, funnels game commands
// through the dispatcher under the room lock, and fans results out through the
// broadcaster. One hub instance serves every game type on the node.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/auth"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/broadcast"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/dispatch"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/economy"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/metrics"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/ratelimit"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/registry"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/scheduler"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/session"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/store"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/validate"
)

const (
	// lockAcquireTimeout bounds how long one command waits for the room lock.
	lockAcquireTimeout = time.Second
	lockRetryInterval  = 50 * time.Millisecond

	// commandLockTTL covers one load, execute, save triple.
	commandLockTTL = 3 * time.Second

	maxChatLength = 500
)

// Client message types.
const (
	MsgCreateRoom      = "create_room"
	MsgJoinRoom        = "join_room"
	MsgLeaveRoom       = "leave_room"
	MsgSpectateRoom    = "spectate_room"
	MsgStopSpectating  = "stop_spectating"
	MsgPerformAction   = "perform_action"
	MsgGetLegalActions = "get_legal_actions"
	MsgGetState        = "get_state"
	MsgChat            = "chat"
	MsgPing            = "ping"
)

// ClientMessage is one inbound frame.
type ClientMessage struct {
	Type         string          `json:"type"`
	RequestID    string          `json:"requestId,omitempty"`
	RoomID       string          `json:"roomId,omitempty"`
	TemplateName string          `json:"templateName,omitempty"`
	Action       string          `json:"action,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CommandID    string          `json:"commandId,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Response is the reply frame for one request.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// TokenValidator validates the JWT presented during the websocket handshake.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Template binds a client-facing room template to module defaults.
type Template struct {
	Name     string
	GameType types.GameType
	MaxSeats int
	EntryFee int64
	Config   map[string]string
}

// Options carry the tunables the hub reads from config.
type Options struct {
	InitialCoins     int64
	RateLimitPermits int64
	DevMode          bool
}

// Hub coordinates every websocket client on this node.
type Hub struct {
	validator   TokenValidator
	rateLimiter *ratelimit.RateLimiter
	sessions    *session.Manager
	reg         *registry.Registry
	store       *store.Store
	dispatcher  *dispatch.Dispatcher
	bcast       *broadcast.Broadcaster
	sink        scheduler.GameEndSink
	ledger      economy.Ledger
	opts        Options

	templates map[string]Template

	// Engines and Services default to the module registration table and are
	// overridable in tests.
	Engines  func(gt types.GameType) (module.Engine, bool)
	Services func(gt types.GameType) (module.RoomService, bool)
}

// NewHub wires the hub. A default template is registered per game type, named
// after the type itself; AddTemplate layers richer presets on top.
func NewHub(
	validator TokenValidator,
	rateLimiter *ratelimit.RateLimiter,
	sessions *session.Manager,
	reg *registry.Registry,
	st *store.Store,
	dispatcher *dispatch.Dispatcher,
	bcast *broadcast.Broadcaster,
	sink scheduler.GameEndSink,
	ledger economy.Ledger,
	opts Options,
) *Hub {
	h := &Hub{
		validator:   validator,
		rateLimiter: rateLimiter,
		sessions:    sessions,
		reg:         reg,
		store:       st,
		dispatcher:  dispatcher,
		bcast:       bcast,
		sink:        sink,
		ledger:      ledger,
		opts:        opts,
		templates:   make(map[string]Template),
		Engines:     module.EngineFor,
		Services:    module.ServiceFor,
	}
	for _, gt := range module.GameTypes() {
		if d, ok := module.DescriptorFor(gt); ok {
			h.templates[string(gt)] = Template{
				Name:     string(gt),
				GameType: gt,
				MaxSeats: d.MaxSeats,
				EntryFee: d.DefaultEntryFee,
			}
		}
	}
	return h
}

// AddTemplate registers a named room preset.
func (h *Hub) AddTemplate(t Template) error {
	if err := validate.TemplateName(t.Name); err != nil {
		return err
	}
	if err := validate.CoinAmount(t.EntryFee); err != nil {
		return err
	}
	if t.EntryFee < 0 {
		return fmt.Errorf("hub: entry fee must not be negative")
	}
	if _, ok := module.DescriptorFor(t.GameType); !ok {
		return fmt.Errorf("hub: unknown game type %q", t.GameType)
	}
	h.templates[t.Name] = t
	return nil
}

// ServeWs authenticates the user and upgrades to a WebSocket connection.
func (h *Hub) ServeWs(c *gin.Context) {
	// IP limit first, before any work is done for the request.
	if !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	tokenResult, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.authenticateUser(tokenResult.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
		return
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	if err := validateOrigin(c.Request, allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c, allowedOrigins, tokenResult)
	if err != nil {
		return
	}

	h.HandleConnection(c, conn, claims)
}

// HandleConnection takes an established WebSocket connection and sets up the
// client, resuming a room when a disconnect ticket is outstanding.
func (h *Hub) HandleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) {
	client := h.setupClient(conn, claims, c.Query("username"))
	ctx := c.Request.Context()

	metrics.IncConnection()

	if err := h.ledger.EnsureProfile(ctx, client.userID, h.opts.InitialCoins); err != nil {
		logging.Error(ctx, "could not ensure player profile",
			zap.String("user_id", string(client.userID)), zap.Error(err))
	}

	roomID, resumed, err := h.sessions.Connect(ctx, client.userID, client.connID, client.userName)
	if err != nil {
		logging.Error(ctx, "session connect failed",
			zap.String("user_id", string(client.userID)), zap.Error(err))
	}
	if resumed {
		h.bcast.Subscribe(ctx, roomID, client)
		client.trackRoom(roomID)
	}

	go client.writePump()
	go client.readPump()
}

// route dispatches one inbound frame. Every message counts as a heartbeat.
func (h *Hub) route(ctx context.Context, c *Client, msg *ClientMessage) {
	if err := h.sessions.Heartbeat(ctx, c.userID, c.connID); err != nil {
		logging.Warn(ctx, "heartbeat failed",
			zap.String("user_id", string(c.userID)), zap.Error(err))
	}

	switch msg.Type {
	case MsgPing:
		c.reply(msg.RequestID, true, "", gin.H{"pong": time.Now().Unix()})
	case MsgCreateRoom:
		h.createRoom(ctx, c, msg)
	case MsgJoinRoom:
		h.joinRoom(ctx, c, msg)
	case MsgLeaveRoom:
		h.leaveRoom(ctx, c, msg)
	case MsgSpectateRoom:
		h.spectateRoom(ctx, c, msg)
	case MsgStopSpectating:
		h.stopSpectating(ctx, c, msg)
	case MsgPerformAction:
		h.performAction(ctx, c, msg)
	case MsgGetLegalActions:
		h.legalActions(ctx, c, msg)
	case MsgGetState:
		h.getState(ctx, c, msg)
	case MsgChat:
		h.chat(ctx, c, msg)
	default:
		c.reply(msg.RequestID, false, fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

// allow enforces the per-user command budget before any registry mutation.
func (h *Hub) allow(ctx context.Context, c *Client, requestID string) bool {
	ok, err := h.reg.CheckRateLimit(ctx, c.userID, h.opts.RateLimitPermits)
	if err != nil {
		// Fail open, consistent with the edge limiter.
		logging.Error(ctx, "rate limit check failed",
			zap.String("user_id", string(c.userID)), zap.Error(err))
		return true
	}
	if !ok {
		c.reply(requestID, false, "rate limit exceeded", nil)
	}
	return ok
}

func (h *Hub) createRoom(ctx context.Context, c *Client, msg *ClientMessage) {
	if err := validate.TemplateName(msg.TemplateName); err != nil {
		c.reply(msg.RequestID, false, err.Error(), nil)
		return
	}
	if !h.allow(ctx, c, msg.RequestID) {
		return
	}

	tpl, ok := h.templates[msg.TemplateName]
	if !ok {
		c.reply(msg.RequestID, false, fmt.Sprintf("unknown template %q", msg.TemplateName), nil)
		return
	}
	svc, ok := h.Services(tpl.GameType)
	if !ok {
		c.reply(msg.RequestID, false, "game type unavailable", nil)
		return
	}

	meta := &types.RoomMeta{
		MaxSeats: tpl.MaxSeats,
		EntryFee: tpl.EntryFee,
		Config:   tpl.Config,
	}
	roomID, err := svc.CreateRoom(ctx, meta)
	if err != nil {
		logging.Error(ctx, "room creation failed",
			zap.String("template", msg.TemplateName), zap.Error(err))
		c.reply(msg.RequestID, false, "could not create room", nil)
		return
	}

	shortCode, _, _ := h.reg.ShortCodeOf(ctx, roomID)
	c.reply(msg.RequestID, true, "", gin.H{
		"roomId":    roomID,
		"shortCode": shortCode,
		"gameType":  tpl.GameType,
	})
}

func (h *Hub) joinRoom(ctx context.Context, c *Client, msg *ClientMessage) {
	roomID, ok := h.resolveRoom(ctx, c, msg)
	if !ok {
		return
	}
	if !h.allow(ctx, c, msg.RequestID) {
		return
	}

	gt, svc, ok := h.serviceFor(ctx, c, msg.RequestID, roomID)
	if !ok {
		return
	}

	result, err := svc.JoinRoom(ctx, roomID, c.userID)
	if err != nil {
		logging.Error(ctx, "join failed",
			zap.String("room_id", string(roomID)),
			zap.String("user_id", string(c.userID)), zap.Error(err))
		c.reply(msg.RequestID, false, "could not join room", nil)
		return
	}
	if !result.Success {
		c.reply(msg.RequestID, false, result.Err.Error(), nil)
		return
	}

	h.bcast.Subscribe(ctx, roomID, c)
	c.trackRoom(roomID)
	h.bcast.PlayerJoined(ctx, roomID, c.userID, c.userName, result.Seat)

	c.reply(msg.RequestID, true, "", gin.H{
		"roomId":    roomID,
		"gameType":  gt,
		"seatIndex": result.Seat,
	})
}

func (h *Hub) leaveRoom(ctx context.Context, c *Client, msg *ClientMessage) {
	roomID, ok := h.validRoomID(c, msg)
	if !ok {
		return
	}
	if !h.allow(ctx, c, msg.RequestID) {
		return
	}

	_, svc, found := h.serviceFor(ctx, c, msg.RequestID, roomID)
	if !found {
		return
	}
	if err := svc.LeaveRoom(ctx, roomID, c.userID); err != nil {
		c.reply(msg.RequestID, false, err.Error(), nil)
		return
	}

	h.bcast.PlayerLeft(ctx, roomID, c.userID, c.userName)
	h.bcast.Unsubscribe(roomID, c.connID)
	c.untrackRoom(roomID)
	c.reply(msg.RequestID, true, "", nil)
}

func (h *Hub) spectateRoom(ctx context.Context, c *Client, msg *ClientMessage) {
	roomID, ok := h.validRoomID(c, msg)
	if !ok {
		return
	}
	if !h.allow(ctx, c, msg.RequestID) {
		return
	}

	gt, found, err := h.reg.GameTypeOf(ctx, roomID)
	if err != nil || !found {
		c.reply(msg.RequestID, false, types.ErrRoomNotFound.Error(), nil)
		return
	}

	// One spectate target at a time; switching drops the previous one.
	if prev := c.watchingRoom(); prev != "" && prev != roomID {
		h.bcast.Unsubscribe(prev, c.connID)
		c.untrackRoom(prev)
	}

	h.bcast.Subscribe(ctx, roomID, c)
	c.trackRoom(roomID)
	c.setWatching(roomID)

	var state *module.StateResponse
	if engine, ok := h.Engines(gt); ok {
		state, _ = engine.State(ctx, roomID)
	}
	c.reply(msg.RequestID, true, "", state)
}

func (h *Hub) stopSpectating(ctx context.Context, c *Client, msg *ClientMessage) {
	roomID := c.watchingRoom()
	if roomID == "" {
		c.reply(msg.RequestID, false, "not spectating", nil)
		return
	}
	h.bcast.Unsubscribe(roomID, c.connID)
	c.untrackRoom(roomID)
	c.reply(msg.RequestID, true, "", nil)
}

// performAction is the hot path: one command, serialized per room by the
// dispatcher, executed under the room lock.
func (h *Hub) performAction(ctx context.Context, c *Client, msg *ClientMessage) {
	roomID, ok := h.validRoomID(c, msg)
	if !ok {
		return
	}
	if err := validate.Action(msg.Action); err != nil {
		c.reply(msg.RequestID, false, err.Error(), nil)
		return
	}
	if msg.CommandID != "" {
		if err := validate.IdempotencyKey(msg.CommandID); err != nil {
			c.reply(msg.RequestID, false, err.Error(), nil)
			return
		}
	}
	if err := validate.ConfigJSON(msg.Payload); err != nil {
		c.reply(msg.RequestID, false, err.Error(), nil)
		return
	}
	if !h.allow(ctx, c, msg.RequestID) {
		return
	}

	gt, found, err := h.reg.GameTypeOf(ctx, roomID)
	if err != nil || !found {
		c.reply(msg.RequestID, false, types.ErrRoomNotFound.Error(), nil)
		return
	}
	engine, ok := h.Engines(gt)
	if !ok {
		c.reply(msg.RequestID, false, "game type unavailable", nil)
		return
	}

	started := time.Now()
	cmd := module.Command{
		UserID:    c.userID,
		Action:    msg.Action,
		Payload:   msg.Payload,
		CommandID: msg.CommandID,
	}

	res, err := h.dispatcher.Dispatch(ctx, roomID, func(ctx context.Context) (*module.ActionResult, error) {
		return h.executeLocked(ctx, gt, roomID, engine, cmd)
	})
	metrics.CommandDuration.WithLabelValues(string(gt)).Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.CommandsTotal.WithLabelValues(msg.Action, "error").Inc()
		// Errors go to the acting client only.
		_ = c.Deliver(broadcast.ActionErrorEnvelope(roomID, msg.Action, err.Error()))
		c.reply(msg.RequestID, false, err.Error(), nil)
		return
	}
	if !res.Success {
		metrics.CommandsTotal.WithLabelValues(msg.Action, "rejected").Inc()
		_ = c.Deliver(broadcast.ActionErrorEnvelope(roomID, msg.Action, res.ErrorMessage))
		c.reply(msg.RequestID, false, res.ErrorMessage, nil)
		return
	}

	metrics.CommandsTotal.WithLabelValues(msg.Action, "ok").Inc()
	h.bcast.ActionResult(ctx, roomID, res)
	c.reply(msg.RequestID, true, "", gin.H{"newState": res.NewState})

	if res.GameEnded != nil {
		if svc, ok := h.Services(gt); ok {
			if err := svc.DeleteRoom(ctx, roomID); err != nil {
				logging.Warn(ctx, "could not delete finished room",
					zap.String("room_id", string(roomID)), zap.Error(err))
			}
		}
	}
}

// executeLocked runs one engine call under the distributed room lock. The
// game-end outbox record is written before the lock is released, so a crash
// after the state save still pays out.
func (h *Hub) executeLocked(ctx context.Context, gt types.GameType, roomID types.RoomID, engine module.Engine, cmd module.Command) (*module.ActionResult, error) {
	if err := h.lockRoom(ctx, gt, roomID); err != nil {
		return nil, err
	}
	defer func() {
		if err := h.store.Unlock(ctx, gt, roomID); err != nil {
			logging.Warn(ctx, "command unlock failed",
				zap.String("room_id", string(roomID)), zap.Error(err))
		}
	}()

	res, err := engine.Execute(ctx, roomID, cmd)
	if err != nil {
		return nil, err
	}

	if res.GameEnded != nil {
		meta, _, metaErr := h.store.LoadMeta(ctx, gt, roomID)
		if metaErr != nil {
			logging.Error(ctx, "could not load meta for finished game",
				zap.String("room_id", string(roomID)), zap.Error(metaErr))
		}
		if err := h.sink.EnqueueGameEnded(ctx, roomID, gt, res.GameEnded, meta); err != nil {
			// The state is saved; surface the failure so the client retries and
			// the enqueue gets another chance.
			return nil, fmt.Errorf("game finished but settlement could not be queued: %w", err)
		}
	}
	return res, nil
}

// lockRoom retries for up to lockAcquireTimeout before giving up.
func (h *Hub) lockRoom(ctx context.Context, gt types.GameType, roomID types.RoomID) error {
	deadline := time.Now().Add(lockAcquireTimeout)
	for {
		held, err := h.store.TryLock(ctx, gt, roomID, commandLockTTL)
		if err != nil {
			return err
		}
		if held {
			return nil
		}
		metrics.LockContention.Inc()
		if time.Now().After(deadline) {
			return types.ErrLockContention
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (h *Hub) legalActions(ctx context.Context, c *Client, msg *ClientMessage) {
	roomID, ok := h.validRoomID(c, msg)
	if !ok {
		return
	}
	if !h.allow(ctx, c, msg.RequestID) {
		return
	}

	gt, found, err := h.reg.GameTypeOf(ctx, roomID)
	if err != nil || !found {
		c.reply(msg.RequestID, false, types.ErrRoomNotFound.Error(), nil)
		return
	}
	engine, ok := h.Engines(gt)
	if !ok {
		c.reply(msg.RequestID, false, "game type unavailable", nil)
		return
	}

	actions, err := engine.LegalActions(ctx, roomID, c.userID)
	if err != nil {
		c.reply(msg.RequestID, false, err.Error(), nil)
		return
	}
	if actions == nil {
		actions = []string{}
	}
	c.reply(msg.RequestID, true, "", gin.H{"actions": actions})
}

func (h *Hub) getState(ctx context.Context, c *Client, msg *ClientMessage) {
	roomID, ok := h.validRoomID(c, msg)
	if !ok {
		return
	}
	if !h.allow(ctx, c, msg.RequestID) {
		return
	}

	gt, found, err := h.reg.GameTypeOf(ctx, roomID)
	if err != nil || !found {
		c.reply(msg.RequestID, false, types.ErrRoomNotFound.Error(), nil)
		return
	}
	engine, ok := h.Engines(gt)
	if !ok {
		c.reply(msg.RequestID, false, "game type unavailable", nil)
		return
	}

	state, err := engine.State(ctx, roomID)
	if err != nil {
		c.reply(msg.RequestID, false, err.Error(), nil)
		return
	}
	if actions, err := engine.LegalActions(ctx, roomID, c.userID); err == nil {
		state.LegalMoves = actions
	}
	c.reply(msg.RequestID, true, "", state)
}

func (h *Hub) chat(ctx context.Context, c *Client, msg *ClientMessage) {
	roomID, ok := h.validRoomID(c, msg)
	if !ok {
		return
	}
	if msg.Message == "" || len(msg.Message) > maxChatLength {
		c.reply(msg.RequestID, false, fmt.Sprintf("message must be 1-%d characters", maxChatLength), nil)
		return
	}
	if !h.allow(ctx, c, msg.RequestID) {
		return
	}

	// Chat is for participants: players and spectators alike, which is exactly
	// the set of connections subscribed to the room.
	c.mu.RLock()
	subscribed := c.rooms[roomID]
	c.mu.RUnlock()
	if !subscribed {
		c.reply(msg.RequestID, false, types.ErrNotInRoom.Error(), nil)
		return
	}

	h.bcast.ChatMessage(ctx, roomID, c.userID, c.userName, msg.Message)
	c.reply(msg.RequestID, true, "", nil)
}

// resolveRoom accepts a room id or a 5-character short code.
func (h *Hub) resolveRoom(ctx context.Context, c *Client, msg *ClientMessage) (types.RoomID, bool) {
	isCode, err := validate.RoomRef(msg.RoomID)
	if err != nil {
		c.reply(msg.RequestID, false, err.Error(), nil)
		return "", false
	}
	if !isCode {
		return types.RoomID(msg.RoomID), true
	}

	roomID, found, err := h.reg.RoomIDByShortCode(ctx, msg.RoomID)
	if err != nil {
		c.reply(msg.RequestID, false, "could not resolve room code", nil)
		return "", false
	}
	if !found {
		c.reply(msg.RequestID, false, types.ErrRoomNotFound.Error(), nil)
		return "", false
	}
	return roomID, true
}

func (h *Hub) validRoomID(c *Client, msg *ClientMessage) (types.RoomID, bool) {
	if err := validate.RoomID(msg.RoomID); err != nil {
		c.reply(msg.RequestID, false, err.Error(), nil)
		return "", false
	}
	return types.RoomID(msg.RoomID), true
}

// serviceFor resolves a room to its game type and room service, replying with
// the failure when either lookup misses.
func (h *Hub) serviceFor(ctx context.Context, c *Client, requestID string, roomID types.RoomID) (types.GameType, module.RoomService, bool) {
	gt, found, err := h.reg.GameTypeOf(ctx, roomID)
	if err != nil || !found {
		c.reply(requestID, false, types.ErrRoomNotFound.Error(), nil)
		return "", nil, false
	}
	svc, ok := h.Services(gt)
	if !ok {
		c.reply(requestID, false, "game type unavailable", nil)
		return "", nil, false
	}
	return gt, svc, true
}

// handleDisconnect tears down one connection: subscriptions dropped, session
// informed so a grace ticket can be written.
func (h *Hub) handleDisconnect(c *Client) {
	ctx := context.Background()

	for _, roomID := range c.trackedRooms() {
		h.bcast.Unsubscribe(roomID, c.connID)
	}
	c.Disconnect()

	if err := h.sessions.Disconnect(ctx, c.userID, c.connID, c.userName); err != nil {
		logging.Warn(ctx, "session disconnect failed",
			zap.String("user_id", string(c.userID)), zap.Error(err))
	}
}

// Shutdown is called during graceful server stop; clients see a close frame.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "shutting down hub")
	h.bcast.Close()
	return nil
}

func newConnID() types.ConnectionID {
	return types.ConnectionID(uuid.NewString())
}
