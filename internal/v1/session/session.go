// Package session tracks connection liveness: heartbeats, the online set,
// disconnect grace tickets and the cleanup worker that removes players whose
// grace period ran out. Heartbeats are explicit; the TTL on the online set
// covers clients that die without a close frame.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/registry"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

// cleanupInterval is how often expired grace tickets are collected. Runs on
// every node; tickets are claimed one at a time so double processing is
// harmless.
const cleanupInterval = time.Second

// cleanupBatch bounds how many expired tickets one pass handles.
const cleanupBatch = 100

// Notifier is the slice of the broadcaster the session layer needs.
type Notifier interface {
	PlayerDisconnected(ctx context.Context, roomID types.RoomID, userID types.UserID, userName string, graceSeconds int)
	PlayerReconnected(ctx context.Context, roomID types.RoomID, userID types.UserID, userName string)
	PlayerLeft(ctx context.Context, roomID types.RoomID, userID types.UserID, userName string)
}

// Manager handles connect, heartbeat and disconnect transitions.
type Manager struct {
	reg    *registry.Registry
	notify Notifier
	grace  time.Duration

	// Services resolves a game type to its room service. Overridable in
	// tests; defaults to the module registration table.
	Services func(gt types.GameType) (module.RoomService, bool)
}

func NewManager(reg *registry.Registry, notify Notifier, grace time.Duration) *Manager {
	return &Manager{
		reg:      reg,
		notify:   notify,
		grace:    grace,
		Services: module.ServiceFor,
	}
}

// Connect registers the connection and, when a disconnect ticket exists,
// resumes the user into the room it points at. The caller re-subscribes the
// connection and announces the reconnect.
func (m *Manager) Connect(ctx context.Context, userID types.UserID, connID types.ConnectionID, userName string) (types.RoomID, bool, error) {
	if err := m.reg.Heartbeat(ctx, userID, connID, time.Now()); err != nil {
		return "", false, err
	}

	roomID, found, err := m.reg.TakeDisconnectTicket(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}

	logging.Info(ctx, "player resumed into room",
		zap.String("user_id", string(userID)),
		zap.String("room_id", string(roomID)))
	m.notify.PlayerReconnected(ctx, roomID, userID, userName)
	return roomID, true, nil
}

// Heartbeat refreshes the connection entry and the online set.
func (m *Manager) Heartbeat(ctx context.Context, userID types.UserID, connID types.ConnectionID) error {
	return m.reg.Heartbeat(ctx, userID, connID, time.Now())
}

// Disconnect drops the connection. When it was the user's last connection and
// the user sits in a room, a grace ticket is written and the room is told the
// player may come back.
func (m *Manager) Disconnect(ctx context.Context, userID types.UserID, connID types.ConnectionID, userName string) error {
	remaining, err := m.reg.RemoveConnection(ctx, userID, connID, time.Now())
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	roomID, inRoom, err := m.reg.UserRoom(ctx, userID)
	if err != nil {
		return err
	}
	if !inRoom {
		return nil
	}

	expiresAt := time.Now().Add(m.grace)
	if err := m.reg.AddDisconnectTicket(ctx, userID, roomID, expiresAt); err != nil {
		return err
	}
	m.notify.PlayerDisconnected(ctx, roomID, userID, userName, int(m.grace.Seconds()))
	return nil
}

// RunCleanup removes players whose grace tickets expired. Blocks until ctx is
// done; run it on every node.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupPass(ctx)
		}
	}
}

func (m *Manager) cleanupPass(ctx context.Context) {
	expired, err := m.reg.ExpiredDisconnectTickets(ctx, time.Now(), cleanupBatch)
	if err != nil {
		logging.Error(ctx, "expired-ticket scan failed", zap.Error(err))
		return
	}

	for userID, roomID := range expired {
		m.evict(ctx, userID, roomID)
	}
}

// evict finalizes one expired ticket: the seat is released, the mapping
// cleared and the room informed.
func (m *Manager) evict(ctx context.Context, userID types.UserID, roomID types.RoomID) {
	// The ticket is removed first so a failing leave cannot make every pass
	// retry the same user forever.
	if err := m.reg.RemoveDisconnectTicket(ctx, userID); err != nil {
		logging.Error(ctx, "could not remove expired ticket",
			zap.String("user_id", string(userID)), zap.Error(err))
		return
	}

	gt, found, err := m.reg.GameTypeOf(ctx, roomID)
	if err != nil || !found {
		_ = m.reg.ClearUserRoom(ctx, userID)
		return
	}
	svc, ok := m.Services(gt)
	if !ok {
		logging.Warn(ctx, "no room service registered for game type",
			zap.String("game_type", string(gt)))
		_ = m.reg.ClearUserRoom(ctx, userID)
		return
	}

	if err := svc.LeaveRoom(ctx, roomID, userID); err != nil {
		logging.Warn(ctx, "grace-period eviction could not leave room",
			zap.String("user_id", string(userID)),
			zap.String("room_id", string(roomID)),
			zap.Error(err))
		_ = m.reg.ClearUserRoom(ctx, userID)
		return
	}

	logging.Info(ctx, "player removed after grace period",
		zap.String("user_id", string(userID)),
		zap.String("room_id", string(roomID)))
	m.notify.PlayerLeft(ctx, roomID, userID, string(userID))
}
