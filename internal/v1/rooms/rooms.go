// Package rooms implements the room-service side of the game module contract
// once, so individual games only supply their rule engine. Seat assignment is
// atomic against the store, and the entry fee is reserved before a seat is
// finalized and refunded whenever the seat claim fails afterwards.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/economy"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/metrics"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/registry"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/store"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

var (
	// ErrAlreadySeated rejects a join by a user who holds a seat in this room.
	ErrAlreadySeated = errors.New("already seated in this room")
	// ErrInAnotherRoom rejects a join while the user is seated elsewhere.
	ErrInAnotherRoom = errors.New("already in another room")
)

// Config fixes the per-game parameters of the service.
type Config struct {
	GameType types.GameType
	MaxSeats int
	EntryFee int64
	// InitialState produces the encoded state blob for a fresh room.
	InitialState func() ([]byte, error)
}

// Service is the shared module.RoomService implementation.
type Service struct {
	cfg    Config
	store  *store.Store
	reg    *registry.Registry
	ledger economy.Ledger
}

func NewService(cfg Config, deps module.Deps) *Service {
	return &Service{
		cfg:    cfg,
		store:  deps.Store,
		reg:    deps.Registry,
		ledger: deps.Economy,
	}
}

// NewRoomID mints an opaque room id: a UUID with the dashes stripped, so the
// id is plain lowercase hex.
func NewRoomID() types.RoomID {
	return types.RoomID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// CreateRoom persists an empty room and allocates its short code. The creator
// claims their seat through JoinRoom so the entry fee follows the normal path.
func (s *Service) CreateRoom(ctx context.Context, meta *types.RoomMeta) (types.RoomID, error) {
	if meta == nil {
		meta = &types.RoomMeta{}
	}
	if meta.RoomID == "" {
		meta.RoomID = NewRoomID()
	}
	meta.GameType = s.cfg.GameType
	if meta.MaxSeats == 0 {
		meta.MaxSeats = s.cfg.MaxSeats
	}
	if meta.EntryFee == 0 {
		meta.EntryFee = s.cfg.EntryFee
	}
	if meta.Visibility == "" {
		meta.Visibility = types.VisibilityPublic
	}
	if meta.Seats == nil {
		meta.Seats = map[types.UserID]int{}
	}
	meta.CreatedAt = time.Now().Unix()

	state, err := s.cfg.InitialState()
	if err != nil {
		return "", fmt.Errorf("rooms: initial state for %s: %w", s.cfg.GameType, err)
	}
	if err := s.store.Save(ctx, s.cfg.GameType, meta.RoomID, state, meta); err != nil {
		return "", err
	}

	code, err := s.reg.AllocateShortCode(ctx, meta.RoomID)
	if err != nil {
		// The room works without a code; creation does not fail for it.
		logging.Warn(ctx, "room created without a short code",
			zap.String("room_id", string(meta.RoomID)), zap.Error(err))
	} else {
		logging.Info(ctx, "room created",
			zap.String("room_id", string(meta.RoomID)),
			zap.String("game_type", string(s.cfg.GameType)),
			zap.String("short_code", code))
	}

	metrics.ActiveRooms.WithLabelValues(string(s.cfg.GameType)).Inc()
	return meta.RoomID, nil
}

// JoinRoom seats the user. Order matters: the entry fee is reserved before the
// seat claim, and refunded when the claim fails, so the ledger is neutral on
// any failed join.
func (s *Service) JoinRoom(ctx context.Context, roomID types.RoomID, userID types.UserID) (*module.JoinResult, error) {
	meta, found, err := s.store.LoadMeta(ctx, s.cfg.GameType, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &module.JoinResult{Err: types.ErrRoomNotFound}, nil
	}
	if meta.SeatOf(userID) >= 0 {
		return &module.JoinResult{Err: ErrAlreadySeated}, nil
	}
	if other, ok, err := s.reg.UserRoom(ctx, userID); err != nil {
		return nil, err
	} else if ok && other != roomID {
		return &module.JoinResult{Err: ErrInAnotherRoom}, nil
	}

	reservation, err := s.ledger.ReserveEntryFee(ctx, userID, meta.EntryFee, roomID)
	if err != nil {
		if errors.Is(err, types.ErrInsufficientFunds) {
			return &module.JoinResult{Err: types.ErrInsufficientFunds}, nil
		}
		return nil, err
	}

	seat, err := s.store.ClaimSeat(ctx, s.cfg.GameType, roomID, userID)
	if err != nil {
		if refundErr := s.ledger.RefundEntryFee(ctx, reservation); refundErr != nil {
			// The outbox-side reconciliation will retry; the reservation id
			// makes the eventual refund idempotent.
			logging.Error(ctx, "entry fee refund failed after seat claim failure",
				zap.String("room_id", string(roomID)),
				zap.String("user_id", string(userID)),
				zap.String("reservation_id", reservation.ID),
				zap.Error(refundErr))
		}
		switch {
		case errors.Is(err, types.ErrRoomFull),
			errors.Is(err, types.ErrRoomNotFound),
			errors.Is(err, types.ErrConcurrencyConflict):
			return &module.JoinResult{Err: err}, nil
		default:
			return nil, err
		}
	}

	if err := s.ledger.CommitEntryFee(ctx, reservation); err != nil {
		logging.Warn(ctx, "entry fee commit failed, reservation stays pending",
			zap.String("reservation_id", reservation.ID), zap.Error(err))
	}
	if err := s.reg.SetUserRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	_ = s.reg.UpdateRoomActivity(ctx, roomID, s.cfg.GameType, time.Now())

	return &module.JoinResult{Success: true, Seat: seat}, nil
}

// LeaveRoom vacates the user's seat and clears their room mapping. Entry fees
// are not refunded on a voluntary leave; the pot is settled at game end.
func (s *Service) LeaveRoom(ctx context.Context, roomID types.RoomID, userID types.UserID) error {
	if _, err := s.store.ReleaseSeat(ctx, s.cfg.GameType, roomID, userID); err != nil {
		return err
	}
	if err := s.reg.ClearUserRoom(ctx, userID); err != nil {
		return err
	}
	_ = s.reg.RemoveDisconnectTicket(ctx, userID)
	_ = s.reg.UpdateRoomActivity(ctx, roomID, s.cfg.GameType, time.Now())
	return nil
}

// RoomMeta returns the metadata record.
func (s *Service) RoomMeta(ctx context.Context, roomID types.RoomID) (*types.RoomMeta, error) {
	meta, found, err := s.store.LoadMeta(ctx, s.cfg.GameType, roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.ErrRoomNotFound
	}
	return meta, nil
}

// DeleteRoom removes the room and every per-user mapping that points at it.
func (s *Service) DeleteRoom(ctx context.Context, roomID types.RoomID) error {
	meta, found, err := s.store.LoadMeta(ctx, s.cfg.GameType, roomID)
	if err != nil {
		return err
	}
	if found {
		for userID := range meta.Seats {
			if err := s.reg.ClearUserRoom(ctx, userID); err != nil {
				return err
			}
			_ = s.reg.RemoveDisconnectTicket(ctx, userID)
		}
	}
	if err := s.store.Delete(ctx, s.cfg.GameType, roomID); err != nil {
		return err
	}
	metrics.ActiveRooms.WithLabelValues(string(s.cfg.GameType)).Dec()
	return nil
}
