package rooms

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/economy"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/registry"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/store"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

// fakeLedger records reservations and refunds in memory.
type fakeLedger struct {
	mu        sync.Mutex
	balances  map[types.UserID]int64
	reserved  []*economy.Reservation
	refunded  []string
	committed []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[types.UserID]int64{}}
}

func (f *fakeLedger) EnsureProfile(_ context.Context, userID types.UserID, initial int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[userID]; !ok {
		f.balances[userID] = initial
	}
	return nil
}

func (f *fakeLedger) Balance(_ context.Context, userID types.UserID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeLedger) ReserveEntryFee(_ context.Context, userID types.UserID, fee int64, roomID types.RoomID) (*economy.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[userID] < fee {
		return nil, types.ErrInsufficientFunds
	}
	f.balances[userID] -= fee
	res := &economy.Reservation{
		ID:     "res-" + string(userID),
		UserID: userID,
		RoomID: roomID,
		Fee:    fee,
	}
	f.reserved = append(f.reserved, res)
	return res, nil
}

func (f *fakeLedger) CommitEntryFee(_ context.Context, res *economy.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, res.ID)
	return nil
}

func (f *fakeLedger) RefundEntryFee(_ context.Context, res *economy.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[res.UserID] += res.Fee
	f.refunded = append(f.refunded, "refund:"+res.ID)
	return nil
}

func (f *fakeLedger) ProcessGamePayouts(context.Context, economy.PayoutRequest) error { return nil }

func newTestService(t *testing.T) (*Service, *fakeLedger, *registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New(rdb)
	st := store.New(rdb, reg, "worker-test")
	ledger := newFakeLedger()

	svc := NewService(Config{
		GameType:     "race",
		MaxSeats:     2,
		EntryFee:     100,
		InitialState: func() ([]byte, error) { return []byte{1, 0, 0, 0, 0}, nil },
	}, module.Deps{Store: st, Registry: reg, Economy: ledger})

	return svc, ledger, reg
}

func TestCreateRoom_FillsDefaultsAndShortCode(t *testing.T) {
	svc, _, reg := newTestService(t)
	ctx := context.Background()

	roomID, err := svc.CreateRoom(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, roomID)
	assert.NotContains(t, string(roomID), "-")

	meta, err := svc.RoomMeta(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, types.GameType("race"), meta.GameType)
	assert.Equal(t, 2, meta.MaxSeats)
	assert.Equal(t, int64(100), meta.EntryFee)
	assert.Equal(t, types.VisibilityPublic, meta.Visibility)

	code, found, err := reg.ShortCodeOf(ctx, roomID)
	require.NoError(t, err)
	require.True(t, found)

	back, found, err := reg.RoomIDByShortCode(ctx, code)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, roomID, back)
}

func TestJoinRoom_AssignsSeatsInOrder(t *testing.T) {
	svc, ledger, reg := newTestService(t)
	ctx := context.Background()

	require.NoError(t, ledger.EnsureProfile(ctx, "alice", 500))
	require.NoError(t, ledger.EnsureProfile(ctx, "bob", 500))

	roomID, err := svc.CreateRoom(ctx, nil)
	require.NoError(t, err)

	res, err := svc.JoinRoom(ctx, roomID, "alice")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Seat)

	res, err = svc.JoinRoom(ctx, roomID, "bob")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Seat)

	// Fees debited and committed.
	balance, _ := ledger.Balance(ctx, "alice")
	assert.Equal(t, int64(400), balance)
	assert.Len(t, ledger.committed, 2)

	roomOf, found, err := reg.UserRoom(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, roomID, roomOf)
}

func TestJoinRoom_FullRoomRefundsReservation(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	for _, u := range []types.UserID{"alice", "bob", "carol"} {
		require.NoError(t, ledger.EnsureProfile(ctx, u, 500))
	}

	roomID, err := svc.CreateRoom(ctx, nil)
	require.NoError(t, err)

	for _, u := range []types.UserID{"alice", "bob"} {
		res, err := svc.JoinRoom(ctx, roomID, u)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := svc.JoinRoom(ctx, roomID, "carol")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, types.ErrRoomFull)

	// Net ledger effect for carol is zero: one reserve, one paired refund.
	balance, _ := ledger.Balance(ctx, "carol")
	assert.Equal(t, int64(500), balance)
	assert.Contains(t, ledger.refunded, "refund:res-carol")
}

func TestJoinRoom_InsufficientFunds(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, ledger.EnsureProfile(ctx, "poor", 50))

	roomID, err := svc.CreateRoom(ctx, nil)
	require.NoError(t, err)

	res, err := svc.JoinRoom(ctx, roomID, "poor")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, types.ErrInsufficientFunds)
	assert.Empty(t, ledger.reserved)
}

func TestJoinRoom_RejectsDoubleJoin(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, ledger.EnsureProfile(ctx, "alice", 500))

	roomID, err := svc.CreateRoom(ctx, nil)
	require.NoError(t, err)

	res, err := svc.JoinRoom(ctx, roomID, "alice")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.JoinRoom(ctx, roomID, "alice")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrAlreadySeated)

	// Only the first join touched the ledger.
	assert.Len(t, ledger.reserved, 1)
}

func TestJoinRoom_RejectsSecondRoom(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, ledger.EnsureProfile(ctx, "alice", 500))

	first, err := svc.CreateRoom(ctx, nil)
	require.NoError(t, err)
	second, err := svc.CreateRoom(ctx, nil)
	require.NoError(t, err)

	res, err := svc.JoinRoom(ctx, first, "alice")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.JoinRoom(ctx, second, "alice")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrInAnotherRoom)
}

func TestJoinRoom_MissingRoom(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.JoinRoom(context.Background(), "nope", "alice")
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, types.ErrRoomNotFound)
}

func TestLeaveRoom(t *testing.T) {
	svc, ledger, reg := newTestService(t)
	ctx := context.Background()

	require.NoError(t, ledger.EnsureProfile(ctx, "alice", 500))
	roomID, err := svc.CreateRoom(ctx, nil)
	require.NoError(t, err)
	res, err := svc.JoinRoom(ctx, roomID, "alice")
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, svc.LeaveRoom(ctx, roomID, "alice"))

	_, found, err := reg.UserRoom(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found)

	meta, err := svc.RoomMeta(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, meta.Seats)

	assert.ErrorIs(t, svc.LeaveRoom(ctx, roomID, "alice"), types.ErrNotInRoom)
}

func TestDeleteRoom_ClearsMappings(t *testing.T) {
	svc, ledger, reg := newTestService(t)
	ctx := context.Background()

	require.NoError(t, ledger.EnsureProfile(ctx, "alice", 500))
	roomID, err := svc.CreateRoom(ctx, nil)
	require.NoError(t, err)
	res, err := svc.JoinRoom(ctx, roomID, "alice")
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, svc.DeleteRoom(ctx, roomID))

	_, err = svc.RoomMeta(ctx, roomID)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)

	_, found, err := reg.UserRoom(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = reg.GameTypeOf(ctx, roomID)
	require.NoError(t, err)
	assert.False(t, found)
}
