package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

type fakeIndexer struct {
	registered   []types.RoomID
	touched      []types.RoomID
	unregistered []types.RoomID
}

func (f *fakeIndexer) RegisterRoom(_ context.Context, roomID types.RoomID, _ types.GameType, _ time.Time) error {
	f.registered = append(f.registered, roomID)
	return nil
}

func (f *fakeIndexer) UpdateRoomActivity(_ context.Context, roomID types.RoomID, _ types.GameType, _ time.Time) error {
	f.touched = append(f.touched, roomID)
	return nil
}

func (f *fakeIndexer) UnregisterRoom(_ context.Context, roomID types.RoomID, _ types.GameType) error {
	f.unregistered = append(f.unregistered, roomID)
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeIndexer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	idx := &fakeIndexer{}
	return New(rdb, idx, "worker-a"), idx, mr
}

func testMeta(roomID types.RoomID) *types.RoomMeta {
	return &types.RoomMeta{
		RoomID:    roomID,
		GameType:  "race",
		Seats:     map[types.UserID]int{"alice": 0},
		MaxSeats:  4,
		CreatedAt: time.Now().Unix(),
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s, idx, _ := newTestStore(t)
	ctx := context.Background()

	state := []byte{1, 5, 0, 0, 0, 10, 20, 30, 40, 50}
	require.NoError(t, s.Save(ctx, "race", "room-1", state, testMeta("room-1")))

	got, meta, found, err := s.Load(ctx, "race", "room-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state, got)
	assert.Equal(t, types.RoomID("room-1"), meta.RoomID)
	assert.Equal(t, 0, meta.Seats["alice"])

	assert.Contains(t, idx.registered, types.RoomID("room-1"))
	assert.Contains(t, idx.touched, types.RoomID("room-1"))
}

func TestStore_LoadMissing(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, _, found, err := s.Load(context.Background(), "race", "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PartialRecordIsAbsent(t *testing.T) {
	s, _, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "race", "room-1", []byte{1}, testMeta("room-1")))
	mr.Del("game:race:{room-1}:meta")

	_, _, found, err := s.Load(ctx, "race", "room-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_CorruptMetaIsAbsent(t *testing.T) {
	s, _, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "race", "room-1", []byte{1}, testMeta("room-1")))
	require.NoError(t, mr.Set("game:race:{room-1}:meta", "{not json"))

	_, _, found, err := s.Load(ctx, "race", "room-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_LoadMany(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "race", "a", []byte{0xA}, testMeta("a")))
	require.NoError(t, s.Save(ctx, "race", "b", []byte{0xB}, testMeta("b")))

	states, err := s.LoadMany(ctx, "race", []types.RoomID{"a", "missing", "b"})
	require.NoError(t, err)
	assert.Len(t, states, 2)
	assert.Equal(t, []byte{0xA}, states["a"])
	assert.Equal(t, []byte{0xB}, states["b"])

	metas, err := s.LoadMetaMany(ctx, "race", []types.RoomID{"a", "missing"})
	require.NoError(t, err)
	assert.Len(t, metas, 1)
	assert.Equal(t, types.RoomID("a"), metas["a"].RoomID)
}

func TestStore_LockIsExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a := New(rdb, &fakeIndexer{}, "worker-a")
	b := New(rdb, &fakeIndexer{}, "worker-b")
	ctx := context.Background()

	held, err := a.TryLock(ctx, "race", "room-1", time.Second)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = b.TryLock(ctx, "race", "room-1", time.Second)
	require.NoError(t, err)
	assert.False(t, held, "second worker must not acquire a held lock")

	// Releasing a lock we do not hold must be a no-op.
	require.NoError(t, b.Unlock(ctx, "race", "room-1"))
	held, err = b.TryLock(ctx, "race", "room-1", time.Second)
	require.NoError(t, err)
	assert.False(t, held, "foreign unlock must not free the lock")

	// The holder's release frees it.
	require.NoError(t, a.Unlock(ctx, "race", "room-1"))
	held, err = b.TryLock(ctx, "race", "room-1", time.Second)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestStore_LockExpires(t *testing.T) {
	s, _, mr := newTestStore(t)
	ctx := context.Background()

	held, err := s.TryLock(ctx, "race", "room-1", time.Second)
	require.NoError(t, err)
	require.True(t, held)

	mr.FastForward(2 * time.Second)

	held, err = s.TryLock(ctx, "race", "room-1", time.Second)
	require.NoError(t, err)
	assert.True(t, held, "lock must be reacquirable after TTL expiry")
}

func TestStore_ClaimSeat_LowestFreeSeat(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	meta := testMeta("room-1")
	meta.Seats = map[types.UserID]int{"alice": 0, "carol": 2}
	require.NoError(t, s.Save(ctx, "race", "room-1", []byte{1}, meta))

	seat, err := s.ClaimSeat(ctx, "race", "room-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, seat, "the gap at seat 1 must be filled first")

	seat, err = s.ClaimSeat(ctx, "race", "room-1", "dave")
	require.NoError(t, err)
	assert.Equal(t, 3, seat)

	_, err = s.ClaimSeat(ctx, "race", "room-1", "eve")
	assert.ErrorIs(t, err, types.ErrRoomFull)
}

func TestStore_ClaimSeat_Errors(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.ClaimSeat(ctx, "race", "missing", "bob")
	assert.ErrorIs(t, err, types.ErrRoomNotFound)

	require.NoError(t, s.Save(ctx, "race", "room-1", []byte{1}, testMeta("room-1")))
	_, err = s.ClaimSeat(ctx, "race", "room-1", "alice")
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict, "alice is already seated")
}

func TestStore_ClaimSeat_ConcurrentJoinRace(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	// One of two seats occupied; two users race for the last one.
	meta := testMeta("room-1")
	meta.MaxSeats = 2
	require.NoError(t, s.Save(ctx, "race", "room-1", []byte{1}, meta))

	type result struct {
		seat int
		err  error
	}
	results := make(chan result, 2)
	for _, u := range []types.UserID{"bob", "carol"} {
		go func(u types.UserID) {
			seat, err := s.ClaimSeat(ctx, "race", "room-1", u)
			results <- result{seat, err}
		}(u)
	}

	a, b := <-results, <-results
	if a.err != nil {
		a, b = b, a
	}
	require.NoError(t, a.err)
	assert.Equal(t, 1, a.seat)
	assert.ErrorIs(t, b.err, types.ErrRoomFull)
}

func TestStore_ReleaseSeat(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "race", "room-1", []byte{1}, testMeta("room-1")))

	seat, err := s.ReleaseSeat(ctx, "race", "room-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, seat)

	_, err = s.ReleaseSeat(ctx, "race", "room-1", "alice")
	assert.ErrorIs(t, err, types.ErrNotInRoom)

	// The emptied record still decodes.
	meta, found, err := s.LoadMeta(ctx, "race", "room-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, meta.Seats)
	assert.Equal(t, 4, meta.MaxSeats)
}

func TestStore_DeleteRemovesEverything(t *testing.T) {
	s, idx, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "race", "room-1", []byte{1}, testMeta("room-1")))
	held, err := s.TryLock(ctx, "race", "room-1", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, s.Delete(ctx, "race", "room-1"))

	assert.False(t, mr.Exists("game:race:{room-1}:state"))
	assert.False(t, mr.Exists("game:race:{room-1}:meta"))
	assert.False(t, mr.Exists("game:race:{room-1}:lock"))
	assert.Contains(t, idx.unregistered, types.RoomID("room-1"))
}
