package hub

import (
	"context"
	"sync"
	"time"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/economy"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

// MockConnection implements wsConnection
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, nil
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error {
	return nil
}

// fakeEngine implements module.Engine with scripted results.
type fakeEngine struct {
	mu        sync.Mutex
	res       *module.ActionResult
	err       error
	state     *module.StateResponse
	stateList []*module.StateResponse
	actions   []string
	executed  []module.Command
}

func (f *fakeEngine) Execute(_ context.Context, _ types.RoomID, cmd module.Command) (*module.ActionResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, cmd)
	f.mu.Unlock()
	return f.res, f.err
}

func (f *fakeEngine) LegalActions(_ context.Context, _ types.RoomID, _ types.UserID) ([]string, error) {
	return f.actions, nil
}

func (f *fakeEngine) State(_ context.Context, _ types.RoomID) (*module.StateResponse, error) {
	if f.state == nil {
		return nil, types.ErrRoomNotFound
	}
	return f.state, nil
}

func (f *fakeEngine) States(_ context.Context, _ []types.RoomID) ([]*module.StateResponse, error) {
	return f.stateList, nil
}

func (f *fakeEngine) Metas(_ context.Context, _ []types.RoomID) ([]*types.RoomMeta, error) {
	return nil, nil
}

func (f *fakeEngine) commands() []module.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]module.Command, len(f.executed))
	copy(out, f.executed)
	return out
}

// fakeRoomService implements module.RoomService with scripted results.
type fakeRoomService struct {
	mu          sync.Mutex
	createRoom  types.RoomID
	createErr   error
	createdMeta *types.RoomMeta
	joinResult  *module.JoinResult
	joinErr     error
	leaveErr    error
	leaveCalls  int
	deleteCalls int
}

func (f *fakeRoomService) CreateRoom(_ context.Context, meta *types.RoomMeta) (types.RoomID, error) {
	f.mu.Lock()
	f.createdMeta = meta
	f.mu.Unlock()
	return f.createRoom, f.createErr
}

func (f *fakeRoomService) JoinRoom(_ context.Context, _ types.RoomID, _ types.UserID) (*module.JoinResult, error) {
	return f.joinResult, f.joinErr
}

func (f *fakeRoomService) LeaveRoom(_ context.Context, _ types.RoomID, _ types.UserID) error {
	f.mu.Lock()
	f.leaveCalls++
	f.mu.Unlock()
	return f.leaveErr
}

func (f *fakeRoomService) RoomMeta(_ context.Context, _ types.RoomID) (*types.RoomMeta, error) {
	return nil, types.ErrRoomNotFound
}

func (f *fakeRoomService) DeleteRoom(_ context.Context, _ types.RoomID) error {
	f.mu.Lock()
	f.deleteCalls++
	f.mu.Unlock()
	return nil
}

// fakeSink records finished games.
type fakeSink struct {
	mu    sync.Mutex
	calls []*module.GameEnd
	err   error
}

func (f *fakeSink) EnqueueGameEnded(_ context.Context, _ types.RoomID, _ types.GameType, end *module.GameEnd, _ *types.RoomMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, end)
	return nil
}

func (f *fakeSink) enqueued() []*module.GameEnd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*module.GameEnd, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeLedger is an in-memory economy.Ledger.
type fakeLedger struct {
	mu       sync.Mutex
	ensured  []types.UserID
	payments []economy.PayoutRequest
}

func (f *fakeLedger) EnsureProfile(_ context.Context, userID types.UserID, _ int64) error {
	f.mu.Lock()
	f.ensured = append(f.ensured, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeLedger) Balance(_ context.Context, _ types.UserID) (int64, error) {
	return 1000, nil
}

func (f *fakeLedger) ReserveEntryFee(_ context.Context, userID types.UserID, fee int64, roomID types.RoomID) (*economy.Reservation, error) {
	return &economy.Reservation{UserID: userID, RoomID: roomID, Fee: fee}, nil
}

func (f *fakeLedger) CommitEntryFee(_ context.Context, _ *economy.Reservation) error {
	return nil
}

func (f *fakeLedger) RefundEntryFee(_ context.Context, _ *economy.Reservation) error {
	return nil
}

func (f *fakeLedger) ProcessGamePayouts(_ context.Context, req economy.PayoutRequest) error {
	f.mu.Lock()
	f.payments = append(f.payments, req)
	f.mu.Unlock()
	return nil
}
