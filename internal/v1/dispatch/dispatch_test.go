package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func okThunk(tag string, order *[]string, mu *sync.Mutex) Thunk {
	return func(context.Context) (*module.ActionResult, error) {
		mu.Lock()
		*order = append(*order, tag)
		mu.Unlock()
		return &module.ActionResult{Success: true}, nil
	}
}

func TestDispatch_ReturnsResult(t *testing.T) {
	d := New(2, 8)
	defer func() { _ = d.Shutdown(context.Background()) }()

	res, err := d.Dispatch(context.Background(), "room-1", func(context.Context) (*module.ActionResult, error) {
		return &module.ActionResult{Success: true}, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestDispatch_SameRoomIsFIFO(t *testing.T) {
	d := New(4, 64)
	defer func() { _ = d.Shutdown(context.Background()) }()

	var mu sync.Mutex
	var order []string

	// Block the room's shard so the next enqueues stack up behind the gate,
	// then release and observe drain order.
	gate := make(chan struct{})
	released := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(context.Background(), "room-1", func(context.Context) (*module.ActionResult, error) {
			close(released)
			<-gate
			return &module.ActionResult{Success: true}, nil
		})
	}()
	<-released

	var wg sync.WaitGroup
	for _, tag := range []string{"A", "B", "C"} {
		wg.Add(1)
		thunk := okThunk(tag, &order, &mu)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), "room-1", thunk)
			assert.NoError(t, err)
		}()
		// Give each enqueue time to land before the next, so the expected
		// order is well defined.
		time.Sleep(20 * time.Millisecond)
	}

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestDispatch_FullShardRejectsImmediately(t *testing.T) {
	d := New(1, 1)
	defer func() { _ = d.Shutdown(context.Background()) }()

	gate := make(chan struct{})
	defer close(gate)
	released := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(context.Background(), "blocker", func(context.Context) (*module.ActionResult, error) {
			close(released)
			<-gate
			return nil, nil
		})
	}()
	<-released

	// Fill the single queue slot and wait until the task has landed.
	go func() {
		_, _ = d.Dispatch(context.Background(), "queued", func(context.Context) (*module.ActionResult, error) {
			return nil, nil
		})
	}()
	require.Eventually(t, func() bool {
		return len(d.shards[0]) == 1
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := d.Dispatch(context.Background(), "rejected", func(context.Context) (*module.ActionResult, error) {
			return nil, nil
		})
		return err == types.ErrSystemOverloaded
	}, time.Second, 5*time.Millisecond)
}

func TestDispatch_PanicDoesNotKillShard(t *testing.T) {
	d := New(1, 8)
	defer func() { _ = d.Shutdown(context.Background()) }()

	_, err := d.Dispatch(context.Background(), "room-1", func(context.Context) (*module.ActionResult, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The shard must still serve work after the panic.
	res, err := d.Dispatch(context.Background(), "room-1", func(context.Context) (*module.ActionResult, error) {
		return &module.ActionResult{Success: true}, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestDispatch_AfterShutdown(t *testing.T) {
	d := New(2, 8)
	require.NoError(t, d.Shutdown(context.Background()))

	_, err := d.Dispatch(context.Background(), "room-1", func(context.Context) (*module.ActionResult, error) {
		return nil, nil
	})
	assert.Equal(t, types.ErrShuttingDown, err)

	// Shutdown is idempotent.
	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestDispatch_ShutdownFailsQueuedWork(t *testing.T) {
	d := New(1, 8)

	gate := make(chan struct{})
	released := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(context.Background(), "blocker", func(context.Context) (*module.ActionResult, error) {
			close(released)
			<-gate
			return nil, nil
		})
	}()
	<-released

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), "queued", func(context.Context) (*module.ActionResult, error) {
			return &module.ActionResult{Success: true}, nil
		})
		errCh <- err
	}()
	// Let the queued task land before shutting down.
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	require.NoError(t, d.Shutdown(context.Background()))

	assert.Equal(t, types.ErrShuttingDown, <-errCh)
}

func TestShardFor_IsStable(t *testing.T) {
	d := New(8, 8)
	defer func() { _ = d.Shutdown(context.Background()) }()

	for _, id := range []types.RoomID{"a", "b", "room-42"} {
		first := d.shardFor(id)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, d.shardFor(id))
		}
	}
}
