// Package dispatch gives every room a single-threaded timeline without
// binding a goroutine to each room. Room ids hash onto a fixed set of shard
// queues; one consumer per shard drains sequentially, so two commands for the
// same room can never overlap while different rooms progress in parallel.
package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/metrics"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

// DefaultQueueCap bounds each shard queue. A full queue rejects immediately
// with ErrSystemOverloaded instead of buffering without limit.
const DefaultQueueCap = 1024

// Thunk is the unit of work executed on a shard. It runs with no other work
// in flight for its room.
type Thunk func(ctx context.Context) (*module.ActionResult, error)

type outcome struct {
	res *module.ActionResult
	err error
}

type task struct {
	ctx    context.Context
	roomID types.RoomID
	thunk  Thunk
	result chan outcome
}

// Dispatcher owns the shard queues and their consumers.
type Dispatcher struct {
	shards []chan task

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New starts shardCount consumers. Zero values pick the defaults
// (2 x GOMAXPROCS shards, DefaultQueueCap per queue).
func New(shardCount, queueCap int) *Dispatcher {
	if shardCount <= 0 {
		shardCount = runtime.GOMAXPROCS(0) * 2
	}
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}

	d := &Dispatcher{
		shards: make([]chan task, shardCount),
		stop:   make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan task, queueCap)
		d.wg.Add(1)
		go d.consume(i)
	}
	return d
}

func (d *Dispatcher) shardFor(roomID types.RoomID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return int(h.Sum32() % uint32(len(d.shards)))
}

// Dispatch enqueues the thunk on the room's shard and blocks until it has run
// or ctx is done. A full shard returns ErrSystemOverloaded immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, roomID types.RoomID, thunk Thunk) (*module.ActionResult, error) {
	t := task{
		ctx:    ctx,
		roomID: roomID,
		thunk:  thunk,
		result: make(chan outcome, 1),
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, types.ErrShuttingDown
	}
	select {
	case d.shards[d.shardFor(roomID)] <- t:
		d.mu.RUnlock()
		metrics.DispatchQueueDepth.Inc()
	default:
		d.mu.RUnlock()
		metrics.DispatchRejected.Inc()
		return nil, types.ErrSystemOverloaded
	}

	select {
	case o := <-t.result:
		return o.res, o.err
	case <-ctx.Done():
		// The thunk may still run; the buffered result channel lets the
		// consumer complete without us.
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) consume(shard int) {
	defer d.wg.Done()
	for t := range d.shards[shard] {
		metrics.DispatchQueueDepth.Dec()
		select {
		case <-d.stop:
			t.result <- outcome{err: types.ErrShuttingDown}
		default:
			t.result <- d.run(t)
		}
	}
}

// run executes one thunk and converts a panic into an error so a broken
// engine cannot take down the shard loop.
func (d *Dispatcher) run(t task) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(t.ctx, "panic in dispatched command",
				zap.String("room_id", string(t.roomID)),
				zap.Any("panic", r))
			o = outcome{err: fmt.Errorf("dispatch: command panicked: %v", r)}
		}
	}()

	res, err := t.thunk(t.ctx)
	return outcome{res: res, err: err}
}

// Shutdown stops accepting work, fails queued tasks with ErrShuttingDown and
// waits for in-flight thunks to finish or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stop)
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}
