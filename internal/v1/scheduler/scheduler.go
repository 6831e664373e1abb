// Package scheduler drives turn timeouts. Exactly one node at a time holds
// the leader lock and sweeps the due index each tick; every other node just
// keeps trying to take over. Due entries are removed unconditionally after the
// engine hook runs; only the engine's own save path writes new ones, so a
// declining engine can never cause a spin.
package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/metrics"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/registry"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/store"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

const (
	leaderKey = "leader:gameloop"
	leaderTTL = 15 * time.Second

	// lockTTL bounds how long one timeout check may hold a room.
	lockTTL = time.Second

	// sweepParallelism caps concurrent room checks within one tick.
	sweepParallelism = 10
)

// extendLeaderScript refreshes the leader TTL only for the current holder.
var extendLeaderScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

// Broadcaster is the slice of the fan-out layer the scheduler needs.
type Broadcaster interface {
	ActionResult(ctx context.Context, roomID types.RoomID, res *module.ActionResult)
}

// GameEndSink receives finished games; the outbox implements it.
type GameEndSink interface {
	EnqueueGameEnded(ctx context.Context, roomID types.RoomID, gt types.GameType, end *module.GameEnd, meta *types.RoomMeta) error
}

// Options tune the sweep.
type Options struct {
	Tick            time.Duration
	MaxRoomsPerTick int64
	// IdleRoomTTL ages out rooms with no activity. Zero disables the sweep.
	IdleRoomTTL time.Duration
}

// Scheduler runs the leader loop.
type Scheduler struct {
	rdb      redis.UniversalClient
	store    *store.Store
	reg      *registry.Registry
	bcast    Broadcaster
	sink     GameEndSink
	workerID string
	opts     Options

	// Engines and Services default to the module registration table and are
	// overridable in tests.
	Engines  func() map[types.GameType]module.TurnBased
	Services func(gt types.GameType) (module.RoomService, bool)
}

func New(rdb redis.UniversalClient, st *store.Store, reg *registry.Registry, bcast Broadcaster, sink GameEndSink, workerID string, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.MaxRoomsPerTick <= 0 {
		opts.MaxRoomsPerTick = 50
	}
	return &Scheduler{
		rdb:      rdb,
		store:    st,
		reg:      reg,
		bcast:    bcast,
		sink:     sink,
		workerID: workerID,
		opts:     opts,
		Engines:  module.TurnBasedEngines,
		Services: module.ServiceFor,
	}
}

// Run ticks until ctx is done. Safe to run on every node; only the leader
// sweeps.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.resign(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			if s.tryLead(ctx) {
				s.runTick(ctx, time.Now())
			}
		}
	}
}

// tryLead acquires or extends the leader lock.
func (s *Scheduler) tryLead(ctx context.Context) bool {
	extended, err := extendLeaderScript.Run(ctx, s.rdb, []string{leaderKey}, s.workerID, int(leaderTTL.Seconds())).Int()
	if err != nil && err != redis.Nil {
		logging.Error(ctx, "leader extend failed", zap.Error(err))
		metrics.SchedulerLeader.Set(0)
		return false
	}
	if extended == 1 {
		metrics.SchedulerLeader.Set(1)
		return true
	}

	acquired, err := s.rdb.SetNX(ctx, leaderKey, s.workerID, leaderTTL).Result()
	if err != nil {
		logging.Error(ctx, "leader acquire failed", zap.Error(err))
		metrics.SchedulerLeader.Set(0)
		return false
	}
	if !acquired {
		metrics.SchedulerLeader.Set(0)
		return false
	}
	logging.Info(ctx, "became game loop leader", zap.String("worker_id", s.workerID))
	metrics.SchedulerLeader.Set(1)
	return true
}

// resign releases the leader lock if this node holds it, so a clean shutdown
// hands over immediately instead of waiting out the TTL.
func (s *Scheduler) resign(ctx context.Context) {
	script := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
	if err := script.Run(ctx, s.rdb, []string{leaderKey}, s.workerID).Err(); err != nil && err != redis.Nil {
		logging.Warn(ctx, "leader resign failed", zap.Error(err))
	}
	metrics.SchedulerLeader.Set(0)
}

// runTick sweeps every turn-based game type.
func (s *Scheduler) runTick(ctx context.Context, now time.Time) {
	for gt, engine := range s.Engines() {
		s.sweepGameType(ctx, gt, engine, now)
		if s.opts.IdleRoomTTL > 0 {
			s.sweepIdle(ctx, gt, now)
		}
	}
}

func (s *Scheduler) sweepGameType(ctx context.Context, gt types.GameType, engine module.TurnBased, now time.Time) {
	due, err := s.reg.RoomsDueForTimeout(ctx, gt, now, s.opts.MaxRoomsPerTick)
	if err != nil {
		logging.Error(ctx, "due-room scan failed",
			zap.String("game_type", string(gt)), zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, roomID := range due {
		roomID := roomID
		g.Go(func() error {
			s.checkRoom(gctx, gt, engine, roomID)
			return nil
		})
	}
	_ = g.Wait()
}

// checkRoom runs one engine timeout hook under the room lock.
func (s *Scheduler) checkRoom(ctx context.Context, gt types.GameType, engine module.TurnBased, roomID types.RoomID) {
	held, err := s.store.TryLock(ctx, gt, roomID, lockTTL)
	if err != nil {
		logging.Error(ctx, "timeout lock attempt failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return
	}
	if !held {
		// Another worker is acting on the room; the due entry stays and the
		// next tick retries.
		metrics.LockContention.Inc()
		return
	}
	defer func() {
		if err := s.store.Unlock(ctx, gt, roomID); err != nil {
			logging.Warn(ctx, "timeout unlock failed",
				zap.String("room_id", string(roomID)), zap.Error(err))
		}
	}()

	res, err := engine.CheckTimeouts(ctx, roomID)

	// The stale entry always goes; the engine's save path is the only author
	// of new due entries.
	if remErr := s.reg.UnregisterTurnTimeout(ctx, roomID, gt); remErr != nil {
		logging.Warn(ctx, "could not remove due entry",
			zap.String("room_id", string(roomID)), zap.Error(remErr))
	}

	if err != nil {
		metrics.TimeoutsProcessed.WithLabelValues(string(gt), "error").Inc()
		logging.Error(ctx, "timeout check failed",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return
	}
	if res == nil || !res.Success {
		metrics.TimeoutsProcessed.WithLabelValues(string(gt), "noop").Inc()
		return
	}

	metrics.TimeoutsProcessed.WithLabelValues(string(gt), "ok").Inc()
	s.bcast.ActionResult(ctx, roomID, res)
	_ = s.reg.UpdateRoomActivity(ctx, roomID, gt, time.Now())

	if res.GameEnded != nil {
		s.finishGame(ctx, gt, roomID, res.GameEnded)
		return
	}

	// A new turn exists when the engine stamped a fresh turn start.
	meta, found, err := s.store.LoadMeta(ctx, gt, roomID)
	if err != nil || !found {
		return
	}
	if meta.TurnStartedAt > 0 {
		dueAt := time.Unix(meta.TurnStartedAt, 0).Add(engine.TurnTimeout())
		if err := s.reg.RegisterTurnTimeout(ctx, roomID, gt, dueAt); err != nil {
			logging.Warn(ctx, "could not reschedule turn timeout",
				zap.String("room_id", string(roomID)), zap.Error(err))
		}
	}
}

func (s *Scheduler) finishGame(ctx context.Context, gt types.GameType, roomID types.RoomID, end *module.GameEnd) {
	meta, _, err := s.store.LoadMeta(ctx, gt, roomID)
	if err != nil {
		logging.Error(ctx, "could not load meta for finished game",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return
	}
	if err := s.sink.EnqueueGameEnded(ctx, roomID, gt, end, meta); err != nil {
		// Leave the room in place; the next timeout check retries the enqueue.
		logging.Error(ctx, "could not enqueue game end",
			zap.String("room_id", string(roomID)), zap.Error(err))
		return
	}
	if svc, ok := s.Services(gt); ok {
		if err := svc.DeleteRoom(ctx, roomID); err != nil {
			logging.Warn(ctx, "could not delete finished room",
				zap.String("room_id", string(roomID)), zap.Error(err))
		}
	}
}

// sweepIdle evicts rooms whose last activity is older than the idle TTL.
func (s *Scheduler) sweepIdle(ctx context.Context, gt types.GameType, now time.Time) {
	cutoff := now.Add(-s.opts.IdleRoomTTL)
	stale, err := s.reg.LeastActiveRooms(ctx, gt, cutoff, s.opts.MaxRoomsPerTick)
	if err != nil {
		logging.Error(ctx, "idle-room scan failed",
			zap.String("game_type", string(gt)), zap.Error(err))
		return
	}
	svc, ok := s.Services(gt)
	if !ok {
		return
	}
	for _, roomID := range stale {
		if err := svc.DeleteRoom(ctx, roomID); err != nil {
			logging.Warn(ctx, "idle eviction failed",
				zap.String("room_id", string(roomID)), zap.Error(err))
			continue
		}
		logging.Info(ctx, "evicted idle room",
			zap.String("room_id", string(roomID)),
			zap.String("game_type", string(gt)))
	}
}
