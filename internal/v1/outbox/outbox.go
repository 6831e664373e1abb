// Package outbox makes game-end side effects recoverable. The final state
// change writes a row; a worker on every node drains rows into economy
// payouts and the archival table. Rows are the only coordination point: each
// row is claimed by a guarded attempts bump, so no leader is needed and a
// crash mid-commit is retried until the row is processed or exhausted.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/economy"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/metrics"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

const (
	// EventGameEnded is the one event type the runtime requires.
	EventGameEnded = "GameEnded"

	cycleInterval   = 5 * time.Second
	cleanupInterval = time.Hour
	batchSize       = 100
	maxAttempts     = 5
	maxErrorLen     = 500
	retentionDays   = 7
)

// GameEndedPayload is the outbox row body for a finished game.
type GameEndedPayload struct {
	RoomID       types.RoomID           `json:"roomId"`
	GameType     types.GameType         `json:"gameType"`
	WinnerUserID types.UserID           `json:"winnerUserId,omitempty"`
	Ranking      []types.UserID         `json:"ranking,omitempty"`
	TotalPot     int64                  `json:"totalPot"`
	Seats        map[types.UserID]int   `json:"seats"`
	FinalState   json.RawMessage        `json:"finalState,omitempty"`
	StartedAt    int64                  `json:"startedAt"`
	EndedAt      int64                  `json:"endedAt"`
}

// Handler processes one claimed row inside the row's transaction.
type Handler func(ctx context.Context, tx pgx.Tx, payload []byte) error

// dbPool is the subset of *pgxpool.Pool the worker uses.
type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Worker drains the outbox table.
type Worker struct {
	pool     dbPool
	handlers map[string]Handler
}

// NewWorker wires the mandatory GameEnded handler: payout and archival commit
// in one transaction.
func NewWorker(pool dbPool, ledger *economy.Service) *Worker {
	w := &Worker{
		pool:     pool,
		handlers: make(map[string]Handler),
	}
	w.handlers[EventGameEnded] = func(ctx context.Context, tx pgx.Tx, raw []byte) error {
		var p GameEndedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("outbox: decode GameEnded payload: %w", err)
		}
		if err := ledger.PayoutsTx(ctx, tx, economy.PayoutRequest{
			RoomID:       p.RoomID,
			GameType:     p.GameType,
			TotalPot:     p.TotalPot,
			Seats:        p.Seats,
			WinnerUserID: p.WinnerUserID,
			Ranking:      p.Ranking,
		}); err != nil {
			return err
		}
		return archiveGame(ctx, tx, &p)
	}
	return w
}

// Register adds a handler for an additional event type.
func (w *Worker) Register(eventType string, h Handler) {
	w.handlers[eventType] = h
}

// EnqueueGameEnded writes the outbox row for a finished game. Implements the
// scheduler's GameEndSink.
func (w *Worker) EnqueueGameEnded(ctx context.Context, roomID types.RoomID, gt types.GameType, end *module.GameEnd, meta *types.RoomMeta) error {
	payload := GameEndedPayload{
		RoomID:       roomID,
		GameType:     gt,
		WinnerUserID: end.WinnerUserID,
		Ranking:      end.Ranking,
		TotalPot:     end.TotalPot,
		FinalState:   end.FinalState,
		StartedAt:    end.StartedAt,
		EndedAt:      end.EndedAt,
	}
	if meta != nil {
		payload.Seats = meta.Seats
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal GameEnded: %w", err)
	}

	_, err = w.pool.Exec(ctx, `
		INSERT INTO outbox_messages (id, event_type, payload)
		VALUES ($1, $2, $3)`, uuid.NewString(), EventGameEnded, raw)
	if err != nil {
		return fmt.Errorf("outbox: enqueue GameEnded for %s: %w", roomID, err)
	}
	return nil
}

// Run drains pending rows until ctx is done. Safe on every node.
func (w *Worker) Run(ctx context.Context) {
	drain := time.NewTicker(cycleInterval)
	cleanup := time.NewTicker(cleanupInterval)
	defer drain.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drain.C:
			w.drainOnce(ctx)
		case <-cleanup.C:
			w.cleanupOnce(ctx)
		}
	}
}

type pendingRow struct {
	id        string
	eventType string
	payload   []byte
	attempts  int
}

func (w *Worker) drainOnce(ctx context.Context) {
	rows, err := w.pool.Query(ctx, `
		SELECT id, event_type, payload, attempts
		FROM outbox_messages
		WHERE processed_at IS NULL AND attempts < $1
		ORDER BY created_at
		LIMIT $2`, maxAttempts, batchSize)
	if err != nil {
		logging.Error(ctx, "outbox scan failed", zap.Error(err))
		return
	}

	var pending []pendingRow
	for rows.Next() {
		var r pendingRow
		if err := rows.Scan(&r.id, &r.eventType, &r.payload, &r.attempts); err != nil {
			rows.Close()
			logging.Error(ctx, "outbox row scan failed", zap.Error(err))
			return
		}
		pending = append(pending, r)
	}
	rows.Close()
	if rows.Err() != nil {
		logging.Error(ctx, "outbox scan failed", zap.Error(rows.Err()))
		return
	}

	for _, r := range pending {
		w.processRow(ctx, r)
	}
}

// processRow claims the row by bumping attempts from the value we read. A
// zero-row update means another node got there first.
func (w *Worker) processRow(ctx context.Context, r pendingRow) {
	tag, err := w.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET attempts = attempts + 1
		WHERE id = $1 AND processed_at IS NULL AND attempts = $2`, r.id, r.attempts)
	if err != nil {
		logging.Error(ctx, "outbox claim failed", zap.String("outbox_id", r.id), zap.Error(err))
		return
	}
	if tag.RowsAffected() == 0 {
		return
	}

	handler, ok := w.handlers[r.eventType]
	if !ok {
		w.recordFailure(ctx, r.id, fmt.Sprintf("no handler for event type %q", r.eventType))
		metrics.OutboxProcessed.WithLabelValues(r.eventType, "unhandled").Inc()
		return
	}

	err = w.inTx(ctx, func(tx pgx.Tx) error {
		if err := handler(ctx, tx, r.payload); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE outbox_messages SET processed_at = NOW()
			WHERE id = $1`, r.id)
		return err
	})
	if err != nil {
		w.recordFailure(ctx, r.id, err.Error())
		metrics.OutboxProcessed.WithLabelValues(r.eventType, "error").Inc()
		logging.Warn(ctx, "outbox row failed, will retry",
			zap.String("outbox_id", r.id),
			zap.Int("attempt", r.attempts+1),
			zap.Error(err))
		return
	}
	metrics.OutboxProcessed.WithLabelValues(r.eventType, "ok").Inc()
}

func (w *Worker) recordFailure(ctx context.Context, id, msg string) {
	_, err := w.pool.Exec(ctx, `
		UPDATE outbox_messages SET last_error = $2
		WHERE id = $1`, id, truncateError(msg))
	if err != nil {
		logging.Error(ctx, "could not record outbox failure",
			zap.String("outbox_id", id), zap.Error(err))
	}
}

// cleanupOnce purges processed rows and exhausted rows past retention.
func (w *Worker) cleanupOnce(ctx context.Context) {
	_, err := w.pool.Exec(ctx, `
		DELETE FROM outbox_messages
		WHERE (processed_at IS NOT NULL AND processed_at < NOW() - make_interval(days => $1))
		   OR (attempts >= $2 AND created_at < NOW() - make_interval(days => $1))`,
		retentionDays, maxAttempts)
	if err != nil {
		logging.Error(ctx, "outbox cleanup failed", zap.Error(err))
	}
}

func archiveGame(ctx context.Context, tx pgx.Tx, p *GameEndedPayload) error {
	seats, err := json.Marshal(p.Seats)
	if err != nil {
		return fmt.Errorf("outbox: marshal seats: %w", err)
	}

	var winner any
	if p.WinnerUserID != "" {
		winner = string(p.WinnerUserID)
	}
	var finalState any
	if len(p.FinalState) > 0 {
		finalState = []byte(p.FinalState)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO archived_games
			(id, room_id, game_type, final_state_json, player_seats_json,
			 winner_user_id, total_pot, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, to_timestamp($8), to_timestamp($9))`,
		uuid.NewString(), string(p.RoomID), string(p.GameType), finalState, seats,
		winner, p.TotalPot, p.StartedAt, p.EndedAt)
	if err != nil {
		return fmt.Errorf("outbox: archive %s: %w", p.RoomID, err)
	}
	return nil
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

func (w *Worker) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit tx: %w", err)
	}
	return nil
}
