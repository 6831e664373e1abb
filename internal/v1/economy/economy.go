// Package economy implements the wallet boundary the room runtime depends on:
// entry-fee reservation with refund, and end-of-game payouts with a fixed
// rake. Every mutation is a ledger append guarded by a unique idempotency key,
// so outbox retries can never double-credit.
package economy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/validate"
)

// RakePercent is deducted from every pot before distribution.
const RakePercent = 3

// payoutShares maps the number of ranked players to per-mille shares,
// first place first. Each table sums to 1000. Sizes without a table are
// paid by harmonicShares.
var payoutShares = map[int][]int64{
	2: {700, 300},
	3: {500, 300, 200},
	4: {400, 300, 200, 100},
}

// harmonicShares pays the top half of the ranking with weights 1, 1/2,
// 1/3, ..., normalized to per-mille.
func harmonicShares(ranked int) []int64 {
	paid := (ranked + 1) / 2
	weights := make([]int64, paid)
	var sum int64
	for i := range weights {
		weights[i] = 1_000_000 / int64(i+1)
		sum += weights[i]
	}
	shares := make([]int64, paid)
	for i, w := range weights {
		shares[i] = w * 1000 / sum
	}
	return shares
}

// Reservation is the receipt for a debited entry fee. The id doubles as the
// ledger idempotency key for both the debit and a later refund.
type Reservation struct {
	ID     string
	UserID types.UserID
	RoomID types.RoomID
	Fee    int64
}

// PayoutRequest describes how a finished game's pot should be distributed.
type PayoutRequest struct {
	RoomID       types.RoomID
	GameType     types.GameType
	TotalPot     int64
	Seats        map[types.UserID]int
	WinnerUserID types.UserID
	Ranking      []types.UserID
}

// Ledger is the surface the room runtime consumes.
type Ledger interface {
	EnsureProfile(ctx context.Context, userID types.UserID, initialCoins int64) error
	Balance(ctx context.Context, userID types.UserID) (int64, error)
	ReserveEntryFee(ctx context.Context, userID types.UserID, fee int64, roomID types.RoomID) (*Reservation, error)
	CommitEntryFee(ctx context.Context, res *Reservation) error
	RefundEntryFee(ctx context.Context, res *Reservation) error
	ProcessGamePayouts(ctx context.Context, req PayoutRequest) error
}

// Service is the pgx-backed Ledger.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// EnsureProfile creates the player's wallet with the starting balance if it
// does not exist yet. Idempotent.
func (s *Service) EnsureProfile(ctx context.Context, userID types.UserID, initialCoins int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO player_profiles (user_id, coins, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id) DO NOTHING`, string(userID), initialCoins)
	if err != nil {
		return fmt.Errorf("economy: ensure profile %s: %w", userID, err)
	}
	return nil
}

// Balance returns the player's current coin balance.
func (s *Service) Balance(ctx context.Context, userID types.UserID) (int64, error) {
	var coins int64
	err := s.pool.QueryRow(ctx, `
		SELECT coins FROM player_profiles
		WHERE user_id = $1 AND is_deleted = FALSE`, string(userID)).Scan(&coins)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("economy: no profile for %s", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("economy: balance %s: %w", userID, err)
	}
	return coins, nil
}

// ReserveEntryFee debits the fee and appends a ledger entry keyed by the fresh
// reservation id. Fails with ErrInsufficientFunds when the balance cannot
// cover the fee.
func (s *Service) ReserveEntryFee(ctx context.Context, userID types.UserID, fee int64, roomID types.RoomID) (*Reservation, error) {
	if fee < 0 {
		return nil, fmt.Errorf("economy: reserve for %s: negative fee", userID)
	}
	if err := validate.CoinAmount(fee); err != nil {
		return nil, fmt.Errorf("economy: reserve for %s: %w", userID, err)
	}

	res := &Reservation{
		ID:     uuid.NewString(),
		UserID: userID,
		RoomID: roomID,
		Fee:    fee,
	}
	if fee == 0 {
		return res, nil
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		return applyLedger(ctx, tx, userID, -fee, "entry_fee_reserve", string(roomID), res.ID)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CommitEntryFee confirms a reservation. The debit already happened at reserve
// time, so this is bookkeeping only.
func (s *Service) CommitEntryFee(ctx context.Context, res *Reservation) error {
	if res.Fee == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE wallet_transactions SET type = 'entry_fee'
		WHERE idempotency_key = $1`, res.ID)
	if err != nil {
		return fmt.Errorf("economy: commit reservation %s: %w", res.ID, err)
	}
	return nil
}

// RefundEntryFee credits the fee back under refund:<reservationId>. A repeat
// refund is absorbed by the idempotency key and reported as success, which
// lets join-failure cleanup retry blindly.
func (s *Service) RefundEntryFee(ctx context.Context, res *Reservation) error {
	if res.Fee == 0 {
		return nil
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		return applyLedger(ctx, tx, res.UserID, res.Fee, "entry_fee_refund",
			string(res.RoomID), "refund:"+res.ID)
	})
	if errors.Is(err, types.ErrDuplicateTransaction) {
		return nil
	}
	return err
}

// ProcessGamePayouts distributes a finished game's pot in its own
// transaction. See PayoutsTx for the split rules.
func (s *Service) ProcessGamePayouts(ctx context.Context, req PayoutRequest) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.PayoutsTx(ctx, tx, req)
	})
}

// PayoutsTx applies the payout inside a caller-owned transaction so the
// archival insert can commit atomically with the credits. The pot loses the
// rake first; the remainder goes (a) entirely to the winner when no ranking is
// given, (b) by the share table across the ranking, or (c) split equally when
// the game ended with no winner. Awards already present in the ledger are
// skipped.
func (s *Service) PayoutsTx(ctx context.Context, tx pgx.Tx, req PayoutRequest) error {
	if req.TotalPot <= 0 {
		return nil
	}
	if err := validate.CoinAmount(req.TotalPot); err != nil {
		return fmt.Errorf("economy: payout for %s: %w", req.RoomID, err)
	}
	distributable := req.TotalPot - req.TotalPot*RakePercent/100

	awards := splitPot(distributable, req)
	for _, a := range awards {
		key := fmt.Sprintf("win:%s:%s", req.RoomID, a.userID)

		// A unique violation aborts every later statement in its transaction,
		// so each award runs in its own savepoint; a replayed award rolls the
		// savepoint back and leaves the outer transaction usable.
		sp, err := tx.Begin(ctx)
		if err != nil {
			return fmt.Errorf("economy: payout savepoint for %s: %w", a.userID, err)
		}
		err = applyLedger(ctx, sp, a.userID, a.amount, "game_payout", string(req.RoomID), key)
		if errors.Is(err, types.ErrDuplicateTransaction) {
			_ = sp.Rollback(ctx)
			logging.Info(ctx, "payout already applied, skipping",
				zap.String("room_id", string(req.RoomID)),
				zap.String("user_id", string(a.userID)))
			continue
		}
		if err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
		if err := sp.Commit(ctx); err != nil {
			return fmt.Errorf("economy: payout commit for %s: %w", a.userID, err)
		}
	}
	return nil
}

type award struct {
	userID types.UserID
	amount int64
}

func splitPot(distributable int64, req PayoutRequest) []award {
	switch {
	case req.WinnerUserID != "" && len(req.Ranking) == 0:
		return []award{{req.WinnerUserID, distributable}}

	case len(req.Ranking) > 0:
		shares, ok := payoutShares[len(req.Ranking)]
		if !ok {
			shares = harmonicShares(len(req.Ranking))
		}
		awards := make([]award, 0, len(shares))
		var paid int64
		for i, share := range shares {
			amount := distributable * share / 1000
			paid += amount
			awards = append(awards, award{req.Ranking[i], amount})
		}
		// Rounding dust goes to first place.
		awards[0].amount += distributable - paid
		return awards

	default:
		// Abandoned game: everyone seated gets an equal slice back.
		seats := make([]types.UserID, 0, len(req.Seats))
		for u := range req.Seats {
			seats = append(seats, u)
		}
		if len(seats) == 0 {
			return nil
		}
		each := distributable / int64(len(seats))
		awards := make([]award, 0, len(seats))
		for _, u := range seats {
			awards = append(awards, award{u, each})
		}
		return awards
	}
}

// applyLedger moves coins and appends the wallet_transactions row in one shot.
// The balance guard and the version bump live in the UPDATE; the unique
// idempotency key turns a replay into ErrDuplicateTransaction.
func applyLedger(ctx context.Context, tx pgx.Tx, userID types.UserID, amount int64, txType, reference, idemKey string) error {
	if err := validate.ReferenceID(reference); err != nil {
		return fmt.Errorf("economy: ledger append for %s: %w", userID, err)
	}

	var balanceAfter int64
	err := tx.QueryRow(ctx, `
		UPDATE player_profiles
		SET coins = coins + $2, version = version + 1
		WHERE user_id = $1 AND is_deleted = FALSE AND coins + $2 >= 0
		RETURNING coins`, string(userID), amount).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrInsufficientFunds
	}
	if err != nil {
		return fmt.Errorf("economy: move %d coins for %s: %w", amount, userID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_transactions
			(id, user_id, amount, balance_after, type, reference_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		uuid.NewString(), string(userID), amount, balanceAfter, txType, reference, idemKey)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return types.ErrDuplicateTransaction
		}
		return fmt.Errorf("economy: ledger append for %s: %w", userID, err)
	}
	return nil
}

func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("economy: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("economy: commit tx: %w", err)
	}
	return nil
}
