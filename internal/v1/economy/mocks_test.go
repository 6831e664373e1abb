package economy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// walletTx is an in-memory stand-in for a Postgres transaction over the
// wallet schema. It models the two behaviors the ledger code leans on: the
// unique idempotency key, and a failed statement aborting every later
// statement in the same transaction until a savepoint rollback.
type walletTx struct {
	parent   *walletTx
	balances map[string]int64
	keys     map[string]bool
	aborted  bool
}

func newWalletTx(balances map[string]int64, seededKeys ...string) *walletTx {
	keys := make(map[string]bool, len(seededKeys))
	for _, k := range seededKeys {
		keys[k] = true
	}
	return &walletTx{balances: balances, keys: keys}
}

var errTxAborted = errors.New("current transaction is aborted, commands ignored until end of transaction block")

func (tx *walletTx) Begin(_ context.Context) (pgx.Tx, error) {
	if tx.aborted {
		return nil, errTxAborted
	}
	return &walletTx{
		parent:   tx,
		balances: maps.Clone(tx.balances),
		keys:     maps.Clone(tx.keys),
	}, nil
}

func (tx *walletTx) Commit(_ context.Context) error {
	if tx.aborted {
		return pgx.ErrTxCommitRollback
	}
	if tx.parent != nil {
		tx.parent.balances = tx.balances
		tx.parent.keys = tx.keys
	}
	return nil
}

func (tx *walletTx) Rollback(_ context.Context) error {
	return nil
}

func (tx *walletTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx.aborted {
		return pgconn.CommandTag{}, errTxAborted
	}
	switch {
	case strings.Contains(sql, "INSERT INTO wallet_transactions"):
		key := args[6].(string)
		if tx.keys[key] {
			tx.aborted = true
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		tx.keys[key] = true
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "UPDATE wallet_transactions"):
		return pgconn.NewCommandTag("UPDATE 1"), nil
	default:
		tx.aborted = true
		return pgconn.CommandTag{}, fmt.Errorf("unexpected statement: %s", sql)
	}
}

func (tx *walletTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if tx.aborted {
		return scanErr(errTxAborted)
	}
	if !strings.Contains(sql, "UPDATE player_profiles") {
		tx.aborted = true
		return scanErr(fmt.Errorf("unexpected query: %s", sql))
	}
	user := args[0].(string)
	amount := args[1].(int64)

	bal, ok := tx.balances[user]
	if !ok || bal+amount < 0 {
		// RETURNING with zero rows is not a statement error; no abort.
		return scanErr(pgx.ErrNoRows)
	}
	tx.balances[user] = bal + amount
	after := bal + amount
	return fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = after
		return nil
	}}
}

func (tx *walletTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func (tx *walletTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not supported")
}

func (tx *walletTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults {
	return nil
}

func (tx *walletTx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (tx *walletTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not supported")
}

func (tx *walletTx) Conn() *pgx.Conn {
	return nil
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error {
	return r.scan(dest...)
}

func scanErr(err error) pgx.Row {
	return fakeRow{scan: func(...any) error { return err }}
}
