package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// outboxRow mirrors one outbox_messages record.
type outboxRow struct {
	id        string
	eventType string
	payload   []byte
	attempts  int
	processed bool
	lastError string
}

// fakePool is an in-memory outbox_messages table behind the worker's pool
// interface. The claim UPDATE honors the attempts guard, so contention
// between nodes can be simulated by bumping attempts out of band.
type fakePool struct {
	mu    sync.Mutex
	rows  map[string]*outboxRow
	order []string
}

func newFakePool() *fakePool {
	return &fakePool{rows: make(map[string]*outboxRow)}
}

func (p *fakePool) addRow(r *outboxRow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows[r.id] = r
	p.order = append(p.order, r.id)
}

func (p *fakePool) row(id string) outboxRow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.rows[id]
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO outbox_messages"):
		r := &outboxRow{
			id:        args[0].(string),
			eventType: args[1].(string),
			payload:   append([]byte(nil), args[2].([]byte)...),
		}
		p.rows[r.id] = r
		p.order = append(p.order, r.id)
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "SET attempts = attempts + 1"):
		r, ok := p.rows[args[0].(string)]
		if !ok || r.processed || r.attempts != args[1].(int) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		r.attempts++
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "SET last_error"):
		if r, ok := p.rows[args[0].(string)]; ok {
			r.lastError = args[1].(string)
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.Contains(sql, "DELETE FROM outbox_messages"):
		return pgconn.NewCommandTag("DELETE 0"), nil

	default:
		return pgconn.CommandTag{}, fmt.Errorf("unexpected statement: %s", sql)
	}
}

func (p *fakePool) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if !strings.Contains(sql, "FROM outbox_messages") {
		return nil, fmt.Errorf("unexpected query: %s", sql)
	}
	maxAtt := args[0].(int)

	p.mu.Lock()
	defer p.mu.Unlock()
	var pending []outboxRow
	for _, id := range p.order {
		r := p.rows[id]
		if !r.processed && r.attempts < maxAtt {
			pending = append(pending, *r)
		}
	}
	return &fakeRows{rows: pending}, nil
}

func (p *fakePool) Begin(_ context.Context) (pgx.Tx, error) {
	return &fakeTx{pool: p}, nil
}

// fakeTx stages processed_at marks and applies them on commit.
type fakeTx struct {
	pool      *fakePool
	processed []string
}

func (tx *fakeTx) Begin(_ context.Context) (pgx.Tx, error) {
	return tx, nil
}

func (tx *fakeTx) Commit(_ context.Context) error {
	tx.pool.mu.Lock()
	defer tx.pool.mu.Unlock()
	for _, id := range tx.processed {
		if r, ok := tx.pool.rows[id]; ok {
			r.processed = true
		}
	}
	tx.processed = nil
	return nil
}

func (tx *fakeTx) Rollback(_ context.Context) error {
	tx.processed = nil
	return nil
}

func (tx *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "SET processed_at") {
		tx.processed = append(tx.processed, args[0].(string))
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected statement: %s", sql)
}

func (tx *fakeTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected query: %s", sql)
}

func (tx *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	return errRow{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (tx *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not supported")
}

func (tx *fakeTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults {
	return nil
}

func (tx *fakeTx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (tx *fakeTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not supported")
}

func (tx *fakeTx) Conn() *pgx.Conn {
	return nil
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}

// fakeRows iterates a snapshot of pending rows.
type fakeRows struct {
	rows []outboxRow
	i    int
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.rows) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	*(dest[0].(*string)) = row.id
	*(dest[1].(*string)) = row.eventType
	*(dest[2].(*[]byte)) = row.payload
	*(dest[3].(*int)) = row.attempts
	return nil
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
