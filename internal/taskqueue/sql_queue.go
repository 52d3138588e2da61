package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/drip/internal/persistence"
)

// SQLQueue is a persistent task queue backed by SQLite or PostgreSQL.
// Tasks are claimed in not_before order; PostgreSQL claims rows with
// FOR UPDATE SKIP LOCKED so several processes can share the table.
type SQLQueue struct {
	db           *sql.DB
	dialect      persistence.Dialect
	pollInterval time.Duration
}

// NewSQLQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLQueue(db *sql.DB, dialect persistence.Dialect) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		dialect:      dialect,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// NewSQLiteQueue is NewSQLQueue for SQLite.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return NewSQLQueue(db, persistence.DialectSQLite)
}

// SetPollInterval changes how long an idle Dequeue sleeps between polls.
func (q *SQLQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}

func (q *SQLQueue) initSchema() error {
	blob := "BLOB"
	if q.dialect == persistence.DialectPostgres {
		blob = "BYTEA"
	}
	if _, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload ` + blob + ` NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL
		)`); err != nil {
		return err
	}
	_, err := q.db.Exec(`CREATE INDEX IF NOT EXISTS tasks_due ON tasks (not_before, enqueued_at)`)
	return err
}

func (q *SQLQueue) bind(query string) string {
	if q.dialect != persistence.DialectPostgres {
		return query
	}
	n := 0
	var b strings.Builder
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	payload, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.bind(`
		INSERT INTO tasks (id, type, payload, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?)`),
		t.ID, string(t.Type), payload, t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano(),
	)
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		// Nothing available: sleep a bit and retry.
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// claim removes and returns the next due task, or nil if none is due.
func (q *SQLQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sel := `
		SELECT id, payload FROM tasks
		WHERE not_before <= ?
		ORDER BY not_before, enqueued_at
		LIMIT 1`
	if q.dialect == persistence.DialectPostgres {
		sel += ` FOR UPDATE SKIP LOCKED`
	}

	var (
		id      string
		payload []byte
	)
	err = tx.QueryRowContext(ctx, q.bind(sel), time.Now().UnixNano()).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Delete the row we just claimed.
	if _, err := tx.ExecContext(ctx, q.bind(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return DecodeTask(payload)
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
