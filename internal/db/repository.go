// Package db provides repository operations over the queue and projection tables.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("db: not found")

// Repository provides persistence for the queue and the local projections.
//
// A Repository obtained from InTx is bound to that transaction; its methods
// run inside it and change notifications are deferred until commit.
type Repository struct {
	db  *sql.DB
	tx  *sql.Tx
	now func() time.Time

	// Prepared statement cache for frequently used queries, shared with
	// transaction-bound copies.
	stmtCache *sync.Map // map[string]*sql.Stmt

	notifier *Notifier
	touched  map[Topic]struct{}
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, notifier *Notifier) *Repository {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &Repository{
		db:        db,
		now:       time.Now,
		stmtCache: &sync.Map{},
		notifier:  notifier,
	}
}

// SetClock overrides the wall clock used for queue timestamps.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// Notifier returns the change notifier shared by this repository.
func (r *Repository) Notifier() *Notifier {
	return r.notifier
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If already stored by another goroutine, use existing
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// InTx runs fn inside a single write transaction. The Repository passed to
// fn is bound to the transaction. Subscribers are notified of the touched
// topics only after a successful commit.
func (r *Repository) InTx(ctx context.Context, fn func(tx *Repository) error) error {
	if r.tx != nil {
		return fn(r)
	}

	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txRepo := &Repository{
		db:        r.db,
		tx:        sqlTx,
		now:       r.now,
		stmtCache: r.stmtCache,
		notifier:  r.notifier,
		touched:   make(map[Topic]struct{}),
	}

	if err := fn(txRepo); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	topics := make([]Topic, 0, len(txRepo.touched))
	for t := range txRepo.touched {
		topics = append(topics, t)
	}
	r.notifier.Notify(topics...)
	return nil
}

// touch records that topic changed. Outside a transaction the signal is
// sent immediately.
func (r *Repository) touch(topics ...Topic) {
	if r.tx == nil {
		r.notifier.Notify(topics...)
		return
	}
	for _, t := range topics {
		r.touched[t] = struct{}{}
	}
}

// The helpers below use the statement cache outside transactions. Inside a
// transaction they go straight to the tx: the pool holds a single
// connection, so preparing on r.db there would wait on ourselves.

func (r *Repository) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if r.tx != nil {
		return r.tx.ExecContext(ctx, query, args...)
	}
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if r.tx != nil {
		return r.tx.QueryContext(ctx, query, args...)
	}
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

func (r *Repository) queryRow(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	if r.tx != nil {
		return r.tx.QueryRowContext(ctx, query, args...), nil
	}
	stmt, err := r.PrepareStmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryRowContext(ctx, args...), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
