package db

import (
	"context"
	"database/sql"
)

// TxFn runs inside a transaction owned by the Worker.
type TxFn func(ctx context.Context, tx *sql.Tx) error

type txJob struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Worker serializes all database writes through a single goroutine.
// SQLite allows one writer at a time; funneling writes here means store
// code never sees SQLITE_BUSY and per-event appends stay atomic.
type Worker struct {
	db    *sql.DB
	queue chan txJob
	done  chan struct{}
}

func NewWorker(db *sql.DB) *Worker {
	w := &Worker{
		db:    db,
		queue: make(chan txJob, 256),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) Close() {
	close(w.queue)
	<-w.done
}

// Do runs fn in a transaction on the writer goroutine and returns its
// result.  The caller's context bounds both the wait for a queue slot
// and the wait for the result.
func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)
	j := txJob{ctx: ctx, fn: fn, ch: ch}

	select {
	case w.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	}

	// If the caller gives up while the job is queued or executing, the
	// worker still finishes the transaction; the result lands in the
	// buffered ch and is discarded.
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.queue {
		tx, err := w.db.BeginTx(j.ctx, nil)
		if err != nil {
			j.ch <- err
			continue
		}

		if err := j.fn(j.ctx, tx); err != nil {
			_ = tx.Rollback()
			j.ch <- err
			continue
		}

		j.ch <- tx.Commit()
	}
}
