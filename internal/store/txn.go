package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// Limits tunes the implicit-transaction batching described in spec.md §4.5
// and the SIGALRM-free redesign of §9: instead of a supervisor process
// signalling "commit now", a background goroutine polls the same
// soft-deadline state the foreground writer checks on every call.
type Limits struct {
	// MaxBatchWrites commits after this many writes share one transaction.
	MaxBatchWrites int
	// MaxTxnAge commits a transaction open longer than this, regardless of
	// write count.
	MaxTxnAge time.Duration
	// IdleCommit force-commits a transaction that has seen no new write for
	// this long, so a quiet period doesn't hold the database locked.
	IdleCommit time.Duration
	// BusyTimeoutBase is the base duration the retry loop spends backing
	// off SQLITE_BUSY before giving up; the running process's PID modulo 7
	// seconds is added so concurrent processes don't retry in lockstep.
	BusyTimeoutBase time.Duration
}

// DefaultLimits returns the batching thresholds spec.md §4.5 describes.
func DefaultLimits() Limits {
	return Limits{
		MaxBatchWrites:  1000,
		MaxTxnAge:       3 * time.Second,
		IdleCommit:      10 * time.Second,
		BusyTimeoutBase: 30 * time.Second,
	}
}

func (l Limits) busyTimeout() time.Duration {
	return l.BusyTimeoutBase + time.Duration(os.Getpid()%7)*time.Second
}

// TxnGuard batches many small writes into a handful of commits. A
// transaction is opened lazily on the first write after the last commit,
// and closed when the write count, the transaction's age, or an idle
// period crosses the configured Limits — whichever happens first. Reads
// always run against the live committed state outside of any open
// transaction, matching the "implicit transaction" model of spec.md §4.5.
type TxnGuard struct {
	db     *sql.DB
	limits Limits
	logger *slog.Logger

	mu         sync.Mutex
	tx         *sql.Tx
	writeCount int
	beginAt    time.Time
	lastWrite  time.Time

	forceCommit atomic.Bool
	closeIdle   chan struct{}
}

// NewTxnGuard wraps db with the batching policy in limits. The returned
// guard owns a background goroutine that force-commits idle transactions;
// call Close to stop it.
func NewTxnGuard(db *sql.DB, limits Limits, logger *slog.Logger) *TxnGuard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(sink{}, nil))
	}

	g := &TxnGuard{
		db:        db,
		limits:    limits,
		logger:    logger,
		closeIdle: make(chan struct{}),
	}

	go g.idleCommitLoop()

	return g
}

// sink discards everything written to it; used so a nil logger passed
// through the package never needs a nil check at every call site.
type sink struct{}

func (sink) Write(p []byte) (int, error) { return len(p), nil }

// Close stops the idle-commit goroutine and commits any open transaction.
func (g *TxnGuard) Close() error {
	close(g.closeIdle)

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.commitLocked()
}

// Do runs fn against the guard's current implicit transaction, opening one
// if none is active, retrying on SQLITE_BUSY with backoff, and committing
// once the batch thresholds are reached.
func (g *TxnGuard) Do(ctx context.Context, fn func(*sql.Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.tx == nil {
		tx, err := g.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin transaction: %w", err)
		}

		g.tx = tx
		g.beginAt = time.Now()
	}

	if err := g.execWithRetry(ctx, fn); err != nil {
		return err
	}

	g.writeCount++
	g.lastWrite = time.Now()

	if g.shouldCommitLocked() {
		return g.commitLocked()
	}

	return nil
}

// View runs fn against the live database outside of any open write
// transaction. If a write transaction happens to be open, it is committed
// first so the read observes up-to-date state.
func (g *TxnGuard) View(ctx context.Context, fn func(*sql.DB) error) error {
	g.mu.Lock()

	if err := g.commitLocked(); err != nil {
		g.mu.Unlock()
		return err
	}

	g.mu.Unlock()

	return fn(g.db)
}

func (g *TxnGuard) execWithRetry(ctx context.Context, fn func(*sql.Tx) error) error {
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithMaxDuration(g.limits.busyTimeout(), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(g.tx)
		if isBusy(err) {
			g.logger.Debug("store busy, retrying", slog.Any("error", err))
			return retry.RetryableError(err)
		}

		return err
	})

	if isBusy(err) {
		return fmt.Errorf("%w: %w", ErrBusyTimeout, err)
	}

	return err
}

func (g *TxnGuard) shouldCommitLocked() bool {
	if g.writeCount >= g.limits.MaxBatchWrites {
		return true
	}

	if time.Since(g.beginAt) >= g.limits.MaxTxnAge {
		return true
	}

	if g.forceCommit.Swap(false) {
		return true
	}

	return false
}

func (g *TxnGuard) commitLocked() error {
	if g.tx == nil {
		return nil
	}

	tx := g.tx
	g.tx = nil
	g.writeCount = 0

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	return nil
}

// idleCommitLoop force-commits a transaction that has had no write for
// limits.IdleCommit, so a lull in activity doesn't keep the database
// locked indefinitely (the polling replacement for a SIGALRM-driven
// "commit now" flag, per spec.md §9).
func (g *TxnGuard) idleCommitLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeIdle:
			return
		case <-ticker.C:
			g.mu.Lock()
			if g.tx != nil && time.Since(g.lastWrite) >= g.limits.IdleCommit {
				if err := g.commitLocked(); err != nil {
					g.logger.Error("idle commit failed", slog.Any("error", err))
				}
			}
			g.mu.Unlock()
		}
	}
}

// isBusy reports whether err is SQLite's "database is locked"/"busy"
// condition, under either driver's error text (modernc.org/sqlite wraps
// the underlying sqlite3 result code in its error message rather than a
// typed sentinel).
func isBusy(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
