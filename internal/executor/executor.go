package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/mysql-ddl-guard/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout is the soft ceiling applied when the caller passes none
	DefaultTimeout = 30 * time.Second
	// DefaultHardMargin is how long after the soft ceiling the watchdog kills
	// the statement on the server
	DefaultHardMargin = 2 * time.Second

	sessionTimeout = 5 * time.Second
)

// Canceler kills the statement running on a server session
type Canceler interface {
	CancelQuery(ctx context.Context, connectionID int64) error
}

// Executor runs one statement inside a transaction on a dedicated session,
// bounded by a timeout and a watchdog
type Executor struct {
	DB         *sql.DB
	Logger     *logrus.Logger
	canceler   Canceler
	hardMargin time.Duration
}

// Option configures an Executor
type Option func(*Executor)

// WithCanceler sets the server-side cancel used once the hard ceiling passes
func WithCanceler(canceler Canceler) Option {
	return func(e *Executor) {
		e.canceler = canceler
	}
}

// WithHardMargin sets the delay between the soft timeout and the watchdog
func WithHardMargin(margin time.Duration) Option {
	return func(e *Executor) {
		e.hardMargin = margin
	}
}

// NewExecutor creates a new guarded executor
func NewExecutor(db *sql.DB, logger *logrus.Logger, opts ...Option) *Executor {
	e := &Executor{
		DB:         db,
		Logger:     logger,
		hardMargin: DefaultHardMargin,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs query with autocommit disabled, commits on success and rolls
// back on any failure. The prior autocommit value is restored before return.
func (e *Executor) Execute(ctx context.Context, query string, timeout time.Duration) *models.ExecutionOutcome {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	outcome := &models.ExecutionOutcome{State: models.StateIdle, Kind: Classify(query)}
	defer func() {
		outcome.Elapsed = time.Since(start)
		outcome.ElapsedMillis = outcome.Elapsed.Milliseconds()
	}()

	conn, err := e.DB.Conn(ctx)
	if err != nil {
		e.Logger.Errorf("Error acquiring connection: %v", err)
		fail(outcome, err)
		return outcome
	}
	defer conn.Close()

	var prior int
	if err := conn.QueryRowContext(ctx, "SELECT @@autocommit").Scan(&prior); err != nil {
		e.Logger.Errorf("Error reading autocommit: %v", err)
		fail(outcome, err)
		return outcome
	}
	if _, err := conn.ExecContext(ctx, "SET autocommit = 0"); err != nil {
		e.Logger.Errorf("Error disabling autocommit: %v", err)
		fail(outcome, err)
		return outcome
	}
	defer e.restoreAutocommit(ctx, conn, prior, outcome)

	var connectionID int64
	if e.canceler != nil {
		if err := conn.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&connectionID); err != nil {
			e.Logger.Warnf("Could not read connection id, the watchdog can only cancel locally: %v", err)
		}
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		e.Logger.Errorf("Error starting transaction: %v", err)
		fail(outcome, err)
		return outcome
	}

	outcome.State = models.StateRunning
	e.Logger.Debugf("Executing with timeout %s: %s", timeout, query)

	execCtx, cancelExec := context.WithTimeout(ctx, timeout)
	defer cancelExec()

	done := make(chan struct{})
	var killed atomic.Bool
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		return run(execCtx, tx, query, outcome)
	})
	g.Go(func() error {
		watch(ctx, done, timeout+e.hardMargin, func() {
			killed.Store(true)
			cancelExec()
			e.kill(ctx, connectionID, "hard timeout reached")
		})
		return nil
	})
	runErr := g.Wait()

	if runErr != nil {
		// the driver abandons the session when its context ends, but the
		// server keeps running the statement until it is killed
		timedOut := killed.Load() || errors.Is(execCtx.Err(), context.DeadlineExceeded)
		serverKilled := killed.Load()
		if !serverKilled && (timedOut || ctx.Err() != nil) {
			serverKilled = e.kill(ctx, connectionID, "statement interrupted")
		}

		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			e.Logger.Warnf("Error rolling back: %v", err)
		}
		outcome.State = models.StateRolledBack
		outcome.ErrorMessage = runErr.Error()
		native(outcome, runErr)

		switch {
		case ctx.Err() != nil:
			outcome.State = models.StateCancelled
			outcome.ErrorMessage = fmt.Sprintf("cancelled by caller: %v", ctx.Err())
		case timedOut:
			outcome.State = models.StateCancelled
			outcome.TimedOut = true
			outcome.ErrorMessage = timeoutMessage(outcome.Kind, timeout, serverKilled)
		}
		e.Logger.Errorf("Statement failed (%s): %s", outcome.State, outcome.ErrorMessage)
		return outcome
	}

	if err := tx.Commit(); err != nil {
		e.Logger.Errorf("Error committing: %v", err)
		outcome.State = models.StateRolledBack
		fail(outcome, err)
		return outcome
	}
	outcome.Success = true
	outcome.State = models.StateCommitted
	e.Logger.Infof("Statement committed in %s", time.Since(start))
	return outcome
}

// watch calls fire once after d unless done closes or ctx ends first
func watch(ctx context.Context, done <-chan struct{}, d time.Duration, fire func()) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-timer.C:
		fire()
	}
}

// kill cancels the statement on the server and reports whether it could
func (e *Executor) kill(ctx context.Context, connectionID int64, reason string) bool {
	e.Logger.Warnf("%s, cancelling statement on connection %d", reason, connectionID)
	if e.canceler == nil || connectionID == 0 {
		return false
	}
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionTimeout)
	defer cancel()
	if err := e.canceler.CancelQuery(killCtx, connectionID); err != nil {
		e.Logger.Errorf("Error cancelling statement: %v", err)
		return false
	}
	return true
}

// timeoutMessage describes a timed out statement. DDL commits implicitly, so
// the transaction cannot vouch for it.
func timeoutMessage(kind models.ResultKind, timeout time.Duration, serverKilled bool) string {
	msg := fmt.Sprintf("statement timed out after %s", timeout)
	if serverKilled {
		msg += " and was killed on the server"
	} else {
		msg += " but could not be killed on the server"
	}
	if kind == models.ResultNone {
		return msg + ", a schema change may still have taken effect, inspect the table before retrying"
	}
	return msg + ", the transaction was rolled back"
}

// restoreAutocommit runs even when ctx is already done. A session that
// cannot be reset is discarded instead of going back to the pool.
func (e *Executor) restoreAutocommit(ctx context.Context, conn *sql.Conn, prior int, outcome *models.ExecutionOutcome) {
	restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionTimeout)
	defer cancel()

	if _, err := conn.ExecContext(restoreCtx, fmt.Sprintf("SET autocommit = %d", prior)); err != nil {
		e.Logger.Errorf("Error restoring autocommit, discarding connection: %v", err)
		_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		return
	}
	outcome.AutocommitRestored = true
}

func run(ctx context.Context, tx *sql.Tx, query string, outcome *models.ExecutionOutcome) error {
	switch outcome.Kind {
	case models.ResultScalar, models.ResultRowSet:
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			return err
		}
		values := make([]sql.NullString, len(columns))
		dest := make([]interface{}, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		for rows.Next() {
			if outcome.Kind == models.ResultScalar && outcome.RowCount == 0 && len(columns) > 0 {
				if err := rows.Scan(dest...); err != nil {
					return err
				}
				if values[0].Valid {
					scalar := values[0].String
					outcome.Scalar = &scalar
				}
			}
			outcome.RowCount++
		}
		return rows.Err()
	}

	result, err := tx.ExecContext(ctx, query)
	if err != nil {
		return err
	}
	if outcome.Kind == models.ResultRowsAffected {
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		outcome.RowsAffected = affected
	}
	return nil
}

func fail(outcome *models.ExecutionOutcome, err error) {
	outcome.ErrorMessage = err.Error()
	native(outcome, err)
}

// native keeps the server's error number and SQL state
func native(outcome *models.ExecutionOutcome, err error) {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return
	}
	outcome.VendorCode = int(mysqlErr.Number)
	outcome.SQLState = strings.TrimRight(string(mysqlErr.SQLState[:]), "\x00")
	outcome.ErrorMessage = mysqlErr.Message
}
