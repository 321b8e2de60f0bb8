// Package migration executes generated schema diff scripts against the
// application database.
//
// Statements run in order inside a single transaction. On engines with
// transactional DDL a failure leaves the database untouched; on MySQL each
// DDL statement commits implicitly, so a failure may leave earlier
// statements applied. StatementError.Committed tells the two apart.
//
// # Usage Example
//
//	db, err := migration.OpenMySQL(migration.DefaultMySQLConfig())
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	runner := migration.NewRunner(db, migration.DefaultOptions())
//	if err := runner.ExecuteDiffSQL(ctx, diff.SQL); err != nil {
//		var stmtErr *migration.StatementError
//		if errors.As(err, &stmtErr) {
//			log.Printf("statement %d failed: %s", stmtErr.Index, stmtErr.Statement)
//		}
//		return err
//	}
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nuwax-ai/nuwax-cli-sub001/schema"
)

// StatementError reports the statement that stopped a script.
type StatementError struct {
	// Index is the zero based position of the statement in the script.
	Index     int
	Statement string
	Err       error
	// Committed is set when statements before Index may have been committed
	// despite the rollback, because the engine commits DDL implicitly.
	Committed bool
}

func (e *StatementError) Error() string {
	msg := fmt.Sprintf("statement %d failed: %v: %s", e.Index+1, e.Err, e.Statement)
	if e.Committed {
		msg += " (earlier statements may have been committed)"
	}
	return msg
}

func (e *StatementError) Unwrap() error { return e.Err }

// Options configures a Runner.
type Options struct {
	// TransactionalDDL declares that the engine rolls back DDL with the
	// transaction. MySQL does not.
	TransactionalDDL bool `mapstructure:"transactional_ddl"`

	// StatementTimeout bounds each statement. Zero leaves the bound to the
	// connection settings.
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`

	// SkipApplied skips statements the server reports as already applied
	// (see IsAlreadyApplied), so a script that stopped part way can be run
	// again.
	SkipApplied bool `mapstructure:"skip_applied"`
}

// DefaultOptions returns options for MySQL.
func DefaultOptions() Options {
	return Options{
		TransactionalDDL: false,
		StatementTimeout: 10 * time.Minute,
		SkipApplied:      true,
	}
}

// Runner executes diff scripts on a database handle.
type Runner struct {
	db     *sql.DB
	opts   Options
	logger *logrus.Logger
}

// NewRunner creates a Runner for db.
func NewRunner(db *sql.DB, opts Options) *Runner {
	return &Runner{
		db:     db,
		opts:   opts,
		logger: logrus.StandardLogger(),
	}
}

// SetLogger sets the logger used for statement progress.
func (r *Runner) SetLogger(logger *logrus.Logger) {
	r.logger = logger
}

// SuppressLogs disables logging, for tests.
func (r *Runner) SuppressLogs() {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	r.logger = l
}

// Split returns the executable statements of script. Comment-only fragments
// are dropped and quoted semicolons do not split.
func Split(script string) ([]string, error) {
	stmts, err := schema.SplitStatements(script)
	if err != nil {
		return nil, fmt.Errorf("failed to split script: %w", err)
	}
	return stmts, nil
}

// ExecuteDiffSQL runs script statement by statement in one transaction and
// stops at the first failure, which is returned as *StatementError. With
// SkipApplied, statements whose change is already present are logged and
// skipped instead.
func (r *Runner) ExecuteDiffSQL(ctx context.Context, script string) error {
	stmts, err := Split(script)
	if err != nil {
		return err
	}
	if len(stmts) == 0 {
		r.logger.Debug("diff script has no statements")
		return nil
	}

	start := time.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	skipped := 0
	for i, stmt := range stmts {
		log := r.logger.WithFields(logrus.Fields{
			"statement": i + 1,
			"total":     len(stmts),
		})
		log.Debug("executing statement")

		if err := r.exec(ctx, tx, stmt); err != nil {
			if r.opts.SkipApplied && IsAlreadyApplied(err) {
				log.WithError(err).Warn("statement already applied, skipping")
				skipped++
				continue
			}
			log.WithError(err).Error("statement failed")
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				log.WithError(rbErr).Warn("rollback failed")
			}
			return &StatementError{
				Index:     i,
				Statement: stmt,
				Err:       err,
				Committed: !r.opts.TransactionalDDL && i > 0,
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"statements":  len(stmts),
		"skipped":     skipped,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("schema migration applied")
	return nil
}

func (r *Runner) exec(ctx context.Context, tx *sql.Tx, stmt string) error {
	if r.opts.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.StatementTimeout)
		defer cancel()
	}
	_, err := tx.ExecContext(ctx, stmt)
	return err
}
