// Package migrationtest provides an in-memory database/sql driver that
// answers like a MySQL server without transactional DDL: every statement
// takes effect as soon as it executes and running it again reports the
// matching "already exists" error.
package migrationtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
)

// Server records executed statements.
type Server struct {
	mu       sync.Mutex
	applied  map[string]bool
	failures map[string]error
	execs    []string
}

// NewServer returns an empty Server.
func NewServer() *Server {
	return &Server{applied: map[string]bool{}, failures: map[string]error{}}
}

// DB opens a handle on s.
func (s *Server) DB() *sql.DB {
	return sql.OpenDB(connector{s})
}

// FailOnce makes the next execution of stmt fail with err without applying it.
func (s *Server) FailOnce(stmt string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[stmt] = err
}

// Applied reports whether stmt has taken effect.
func (s *Server) Applied(stmt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[stmt]
}

// Execs returns every statement sent, in order, including failed ones.
func (s *Server) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

func (s *Server) exec(query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, query)
	if err, ok := s.failures[query]; ok {
		delete(s.failures, query)
		return err
	}
	if s.applied[query] {
		return duplicateError(query)
	}
	s.applied[query] = true
	return nil
}

func duplicateError(query string) error {
	q := strings.ToUpper(query)
	switch {
	case strings.HasPrefix(q, "CREATE TABLE"):
		return &mysql.MySQLError{Number: 1050, Message: "Table already exists"}
	case strings.Contains(q, "DROP INDEX"), strings.Contains(q, "DROP KEY"):
		return &mysql.MySQLError{Number: 1091, Message: "Can't DROP; check that column/key exists"}
	case strings.Contains(q, "ADD INDEX"), strings.Contains(q, "ADD KEY"), strings.Contains(q, "ADD UNIQUE"):
		return &mysql.MySQLError{Number: 1061, Message: "Duplicate key name"}
	default:
		return &mysql.MySQLError{Number: 1060, Message: "Duplicate column name"}
	}
}

type connector struct{ s *Server }

func (c connector) Connect(context.Context) (driver.Conn, error) { return &conn{s: c.s}, nil }
func (c connector) Driver() driver.Driver                        { return simDriver{} }

type simDriver struct{}

func (simDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("migrationtest: open through Server.DB")
}

type conn struct{ s *Server }

func (c *conn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("migrationtest: prepared statements are not supported")
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) { return tx{}, nil }

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) { return tx{}, nil }

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.s.exec(query); err != nil {
		return nil, err
	}
	return driver.RowsAffected(0), nil
}

// DDL commits implicitly, so neither Commit nor Rollback undoes anything.
type tx struct{}

func (tx) Commit() error   { return nil }
func (tx) Rollback() error { return nil }
