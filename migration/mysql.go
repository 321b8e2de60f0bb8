package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLConfig describes the application database connection.
type MySQLConfig struct {
	Address  string `mapstructure:"address"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`

	// Timeout is used for dialing and as the read and write timeout, which
	// bounds each statement on the wire.
	Timeout time.Duration `mapstructure:"timeout"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DefaultMySQLConfig returns the connection used by the bundled stack.
func DefaultMySQLConfig() MySQLConfig {
	return MySQLConfig{
		Address:         "127.0.0.1:3306",
		User:            "root",
		Database:        "agent_platform",
		Timeout:         30 * time.Second,
		MaxOpenConns:    1,
		ConnMaxLifetime: 3 * time.Minute,
	}
}

// OpenMySQL opens a connection pool for cfg. No connection is made until
// first use.
func OpenMySQL(cfg MySQLConfig) (*sql.DB, error) {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = cfg.Address
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.DBName = cfg.Database
	mc.Timeout = cfg.Timeout
	mc.ReadTimeout = cfg.Timeout
	mc.WriteTimeout = cfg.Timeout
	mc.ParseTime = true

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// MySQL error numbers for changes that already exist in the target.
const (
	erTableExists     = 1050
	erDupFieldName    = 1060
	erDupKeyName      = 1061
	erCantDropKeyName = 1091
)

// IsAlreadyApplied reports whether err means the statement's change is
// already present, as after an earlier run that stopped part way.
func IsAlreadyApplied(err error) bool {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return false
	}
	switch mysqlErr.Number {
	case erTableExists, erDupFieldName, erDupKeyName, erCantDropKeyName:
		return true
	}
	return false
}
