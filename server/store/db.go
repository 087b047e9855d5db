package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type DatabaseConfig struct {
	ConnectionString   DatabaseConnectionString
	Driver             DBDriver
	MaxIdleConnections int
	MaxOpenConnections int
}

type DBDriver string

func (d DBDriver) String() string {
	return string(d)
}

type DatabaseConnectionString string

func (d DatabaseConnectionString) String() string {
	return string(d)
}

const (
	Sqlite                            DBDriver = "sqlite3"
	Postgres                          DBDriver = "postgres"
	DefaultDatabaseMaxIdleConnections          = 2
	DefaultDatabaseMaxOpenConnections          = 4
)

// DB is a connection pool to the shared database. A single RWMutex
// serializes writers when running on sqlite, which does not tolerate
// concurrent write transactions.
type DB struct {
	*sqlx.DB
	Driver           DBDriver
	ConnectionString DatabaseConnectionString
	lock             sync.RWMutex
}

type Tx struct {
	tx *sqlx.Tx
}

// MigrationRunner applies database schema migrations.
type MigrationRunner interface {
	// Up migrates the given database up to the latest version.
	Up(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
	// Down migrates the given database down to empty.
	Down(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
}

// NewDatabase performs any database-specific init before returning a new
// connection pool for the specified DatabaseConfig, together with a cleanup
// function that closes it. If a MigrationRunner is supplied an 'Up'
// migration brings the schema to the latest version.
func NewDatabase(
	ctx context.Context,
	config DatabaseConfig,
	migrationRunner MigrationRunner,
) (*DB, func(), error) {
	switch config.Driver {
	case Sqlite:
		err := sqliteConnectionInit(string(config.ConnectionString))
		if err != nil {
			return nil, nil, err
		}
	case Postgres:
		// No init required
	default:
		return nil, nil, fmt.Errorf("unknown database driver %s", config.Driver)
	}

	sqlxDB, err := sqlx.Open(string(config.Driver), string(config.ConnectionString))
	if err != nil {
		return nil, nil, fmt.Errorf("error opening %s database: %w", config.Driver, err)
	}

	err = sqlxDB.PingContext(ctx)
	if err != nil {
		sqlxDB.Close()
		return nil, nil, fmt.Errorf("error pinging %s database: %w", config.Driver, err)
	}

	if migrationRunner != nil {
		err := migrationRunner.Up(ctx, config.Driver, config.ConnectionString)
		if err != nil {
			sqlxDB.Close()
			return nil, nil, fmt.Errorf("error running %s database migrations: %w", config.Driver, err)
		}
	}

	db := &DB{
		DB:               sqlxDB,
		Driver:           config.Driver,
		ConnectionString: config.ConnectionString,
	}
	db.DB.SetMaxIdleConns(config.MaxIdleConnections)
	db.DB.SetMaxOpenConns(config.MaxOpenConnections)
	cleanup := func() {
		db.Close()
	}
	return db, cleanup, nil
}

// sqliteConnectionInit creates the local db file when a file-based
// connection string is used.
func sqliteConnectionInit(connectionString string) error {
	// In-memory connection strings contain both a :memory: and a file: directive.
	// See https://github.com/mattn/go-sqlite3/issues/677
	if strings.Contains(connectionString, ":memory:") || strings.Contains(connectionString, "mode=memory") {
		return nil
	}

	const sqliteFileKeyword = "file:"
	var databaseFilePath string
	s := strings.Index(connectionString, sqliteFileKeyword)
	if s == -1 {
		return nil
	}
	s += len(sqliteFileKeyword)
	e := strings.Index(connectionString[s:], "?")
	if e == -1 {
		databaseFilePath = connectionString[s:]
	} else {
		databaseFilePath = connectionString[s : s+e]
	}

	dir := filepath.Dir(databaseFilePath)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("error ensuring database directory %q exists: %w", dir, err)
	}

	file, err := os.OpenFile(databaseFilePath, os.O_RDONLY|os.O_CREATE, 0660)
	if err != nil {
		return fmt.Errorf("error opening or creating database file %q: %w", databaseFilePath, err)
	}
	return file.Close()
}

// WithTx runs fn inside a database transaction. If txOrNil is supplied fn
// joins the existing transaction and commit/rollback is left to the outer
// caller. Otherwise a new transaction is started, rolled back if fn returns
// an error and committed if it returns nil.
func (d *DB) WithTx(ctx context.Context, txOrNil *Tx, fn func(tx *Tx) error) error {
	if txOrNil != nil {
		return fn(txOrNil)
	}

	if d.Driver == Sqlite {
		d.lock.Lock()
		defer d.lock.Unlock()
	}

	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "error beginning database transaction")
	}

	err = fn(&Tx{tx})
	if err != nil {
		originalErr := err
		err = tx.Rollback()
		if err != nil {
			return errors.Wrapf(err, "error rolling back database transaction: %s", originalErr)
		}
		return originalErr
	}

	err = tx.Commit()
	if err != nil {
		return errors.Wrap(err, "error committing database transaction")
	}

	return nil
}

// Write prepares the database for writing and calls fn() with the Writer to
// use. If txOrNil is supplied the Writer is bound to the transaction.
func (d *DB) Write(txOrNil *Tx, fn func(Writer) error) error {
	if txOrNil == nil {
		if d.Driver == Sqlite {
			d.lock.Lock()
			defer d.lock.Unlock()
		}
		return fn(goqu.New(d.DriverName(), d.DB))
	}
	return fn(goqu.NewTx(d.DriverName(), txOrNil.tx))
}

// Read prepares the database for reading and calls fn() with the Reader to
// use. If txOrNil is supplied the Reader is bound to the transaction.
func (d *DB) Read(txOrNil *Tx, fn func(Reader) error) error {
	if txOrNil == nil {
		if d.Driver == Sqlite {
			d.lock.RLock()
			defer d.lock.RUnlock()
		}
		return fn(goqu.New(d.DriverName(), d.DB))
	}
	return fn(goqu.NewTx(d.DriverName(), txOrNil.tx))
}

// Close the connection to the database. The DB object must not be used
// after a call to Close.
func (d *DB) Close() error {
	return d.DB.Close()
}

// SupportsRowLevelLocking returns true if the current database supports the
// 'SELECT ... FOR UPDATE' syntax to lock table rows, or false if these locks
// are not required (e.g. sqlite).
func (d *DB) SupportsRowLevelLocking() bool {
	return d.Driver != Sqlite
}

type Writer interface {
	Reader
	Update(table interface{}) *goqu.UpdateDataset
	Insert(table interface{}) *goqu.InsertDataset
	Delete(table interface{}) *goqu.DeleteDataset
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type Reader interface {
	From(from ...interface{}) *goqu.SelectDataset
	Select(cols ...interface{}) *goqu.SelectDataset
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ScanStructsContext(ctx context.Context, i interface{}, query string, args ...interface{}) error
	ScanStructContext(ctx context.Context, i interface{}, query string, args ...interface{}) (bool, error)
	ScanValsContext(ctx context.Context, i interface{}, query string, args ...interface{}) error
	ScanValContext(ctx context.Context, i interface{}, query string, args ...interface{}) (bool, error)
}
