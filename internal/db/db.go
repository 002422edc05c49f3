package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// The schema files are the single source of truth for the database layout.
// EnsureSchema picks the dialect matching the connected driver.
//
//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

type driverKind int

const (
	driverSQLite driverKind = iota
	driverPostgres
)

// DB wraps a database connection with write serialization
type DB struct {
	conn    *sql.DB
	driver  driverKind
	writeMu sync.Mutex // Serializes write operations on SQLite to prevent transaction conflicts
}

// Connect opens the store. A postgres:// (or postgresql://) URL connects to
// PostgreSQL through pgx; anything else is treated as a SQLite file path.
func Connect(databaseURL string) (*DB, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		conn, err := sql.Open("pgx", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetConnMaxLifetime(time.Hour)
		if err := conn.Ping(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		log.Printf("Connected to PostgreSQL database")
		return &DB{conn: conn, driver: driverPostgres}, nil
	}

	// Open with WAL mode and foreign keys enabled. The driver applies
	// _pragma parameters on every new connection.
	dsn := databaseURL + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time: a single connection plus
	// the write mutex keeps concurrent route workers from tripping over
	// "cannot start a transaction within a transaction" errors.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			log.Printf("Warning: failed to set %s: %v", pragma, err)
		}
	}

	log.Printf("Connected to SQLite database: %s", databaseURL)
	return &DB{conn: conn, driver: driverSQLite}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// LockWrite acquires the write mutex. Must be paired with UnlockWrite.
func (db *DB) LockWrite() {
	db.writeMu.Lock()
}

// UnlockWrite releases the write mutex.
func (db *DB) UnlockWrite() {
	db.writeMu.Unlock()
}

// EnsureSchema creates tables and indexes if they don't exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	db.LockWrite()
	defer db.UnlockWrite()

	schema := schemaSQLite
	if db.driver == driverPostgres {
		schema = schemaPostgres
	}

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Println("Database schema ensured")
	return nil
}

// rebind rewrites ? placeholders to $N for PostgreSQL. Queries throughout
// this package are written in the ? style SQLite uses.
func (db *DB) rebind(query string) string {
	if db.driver != driverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
