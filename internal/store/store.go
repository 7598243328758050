package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/vaultsync/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on sync_conflicts(entity_type, entity_id)
const currentSchemaVersion = 1

// Store provides durable storage for entities, the change log, and conflicts.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	ops
	db     *sql.DB
	nodeID string
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	nodeID string
	now    func() time.Time
}

// WithNodeID sets the node ID used when the database is created.
// It has no effect on an existing database: a node ID is never reused or changed.
func WithNodeID(id string) Option {
	return func(o *openOptions) {
		o.nodeID = id
	}
}

// WithNow overrides the wall clock used for bookkeeping timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *openOptions) {
		o.now = now
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically and makes sure the
// database carries a node identity, generating a UUIDv7 on first open.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := openOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	nodeID, err := ensureNodeIdentity(db, o)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize node identity: %w", err)
	}

	return &Store{ops: ops{q: db, now: o.now}, db: db, nodeID: nodeID}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NodeID returns this terminal's stable identity.
func (s *Store) NodeID() string {
	return s.nodeID
}

// Tx is a storage transaction. Business writes, their change records, and
// conflict bookkeeping all go through one Tx so they commit or roll back together.
type Tx struct {
	ops
	tx     *sql.Tx
	nodeID string
}

// NodeID returns this terminal's stable identity.
func (t *Tx) NodeID() string {
	return t.nodeID
}

// WithTx runs fn inside a transaction. The transaction commits if fn returns
// nil and rolls back otherwise. fn must not use the Store directly: the pool
// holds a single connection and would deadlock.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.NewStorageError("begin transaction", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	tx := &Tx{ops: ops{q: sqlTx, now: s.now}, tx: sqlTx, nodeID: s.nodeID}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return ir.NewStorageError("commit transaction", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the per-entity conflict lookup index used when listing
// conflicts for an entity.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sync_conflicts_entity
		ON sync_conflicts(entity_type, entity_id, resolution_status)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// ensureNodeIdentity returns the persisted node ID, creating it on first open.
func ensureNodeIdentity(db *sql.DB, o openOptions) (string, error) {
	var nodeID string
	err := db.QueryRow(`SELECT node_id FROM node_state WHERE id = 1`).Scan(&nodeID)
	if err == nil {
		return nodeID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("read node_state: %w", err)
	}

	nodeID = o.nodeID
	if nodeID == "" {
		nodeID = uuid.Must(uuid.NewV7()).String()
	}
	_, err = db.Exec(`
		INSERT INTO node_state (id, node_id, vector_clock, created_at)
		VALUES (1, ?, '{}', ?)
		ON CONFLICT(id) DO NOTHING
	`, nodeID, formatTime(o.now()))
	if err != nil {
		return "", fmt.Errorf("insert node_state: %w", err)
	}
	return nodeID, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
