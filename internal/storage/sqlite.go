package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/fieldsync/internal/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding entity collections, the mutation
// queue and per-collection sync watermarks.
type Store struct {
	db *sql.DB

	mu          sync.RWMutex
	collections map[string]schema.Collection
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
// Every failure is reported as ErrUnavailable.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, &unavailableError{op: "creating data directory", err: err}
		}
		dsn = filepath.Join(dataDir, "fieldsync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &unavailableError{op: "opening database", err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &unavailableError{op: "pinging database", err: err}
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, &unavailableError{op: "setting busy timeout", err: err}
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, &unavailableError{op: "setting journal mode", err: err}
	}

	s := &Store{db: db, collections: make(map[string]schema.Collection)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, &unavailableError{op: "running migrations", err: err}
	}
	if err := s.loadRegistry(); err != nil {
		db.Close()
		return nil, &unavailableError{op: "loading collection registry", err: err}
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

type migration struct {
	version int
	name    string
	sql     string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		out = append(out, migration{version: version, name: entry.Name(), sql: string(content)})
	}
	return out, nil
}

const createSchemaVersion = `CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// migrate applies embedded SQL migrations that haven't been run yet, each in
// its own transaction.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(createSchemaVersion); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", m.version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", m.version, err)
		}
		if err := applyMigration(tx, m); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}

func applyMigration(tx *sql.Tx, m migration) error {
	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("applying migration %d: %w", m.version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, wrap("listing migrations", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Collections ---

func tableName(collection string) string {
	return "c_" + collection
}

func indexName(collection string, idx schema.Index) string {
	return "idx_c_" + collection + "_" + strings.ReplaceAll(idx.Name, "-", "_")
}

// keyExpr is shared by CREATE INDEX and lookups so SQLite can match them.
func keyExpr(idx schema.Index) string {
	return "json_extract(body, '$." + idx.KeyPath + "')"
}

// EnsureCollections creates the tables and indexes for every declared
// collection and records them in the registry. Re-running it against an
// upgraded store changes nothing.
func (s *Store) EnsureCollections(ctx context.Context, sch schema.Schema) error {
	if err := sch.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("beginning schema transaction", err)
	}
	defer tx.Rollback()

	for _, c := range sch.Collections {
		if err := createCollection(ctx, tx, c); err != nil {
			return wrap("creating collection "+c.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrap("committing schema", err)
	}

	s.mu.Lock()
	for _, c := range sch.Collections {
		s.collections[c.Name] = c
	}
	s.mu.Unlock()
	return nil
}

func createCollection(ctx context.Context, tx *sql.Tx, c schema.Collection) error {
	table := tableName(c.Name)
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
		id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		created_at INTEGER,
		updated_at INTEGER
	)`); err != nil {
		return err
	}
	for _, idx := range c.Indexes {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", indexName(c.Name, idx), table, keyExpr(idx))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	indexesJSON, err := json.Marshal(c.Indexes)
	if err != nil {
		return err
	}
	synced := 0
	if c.Synced() {
		synced = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO collections (name, indexes_json, remote_path, synced, declared_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET indexes_json = excluded.indexes_json, remote_path = excluded.remote_path, synced = excluded.synced`,
		c.Name, string(indexesJSON), c.RemotePath, synced, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) loadRegistry() error {
	rows, err := s.db.Query("SELECT name, indexes_json, remote_path, synced FROM collections")
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var c schema.Collection
		var indexesJSON string
		var synced int
		if err := rows.Scan(&c.Name, &indexesJSON, &c.RemotePath, &synced); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(indexesJSON), &c.Indexes); err != nil {
			return fmt.Errorf("parsing indexes of %s: %w", c.Name, err)
		}
		if synced == 0 {
			off := false
			c.Sync = &off
		}
		s.collections[c.Name] = c
	}
	return rows.Err()
}

// Collections returns the declared collections sorted by name.
func (s *Store) Collections() []schema.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Collection, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) collection(name string) (schema.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return schema.Collection{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return c, nil
}

// ClearAll drops every table and recreates the empty schema in a single
// transaction. On failure the previous contents stay intact.
func (s *Store) ClearAll(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	declared := s.Collections()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("beginning clear transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return wrap("listing tables", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return wrap("listing tables", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrap("listing tables", err)
	}

	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS "`+t+`"`); err != nil {
			return wrap("dropping "+t, err)
		}
	}

	if _, err := tx.ExecContext(ctx, createSchemaVersion); err != nil {
		return wrap("recreating schema_version", err)
	}
	for _, m := range migrations {
		if err := applyMigration(tx, m); err != nil {
			return wrap("reapplying migrations", err)
		}
	}
	for _, c := range declared {
		if err := createCollection(ctx, tx, c); err != nil {
			return wrap("recreating collection "+c.Name, err)
		}
	}

	return wrap("committing clear", tx.Commit())
}
