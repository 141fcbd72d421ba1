package datastore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the snapshot in a SQLite table. The table is rewritten in
// a single transaction on every Save.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version: 1,
			statements: []string{`
			CREATE TABLE IF NOT EXISTS credentials (
				username      TEXT NOT NULL PRIMARY KEY CHECK(length(username) > 0),
				password_hash TEXT NOT NULL
			)`},
		},
		{
			// Distinguishes "never saved" from "saved an empty table".
			version: 2,
			statements: []string{
				"CREATE TABLE IF NOT EXISTS snapshot_meta (saved INTEGER NOT NULL DEFAULT 0)",
				"INSERT INTO snapshot_meta (saved) SELECT CASE WHEN EXISTS (SELECT 1 FROM credentials) THEN 1 ELSE 0 END",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

// Load returns every stored credential.
func (s *SQLiteStore) Load() (map[string]string, error) {
	ctx := context.Background()

	var saved int
	if err := s.db.QueryRowContext(ctx, "SELECT saved FROM snapshot_meta LIMIT 1").Scan(&saved); err != nil {
		return nil, fmt.Errorf("datastore: read snapshot meta: %w", err)
	}
	if saved == 0 {
		return nil, ErrNoSnapshot
	}

	rows, err := s.db.QueryContext(ctx, "SELECT username, password_hash FROM credentials ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("datastore: list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := map[string]string{}
	for rows.Next() {
		var username, hash string
		if err := rows.Scan(&username, &hash); err != nil {
			return nil, fmt.Errorf("datastore: scan credential: %w", err)
		}
		users[username] = hash
	}
	return users, rows.Err()
}

// Save replaces the credentials table contents in one transaction.
func (s *SQLiteStore) Save(users map[string]string) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after Commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM credentials"); err != nil {
		return fmt.Errorf("datastore: clear credentials: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO credentials (username, password_hash) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("datastore: prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for username, hash := range users {
		if _, err := stmt.ExecContext(ctx, username, hash); err != nil {
			return fmt.Errorf("datastore: insert credential %q: %w", username, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE snapshot_meta SET saved = 1"); err != nil {
		return fmt.Errorf("datastore: update snapshot meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}
