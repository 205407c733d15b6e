// Package sqlstore implements a world.Store backed by a single SQLite
// database file. The driver is pure Go, so opening a store needs no C
// toolchain, which makes it the easiest backend to embed.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/stratum-world/stratum/server/world"
)

// Store is a world.Store persisting columns and settings in SQLite.
type Store struct {
	db *sql.DB
}

var _ world.Store = (*Store)(nil)

// Open opens the database file at the path passed, creating it and its
// parent directory if they do not exist yet.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, fmt.Errorf("open sql store: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	// The driver serialises statements per connection. A single connection
	// sidesteps table locking errors between the pipeline workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the steady column writes of interval saves and unloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS columns (
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (x, z)
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			payload BLOB NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// ReadColumn reads the payload stored for a chunk position.
func (s *Store) ReadColumn(pos world.ChunkPos) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM columns WHERE x = ? AND z = ?", pos[0], pos[1]).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read column %v: %w", pos, world.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read column %v: %w", pos, err)
	}
	return payload, nil
}

// WriteColumn stores a payload for a chunk position, replacing any previous
// payload.
func (s *Store) WriteColumn(pos world.ChunkPos, payload []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO columns (x, z, payload) VALUES (?, ?, ?) ON CONFLICT (x, z) DO UPDATE SET payload = excluded.payload",
		pos[0], pos[1], payload,
	)
	if err != nil {
		return fmt.Errorf("write column %v: %w", pos, err)
	}
	return nil
}

// ReadSettings reads the settings blob of the world.
func (s *Store) ReadSettings() ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM settings WHERE id = 0").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read settings: %w", world.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return payload, nil
}

// WriteSettings stores the settings blob of the world.
func (s *Store) WriteSettings(payload []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO settings (id, payload) VALUES (0, ?) ON CONFLICT (id) DO UPDATE SET payload = excluded.payload",
		payload,
	)
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Positions returns the positions of all columns stored in the database, in
// no particular order.
func (s *Store) Positions() ([]world.ChunkPos, error) {
	rows, err := s.db.Query("SELECT x, z FROM columns")
	if err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	defer rows.Close()
	var positions []world.ChunkPos
	for rows.Next() {
		var x, z int32
		if err := rows.Scan(&x, &z); err != nil {
			return nil, fmt.Errorf("iterate columns: %w", err)
		}
		positions = append(positions, world.ChunkPos{x, z})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return positions, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
