// Package chunkdb implements a world.Store backed by a LevelDB key-value
// database, suitable for worlds with many columns written at a steady rate.
package chunkdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/df-mc/goleveldb/leveldb"
	ldberrors "github.com/df-mc/goleveldb/leveldb/errors"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/stratum-world/stratum/server/world"
)

// settingsKey is the key the world settings blob is stored under. Column keys
// carry a trailing tag byte, so the plain string cannot collide with them.
var settingsKey = []byte("settings")

// keyColumn tags the keys that hold encoded column payloads.
const keyColumn = 'c'

// Config holds settings for opening a DB. The zero value is ready to use.
type Config struct {
	// Log is the logger used for recovery warnings. If nil, Log is set to
	// slog.Default().
	Log *slog.Logger
	// BlockSize is the size of the data blocks of the underlying database.
	// If 0, it defaults to 16KiB, which suits encoded column payloads better
	// than LevelDB's 4KiB default.
	BlockSize int
}

// DB is a world.Store backed by a LevelDB database on disk.
type DB struct {
	conf Config
	ldb  *leveldb.DB
}

var _ world.Store = (*DB)(nil)

// Open opens the database in the directory passed using default settings,
// creating it if it does not exist yet.
func Open(dir string) (*DB, error) {
	return Config{}.Open(dir)
}

// Open opens the database in the directory passed, creating it if it does
// not exist yet. A corrupted database is repaired in place before opening
// fails.
func (conf Config) Open(dir string) (*DB, error) {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.BlockSize == 0 {
		conf.BlockSize = 16 * opt.KiB
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, fmt.Errorf("open chunk db: %w", err)
	}
	o := &opt.Options{
		BlockSize:   conf.BlockSize,
		Compression: opt.FlateCompression,
	}
	ldb, err := leveldb.OpenFile(dir, o)
	if ldberrors.IsCorrupted(err) {
		conf.Log.Warn("chunk db corrupted, attempting recovery", "dir", dir, "error", err.Error())
		ldb, err = leveldb.RecoverFile(dir, o)
	}
	if err != nil {
		return nil, fmt.Errorf("open chunk db: %w", err)
	}
	return &DB{conf: conf, ldb: ldb}, nil
}

// ReadColumn reads the payload stored for a chunk position.
func (db *DB) ReadColumn(pos world.ChunkPos) ([]byte, error) {
	p, err := db.ldb.Get(columnKey(pos), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("read column %v: %w", pos, world.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read column %v: %w", pos, err)
	}
	return p, nil
}

// WriteColumn stores a payload for a chunk position, replacing any previous
// payload.
func (db *DB) WriteColumn(pos world.ChunkPos, payload []byte) error {
	if err := db.ldb.Put(columnKey(pos), payload, nil); err != nil {
		return fmt.Errorf("write column %v: %w", pos, err)
	}
	return nil
}

// ReadSettings reads the settings blob of the world.
func (db *DB) ReadSettings() ([]byte, error) {
	p, err := db.ldb.Get(settingsKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("read settings: %w", world.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return p, nil
}

// WriteSettings stores the settings blob of the world.
func (db *DB) WriteSettings(payload []byte) error {
	if err := db.ldb.Put(settingsKey, payload, nil); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Positions returns the positions of all columns stored in the database, in
// no particular order.
func (db *DB) Positions() ([]world.ChunkPos, error) {
	it := db.ldb.NewIterator(nil, nil)
	defer it.Release()
	var positions []world.ChunkPos
	for it.Next() {
		k := it.Key()
		if len(k) != 9 || k[8] != keyColumn {
			continue
		}
		positions = append(positions, world.ChunkPos{
			int32(binary.LittleEndian.Uint32(k)),
			int32(binary.LittleEndian.Uint32(k[4:])),
		})
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return positions, nil
}

// Close closes the underlying database. Pending writes are flushed to disk
// before Close returns.
func (db *DB) Close() error {
	return db.ldb.Close()
}

// columnKey builds the database key of a column: the two little-endian
// coordinates followed by the column tag.
func columnKey(pos world.ChunkPos) []byte {
	k := make([]byte, 9)
	binary.LittleEndian.PutUint32(k, uint32(pos[0]))
	binary.LittleEndian.PutUint32(k[4:], uint32(pos[1]))
	k[8] = keyColumn
	return k
}
