package syncengine

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SqliteStorage is a Storage backend over a single kv table. Mobile local
// stores are sqlite-backed, so this is the default durable backend on device.
// Uses modernc.org/sqlite (pure Go, no CGO).
type SqliteStorage struct {
	db *sql.DB
}

func OpenSqliteStorage(dataDir string) (*SqliteStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "syncengine.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite does not support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	return &SqliteStorage{
		db: db,
	}, nil
}

func (self *SqliteStorage) Get(key string) ([]byte, error) {
	var value []byte
	err := self.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (self *SqliteStorage) Set(key string, value []byte) error {
	_, err := self.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key,
		value,
	)
	return err
}

func (self *SqliteStorage) Delete(key string) error {
	_, err := self.db.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}

func (self *SqliteStorage) Close() error {
	return self.db.Close()
}
