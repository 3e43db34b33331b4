// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for wallets and the send journal.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// DBFileName is the SQLite database file inside the data directory.
const DBFileName = "ltcwallet.db"

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- One custodial wallet per user. Key material is written once on insert
	-- and never updated; only the cached ledger snapshot changes.
	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY,
		address TEXT NOT NULL UNIQUE,
		address_type TEXT NOT NULL DEFAULT 'p2pkh',
		secret_key TEXT NOT NULL,

		-- Cached ledger snapshot (decimal strings, LTC and fiat)
		balance_native TEXT NOT NULL DEFAULT '0',
		balance_fiat TEXT NOT NULL DEFAULT '0',
		history TEXT NOT NULL DEFAULT '[]',

		-- Timing
		created_at INTEGER NOT NULL,
		refreshed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_address ON wallets(address);

	-- Send journal: one row per send attempt, written when it reaches a
	-- terminal state. Never read back into the balance.
	CREATE TABLE IF NOT EXISTS sends (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		destination TEXT NOT NULL,

		amount_fiat TEXT NOT NULL,
		amount_native TEXT NOT NULL,
		fee TEXT NOT NULL,
		rate TEXT NOT NULL,

		state TEXT NOT NULL,
		txid TEXT,
		error_message TEXT,

		created_at INTEGER NOT NULL,
		completed_at INTEGER,

		FOREIGN KEY (user_id) REFERENCES wallets(user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sends_user ON sends(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_sends_state ON sends(state);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run migrations for existing databases
	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// These are ALTER TABLE statements that add columns to existing tables.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE wallets ADD COLUMN address_type TEXT NOT NULL DEFAULT 'p2pkh'",
		"ALTER TABLE sends ADD COLUMN rate TEXT NOT NULL DEFAULT '0'",
	}

	for _, migration := range migrations {
		// Ignore errors - column may already exist
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// SetSetting stores a key/value setting.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// GetSetting returns a setting value, or "" if unset.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// SettingNetwork records the network a data directory was created for.
const SettingNetwork = "network"

// ErrNetworkMismatch is returned when a data directory is reused for another network.
var ErrNetworkMismatch = errors.New("data directory belongs to another network")

// Settings is the key/value store shared by both backends.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// BindNetwork records network on first use and rejects a data directory
// that was created for a different one.
func BindNetwork(s Settings, network string) error {
	stored, err := s.GetSetting(SettingNetwork)
	if err != nil {
		return fmt.Errorf("failed to read network setting: %w", err)
	}
	if stored == "" {
		return s.SetSetting(SettingNetwork, network)
	}
	if stored != network {
		return fmt.Errorf("%w: created for %s, running %s", ErrNetworkMismatch, stored, network)
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
