package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dougsko/hardplace/pkg/logging"
)

// RecordType identifies one persisted settings record
type RecordType uint8

const (
	RecordMaster RecordType = iota
	RecordTeensy
	RecordHardrockA
	RecordHardrockB
	RecordBluetooth
)

// String returns the record name used in logs
func (t RecordType) String() string {
	switch t {
	case RecordMaster:
		return "master"
	case RecordTeensy:
		return "policy"
	case RecordHardrockA:
		return "hardrock-a"
	case RecordHardrockB:
		return "hardrock-b"
	case RecordBluetooth:
		return "bluetooth"
	default:
		return fmt.Sprintf("record-%d", uint8(t))
	}
}

// Store keeps settings records and the USB amplifier map in SQLite
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewStore opens or creates the database at dbPath
func NewStore(dbPath string) (*Store, error) {
	store := &Store{dbPath: dbPath}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize settings store: %w", err)
	}

	return store, nil
}

// initialize sets up the database connection and creates tables
func (s *Store) initialize() error {
	if s.dbPath == "" {
		s.dbPath = "./hardplace.db"
	}

	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	connectionString := s.dbPath + "?_busy_timeout=10000&_journal_mode=WAL"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if err := s.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	logging.Infof("storage", "settings store initialized: %s", s.dbPath)
	return nil
}

// createTables creates the database schema
func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		record_type INTEGER PRIMARY KEY,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS usb_bindings (
		slot INTEGER PRIMARY KEY,
		binding TEXT NOT NULL DEFAULT '',
		vendor INTEGER NOT NULL DEFAULT 0,
		product INTEGER NOT NULL DEFAULT 0,
		serial TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		baud_rate INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO records (record_type, version, data) VALUES (0, 1, x'');
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) load(t RecordType) (data []byte, version uint8, ok bool, err error) {
	row := s.db.QueryRow(
		"SELECT data, version FROM records WHERE record_type = ? AND deleted = FALSE", uint8(t))
	if err := row.Scan(&data, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("failed to load %s record: %w", t, err)
	}
	return data, version, true, nil
}

func (s *Store) save(t RecordType, version uint8, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO records (record_type, version, data, deleted)
		VALUES (?, ?, ?, FALSE)
		ON CONFLICT(record_type) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			deleted = FALSE,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.Exec(query, uint8(t), version, data); err != nil {
		return fmt.Errorf("failed to save %s record: %w", t, err)
	}
	return nil
}

func (s *Store) markDeleted(t RecordType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("UPDATE records SET deleted = TRUE WHERE record_type = ?", uint8(t)); err != nil {
		return fmt.Errorf("failed to delete %s record: %w", t, err)
	}
	return nil
}

// Clear erases every record and the USB map, leaving only the master record
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM records WHERE record_type != 0"); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM usb_bindings"); err != nil {
		return fmt.Errorf("failed to clear USB bindings: %w", err)
	}
	return tx.Commit()
}

// Compact drops deleted records and reclaims space. It reports whether
// anything was removed.
func (s *Store) Compact() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM records WHERE deleted = TRUE")
	if err != nil {
		return false, fmt.Errorf("failed to compact records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count compacted records: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return true, fmt.Errorf("failed to vacuum database: %w", err)
	}
	return true, nil
}

// Path returns the database file
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
