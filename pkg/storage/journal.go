package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/protocol"
)

// DefaultMaxEvents bounds the journal when no limit is configured
const DefaultMaxEvents = 5000

// Journal keeps bridge events (band changes, power clamps, tune cycles,
// amplifier and Bluetooth state) in the settings database
type Journal struct {
	db        *sql.DB
	maxEvents int
}

// Journal returns the event journal sharing this store's database
func (s *Store) Journal(maxEvents int) (*Journal, error) {
	if maxEvents == 0 {
		maxEvents = DefaultMaxEvents
	}
	j := &Journal{db: s.db, maxEvents: maxEvents}
	if err := j.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create journal tables: %w", err)
	}
	if err := j.createIndexes(); err != nil {
		return nil, err
	}
	logging.Debugf("storage", "event journal ready (max %d events)", maxEvents)
	return j, nil
}

// createTables creates the journal schema
func (j *Journal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		kind TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		frequency_hz INTEGER NOT NULL DEFAULT 0,
		band TEXT NOT NULL DEFAULT '',
		power INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS event_stats (
		kind TEXT PRIMARY KEY,
		total INTEGER NOT NULL DEFAULT 0,
		last_seen DATETIME
	);

	CREATE TABLE IF NOT EXISTS journal_maintenance (
		id INTEGER PRIMARY KEY,
		last_cleanup DATETIME
	);

	INSERT OR IGNORE INTO journal_maintenance (id) VALUES (1);
	`

	_, err := j.db.Exec(schema)
	return err
}

// createIndexes creates database indexes for performance
func (j *Journal) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)",
		"CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)",
	}

	for _, indexSQL := range indexes {
		if _, err := j.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// Record appends ev and returns its id. A zero timestamp is set to now.
func (j *Journal) Record(ev protocol.Event) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	tx, err := j.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO events (
			timestamp, kind, source, detail, frequency_hz, band, power
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := tx.Exec(query,
		ev.Timestamp, ev.Kind, ev.Source, ev.Detail,
		int64(ev.FrequencyHz), ev.Band, ev.Power,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get event ID: %w", err)
	}

	if err := j.updateStats(tx, ev.Kind, ev.Timestamp); err != nil {
		return 0, fmt.Errorf("failed to update stats: %w", err)
	}

	if err := j.cleanup(tx); err != nil {
		logging.Warnf("storage", "failed to trim event journal: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	return id, nil
}

// updateStats counts events per kind
func (j *Journal) updateStats(tx *sql.Tx, kind string, at time.Time) error {
	query := `
		INSERT INTO event_stats (kind, total, last_seen) VALUES (?, 1, ?)
		ON CONFLICT(kind) DO UPDATE SET
			total = total + 1,
			last_seen = excluded.last_seen
	`

	_, err := tx.Exec(query, kind, at)
	return err
}

// Cleanup removes events beyond the maximum
func (j *Journal) Cleanup() error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := j.cleanup(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (j *Journal) cleanup(tx *sql.Tx) error {
	if j.maxEvents <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		return err
	}
	if count <= j.maxEvents {
		return nil
	}

	query := `
		DELETE FROM events
		WHERE id IN (
			SELECT id FROM events
			ORDER BY id ASC
			LIMIT ?
		)
	`
	if _, err := tx.Exec(query, count-j.maxEvents); err != nil {
		return err
	}

	_, err := tx.Exec("UPDATE journal_maintenance SET last_cleanup = CURRENT_TIMESTAMP WHERE id = 1")
	return err
}

// Purge deletes every event and the per-kind counters
func (j *Journal) Purge() error {
	if _, err := j.db.Exec("DELETE FROM events; DELETE FROM event_stats;"); err != nil {
		return fmt.Errorf("failed to purge events: %w", err)
	}
	return nil
}
