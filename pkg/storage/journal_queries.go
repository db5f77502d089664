package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dougsko/hardplace/pkg/protocol"
)

// EventQuery represents query parameters for retrieving events
type EventQuery struct {
	Limit   int
	Offset  int
	AfterID int64
	Since   *time.Time
	Until   *time.Time
	Kind    string
	Source  string
}

// KindStats counts the events of one kind
type KindStats struct {
	Kind     string    `json:"kind"`
	Total    int       `json:"total"`
	LastSeen time.Time `json:"last_seen"`
}

// JournalStats summarizes the journal
type JournalStats struct {
	Stored      int         `json:"stored"`
	Kinds       []KindStats `json:"kinds"`
	LastCleanup time.Time   `json:"last_cleanup"`
}

// GetEvents retrieves events, newest first
func (j *Journal) GetEvents(query EventQuery) ([]protocol.Event, error) {
	var args []interface{}
	var conditions []string

	sqlQuery := `
		SELECT id, timestamp, kind, source, detail, frequency_hz, band, power
		FROM events
		WHERE 1=1
	`

	if query.AfterID > 0 {
		conditions = append(conditions, "id > ?")
		args = append(args, query.AfterID)
	}

	if query.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, query.Since)
	}

	if query.Until != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, query.Until)
	}

	if query.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, query.Kind)
	}

	if query.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, query.Source)
	}

	for _, condition := range conditions {
		sqlQuery += " AND " + condition
	}

	sqlQuery += " ORDER BY id DESC"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)

		if query.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := j.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var ev protocol.Event
		var hz int64
		err := rows.Scan(
			&ev.ID,
			&ev.Timestamp,
			&ev.Kind,
			&ev.Source,
			&ev.Detail,
			&hz,
			&ev.Band,
			&ev.Power,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.FrequencyHz = uint64(hz)
		events = append(events, ev)
	}

	return events, rows.Err()
}

// GetRecentEvents retrieves the most recent events
func (j *Journal) GetRecentEvents(limit int) ([]protocol.Event, error) {
	return j.GetEvents(EventQuery{Limit: limit})
}

// GetEventsAfter retrieves events newer than id
func (j *Journal) GetEventsAfter(id int64, limit int) ([]protocol.Event, error) {
	return j.GetEvents(EventQuery{AfterID: id, Limit: limit})
}

// GetEventsByKind retrieves events of one kind
func (j *Journal) GetEventsByKind(kind string, limit int) ([]protocol.Event, error) {
	return j.GetEvents(EventQuery{Kind: kind, Limit: limit})
}

// GetStats retrieves journal statistics
func (j *Journal) GetStats() (*JournalStats, error) {
	var stats JournalStats
	var lastCleanup sql.NullTime

	if err := j.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&stats.Stored); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	err := j.db.QueryRow("SELECT last_cleanup FROM journal_maintenance WHERE id = 1").Scan(&lastCleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to get journal stats: %w", err)
	}
	if lastCleanup.Valid {
		stats.LastCleanup = lastCleanup.Time
	}

	rows, err := j.db.Query("SELECT kind, total, last_seen FROM event_stats ORDER BY kind")
	if err != nil {
		return nil, fmt.Errorf("failed to query event stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k KindStats
		var lastSeen sql.NullTime
		if err := rows.Scan(&k.Kind, &k.Total, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan event stats: %w", err)
		}
		if lastSeen.Valid {
			k.LastSeen = lastSeen.Time
		}
		stats.Kinds = append(stats.Kinds, k)
	}

	return &stats, rows.Err()
}

// GetEventCount returns the number of stored events
func (j *Journal) GetEventCount() (int, error) {
	var count int
	err := j.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count)
	return count, err
}
