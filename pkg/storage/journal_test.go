package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/dougsko/hardplace/pkg/protocol"
)

func setupTestJournal(t *testing.T, maxEvents int) *Journal {
	t.Helper()
	store := setupTestStore(t)
	journal, err := store.Journal(maxEvents)
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	return journal
}

func TestJournalRecord(t *testing.T) {
	journal := setupTestJournal(t, 100)

	testTime := time.Now().Truncate(time.Second)
	band := protocol.Event{
		Timestamp:   testTime,
		Kind:        protocol.EventBand,
		Source:      "policy",
		Detail:      "40M",
		FrequencyHz: 7074000,
		Band:        "40M",
	}

	t.Run("Record Band Change", func(t *testing.T) {
		id, err := journal.Record(band)
		if err != nil {
			t.Fatalf("Failed to record event: %v", err)
		}
		if id != 1 {
			t.Errorf("Expected id 1, got %d", id)
		}

		events, err := journal.GetRecentEvents(10)
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(events))
		}

		stored := events[0]
		if stored.Kind != protocol.EventBand {
			t.Errorf("Expected kind band, got %s", stored.Kind)
		}
		if stored.FrequencyHz != 7074000 {
			t.Errorf("Expected frequency 7074000, got %d", stored.FrequencyHz)
		}
		if stored.Band != "40M" {
			t.Errorf("Expected band 40M, got %s", stored.Band)
		}
		if !stored.Timestamp.Equal(testTime) {
			t.Errorf("Expected timestamp %v, got %v", testTime, stored.Timestamp)
		}
	})

	t.Run("Zero Timestamp Set", func(t *testing.T) {
		before := time.Now().Add(-time.Second)
		id, err := journal.Record(protocol.Event{Kind: protocol.EventTune, Source: "tuner", Detail: "complete"})
		if err != nil {
			t.Fatalf("Failed to record event: %v", err)
		}

		events, err := journal.GetEventsAfter(id-1, 0)
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(events))
		}
		if events[0].Timestamp.Before(before) {
			t.Errorf("Expected a current timestamp, got %v", events[0].Timestamp)
		}
	})

	t.Run("Stats Per Kind", func(t *testing.T) {
		if _, err := journal.Record(protocol.Event{Kind: protocol.EventBand, Source: "policy"}); err != nil {
			t.Fatalf("Failed to record event: %v", err)
		}

		stats, err := journal.GetStats()
		if err != nil {
			t.Fatalf("Failed to get stats: %v", err)
		}
		if stats.Stored != 3 {
			t.Errorf("Expected 3 stored events, got %d", stats.Stored)
		}
		totals := make(map[string]int)
		for _, k := range stats.Kinds {
			totals[k.Kind] = k.Total
		}
		if totals[protocol.EventBand] != 2 || totals[protocol.EventTune] != 1 {
			t.Errorf("Unexpected per kind totals %v", totals)
		}
	})
}

func TestJournalQueries(t *testing.T) {
	journal := setupTestJournal(t, 100)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	kinds := []string{
		protocol.EventBand, protocol.EventPower, protocol.EventClamp,
		protocol.EventBand, protocol.EventAmplifier, protocol.EventBluetooth,
	}
	for i, kind := range kinds {
		ev := protocol.Event{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Kind:      kind,
			Source:    "test",
			Detail:    fmt.Sprintf("event %d", i+1),
		}
		if _, err := journal.Record(ev); err != nil {
			t.Fatalf("Failed to record event %d: %v", i+1, err)
		}
	}

	t.Run("Newest First", func(t *testing.T) {
		events, err := journal.GetRecentEvents(2)
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("Expected 2 events, got %d", len(events))
		}
		if events[0].Detail != "event 6" || events[1].Detail != "event 5" {
			t.Errorf("Expected events 6 and 5, got %s and %s", events[0].Detail, events[1].Detail)
		}
	})

	t.Run("By Kind", func(t *testing.T) {
		events, err := journal.GetEventsByKind(protocol.EventBand, 0)
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("Expected 2 band events, got %d", len(events))
		}
	})

	t.Run("After ID", func(t *testing.T) {
		events, err := journal.GetEventsAfter(4, 0)
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("Expected 2 events after id 4, got %d", len(events))
		}
	})

	t.Run("Time Window", func(t *testing.T) {
		since := base.Add(90 * time.Second)
		until := base.Add(4 * time.Minute)
		events, err := journal.GetEvents(EventQuery{Since: &since, Until: &until})
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 3 {
			t.Errorf("Expected 3 events in window, got %d", len(events))
		}
	})

	t.Run("Offset", func(t *testing.T) {
		events, err := journal.GetEvents(EventQuery{Limit: 2, Offset: 4})
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		if len(events) != 2 || events[1].Detail != "event 1" {
			t.Errorf("Expected the two oldest events, got %v", events)
		}
	})
}

func TestJournalCleanup(t *testing.T) {
	journal := setupTestJournal(t, 3)

	for i := 0; i < 5; i++ {
		ev := protocol.Event{Kind: protocol.EventPower, Source: "policy", Power: i}
		if _, err := journal.Record(ev); err != nil {
			t.Fatalf("Failed to record event %d: %v", i+1, err)
		}
	}

	t.Run("Automatic Cleanup During Record", func(t *testing.T) {
		count, err := journal.GetEventCount()
		if err != nil {
			t.Fatalf("Failed to count events: %v", err)
		}
		if count != 3 {
			t.Errorf("Expected 3 events after cleanup, got %d", count)
		}

		events, err := journal.GetRecentEvents(10)
		if err != nil {
			t.Fatalf("Failed to get events: %v", err)
		}
		for i, want := range []int{4, 3, 2} {
			if events[i].Power != want {
				t.Errorf("Expected power %d at %d, got %d", want, i, events[i].Power)
			}
		}

		stats, err := journal.GetStats()
		if err != nil {
			t.Fatalf("Failed to get stats: %v", err)
		}
		if stats.LastCleanup.IsZero() {
			t.Error("Expected cleanup time to be recorded")
		}
	})

	t.Run("Purge", func(t *testing.T) {
		if err := journal.Purge(); err != nil {
			t.Fatalf("Failed to purge: %v", err)
		}
		count, err := journal.GetEventCount()
		if err != nil {
			t.Fatalf("Failed to count events: %v", err)
		}
		if count != 0 {
			t.Errorf("Expected empty journal, got %d", count)
		}
	})
}
