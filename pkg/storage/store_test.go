package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "hardplace-storage-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := NewStore(filepath.Join(tempDir, "settings.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewStore(t *testing.T) {
	t.Run("Nested Directory", func(t *testing.T) {
		tempDir := t.TempDir()
		dbPath := filepath.Join(tempDir, "nested", "dir", "settings.db")
		store, err := NewStore(dbPath)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		defer store.Close()

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("Expected database file to be created")
		}
	})

	t.Run("Invalid Directory Path", func(t *testing.T) {
		tempDir := t.TempDir()
		blocker := filepath.Join(tempDir, "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0644))
		_, err := NewStore(filepath.Join(blocker, "settings.db"))
		if err == nil {
			t.Error("Expected error for invalid directory path, got nil")
		}
	})
}

func TestRecord(t *testing.T) {
	store := setupTestStore(t)

	t.Run("New Record", func(t *testing.T) {
		r, err := store.Open(RecordHardrockA, 1)
		require.NoError(t, err)
		assert.False(t, r.HaveRecord())

		var baud uint32 = 4800
		r.Get(&baud)
		assert.Equal(t, uint32(4800), baud, "missing data leaves the value alone")
		assert.Error(t, r.Err())
	})

	t.Run("Round Trip", func(t *testing.T) {
		r, err := store.Open(RecordTeensy, 1)
		require.NoError(t, err)

		r.Rewind()
		r.Put(true)
		r.Put([11]uint8{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11})
		r.Put(uint32(57600))
		r.PutString("30,31,7D341D93AA", 14)
		require.NoError(t, r.Flush())

		loaded, err := store.Open(RecordTeensy, 1)
		require.NoError(t, err)
		require.True(t, loaded.HaveRecord())

		var debug bool
		var table [11]uint8
		var baud uint32
		loaded.Get(&debug)
		loaded.Get(&table)
		loaded.Get(&baud)
		addr := loaded.GetString(14)
		require.NoError(t, loaded.Err())

		assert.True(t, debug)
		assert.Equal(t, uint8(8), table[7])
		assert.Equal(t, uint32(57600), baud)
		assert.Equal(t, "30,31,7D341D93", addr)
	})

	t.Run("Rewrite In Place", func(t *testing.T) {
		r, err := store.Open(RecordHardrockB, 1)
		require.NoError(t, err)
		r.Put(uint32(19200))
		require.NoError(t, r.Flush())

		r.Rewind()
		r.Put(uint32(38400))
		require.NoError(t, r.Flush())
		assert.Equal(t, 4, r.Len())

		loaded, err := store.Open(RecordHardrockB, 1)
		require.NoError(t, err)
		var baud uint32
		loaded.Get(&baud)
		assert.Equal(t, uint32(38400), baud)
	})

	t.Run("Delete And Compact", func(t *testing.T) {
		r, err := store.Open(RecordBluetooth, 1)
		require.NoError(t, err)
		r.PutString("98D3,31,F5B2C1", 14)
		require.NoError(t, r.Flush())
		require.NoError(t, r.Delete())

		loaded, err := store.Open(RecordBluetooth, 1)
		require.NoError(t, err)
		assert.False(t, loaded.HaveRecord())

		compacted, err := store.Compact()
		require.NoError(t, err)
		assert.True(t, compacted)

		compacted, err = store.Compact()
		require.NoError(t, err)
		assert.False(t, compacted)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, store.Clear())
		for _, kind := range []RecordType{RecordTeensy, RecordHardrockA, RecordHardrockB, RecordBluetooth} {
			r, err := store.Open(kind, 1)
			require.NoError(t, err)
			assert.False(t, r.HaveRecord(), kind.String())
		}
	})
}

func TestUSBMap(t *testing.T) {
	store := setupTestStore(t)
	m, err := store.LoadUSBMap()
	require.NoError(t, err)

	t.Run("Bind And Lookup", func(t *testing.T) {
		require.NoError(t, m.Bind(BindingA, 0x0403, 0x6015, "DK0ABCDEFG", "Hardrock-500"))
		assert.Equal(t, BindingA, m.Binding(0x0403, 0x6015, "DK0ABCDE", "Hardrock-500"))
		assert.Equal(t, Unbound, m.Binding(0x0403, 0x6015, "OTHER", "Hardrock-500"))
	})

	t.Run("Rebind In Place", func(t *testing.T) {
		require.NoError(t, m.Bind(BindingB, 0x0403, 0x6015, "DK0ABCDE", "Hardrock-500"))
		entries := m.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, BindingB, entries[0].Binding)
	})

	t.Run("Baud Rate", func(t *testing.T) {
		assert.Equal(t, DefaultUSBBaudRate, m.BaudRate(0x0403, 0x6015, "DK0ABCDE"))
		require.NoError(t, m.SetBaudRate(0x0403, 0x6015, "DK0ABCDE", 115200))
		assert.Equal(t, 115200, m.BaudRate(0x0403, 0x6015, "DK0ABCDE"))
	})

	t.Run("Persisted", func(t *testing.T) {
		reloaded, err := store.LoadUSBMap()
		require.NoError(t, err)
		assert.Equal(t, m.Entries(), reloaded.Entries())
	})

	t.Run("Full Map", func(t *testing.T) {
		for _, serial := range []string{"S1", "S2", "S3", "S4"} {
			require.NoError(t, m.Bind(BindingA, 0x0403, 0x6015, serial, "Hardrock-50+"))
		}
		assert.Equal(t, Unbound, m.Binding(0x0403, 0x6015, "S4", "Hardrock-50+"))
	})

	t.Run("Erase", func(t *testing.T) {
		require.NoError(t, m.Erase())
		reloaded, err := store.LoadUSBMap()
		require.NoError(t, err)
		assert.Empty(t, m.Entries())
		assert.Empty(t, reloaded.Entries())
	})
}
