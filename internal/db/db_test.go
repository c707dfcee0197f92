package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDB(t *testing.T) {
	path := t.TempDir() + "/test.db"
	database, err := New(path)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	defer database.Close()

	// Verify WAL mode is enabled
	var journalMode string
	err = database.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode=wal, got %s", journalMode)
	}
}

func setupTestDB(t *testing.T) (*DB, func()) {
	path := t.TempDir() + "/test.db"
	database, err := New(path)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	err = database.RunMigrations()
	if err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return database, func() { database.Close() }
}

func TestNotificationsCascadeWithDevice(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.Exec(`INSERT INTO push_devices (id, platform, form_factor, secret_hash) VALUES ('dev-1', 'android', 'phone', 'x')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO push_notifications (device_id, title, body) VALUES ('dev-1', 'hi', 'there')`)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM push_devices WHERE id = 'dev-1'`)
	require.NoError(t, err)

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM push_notifications`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestNotificationRequiresDevice(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.Exec(`INSERT INTO push_notifications (device_id, title, body) VALUES ('missing', 'hi', 'there')`)
	assert.Error(t, err)
}
