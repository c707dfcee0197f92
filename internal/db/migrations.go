package db

import "fmt"

const pushSchema = `
CREATE TABLE IF NOT EXISTS push_devices (
    id              TEXT PRIMARY KEY,
    client_id       TEXT NOT NULL DEFAULT '',
    platform        TEXT NOT NULL,
    form_factor     TEXT NOT NULL,
    default_token   TEXT NOT NULL DEFAULT '',
    location_token  TEXT NOT NULL DEFAULT '',
    secret_hash     TEXT NOT NULL,
    created_at      TEXT DEFAULT (datetime('now')),
    updated_at      TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_push_devices_client_id ON push_devices(client_id);

CREATE TABLE IF NOT EXISTS push_notifications (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id   TEXT NOT NULL REFERENCES push_devices(id) ON DELETE CASCADE,
    title       TEXT NOT NULL,
    body        TEXT NOT NULL,
    created_at  TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_push_notifications_device_id ON push_notifications(device_id);

-- Exactly one of device_id and client_id is non-empty.
CREATE TABLE IF NOT EXISTS push_channel_subscriptions (
    channel     TEXT NOT NULL,
    device_id   TEXT NOT NULL DEFAULT '',
    client_id   TEXT NOT NULL DEFAULT '',
    created_at  TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (channel, device_id, client_id),
    CHECK ((device_id = '') <> (client_id = ''))
);

CREATE INDEX IF NOT EXISTS idx_push_channel_subscriptions_device_id ON push_channel_subscriptions(device_id);
CREATE INDEX IF NOT EXISTS idx_push_channel_subscriptions_client_id ON push_channel_subscriptions(client_id);
`

func (db *DB) RunMigrations() error {
	if _, err := db.Exec(pushSchema); err != nil {
		return fmt.Errorf("failed to run push migrations: %w", err)
	}
	return nil
}
