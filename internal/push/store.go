package push

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/markb/sbrealtime/internal/db"
)

// Store persists device registrations and sent notifications.
type Store struct {
	db *db.DB
}

// NewStore creates a store on database. Migrations must have been run.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Register creates the device or, when it already exists, replaces its
// details. Replacing requires the secret the device was created with.
func (s *Store) Register(ctx context.Context, d *DeviceDetails, secret string) (*DeviceDetails, error) {
	err := s.Verify(ctx, d.ID, secret)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash device secret: %w", err)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO push_devices (id, client_id, platform, form_factor, default_token, location_token, secret_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.ClientID, d.Platform, d.FormFactor, d.Tokens.Default, d.Tokens.Location, string(hash), now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to register device: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		now := time.Now().UTC().Format(time.RFC3339)
		_, err = s.db.ExecContext(ctx, `
			UPDATE push_devices
			SET client_id = ?, platform = ?, form_factor = ?, default_token = ?, location_token = ?, updated_at = ?
			WHERE id = ?
		`, d.ClientID, d.Platform, d.FormFactor, d.Tokens.Default, d.Tokens.Location, now, d.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update device: %w", err)
		}
	}
	return s.Get(ctx, d.ID)
}

// Get returns a device by id.
func (s *Store) Get(ctx context.Context, id string) (*DeviceDetails, error) {
	var d DeviceDetails
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, platform, form_factor, default_token, location_token, created_at, updated_at
		FROM push_devices WHERE id = ?
	`, id).Scan(&d.ID, &d.ClientID, &d.Platform, &d.FormFactor, &d.Tokens.Default, &d.Tokens.Location, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &d, nil
}

// Verify checks secret against the device's stored hash.
func (s *Store) Verify(ctx context.Context, id, secret string) error {
	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT secret_hash FROM push_devices WHERE id = ?", id).Scan(&hash)
	if err == sql.ErrNoRows {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return ErrInvalidSecret
	}
	return nil
}

// Delete removes a device with its notifications and channel
// subscriptions.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM push_devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM push_channel_subscriptions WHERE device_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete device subscriptions: %w", err)
	}
	return tx.Commit()
}

// RecordNotification stores a notification sent to a device.
func (s *Store) RecordNotification(ctx context.Context, deviceID, title, body string) (*Notification, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO push_notifications (device_id, title, body, created_at) VALUES (?, ?, ?, ?)
	`, deviceID, title, body, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to record notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to record notification: %w", err)
	}
	return &Notification{
		ID:        id,
		DeviceID:  deviceID,
		Title:     title,
		Body:      body,
		CreatedAt: now.Truncate(time.Second),
	}, nil
}

// Notifications lists the notifications sent to a device, oldest first.
func (s *Store) Notifications(ctx context.Context, deviceID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, title, body, created_at
		FROM push_notifications WHERE device_id = ? ORDER BY id
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var n Notification
		var createdAt string
		if err := rows.Scan(&n.ID, &n.DeviceID, &n.Title, &n.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}
