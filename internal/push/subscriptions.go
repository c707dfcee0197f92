package push

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SaveSubscription stores sub. Saving an existing subscription is a no-op.
// A device subscription requires the device to be registered.
func (s *Store) SaveSubscription(ctx context.Context, sub ChannelSubscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.DeviceID != "" {
		if _, err := s.Get(ctx, sub.DeviceID); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO push_channel_subscriptions (channel, device_id, client_id, created_at)
		VALUES (?, ?, ?, ?)
	`, sub.Channel, sub.DeviceID, sub.ClientID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// Subscriptions lists the subscriptions matching f, ordered by channel.
func (s *Store) Subscriptions(ctx context.Context, f SubscriptionFilter) ([]ChannelSubscription, error) {
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, device_id, client_id FROM push_channel_subscriptions`+where+`
		ORDER BY channel, device_id, client_id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	out := []ChannelSubscription{}
	for rows.Next() {
		var sub ChannelSubscription
		if err := rows.Scan(&sub.Channel, &sub.DeviceID, &sub.ClientID); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SubscribedChannels lists every channel with at least one subscription.
func (s *Store) SubscribedChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT channel FROM push_channel_subscriptions ORDER BY channel")
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// RemoveSubscriptions deletes the subscriptions matching f and returns how
// many were removed. An empty filter is rejected.
func (s *Store) RemoveSubscriptions(ctx context.Context, f SubscriptionFilter) (int64, error) {
	if f.empty() {
		return 0, ErrEmptyFilter
	}
	where, args := f.where()
	res, err := s.db.ExecContext(ctx, "DELETE FROM push_channel_subscriptions"+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SubscribedDevices returns the ids of registered devices that receive
// pushes on channel, directly or through their client id.
func (s *Store) SubscribedDevices(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM push_devices
		WHERE id IN (
			SELECT device_id FROM push_channel_subscriptions WHERE channel = ? AND device_id != ''
		) OR (client_id != '' AND client_id IN (
			SELECT client_id FROM push_channel_subscriptions WHERE channel = ? AND client_id != ''
		))
		ORDER BY id
	`, channel, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscribers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (f SubscriptionFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.ClientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
