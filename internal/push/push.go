// Package push registers devices for push notifications and delivers
// admin-originated notifications to them over realtime.
package push

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotActivated   = errors.New("push: device not activated")
	ErrDeviceNotFound = errors.New("push: device not found")
	ErrInvalidSecret  = errors.New("push: invalid device secret")
	ErrNoClientID     = errors.New("push: device has no client id")

	ErrInvalidSubscription = errors.New("push: subscription needs a channel and exactly one of deviceId and clientId")
	ErrEmptyFilter         = errors.New("push: filter needs at least one of channel, deviceId and clientId")
)

// Topic is the realtime topic notifications for a device are published on.
func Topic(deviceID string) string {
	return "push:" + deviceID
}

// EventNotification names the realtime event carrying a Notification.
const EventNotification = "notification"

// Tokens are the recipient tokens a device registers with.
type Tokens struct {
	Default  string `json:"default"`
	Location string `json:"location,omitempty"`
}

// DeviceDetails describes a registered device.
type DeviceDetails struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"clientId,omitempty"`
	Platform   string    `json:"platform"`
	FormFactor string    `json:"formFactor"`
	Tokens     Tokens    `json:"tokens"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Notification is a push sent to one device.
type Notification struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelSubscription routes pushes published on Channel to one device, or
// to every device registered with a client id.
type ChannelSubscription struct {
	Channel  string `json:"channel"`
	DeviceID string `json:"deviceId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// Validate checks the subscription names a channel and exactly one target.
func (s ChannelSubscription) Validate() error {
	if s.Channel == "" || (s.DeviceID == "") == (s.ClientID == "") {
		return ErrInvalidSubscription
	}
	return nil
}

// SubscriptionFilter selects channel subscriptions. Empty fields match
// anything.
type SubscriptionFilter struct {
	Channel  string
	DeviceID string
	ClientID string
}

func (f SubscriptionFilter) empty() bool {
	return f.Channel == "" && f.DeviceID == "" && f.ClientID == ""
}

// Provider is the device-side push API. It is independent of channel
// lifecycle.
type Provider interface {
	Activate(ctx context.Context) (Tokens, error)
	Deactivate(ctx context.Context) error
	DeviceDetails(ctx context.Context) (*DeviceDetails, error)
	SendAdminPush(ctx context.Context, title, body string) error
}

// Error is the JSON error body returned by the push API.
type Error struct {
	StatusCode int    `json:"statusCode"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is lets API errors match the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDeviceNotFound:
		return e.ErrorCode == "not_found"
	case ErrInvalidSecret:
		return e.ErrorCode == "invalid_secret"
	case ErrInvalidSubscription:
		return e.ErrorCode == "invalid_subscription"
	case ErrEmptyFilter:
		return e.ErrorCode == "empty_filter"
	}
	return false
}
