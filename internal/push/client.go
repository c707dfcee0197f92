package push

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/log"
)

// BasePath is where the push API is mounted.
const BasePath = "/push/v1"

// ActivationState is the device's registration state.
type ActivationState int

const (
	NotActivated ActivationState = iota
	Activated
)

func (s ActivationState) String() string {
	if s == Activated {
		return "activated"
	}
	return "not_activated"
}

// TokenSource obtains recipient tokens for this device.
type TokenSource func(ctx context.Context) (Tokens, error)

// RandomTokens issues a random default token. It stands in for a platform
// token exchange.
func RandomTokens(ctx context.Context) (Tokens, error) {
	return Tokens{Default: randomHex(16)}, nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint   string // base URL of the service
	Key        string
	ClientID   string
	Platform   string
	FormFactor string
	Tokens     TokenSource
	HTTPClient *http.Client
}

// Client is a Provider backed by the push HTTP API.
type Client struct {
	cfg ClientConfig

	mu     sync.Mutex
	state  ActivationState
	device *DeviceDetails
	secret string
}

var _ Provider = (*Client)(nil)

// NewClient creates a client in the NotActivated state.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Platform == "" {
		cfg.Platform = "browser"
	}
	if cfg.FormFactor == "" {
		cfg.FormFactor = "desktop"
	}
	if cfg.Tokens == nil {
		cfg.Tokens = RandomTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg}
}

// State returns the activation state.
func (c *Client) State() ActivationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeviceID returns the registered device id, or "" when not activated.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return ""
	}
	return c.device.ID
}

// Activate registers this device and returns its tokens. Activating an
// activated device returns the existing tokens.
func (c *Client) Activate(ctx context.Context) (Tokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Activated {
		return c.device.Tokens, nil
	}

	tokens, err := c.cfg.Tokens(ctx)
	if err != nil {
		return Tokens{}, fmt.Errorf("push: failed to obtain tokens: %w", err)
	}
	req := RegisterRequest{
		DeviceDetails: DeviceDetails{
			ID:         uuid.NewString(),
			ClientID:   c.cfg.ClientID,
			Platform:   c.cfg.Platform,
			FormFactor: c.cfg.FormFactor,
			Tokens:     tokens,
		},
		Secret: randomHex(32),
	}

	var d DeviceDetails
	if err := c.do(ctx, http.MethodPost, "/deviceRegistrations", nil, req, &d); err != nil {
		return Tokens{}, err
	}
	c.device = &d
	c.secret = req.Secret
	c.state = Activated
	log.Debug("push: activated", "device_id", d.ID)
	return d.Tokens, nil
}

// Identity returns the device id and secret of an activated device, for
// saving across processes.
func (c *Client) Identity() (id, secret string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Activated {
		return "", "", ErrNotActivated
	}
	return c.device.ID, c.secret, nil
}

// Restore activates the client with a saved identity after checking it
// against the service.
func (c *Client) Restore(ctx context.Context, id, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var d DeviceDetails
	if err := c.do(ctx, http.MethodGet, "/deviceRegistrations/"+url.PathEscape(id), &deviceCreds{id, secret}, nil, &d); err != nil {
		return err
	}
	c.device = &d
	c.secret = secret
	c.state = Activated
	return nil
}

// Deactivate deregisters this device.
func (c *Client) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Activated {
		return ErrNotActivated
	}
	if err := c.do(ctx, http.MethodDelete, "/deviceRegistrations/"+url.PathEscape(c.device.ID), c.credsLocked(), nil, nil); err != nil {
		return err
	}
	log.Debug("push: deactivated", "device_id", c.device.ID)
	c.device = nil
	c.secret = ""
	c.state = NotActivated
	return nil
}

// DeviceDetails fetches this device's registration.
func (c *Client) DeviceDetails(ctx context.Context) (*DeviceDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Activated {
		return nil, ErrNotActivated
	}
	var d DeviceDetails
	if err := c.do(ctx, http.MethodGet, "/deviceRegistrations/"+url.PathEscape(c.device.ID), c.credsLocked(), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Notifications lists the notifications sent to this device.
func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Activated {
		return nil, ErrNotActivated
	}
	var ns []Notification
	if err := c.do(ctx, http.MethodGet, "/deviceRegistrations/"+url.PathEscape(c.device.ID)+"/notifications", c.credsLocked(), nil, &ns); err != nil {
		return nil, err
	}
	return ns, nil
}

// SendAdminPush sends a notification to this device. The client's key must
// carry the service role.
func (c *Client) SendAdminPush(ctx context.Context, title, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Activated {
		return ErrNotActivated
	}
	req := PublishRequest{DeviceID: c.device.ID, Title: title, Body: body}
	return c.do(ctx, http.MethodPost, "/publish", nil, req, nil)
}

// SubscribeDevice subscribes this device to pushes published on channel.
func (c *Client) SubscribeDevice(ctx context.Context, channel string) error {
	return c.deviceSubscription(ctx, channel, false, true)
}

// UnsubscribeDevice removes this device's subscription to channel.
func (c *Client) UnsubscribeDevice(ctx context.Context, channel string) error {
	return c.deviceSubscription(ctx, channel, false, false)
}

// SubscribeClient subscribes every device of this device's client id to
// channel.
func (c *Client) SubscribeClient(ctx context.Context, channel string) error {
	return c.deviceSubscription(ctx, channel, true, true)
}

// UnsubscribeClient removes the client id subscription to channel.
func (c *Client) UnsubscribeClient(ctx context.Context, channel string) error {
	return c.deviceSubscription(ctx, channel, true, false)
}

func (c *Client) deviceSubscription(ctx context.Context, channel string, byClient, subscribe bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Activated {
		return ErrNotActivated
	}
	sub := ChannelSubscription{Channel: channel, DeviceID: c.device.ID}
	if byClient {
		if c.device.ClientID == "" {
			return ErrNoClientID
		}
		sub = ChannelSubscription{Channel: channel, ClientID: c.device.ClientID}
	}
	if subscribe {
		return c.do(ctx, http.MethodPost, "/channelSubscriptions", c.credsLocked(), sub, nil)
	}
	f := SubscriptionFilter{Channel: sub.Channel, DeviceID: sub.DeviceID, ClientID: sub.ClientID}
	return c.do(ctx, http.MethodDelete, "/channelSubscriptions"+f.query(), c.credsLocked(), nil, nil)
}

// Subscriptions lists this device's own channel subscriptions.
func (c *Client) Subscriptions(ctx context.Context) ([]ChannelSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Activated {
		return nil, ErrNotActivated
	}
	f := SubscriptionFilter{DeviceID: c.device.ID}
	var subs []ChannelSubscription
	if err := c.do(ctx, http.MethodGet, "/channelSubscriptions"+f.query(), c.credsLocked(), nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// The admin calls below need a service role key and no activation.

// SaveChannelSubscription stores any subscription.
func (c *Client) SaveChannelSubscription(ctx context.Context, sub ChannelSubscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/channelSubscriptions", nil, sub, nil)
}

// ChannelSubscriptions lists the subscriptions matching f.
func (c *Client) ChannelSubscriptions(ctx context.Context, f SubscriptionFilter) ([]ChannelSubscription, error) {
	var subs []ChannelSubscription
	if err := c.do(ctx, http.MethodGet, "/channelSubscriptions"+f.query(), nil, nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// RemoveChannelSubscriptions deletes the subscriptions matching f, which
// must not be empty.
func (c *Client) RemoveChannelSubscriptions(ctx context.Context, f SubscriptionFilter) error {
	if f.empty() {
		return ErrEmptyFilter
	}
	return c.do(ctx, http.MethodDelete, "/channelSubscriptions"+f.query(), nil, nil, nil)
}

// SubscribedChannels lists channels that have subscriptions.
func (c *Client) SubscribedChannels(ctx context.Context) ([]string, error) {
	var chs []string
	if err := c.do(ctx, http.MethodGet, "/channels", nil, nil, &chs); err != nil {
		return nil, err
	}
	return chs, nil
}

// PublishToChannel sends a notification to every device subscribed to
// channel.
func (c *Client) PublishToChannel(ctx context.Context, channel, title, body string) (*PublishResponse, error) {
	var resp PublishResponse
	req := PublishRequest{Channel: channel, Title: title, Body: body}
	if err := c.do(ctx, http.MethodPost, "/publish", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (f SubscriptionFilter) query() string {
	q := url.Values{}
	if f.Channel != "" {
		q.Set("channel", f.Channel)
	}
	if f.DeviceID != "" {
		q.Set("deviceId", f.DeviceID)
	}
	if f.ClientID != "" {
		q.Set("clientId", f.ClientID)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// deviceCreds authenticate device-scoped requests.
type deviceCreds struct {
	id, secret string
}

func (c *Client) credsLocked() *deviceCreds {
	return &deviceCreds{id: c.device.ID, secret: c.secret}
}

func (c *Client) do(ctx context.Context, method, path string, dev *deviceCreds, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("push: failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.Endpoint, "/")+BasePath+path, body)
	if err != nil {
		return fmt.Errorf("push: failed to build request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.Key)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if dev != nil {
		req.Header.Set(DeviceIDHeader, dev.id)
		req.Header.Set(SecretHeader, dev.secret)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("push: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if json.NewDecoder(resp.Body).Decode(apiErr) != nil || apiErr.Message == "" {
			apiErr.ErrorCode = "http_error"
			apiErr.Message = fmt.Sprintf("push: unexpected status %d", resp.StatusCode)
		}
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("push: failed to decode response: %w", err)
		}
	}
	return nil
}
