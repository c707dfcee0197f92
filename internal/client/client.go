// Package client assembles a realtime client: one connection, its channel
// registry and a push provider, all sharing a single event queue.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/markb/sbrealtime/internal/channel"
	"github.com/markb/sbrealtime/internal/connection"
	"github.com/markb/sbrealtime/internal/dispatch"
	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/push"
)

var ErrNoEndpoint = errors.New("client: endpoint is required")

// Client is a realtime client. Create one per session with New; there is
// no shared instance.
type Client struct {
	opts     Options
	q        *dispatch.Queue
	conn     *connection.Connection
	channels *channel.Registry
	push     push.Provider

	closeOnce sync.Once
	closed    *dispatch.Future
}

// New creates a client. With AutoConnect set the connection is opened
// immediately.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	q := dispatch.NewQueue()
	conn := connection.New(connection.Options{
		Endpoint:                 opts.Endpoint,
		Key:                      opts.Key,
		ClientID:                 opts.ClientID,
		QueueMessages:            opts.QueueMessages,
		DisconnectedRetryTimeout: opts.DisconnectedRetryTimeout,
		SuspendedRetryTimeout:    opts.SuspendedRetryTimeout,
		ConnectionStateTTL:       opts.ConnectionStateTTL,
		RequestTimeout:           opts.RequestTimeout,
		Transport:                opts.Transport,
		Metrics:                  opts.Metrics,
	}, q)
	reg := channel.NewRegistry(conn, q, channel.Config{
		NamePrefix:          opts.ChannelNamePrefix,
		EchoMessages:        opts.EchoMessages,
		RetryTimeout:        opts.ChannelRetryTimeout,
		KeepFailedOnRelease: opts.KeepFailedOnRelease,
		Metrics:             opts.Metrics,
	})
	conn.SetHandler(reg.HandleMessage)

	p := opts.Push
	if p == nil {
		p = push.NewClient(push.ClientConfig{
			Endpoint: opts.Endpoint,
			Key:      opts.Key,
			ClientID: opts.ClientID,
		})
	}

	c := &Client{
		opts:     opts,
		q:        q,
		conn:     conn,
		channels: reg,
		push:     p,
	}
	log.Debug("client: created", "endpoint", opts.Endpoint, "client_id", opts.ClientID)
	if opts.AutoConnect {
		conn.Connect()
	}
	return c, nil
}

// Channels returns the channel registry.
func (c *Client) Channels() *channel.Registry {
	return c.channels
}

// Connection returns the realtime connection.
func (c *Client) Connection() *connection.Connection {
	return c.conn
}

// Push returns the push provider.
func (c *Client) Push() push.Provider {
	return c.push
}

// Connect opens the connection if it is not already open.
func (c *Client) Connect() {
	c.conn.Connect()
}

// Close detaches every channel and then closes the connection. While the
// connection is down channels are not detached on the server; closing the
// connection moves them to Detached. The returned future resolves with the
// first detach error once the connection is closed. Repeated calls return
// the same future.
func (c *Client) Close() *dispatch.Future {
	c.closeOnce.Do(func() {
		c.closed = c.q.NewFuture()
		detach := c.q.Resolved(nil)
		if c.conn.State() == connection.Connected {
			detach = c.channels.DetachAll()
		}
		detach.Then(func(err error) {
			c.conn.Close()
			log.Debug("client: closed", "client_id", c.opts.ClientID)
			c.closed.Resolve(err)
		})
	})
	return c.closed
}

// Dispose closes the client, drops every channel and stops the event queue.
// Pending events are delivered before Dispose returns unless ctx ends first.
func (c *Client) Dispose(ctx context.Context) error {
	err := c.Close().Wait(ctx)
	c.channels.Dispose()
	if ferr := c.q.Flush(ctx); err == nil {
		err = ferr
	}
	c.q.Close()
	return err
}
