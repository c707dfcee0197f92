// Package connection implements the client side of a realtime session: one
// websocket to the realtime service, its lifecycle state machine, automatic
// reconnection and request/acknowledgement matching.
package connection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/dispatch"
	"github.com/markb/sbrealtime/internal/emitter"
	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/observability"
	"github.com/markb/sbrealtime/internal/protocol"
)

// Options configures a Connection.
type Options struct {
	Endpoint string // base URL of the realtime service, http(s) or ws(s)
	Key      string
	ClientID string

	// QueueMessages holds messages sent while not connected and transmits
	// them once connected. When false such sends fail immediately.
	QueueMessages bool

	DisconnectedRetryTimeout time.Duration
	SuspendedRetryTimeout    time.Duration
	ConnectionStateTTL       time.Duration // disconnected longer than this means suspended
	RequestTimeout           time.Duration
	HeartbeatInterval        time.Duration

	Transport Transport
	Metrics   *observability.Metrics
}

// DefaultOptions returns the default connection options.
func DefaultOptions() Options {
	return Options{
		QueueMessages:            true,
		DisconnectedRetryTimeout: 15 * time.Second,
		SuspendedRetryTimeout:    30 * time.Second,
		ConnectionStateTTL:       120 * time.Second,
		RequestTimeout:           10 * time.Second,
		HeartbeatInterval:        25 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DisconnectedRetryTimeout <= 0 {
		o.DisconnectedRetryTimeout = d.DisconnectedRetryTimeout
	}
	if o.SuspendedRetryTimeout <= 0 {
		o.SuspendedRetryTimeout = d.SuspendedRetryTimeout
	}
	if o.ConnectionStateTTL <= 0 {
		o.ConnectionStateTTL = d.ConnectionStateTTL
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.Transport == nil {
		o.Transport = WebSocketTransport{}
	}
	return o
}

// Connection is the single realtime session shared by all channels of a
// client. State-change listeners and acknowledgement callbacks run on the
// client's dispatch queue.
type Connection struct {
	opts   Options
	q      *dispatch.Queue
	events *emitter.Emitter[State, StateChange]
	bo     *backoff.ExponentialBackOff

	mu             sync.Mutex
	state          State
	reason         error
	sess           *session
	attempt        uint64 // bumped to invalidate in-flight dials and retry timers
	nextRef        uint64
	queued         []*request
	handler        func(*protocol.Message)
	disconnectedAt time.Time
	retryTimer     *time.Timer
}

type session struct {
	id      string
	sock    Socket
	writer  *dispatch.Queue
	pending map[string]*request // ref -> awaiting reply
	stop    chan struct{}
}

type request struct {
	msg   *protocol.Message
	fut   *dispatch.Future
	timer *time.Timer
}

// New creates a connection in the Initialized state. Nothing is dialed until
// Connect is called.
func New(opts Options, q *dispatch.Queue) *Connection {
	opts = opts.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.DisconnectedRetryTimeout
	bo.MaxInterval = opts.SuspendedRetryTimeout
	bo.Reset()

	return &Connection{
		opts:   opts,
		q:      q,
		events: emitter.New[State, StateChange](q, "connection"),
		bo:     bo,
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrorReason returns the error behind the last failure transition, if any.
func (c *Connection) ErrorReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// ID returns the identifier of the current transport session, or "" when
// not connected.
func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// ClientID returns the configured client id.
func (c *Connection) ClientID() string {
	return c.opts.ClientID
}

// OnState registers a listener for state changes, optionally filtered.
func (c *Connection) OnState(fn func(StateChange), states ...State) *emitter.Listener[State, StateChange] {
	return c.events.On(fn, states...)
}

// OffState removes a state listener.
func (c *Connection) OffState(l *emitter.Listener[State, StateChange]) {
	c.events.Off(l)
}

// SetHandler sets the receiver of inbound non-reply frames. It is called on
// the read goroutine in wire order and must not block.
func (c *Connection) SetHandler(fn func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// WaitFor blocks until the connection is in one of states or ctx is done.
func (c *Connection) WaitFor(ctx context.Context, states ...State) (State, error) {
	reached := make(chan State, 1)
	l := c.events.On(func(sc StateChange) {
		select {
		case reached <- sc.Current:
		default:
		}
	}, states...)
	defer c.events.Off(l)

	if s := c.State(); slices.Contains(states, s) {
		return s, nil
	}
	select {
	case s := <-reached:
		return s, nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// Connect starts connecting. It is a no-op while connecting or connected.
func (c *Connection) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Connecting, Connected:
		return
	}
	c.disconnectedAt = time.Time{}
	c.bo.Reset()
	c.startConnectingLocked()
}

// Close ends the session. Pending and queued requests fail with
// ErrConnectionClosed and no reconnect is attempted.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return
	}
	c.attempt++
	c.stopRetryLocked()
	if c.sess != nil {
		c.setStateLocked(Closing, nil, 0)
		c.endSessionLocked(ErrConnectionClosed)
	}
	c.failQueuedLocked(ErrConnectionClosed)
	c.setStateLocked(Closed, nil, 0)
}

// Send transmits msg and returns a future resolved by the server's reply.
// While not connected the message is queued when QueueMessages is set.
func (c *Connection) Send(msg *protocol.Message) *dispatch.Future {
	return c.send(msg, c.opts.QueueMessages)
}

// SendControl is like Send but always queues while connecting or
// disconnected. Channel attach, detach and presence use it so that they
// are not subject to QueueMessages.
func (c *Connection) SendControl(msg *protocol.Message) *dispatch.Future {
	return c.send(msg, true)
}

func (c *Connection) send(msg *protocol.Message, queue bool) *dispatch.Future {
	fut := c.q.NewFuture()
	r := &request{msg: msg, fut: fut}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Connected:
		c.writeLocked(c.sess, r)
	case Initialized, Connecting, Disconnected:
		if !queue {
			fut.Resolve(ErrNotConnected)
			break
		}
		c.queued = append(c.queued, r)
	case Suspended:
		fut.Resolve(ErrConnectionSuspended)
	case Closing, Closed:
		fut.Resolve(ErrConnectionClosed)
	case Failed:
		fut.Resolve(c.failedErrLocked())
	}
	return fut
}

func (c *Connection) startConnectingLocked() {
	c.stopRetryLocked()
	c.attempt++
	c.setStateLocked(Connecting, nil, 0)
	go c.dial(c.attempt)
}

func (c *Connection) dial(attempt uint64) {
	rawURL, err := websocketURL(c.opts.Endpoint, c.opts.Key, c.opts.ClientID)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if attempt == c.attempt {
			c.failLocked(err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	sock, err := c.opts.Transport.Dial(ctx, rawURL)

	c.mu.Lock()
	defer c.mu.Unlock()

	if attempt != c.attempt || c.state != Connecting {
		if sock != nil {
			sock.Close()
		}
		return
	}
	if err != nil {
		log.Debug("connection: dial failed", "error", err.Error())
		if errors.Is(err, ErrUnauthorized) {
			c.failLocked(err)
			return
		}
		c.lostLocked(err)
		return
	}

	sess := &session{
		id:      uuid.NewString(),
		sock:    sock,
		writer:  dispatch.NewQueue(),
		pending: make(map[string]*request),
		stop:    make(chan struct{}),
	}
	c.sess = sess
	c.disconnectedAt = time.Time{}
	c.bo.Reset()
	c.setStateLocked(Connected, nil, 0)

	queued := c.queued
	c.queued = nil
	for _, r := range queued {
		c.writeLocked(sess, r)
	}

	go c.readLoop(sess)
	go c.heartbeatLoop(sess)
}

// writeLocked assigns a ref, registers r for its reply and hands the frame
// to the session writer.
func (c *Connection) writeLocked(sess *session, r *request) {
	c.nextRef++
	ref := strconv.FormatUint(c.nextRef, 10)
	r.msg.Ref = ref
	if r.msg.Event == protocol.EventJoin {
		r.msg.JoinRef = ref
	}

	data, err := r.msg.Encode()
	if err != nil {
		r.fut.Resolve(fmt.Errorf("encode %s: %w", r.msg.Event, err))
		return
	}

	sess.pending[ref] = r
	r.timer = time.AfterFunc(c.opts.RequestTimeout, func() { c.expire(sess, ref) })
	sess.writer.Enqueue(func() {
		if err := sess.sock.WriteMessage(data); err != nil {
			c.transportLost(sess, err)
		}
	})
}

func (c *Connection) expire(sess *session, ref string) {
	c.mu.Lock()
	r, ok := sess.pending[ref]
	if ok {
		delete(sess.pending, ref)
	}
	c.mu.Unlock()

	if ok {
		log.Debug("connection: request timed out", "event", r.msg.Event, "topic", r.msg.Topic, "ref", ref)
		r.fut.Resolve(ErrRequestTimeout)
	}
}

func (c *Connection) readLoop(sess *session) {
	for {
		data, err := sess.sock.ReadMessage()
		if err != nil {
			c.transportLost(sess, err)
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			log.Debug("connection: invalid message", "session", sess.id, "error", err.Error())
			continue
		}

		if msg.Event == protocol.EventReply {
			c.resolveReply(sess, msg)
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (c *Connection) resolveReply(sess *session, msg *protocol.Message) {
	c.mu.Lock()
	r, ok := sess.pending[msg.Ref]
	if ok {
		delete(sess.pending, msg.Ref)
	}
	c.mu.Unlock()

	if !ok {
		log.Debug("connection: reply for unknown ref", "ref", msg.Ref, "topic", msg.Topic)
		return
	}
	r.timer.Stop()
	r.fut.Resolve(msg.ReplyErr())
}

func (c *Connection) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.sess != sess {
				c.mu.Unlock()
				return
			}
			r := &request{msg: protocol.NewHeartbeat(), fut: c.q.NewFuture()}
			c.writeLocked(sess, r)
			c.mu.Unlock()

			r.fut.Then(func(err error) {
				if errors.Is(err, ErrRequestTimeout) {
					c.transportLost(sess, fmt.Errorf("heartbeat: %w", err))
				}
			})
		}
	}
}

// transportLost handles the end of a session that was not requested.
func (c *Connection) transportLost(sess *session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != sess {
		return
	}
	log.Info("connection: transport lost", "session", sess.id, "error", err.Error())
	c.endSessionLocked(fmt.Errorf("%w: %v", ErrDisconnected, err))
	c.lostLocked(err)
}

// lostLocked moves to Disconnected, or Suspended once the connection has
// been down for longer than ConnectionStateTTL, and schedules a retry.
func (c *Connection) lostLocked(err error) {
	now := time.Now()
	if c.disconnectedAt.IsZero() {
		c.disconnectedAt = now
	}

	if now.Sub(c.disconnectedAt) >= c.opts.ConnectionStateTTL {
		c.setStateLocked(Suspended, err, c.opts.SuspendedRetryTimeout)
		c.failQueuedLocked(ErrConnectionSuspended)
		c.scheduleRetryLocked(c.opts.SuspendedRetryTimeout)
		return
	}

	delay := c.bo.NextBackOff()
	if delay <= 0 {
		delay = c.opts.DisconnectedRetryTimeout
	}
	c.setStateLocked(Disconnected, err, delay)
	c.scheduleRetryLocked(delay)
}

func (c *Connection) failLocked(err error) {
	c.attempt++
	c.stopRetryLocked()
	if c.sess != nil {
		c.endSessionLocked(fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	c.setStateLocked(Failed, err, 0)
	c.failQueuedLocked(c.failedErrLocked())
}

func (c *Connection) failedErrLocked() error {
	if c.reason != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, c.reason)
	}
	return ErrConnectionFailed
}

func (c *Connection) scheduleRetryLocked(d time.Duration) {
	c.stopRetryLocked()
	attempt := c.attempt
	c.retryTimer = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.attempt != attempt {
			return
		}
		if c.state != Disconnected && c.state != Suspended {
			return
		}
		c.startConnectingLocked()
	})
}

func (c *Connection) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// endSessionLocked tears down the current session and fails its in-flight
// requests with err.
func (c *Connection) endSessionLocked(err error) {
	sess := c.sess
	if sess == nil {
		return
	}
	c.sess = nil

	close(sess.stop)
	sess.writer.Close()
	sess.sock.Close()

	for ref, r := range sess.pending {
		r.timer.Stop()
		delete(sess.pending, ref)
		r.fut.Resolve(err)
	}
}

func (c *Connection) failQueuedLocked(err error) {
	for _, r := range c.queued {
		r.fut.Resolve(err)
	}
	c.queued = nil
}

func (c *Connection) setStateLocked(s State, reason error, retryIn time.Duration) {
	prev := c.state
	c.reason = reason
	if prev == s {
		return
	}
	c.state = s

	args := []any{"from", prev.String(), "to", s.String()}
	if reason != nil {
		args = append(args, "error", reason.Error())
	}
	log.Debug("connection: state change", args...)
	c.opts.Metrics.RecordStateChange(context.Background(), prev.String(), s.String())

	c.events.Emit(s, StateChange{
		Previous: prev,
		Current:  s,
		Reason:   reason,
		RetryIn:  retryIn,
	})
}
