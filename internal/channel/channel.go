package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markb/sbrealtime/internal/connection"
	"github.com/markb/sbrealtime/internal/dispatch"
	"github.com/markb/sbrealtime/internal/emitter"
	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/protocol"
)

type op int

const (
	opAttach op = iota + 1
	opDetach
)

// pendingOp is an attach or detach requested while the opposite operation
// was in flight. It runs once the in-flight operation completes.
type pendingOp struct {
	op  op
	fut *dispatch.Future
}

type pendingPublish struct {
	msg *protocol.Message
	fut *dispatch.Future
}

// Channel is one named topic on the shared connection. Its state is changed
// by explicit calls and by events from the connection, all under mu; events
// and callbacks are delivered on the client's dispatch queue.
type Channel struct {
	name string
	reg  *Registry

	stateEvents *emitter.Emitter[State, StateChange]
	messages    *emitter.Emitter[string, *Message]
	presence    *Presence

	mu           sync.Mutex
	state        State
	reason       error
	opts         *Options
	gen          uint64 // identifies the current attach/detach exchange
	joinInFlight bool
	attachF      *dispatch.Future
	detachF      *dispatch.Future
	attachStart  time.Time
	pending      *pendingOp
	publishes    []pendingPublish
	retryTimer   *time.Timer
	releasing    bool
}

func newChannel(name string, reg *Registry, opts *Options) *Channel {
	ch := &Channel{
		name:        name,
		reg:         reg,
		stateEvents: emitter.New[State, StateChange](reg.q, "channel:"+name),
		messages:    emitter.New[string, *Message](reg.q, "messages:"+name),
		opts:        copyOptions(opts),
	}
	ch.presence = newPresence(ch)
	return ch
}

func copyOptions(opts *Options) *Options {
	if opts == nil {
		return nil
	}
	o := *opts
	return &o
}

// Name returns the full channel name, including any configured prefix.
func (c *Channel) Name() string {
	return c.name
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrorReason returns the error behind the last failed or suspended
// transition.
func (c *Channel) ErrorReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Options returns a copy of the channel options, or nil if none were set.
func (c *Channel) Options() *Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyOptions(c.opts)
}

func (c *Channel) setOptions(opts *Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = copyOptions(opts)
}

// Presence returns the channel's presence set.
func (c *Channel) Presence() *Presence {
	return c.presence
}

// OnState registers a state-change listener, optionally filtered.
func (c *Channel) OnState(fn func(StateChange), states ...State) *emitter.Listener[State, StateChange] {
	return c.stateEvents.On(fn, states...)
}

// OffState removes a state-change listener.
func (c *Channel) OffState(l *emitter.Listener[State, StateChange]) {
	c.stateEvents.Off(l)
}

// WaitFor blocks until the channel is in one of states or ctx is done.
func (c *Channel) WaitFor(ctx context.Context, states ...State) (State, error) {
	reached := make(chan State, 1)
	l := c.stateEvents.On(func(sc StateChange) {
		select {
		case reached <- sc.Current:
		default:
		}
	}, states...)
	defer c.stateEvents.Off(l)

	s := c.State()
	for _, want := range states {
		if s == want {
			return s, nil
		}
	}
	select {
	case s := <-reached:
		return s, nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// Attach makes the channel live. While a detach is in flight the attach is
// queued and runs once the detach completes; a newer Detach supersedes it.
func (c *Channel) Attach() *dispatch.Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachLocked()
}

// Detach leaves the channel. While an attach is in flight the detach is
// queued and runs once the attach completes; a newer Attach supersedes it.
// An attach still waiting for the connection is abandoned with
// ErrSuperseded.
func (c *Channel) Detach() *dispatch.Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detachLocked()
}

// Subscribe registers fn for messages with any of names, or all messages if
// none are given. On an initialized channel it also starts an attach unless
// the channel options set ManualAttach.
func (c *Channel) Subscribe(fn func(*Message), names ...string) *emitter.Listener[string, *Message] {
	l := c.messages.On(fn, names...)
	c.implicitAttach()
	return l
}

// Unsubscribe removes one message listener. The channel state is unchanged.
func (c *Channel) Unsubscribe(l *emitter.Listener[string, *Message]) {
	c.messages.Off(l)
}

// UnsubscribeAll removes every message listener.
func (c *Channel) UnsubscribeAll() {
	c.messages.OffAll()
}

// Publish sends a message on the channel. It fails on a failed channel;
// while attaching the message is held until the attach completes.
func (c *Channel) Publish(name string, data any) *dispatch.Future {
	msg := protocol.NewPublish(c.name, name, data)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Failed:
		return c.reg.q.Resolved(c.failedErrLocked())
	case Attaching:
		fut := c.reg.q.NewFuture()
		c.publishes = append(c.publishes, pendingPublish{msg: msg, fut: fut})
		return fut
	}
	return c.sendPublishLocked(msg)
}

func (c *Channel) sendPublishLocked(msg *protocol.Message) *dispatch.Future {
	c.reg.cfg.Metrics.RecordPublish(context.Background(), c.name)
	fut := c.reg.q.NewFuture()
	c.reg.conn.Send(msg).Forward(fut)
	return fut
}

func (c *Channel) implicitAttach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Initialized || (c.opts != nil && c.opts.ManualAttach) {
		return
	}
	c.attachLocked()
}

func (c *Channel) attachLocked() *dispatch.Future {
	if c.releasing {
		return c.reg.q.Resolved(ErrReleased)
	}

	switch c.state {
	case Attached:
		return c.reg.q.Resolved(nil)
	case Attaching:
		if c.pending != nil && c.pending.op == opDetach {
			c.pending.fut.Resolve(ErrSuperseded)
			c.pending = nil
		}
		return c.attachF
	case Detaching:
		return c.queueLocked(opAttach)
	}
	return c.startAttachLocked()
}

func (c *Channel) detachLocked() *dispatch.Future {
	switch c.state {
	case Initialized:
		c.setStateLocked(Detached, nil)
		return c.reg.q.Resolved(nil)
	case Detached:
		return c.reg.q.Resolved(nil)
	case Failed:
		return c.reg.q.Resolved(c.failedErrLocked())
	case Suspended:
		c.stopRetryLocked()
		c.gen++
		c.enterDetachedLocked(nil)
		return c.reg.q.Resolved(nil)
	case Attaching:
		if c.joinInFlight {
			return c.queueLocked(opDetach)
		}
		// No join has been sent yet, so there is nothing to wait for.
		c.gen++
		if c.attachF != nil {
			c.attachF.Resolve(ErrSuperseded)
			c.attachF = nil
		}
		c.enterDetachedLocked(nil)
		return c.reg.q.Resolved(nil)
	case Detaching:
		if c.pending != nil && c.pending.op == opAttach {
			c.pending.fut.Resolve(ErrSuperseded)
			c.pending = nil
		}
		return c.detachF
	}
	return c.startDetachLocked()
}

func (c *Channel) queueLocked(o op) *dispatch.Future {
	if c.pending != nil {
		if c.pending.op == o {
			return c.pending.fut
		}
		c.pending.fut.Resolve(ErrSuperseded)
	}
	c.pending = &pendingOp{op: o, fut: c.reg.q.NewFuture()}
	return c.pending.fut
}

// runPendingLocked starts the queued operation, if any, after the in-flight
// one has settled.
func (c *Channel) runPendingLocked() {
	p := c.pending
	if p == nil {
		return
	}
	c.pending = nil

	var f *dispatch.Future
	switch p.op {
	case opAttach:
		f = c.attachLocked()
	case opDetach:
		f = c.detachLocked()
	}
	f.Forward(p.fut)
}

func (c *Channel) startAttachLocked() *dispatch.Future {
	conn := c.reg.conn
	switch conn.State() {
	case connection.Closing, connection.Closed:
		return c.reg.q.Resolved(connection.ErrConnectionClosed)
	case connection.Failed:
		err := conn.ErrorReason()
		if err == nil {
			err = connection.ErrConnectionFailed
		}
		c.enterFailedLocked(err)
		return c.reg.q.Resolved(c.failedErrLocked())
	case connection.Suspended:
		c.setStateLocked(Suspended, connection.ErrConnectionSuspended)
		return c.reg.q.Resolved(connection.ErrConnectionSuspended)
	}

	c.stopRetryLocked()
	c.gen++
	c.joinInFlight = false
	c.attachF = c.reg.q.NewFuture()
	c.attachStart = time.Now()
	c.setStateLocked(Attaching, nil)

	// Otherwise the join is sent when the connection reports connected.
	if conn.State() == connection.Connected {
		c.sendJoinLocked()
	}
	return c.attachF
}

func (c *Channel) sendJoinLocked() {
	self := c.reg.cfg.EchoMessages && (c.opts == nil || !c.opts.SkipEcho)
	msg := protocol.NewJoin(c.name, "", protocol.JoinConfig{
		Broadcast: protocol.BroadcastConfig{Self: self},
		Presence:  protocol.PresenceConfig{Key: c.reg.conn.ClientID()},
	})

	gen := c.gen
	c.joinInFlight = true
	c.reg.conn.SendControl(msg).Then(func(err error) {
		c.onAttachResult(gen, err)
	})
}

func (c *Channel) onAttachResult(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Attaching {
		return
	}
	c.joinInFlight = false

	if err == nil {
		c.setStateLocked(Attached, nil)
		c.reg.cfg.Metrics.RecordAttach(context.Background(), c.name, time.Since(c.attachStart))
		c.attachF.Resolve(nil)
		c.attachF = nil
		c.flushPublishesLocked()
		c.presence.sendPendingLocked()
		c.runPendingLocked()
		return
	}

	var replyErr *protocol.ReplyError
	if errors.As(err, &replyErr) {
		log.Warn("channel: attach rejected", "channel", c.name, "error", err.Error())
		c.enterFailedLocked(err)
	} else {
		log.Debug("channel: attach interrupted", "channel", c.name, "error", err.Error())
		c.enterSuspendedLocked(err)
	}
	c.runPendingLocked()
}

func (c *Channel) startDetachLocked() *dispatch.Future {
	c.stopRetryLocked()
	c.gen++
	c.detachF = c.reg.q.NewFuture()
	c.setStateLocked(Detaching, nil)

	gen := c.gen
	c.reg.conn.SendControl(protocol.NewLeave(c.name)).Then(func(err error) {
		c.onDetachResult(gen, err)
	})
	return c.detachF
}

func (c *Channel) onDetachResult(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Detaching {
		return
	}
	if err != nil {
		log.Warn("channel: detach failed", "channel", c.name, "error", err.Error())
		c.enterFailedLocked(err)
	} else {
		c.enterDetachedLocked(nil)
	}
	c.runPendingLocked()
}

// onConnectionState applies a connection transition. It runs on the
// dispatch queue.
func (c *Channel) onConnectionState(sc connection.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sc.Current {
	case connection.Connected:
		switch c.state {
		case Attaching:
			if !c.joinInFlight {
				c.sendJoinLocked()
			}
		case Suspended:
			if !c.releasing {
				c.startAttachLocked()
			}
		}

	case connection.Disconnected, connection.Suspended:
		reason := sc.Reason
		if reason == nil {
			reason = connection.ErrDisconnected
		}
		switch c.state {
		case Attaching, Attached:
			c.gen++
			c.enterSuspendedLocked(reason)
			c.runPendingLocked()
		case Detaching:
			// The server drops the subscription along with the transport.
			c.gen++
			c.enterDetachedLocked(nil)
			c.runPendingLocked()
		}

	case connection.Closed:
		switch c.state {
		case Attaching, Attached, Suspended, Detaching:
			c.gen++
			c.stopRetryLocked()
			c.enterDetachedLocked(connection.ErrConnectionClosed)
			c.runPendingLocked()
		}

	case connection.Failed:
		switch c.state {
		case Attaching, Attached, Suspended, Detaching:
			c.gen++
			c.stopRetryLocked()
			reason := sc.Reason
			if reason == nil {
				reason = connection.ErrConnectionFailed
			}
			c.enterFailedLocked(reason)
			c.runPendingLocked()
		}
	}
}

// handleMessage processes an inbound frame for this channel. It runs on the
// dispatch queue, in wire order.
func (c *Channel) handleMessage(msg *protocol.Message) {
	switch msg.Event {
	case protocol.EventBroadcast:
		c.deliver(msg)
	case protocol.EventPresenceState:
		c.presence.onState(msg)
	case protocol.EventPresenceDiff:
		c.presence.onDiff(msg)
	case protocol.EventClose, protocol.EventError:
		reason, _ := msg.Payload["reason"].(string)
		c.onServerDetach(fmt.Errorf("%w: server closed channel: %s", ErrChannelSuspended, reason))
	default:
		log.Debug("channel: unhandled event", "channel", c.name, "event", msg.Event)
	}
}

func (c *Channel) deliver(msg *protocol.Message) {
	if c.State() != Attached {
		log.Debug("channel: dropping message, not attached", "channel", c.name)
		return
	}

	b, err := protocol.DecodeBroadcast(msg)
	if err != nil {
		log.Debug("channel: invalid broadcast", "channel", c.name, "error", err.Error())
		return
	}

	m := &Message{
		ID:           b.ID,
		Name:         b.Event,
		Data:         b.Payload,
		ClientID:     b.ClientID,
		ConnectionID: b.ConnectionID,
	}
	if b.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(b.Timestamp)
	}
	c.reg.cfg.Metrics.RecordReceive(context.Background(), c.name)
	c.messages.Emit(m.Name, m)
}

func (c *Channel) onServerDetach(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Attached, Attaching:
		c.gen++
		c.enterSuspendedLocked(err)
		c.runPendingLocked()
	}
}

// enterSuspendedLocked moves to Suspended and, while the connection is
// up, schedules a re-attach after the channel retry timeout.
func (c *Channel) enterSuspendedLocked(err error) {
	c.joinInFlight = false
	c.setStateLocked(Suspended, err)
	c.failInFlightLocked(err)
	c.scheduleRetryLocked()
}

func (c *Channel) enterDetachedLocked(err error) {
	c.joinInFlight = false
	c.setStateLocked(Detached, err)
	failErr := ErrChannelDetached
	if err != nil {
		failErr = fmt.Errorf("%w: %v", ErrChannelDetached, err)
	}
	c.failInFlightLocked(failErr)
	if c.detachF != nil {
		c.detachF.Resolve(nil)
		c.detachF = nil
	}
	c.presence.clearLocked()
}

func (c *Channel) enterFailedLocked(err error) {
	c.joinInFlight = false
	c.setStateLocked(Failed, err)
	failErr := c.failedErrLocked()
	c.failInFlightLocked(failErr)
	if c.detachF != nil {
		c.detachF.Resolve(failErr)
		c.detachF = nil
	}
	c.presence.clearLocked()
}

// failInFlightLocked fails the attach future, held publishes and pending
// presence once the channel leaves Attaching without attaching.
func (c *Channel) failInFlightLocked(err error) {
	if err == nil {
		err = ErrChannelDetached
	}
	if c.attachF != nil {
		c.attachF.Resolve(err)
		c.attachF = nil
	}
	for _, p := range c.publishes {
		p.fut.Resolve(err)
	}
	c.publishes = nil
	c.presence.failPendingLocked(err)
}

func (c *Channel) flushPublishesLocked() {
	held := c.publishes
	c.publishes = nil
	for _, p := range held {
		c.sendPublishLocked(p.msg).Forward(p.fut)
	}
}

func (c *Channel) scheduleRetryLocked() {
	c.stopRetryLocked()
	if c.releasing {
		return
	}
	c.retryTimer = time.AfterFunc(c.reg.cfg.RetryTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != Suspended || c.releasing {
			return
		}
		if c.reg.conn.State() != connection.Connected {
			return
		}
		log.Debug("channel: retrying attach", "channel", c.name)
		c.startAttachLocked()
	})
}

func (c *Channel) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Channel) failedErrLocked() error {
	if c.reason != nil {
		return fmt.Errorf("%w: %v", ErrChannelFailed, c.reason)
	}
	return ErrChannelFailed
}

func (c *Channel) setStateLocked(s State, reason error) {
	prev := c.state
	c.state = s
	c.reason = reason
	if prev == s {
		return
	}

	args := []any{"channel", c.name, "from", prev.String(), "to", s.String()}
	if reason != nil {
		args = append(args, "error", reason.Error())
	}
	log.Debug("channel: state change", args...)

	c.stateEvents.Emit(s, StateChange{Previous: prev, Current: s, Reason: reason})
}

func (c *Channel) markReleasing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasing = true
	c.stopRetryLocked()
}

func (c *Channel) unmarkReleasing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasing = false
}

// dispose drops every listener once the channel has left the registry.
func (c *Channel) dispose() {
	c.mu.Lock()
	c.stopRetryLocked()
	c.mu.Unlock()

	c.messages.OffAll()
	c.stateEvents.OffAll()
	c.presence.events.OffAll()
}
