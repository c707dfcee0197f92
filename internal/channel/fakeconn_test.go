package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/markb/sbrealtime/internal/connection"
	"github.com/markb/sbrealtime/internal/dispatch"
	"github.com/markb/sbrealtime/internal/emitter"
	"github.com/markb/sbrealtime/internal/protocol"
)

// frame is one message handed to the fake connection.
type frame struct {
	msg *protocol.Message
	fut *dispatch.Future
}

// fakeConn stands in for the realtime connection. By default it behaves like
// a cooperative server: joins, leaves and publishes are acknowledged, own
// publishes are echoed and presence changes are announced with a diff before
// the ack. Events listed in hold are left for the test to resolve.
type fakeConn struct {
	q        *dispatch.Queue
	events   *emitter.Emitter[connection.State, connection.StateChange]
	clientID string
	frames   chan frame

	mu       sync.Mutex
	state    connection.State
	reason   error
	hold     map[string]bool
	replyErr map[string]error
	echo     bool
	handler  func(*protocol.Message)
	held     []frame
}

func newFakeConn(q *dispatch.Queue, clientID string) *fakeConn {
	return &fakeConn{
		q:        q,
		events:   emitter.New[connection.State, connection.StateChange](q, "fake"),
		clientID: clientID,
		frames:   make(chan frame, 256),
		state:    connection.Connected,
		hold:     make(map[string]bool),
		replyErr: make(map[string]error),
		echo:     true,
	}
}

func (f *fakeConn) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) ErrorReason() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

func (f *fakeConn) ClientID() string { return f.clientID }

func (f *fakeConn) Send(msg *protocol.Message) *dispatch.Future {
	return f.send(msg)
}

func (f *fakeConn) SendControl(msg *protocol.Message) *dispatch.Future {
	return f.send(msg)
}

func (f *fakeConn) OnState(fn func(connection.StateChange), states ...connection.State) *emitter.Listener[connection.State, connection.StateChange] {
	return f.events.On(fn, states...)
}

func (f *fakeConn) OffState(l *emitter.Listener[connection.State, connection.StateChange]) {
	f.events.Off(l)
}

func (f *fakeConn) send(msg *protocol.Message) *dispatch.Future {
	fut := f.q.NewFuture()
	fr := frame{msg: msg, fut: fut}
	f.frames <- fr

	f.mu.Lock()
	if f.hold[msg.Event] || f.state != connection.Connected {
		f.held = append(f.held, fr)
		f.mu.Unlock()
		return fut
	}
	err := f.replyErr[msg.Event]
	echo := f.echo
	h := f.handler
	f.mu.Unlock()

	f.serve(fr, err, echo, h)
	return fut
}

// serve plays the server's side of one exchange.
func (f *fakeConn) serve(fr frame, err error, echo bool, h func(*protocol.Message)) {
	msg := fr.msg
	if err != nil || h == nil {
		fr.fut.Resolve(err)
		return
	}

	switch msg.Event {
	case protocol.EventJoin:
		fr.fut.Resolve(nil)
		h(protocol.NewPresenceStateMessage(msg.Topic, msg.JoinRef, map[string][]protocol.PresenceMeta{}))
		return
	case protocol.EventBroadcast:
		if echo {
			name, _ := msg.Payload["event"].(string)
			h(protocol.NewBroadcastMessage(msg.Topic, protocol.Broadcast{
				ID:           "msg-1",
				Event:        name,
				Payload:      msg.Payload["payload"],
				ClientID:     f.clientID,
				ConnectionID: "conn-1",
				Timestamp:    time.Now().UnixMilli(),
			}))
		}
	case protocol.EventPresence:
		key, _ := msg.Payload["key"].(string)
		meta := protocol.PresenceMeta{
			PhxRef:       "ref",
			ClientID:     key,
			ConnectionID: "conn-1",
			Data:         msg.Payload["payload"],
			Timestamp:    time.Now().UnixMilli(),
		}
		none := map[string][]protocol.PresenceMeta{}
		one := map[string][]protocol.PresenceMeta{key: {meta}}
		if msg.Payload["event"] == protocol.PresenceUntrack {
			h(protocol.NewPresenceDiffMessage(msg.Topic, "", none, one))
		} else {
			h(protocol.NewPresenceDiffMessage(msg.Topic, "", one, none))
		}
	}
	fr.fut.Resolve(nil)
}

func (f *fakeConn) setHandler(h func(*protocol.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeConn) holdReplies(events ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range events {
		f.hold[e] = true
	}
}

func (f *fakeConn) failReplies(event string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyErr[event] = err
}

// release answers every held frame for event the way an unheld one would be
// answered.
func (f *fakeConn) release(event string) {
	f.mu.Lock()
	delete(f.hold, event)
	var out, keep []frame
	for _, fr := range f.held {
		if fr.msg.Event == event {
			out = append(out, fr)
		} else {
			keep = append(keep, fr)
		}
	}
	f.held = keep
	err := f.replyErr[event]
	echo := f.echo
	h := f.handler
	f.mu.Unlock()

	for _, fr := range out {
		f.serve(fr, err, echo, h)
	}
}

// setState moves the fake to s. Leaving Connected fails held requests the
// way a dropped transport does; entering it answers whatever was queued.
func (f *fakeConn) setState(s connection.State, reason error) {
	f.mu.Lock()
	prev := f.state
	f.state = s
	f.reason = reason
	var dropped, queued []frame
	if s != connection.Connected {
		dropped = f.held
		f.held = nil
	} else {
		var keep []frame
		for _, fr := range f.held {
			if f.hold[fr.msg.Event] {
				keep = append(keep, fr)
			} else {
				queued = append(queued, fr)
			}
		}
		f.held = keep
	}
	echo := f.echo
	h := f.handler
	f.mu.Unlock()

	for _, fr := range dropped {
		fr.fut.Resolve(connection.ErrDisconnected)
	}
	f.events.Emit(s, connection.StateChange{Previous: prev, Current: s, Reason: reason})
	for _, fr := range queued {
		f.serve(fr, f.errFor(fr.msg.Event), echo, h)
	}
}

func (f *fakeConn) errFor(event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replyErr[event]
}

// waitFrame returns the next frame with event, discarding others.
func (f *fakeConn) waitFrame(t *testing.T, event string) frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case fr := <-f.frames:
			if fr.msg.Event == event {
				return fr
			}
		case <-deadline:
			t.Fatalf("no %s frame sent", event)
			return frame{}
		}
	}
}

// sentCount drains and counts frames sent so far.
func (f *fakeConn) sentCount() int {
	n := 0
	for {
		select {
		case <-f.frames:
			n++
		default:
			return n
		}
	}
}

type testEnv struct {
	q    *dispatch.Queue
	conn *fakeConn
	reg  *Registry
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	q := dispatch.NewQueue()
	conn := newFakeConn(q, "alice")
	reg := NewRegistry(conn, q, cfg)
	conn.setHandler(reg.HandleMessage)
	t.Cleanup(func() {
		reg.Dispose()
		q.Close()
	})
	return &testEnv{q: q, conn: conn, reg: reg}
}

// flush runs the queue until it is idle, including delivery cycles queued
// by the tasks it drained.
func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		require.NoError(t, e.q.Flush(ctx))
		if e.q.Pending() == 0 {
			return
		}
	}
}

func wait(t *testing.T, f *dispatch.Future) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not resolve")
	return err
}
