package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/sbrealtime/internal/connection"
	"github.com/markb/sbrealtime/internal/protocol"
)

// recordStates collects the states a channel enters.
func recordStates(ch *Channel) <-chan State {
	out := make(chan State, 64)
	ch.OnState(func(sc StateChange) { out <- sc.Current })
	return out
}

func expectStates(t *testing.T, states <-chan State, want ...State) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-states:
			require.Equal(t, w, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for state %s", w)
		}
	}
}

func waitState(t *testing.T, ch *Channel, s State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := ch.WaitFor(ctx, s)
	require.NoError(t, err, "channel stuck in %s", got)
}

func TestAttachDetach(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")
	states := recordStates(ch)

	require.NoError(t, wait(t, ch.Attach()))
	assert.Equal(t, Attached, ch.State())
	require.NoError(t, wait(t, ch.Detach()))
	assert.Equal(t, Detached, ch.State())

	expectStates(t, states, Attaching, Attached, Detaching, Detached)
}

func TestAttachWhileAttachingSharesFuture(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.holdReplies(protocol.EventJoin)
	ch := env.reg.Get("room")

	f1 := ch.Attach()
	f2 := ch.Attach()
	assert.Same(t, f1, f2)

	env.conn.waitFrame(t, protocol.EventJoin)
	assert.Zero(t, env.conn.sentCount(), "only one join may be sent")

	env.conn.release(protocol.EventJoin)
	assert.NoError(t, wait(t, f1))
	assert.True(t, ch.Attach().IsResolved())
}

func TestJoinCarriesEchoAndPresenceKey(t *testing.T) {
	tests := []struct {
		name     string
		echo     bool
		opts     *Options
		wantSelf bool
	}{
		{"echo", true, nil, true},
		{"no echo", false, nil, false},
		{"skip echo", true, &Options{SkipEcho: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.EchoMessages = tt.echo
			env := newTestEnv(t, cfg)

			ch := env.reg.GetWithOptions("room", tt.opts)
			ch.Attach()
			join := env.conn.waitFrame(t, protocol.EventJoin)

			config := join.msg.Payload["config"].(map[string]any)
			assert.Equal(t, tt.wantSelf, config["broadcast"].(map[string]any)["self"])
			assert.Equal(t, "alice", config["presence"].(map[string]any)["key"])
		})
	}
}

func TestAttachQueuedBehindDetach(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")
	require.NoError(t, wait(t, ch.Attach()))

	env.conn.holdReplies(protocol.EventLeave)
	detach := ch.Detach()
	attach := ch.Attach()
	assert.Equal(t, Detaching, ch.State())

	env.conn.release(protocol.EventLeave)
	require.NoError(t, wait(t, detach))
	require.NoError(t, wait(t, attach))
	assert.Equal(t, Attached, ch.State())
}

func TestDetachSupersedesQueuedAttach(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")
	require.NoError(t, wait(t, ch.Attach()))

	env.conn.holdReplies(protocol.EventLeave)
	detach := ch.Detach()
	attach := ch.Attach()
	again := ch.Detach()

	assert.Same(t, detach, again)
	assert.ErrorIs(t, wait(t, attach), ErrSuperseded)

	env.conn.release(protocol.EventLeave)
	require.NoError(t, wait(t, detach))
	env.flush(t)
	assert.Equal(t, Detached, ch.State())
}

func TestAttachSupersedesQueuedDetach(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.holdReplies(protocol.EventJoin)
	ch := env.reg.Get("room")

	attach := ch.Attach()
	detach := ch.Detach()
	again := ch.Attach()

	assert.Same(t, attach, again)
	assert.ErrorIs(t, wait(t, detach), ErrSuperseded)

	env.conn.release(protocol.EventJoin)
	require.NoError(t, wait(t, attach))
	env.flush(t)
	assert.Equal(t, Attached, ch.State())
}

func TestDetachQueuedBehindAttach(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.holdReplies(protocol.EventJoin)
	ch := env.reg.Get("room")
	states := recordStates(ch)

	attach := ch.Attach()
	detach := ch.Detach()

	env.conn.release(protocol.EventJoin)
	require.NoError(t, wait(t, attach))
	require.NoError(t, wait(t, detach))
	expectStates(t, states, Attaching, Attached, Detaching, Detached)
}

func TestDetachFromInitializedAndSuspended(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	ch := env.reg.Get("fresh")
	require.NoError(t, wait(t, ch.Detach()))
	assert.Equal(t, Detached, ch.State())
	assert.Zero(t, env.conn.sentCount())

	other := env.reg.Get("other")
	require.NoError(t, wait(t, other.Attach()))
	env.conn.setState(connection.Disconnected, errors.New("lost"))
	waitState(t, other, Suspended)

	require.NoError(t, wait(t, other.Detach()))
	assert.Equal(t, Detached, other.State())
}

func TestAttachRejectedFails(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.failReplies(protocol.EventJoin, &protocol.ReplyError{Code: protocol.CodeUnauthorized, Message: "denied"})
	ch := env.reg.Get("room")

	err := wait(t, ch.Attach())
	assert.ErrorIs(t, err, ErrChannelFailed)
	assert.Equal(t, Failed, ch.State())

	var replyErr *protocol.ReplyError
	assert.ErrorAs(t, ch.ErrorReason(), &replyErr)

	assert.ErrorIs(t, wait(t, ch.Publish("x", nil)), ErrChannelFailed)
	assert.ErrorIs(t, wait(t, ch.Detach()), ErrChannelFailed)

	// A failed channel can be attached again explicitly.
	env.conn.failReplies(protocol.EventJoin, nil)
	assert.NoError(t, wait(t, ch.Attach()))
}

func TestAttachInterruptedSuspendsAndRecovers(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.holdReplies(protocol.EventJoin)
	ch := env.reg.Get("room")

	attach := ch.Attach()
	env.conn.waitFrame(t, protocol.EventJoin)
	env.conn.setState(connection.Disconnected, errors.New("network down"))

	assert.ErrorIs(t, wait(t, attach), connection.ErrDisconnected)
	waitState(t, ch, Suspended)

	env.conn.release(protocol.EventJoin)
	env.conn.setState(connection.Connected, nil)
	waitState(t, ch, Attached)
}

func TestConnectionLossSuspendsAttachedChannel(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")
	require.NoError(t, wait(t, ch.Attach()))
	states := recordStates(ch)

	env.conn.setState(connection.Disconnected, errors.New("network down"))
	expectStates(t, states, Suspended)
	assert.Error(t, ch.ErrorReason())

	env.conn.setState(connection.Connected, nil)
	expectStates(t, states, Attaching, Attached)
}

func TestSuspendedChannelRetriesWhileConnected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryTimeout = 100 * time.Millisecond
	env := newTestEnv(t, cfg)
	ch := env.reg.Get("room")
	require.NoError(t, wait(t, ch.Attach()))

	env.reg.HandleMessage(protocol.NewClose("room", "", "maintenance"))
	waitState(t, ch, Suspended)
	assert.ErrorIs(t, ch.ErrorReason(), ErrChannelSuspended)

	waitState(t, ch, Attached)
}

func TestConnectionClosedDetaches(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")
	require.NoError(t, wait(t, ch.Attach()))

	env.conn.setState(connection.Closed, nil)
	waitState(t, ch, Detached)
	assert.ErrorIs(t, ch.ErrorReason(), connection.ErrConnectionClosed)

	assert.ErrorIs(t, wait(t, ch.Attach()), connection.ErrConnectionClosed)
}

func TestConnectionFailedFailsChannel(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")
	require.NoError(t, wait(t, ch.Attach()))

	env.conn.setState(connection.Failed, connection.ErrUnauthorized)
	waitState(t, ch, Failed)
	assert.ErrorIs(t, ch.ErrorReason(), connection.ErrUnauthorized)

	idle := env.reg.Get("idle")
	assert.ErrorIs(t, wait(t, idle.Attach()), ErrChannelFailed)
	assert.Equal(t, Failed, idle.State())
}

func TestAttachWaitsForConnection(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.setState(connection.Connecting, nil)
	ch := env.reg.Get("room")

	attach := ch.Attach()
	assert.Equal(t, Attaching, ch.State())
	env.flush(t)
	assert.Zero(t, env.conn.sentCount(), "join must wait for the connection")

	env.conn.setState(connection.Connected, nil)
	require.NoError(t, wait(t, attach))
	assert.Equal(t, Attached, ch.State())
}

func TestDetachAbandonsAttachWaitingForConnection(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.setState(connection.Connecting, nil)
	ch := env.reg.Get("room")

	attach := ch.Attach()
	require.NoError(t, wait(t, ch.Detach()))
	assert.ErrorIs(t, wait(t, attach), ErrSuperseded)
	assert.Equal(t, Detached, ch.State())

	env.conn.setState(connection.Connected, nil)
	env.flush(t)
	assert.Zero(t, env.conn.sentCount(), "no join after the attach was abandoned")
	assert.Equal(t, Detached, ch.State())
}

func TestAttachOnSuspendedConnection(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.setState(connection.Suspended, connection.ErrConnectionSuspended)
	ch := env.reg.Get("room")

	assert.ErrorIs(t, wait(t, ch.Attach()), connection.ErrConnectionSuspended)
	assert.Equal(t, Suspended, ch.State())
}

func TestPublishHeldWhileAttaching(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.holdReplies(protocol.EventJoin)
	ch := env.reg.Get("room")

	ch.Attach()
	env.conn.waitFrame(t, protocol.EventJoin)
	publish := ch.Publish("greeting", "hi")
	assert.Zero(t, env.conn.sentCount(), "publish must wait for the attach")
	assert.False(t, publish.IsResolved())

	env.conn.release(protocol.EventJoin)
	require.NoError(t, wait(t, publish))
	fr := env.conn.waitFrame(t, protocol.EventBroadcast)
	assert.Equal(t, "greeting", fr.msg.Payload["event"])
}

func TestHeldPublishFailsWithAttach(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.conn.holdReplies(protocol.EventJoin)
	ch := env.reg.Get("room")

	ch.Attach()
	publish := ch.Publish("greeting", "hi")

	env.conn.failReplies(protocol.EventJoin, &protocol.ReplyError{Code: protocol.CodeUnauthorized})
	env.conn.release(protocol.EventJoin)

	assert.ErrorIs(t, wait(t, publish), ErrChannelFailed)
}

func TestPublishWithoutAttach(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")

	require.NoError(t, wait(t, ch.Publish("greeting", nil)))
	assert.Equal(t, Initialized, ch.State())
}

func TestSubscribeAttachesImplicitly(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")

	ch.Subscribe(func(*Message) {})
	waitState(t, ch, Attached)
}

func TestSubscribeWithManualAttach(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.GetWithOptions("room", &Options{ManualAttach: true})

	ch.Subscribe(func(*Message) {})
	env.flush(t)
	assert.Equal(t, Initialized, ch.State())
	assert.Zero(t, env.conn.sentCount())
}

func TestSubscribeDoesNotReattachDetached(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")
	require.NoError(t, wait(t, ch.Attach()))
	require.NoError(t, wait(t, ch.Detach()))

	ch.Subscribe(func(*Message) {})
	env.flush(t)
	assert.Equal(t, Detached, ch.State())
}

func TestSubscribeByName(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")

	var all, greetings []string
	ch.Subscribe(func(m *Message) { all = append(all, m.Name) })
	l := ch.Subscribe(func(m *Message) { greetings = append(greetings, m.Name) }, "greeting")
	waitState(t, ch, Attached)

	require.NoError(t, wait(t, ch.Publish("greeting", 1)))
	require.NoError(t, wait(t, ch.Publish("farewell", 2)))
	ch.Unsubscribe(l)
	require.NoError(t, wait(t, ch.Publish("greeting", 3)))
	env.flush(t)

	assert.Equal(t, []string{"greeting", "farewell", "greeting"}, all)
	assert.Equal(t, []string{"greeting"}, greetings)

	ch.UnsubscribeAll()
	assert.Equal(t, Attached, ch.State())
}

func TestMessageFields(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")

	got := make(chan *Message, 1)
	ch.Subscribe(func(m *Message) { got <- m })
	waitState(t, ch, Attached)

	env.reg.HandleMessage(protocol.NewBroadcastMessage("room", protocol.Broadcast{
		ID:           "id-1",
		Event:        "news",
		Payload:      map[string]any{"k": "v"},
		ClientID:     "bob",
		ConnectionID: "conn-9",
		Timestamp:    1700000000000,
	}))

	m := <-got
	assert.Equal(t, "id-1", m.ID)
	assert.Equal(t, "news", m.Name)
	assert.Equal(t, map[string]any{"k": "v"}, m.Data)
	assert.Equal(t, "bob", m.ClientID)
	assert.Equal(t, "conn-9", m.ConnectionID)
	assert.Equal(t, int64(1700000000000), m.Timestamp.UnixMilli())
}

func TestMessagesDroppedUnlessAttached(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.GetWithOptions("room", &Options{ManualAttach: true})

	delivered := 0
	ch.Subscribe(func(*Message) { delivered++ })
	env.reg.HandleMessage(protocol.NewBroadcastMessage("room", protocol.Broadcast{Event: "x"}))
	env.flush(t)

	assert.Zero(t, delivered)
}

func TestWaitForTimesOut(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ch := env.reg.Get("room")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s, err := ch.WaitFor(ctx, Attached)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Initialized, s)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "attached", Attached.String())
	assert.Equal(t, "detaching", Detaching.String())
	assert.Equal(t, "unknown", State(42).String())
}
