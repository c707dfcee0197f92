package channel

import (
	"cmp"
	"slices"
	"time"

	"github.com/markb/sbrealtime/internal/dispatch"
	"github.com/markb/sbrealtime/internal/emitter"
	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/protocol"
)

// Action is the kind of presence event.
type Action int

const (
	ActionPresent Action = iota
	ActionEnter
	ActionUpdate
	ActionLeave
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionPresent:
		return "present"
	case ActionEnter:
		return "enter"
	case ActionUpdate:
		return "update"
	case ActionLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// PresenceMessage is one member's presence, as held in the member set and
// as delivered to presence subscribers.
type PresenceMessage struct {
	Action       Action
	ClientID     string
	ConnectionID string
	Data         any
	Timestamp    time.Time
}

type pendingPresence struct {
	msg *protocol.Message
	fut *dispatch.Future
}

// Presence is the member set of a channel. Its state is guarded by the
// owning channel's mutex.
type Presence struct {
	ch     *Channel
	events *emitter.Emitter[Action, *PresenceMessage]

	// guarded by ch.mu
	members      map[string]*PresenceMessage // clientID + connectionID
	syncComplete bool
	pending      []pendingPresence
}

func newPresence(ch *Channel) *Presence {
	return &Presence{
		ch:      ch,
		events:  emitter.New[Action, *PresenceMessage](ch.reg.q, "presence:"+ch.name),
		members: make(map[string]*PresenceMessage),
	}
}

func memberKey(clientID, connectionID string) string {
	return clientID + "\x00" + connectionID
}

// Subscribe registers fn for the given presence actions, or all actions if
// none are given. Like Channel.Subscribe it attaches an initialized channel.
func (p *Presence) Subscribe(fn func(*PresenceMessage), actions ...Action) *emitter.Listener[Action, *PresenceMessage] {
	l := p.events.On(fn, actions...)
	p.ch.implicitAttach()
	return l
}

// Unsubscribe removes a presence listener.
func (p *Presence) Unsubscribe(l *emitter.Listener[Action, *PresenceMessage]) {
	p.events.Off(l)
}

// UnsubscribeAll removes every presence listener.
func (p *Presence) UnsubscribeAll() {
	p.events.OffAll()
}

// Get returns a snapshot of the current members sorted by client id. It
// reflects the last known state and may be stale while disconnected.
func (p *Presence) Get() []*PresenceMessage {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()

	out := make([]*PresenceMessage, 0, len(p.members))
	for _, m := range p.members {
		cp := *m
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *PresenceMessage) int {
		if c := cmp.Compare(a.ClientID, b.ClientID); c != 0 {
			return c
		}
		return cmp.Compare(a.ConnectionID, b.ConnectionID)
	})
	return out
}

// SyncComplete reports whether the initial member set has been received
// since the channel last attached.
func (p *Presence) SyncComplete() bool {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	return p.syncComplete
}

// Enter enters this client with data.
func (p *Presence) Enter(data any) *dispatch.Future {
	return p.EnterClient(p.ch.reg.conn.ClientID(), data)
}

// Update updates this client's data.
func (p *Presence) Update(data any) *dispatch.Future {
	return p.UpdateClient(p.ch.reg.conn.ClientID(), data)
}

// Leave removes this client from the member set.
func (p *Presence) Leave(data any) *dispatch.Future {
	return p.LeaveClient(p.ch.reg.conn.ClientID(), data)
}

// EnterClient enters clientID with data. The future resolves once the
// server confirms, after the member set reflects the change.
func (p *Presence) EnterClient(clientID string, data any) *dispatch.Future {
	return p.send(protocol.PresenceTrack, clientID, data)
}

// UpdateClient updates the data of clientID.
func (p *Presence) UpdateClient(clientID string, data any) *dispatch.Future {
	return p.send(protocol.PresenceTrack, clientID, data)
}

// LeaveClient removes clientID from the member set.
func (p *Presence) LeaveClient(clientID string, data any) *dispatch.Future {
	return p.send(protocol.PresenceUntrack, clientID, data)
}

func (p *Presence) send(action, clientID string, data any) *dispatch.Future {
	q := p.ch.reg.q
	if clientID == "" {
		return q.Resolved(ErrNoClientID)
	}
	msg := protocol.NewPresence(p.ch.name, action, clientID, data)

	c := p.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Attached:
		return p.sendLocked(msg)
	case Initialized, Detached:
		if f := c.attachLocked(); c.state != Attaching {
			return f
		}
	case Attaching:
	default:
		return q.Resolved(ErrInvalidState)
	}

	fut := q.NewFuture()
	p.pending = append(p.pending, pendingPresence{msg: msg, fut: fut})
	return fut
}

// sendLocked transmits a presence frame. The returned future resolves on
// the dispatch queue, after the presence_diff that precedes the ack has
// been applied.
func (p *Presence) sendLocked(msg *protocol.Message) *dispatch.Future {
	fut := p.ch.reg.q.NewFuture()
	p.ch.reg.conn.SendControl(msg).Forward(fut)
	return fut
}

func (p *Presence) sendPendingLocked() {
	queued := p.pending
	p.pending = nil
	for _, pp := range queued {
		p.sendLocked(pp.msg).Forward(pp.fut)
	}
}

func (p *Presence) failPendingLocked(err error) {
	for _, pp := range p.pending {
		pp.fut.Resolve(err)
	}
	p.pending = nil
}

func (p *Presence) clearLocked() {
	clear(p.members)
	p.syncComplete = false
}

// onState replaces the member set from a presence_state frame. Members that
// are no longer present are reported as leaving.
func (p *Presence) onState(msg *protocol.Message) {
	state, err := protocol.DecodePresenceState(msg)
	if err != nil {
		log.Debug("presence: invalid state", "channel", p.ch.name, "error", err.Error())
		return
	}

	p.ch.mu.Lock()
	next := make(map[string]*PresenceMessage)
	var present []*PresenceMessage
	for _, metas := range state {
		for _, meta := range metas {
			m := fromMeta(ActionPresent, meta)
			next[memberKey(m.ClientID, m.ConnectionID)] = m
			present = append(present, m)
		}
	}
	var left []*PresenceMessage
	for k, m := range p.members {
		if _, ok := next[k]; !ok {
			gone := *m
			gone.Action = ActionLeave
			left = append(left, &gone)
		}
	}
	p.members = next
	p.syncComplete = true
	p.ch.mu.Unlock()

	sortMessages(present)
	sortMessages(left)
	for _, m := range present {
		p.emit(m)
	}
	for _, m := range left {
		p.emit(m)
	}
}

// onDiff applies a presence_diff frame: joins first, then leaves.
func (p *Presence) onDiff(msg *protocol.Message) {
	diff, err := protocol.DecodePresenceDiff(msg)
	if err != nil {
		log.Debug("presence: invalid diff", "channel", p.ch.name, "error", err.Error())
		return
	}

	var out []*PresenceMessage

	p.ch.mu.Lock()
	for _, metas := range diff.Joins {
		for _, meta := range metas {
			m := fromMeta(ActionEnter, meta)
			k := memberKey(m.ClientID, m.ConnectionID)
			if _, ok := p.members[k]; ok {
				m.Action = ActionUpdate
			}
			p.members[k] = m
			out = append(out, m)
		}
	}
	for _, metas := range diff.Leaves {
		for _, meta := range metas {
			m := fromMeta(ActionLeave, meta)
			delete(p.members, memberKey(m.ClientID, m.ConnectionID))
			out = append(out, m)
		}
	}
	p.ch.mu.Unlock()

	for _, m := range out {
		p.emit(m)
	}
}

func (p *Presence) emit(m *PresenceMessage) {
	cp := *m
	p.events.Emit(cp.Action, &cp)
}

func fromMeta(action Action, meta protocol.PresenceMeta) *PresenceMessage {
	m := &PresenceMessage{
		Action:       action,
		ClientID:     meta.ClientID,
		ConnectionID: meta.ConnectionID,
		Data:         meta.Data,
	}
	if meta.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(meta.Timestamp)
	}
	return m
}

func sortMessages(ms []*PresenceMessage) {
	slices.SortFunc(ms, func(a, b *PresenceMessage) int {
		if c := cmp.Compare(a.ClientID, b.ClientID); c != 0 {
			return c
		}
		return cmp.Compare(a.ConnectionID, b.ConnectionID)
	})
}
