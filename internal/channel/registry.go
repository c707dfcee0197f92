// Package channel implements realtime channels: the per-name registry, the
// attach/detach state machine, message subscription and presence.
package channel

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/markb/sbrealtime/internal/connection"
	"github.com/markb/sbrealtime/internal/dispatch"
	"github.com/markb/sbrealtime/internal/emitter"
	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/observability"
	"github.com/markb/sbrealtime/internal/protocol"
)

// Conn is the part of the realtime connection channels depend on.
type Conn interface {
	State() connection.State
	ErrorReason() error
	ClientID() string
	Send(msg *protocol.Message) *dispatch.Future
	SendControl(msg *protocol.Message) *dispatch.Future
	OnState(fn func(connection.StateChange), states ...connection.State) *emitter.Listener[connection.State, connection.StateChange]
	OffState(l *emitter.Listener[connection.State, connection.StateChange])
}

// Config holds registry-wide channel settings.
type Config struct {
	// NamePrefix, when set, is applied to every channel name as
	// "prefix-name".
	NamePrefix string
	// EchoMessages delivers this client's own publishes back to it.
	EchoMessages bool
	// RetryTimeout is how long a suspended channel waits before re-attaching
	// while the connection is up.
	RetryTimeout time.Duration
	// KeepFailedOnRelease keeps a channel in the registry when the detach
	// performed by Release fails. By default it is removed.
	KeepFailedOnRelease bool

	Metrics *observability.Metrics
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		EchoMessages: true,
		RetryTimeout: 15 * time.Second,
	}
}

// Registry maps channel names to channels for one connection.
type Registry struct {
	conn  Conn
	q     *dispatch.Queue
	cfg   Config
	connL *emitter.Listener[connection.State, connection.StateChange]

	mu        sync.Mutex
	channels  map[string]*Channel
	releasing map[string]*dispatch.Future
}

// NewRegistry creates a registry bound to conn. Channel events run on q.
func NewRegistry(conn Conn, q *dispatch.Queue, cfg Config) *Registry {
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = DefaultConfig().RetryTimeout
	}
	r := &Registry{
		conn:      conn,
		q:         q,
		cfg:       cfg,
		channels:  make(map[string]*Channel),
		releasing: make(map[string]*dispatch.Future),
	}
	r.connL = conn.OnState(r.onConnectionState)
	return r
}

// fullName applies the configured prefix. A name that already carries the
// prefix is left alone.
func (r *Registry) fullName(name string) string {
	if r.cfg.NamePrefix == "" {
		return name
	}
	prefix := r.cfg.NamePrefix + "-"
	if strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

// Get returns the channel for name, creating it in the Initialized state if
// needed. It never touches the network.
func (r *Registry) Get(name string) *Channel {
	return r.GetWithOptions(name, nil)
}

// GetWithOptions is like Get. If opts is non-nil and the channel already
// exists, its options are replaced and the same channel is returned.
func (r *Registry) GetWithOptions(name string, opts *Options) *Channel {
	full := r.fullName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[full]; ok {
		if opts != nil {
			ch.setOptions(opts)
		}
		return ch
	}

	ch := newChannel(full, r, opts)
	r.channels[full] = ch
	r.cfg.Metrics.ChannelAdded(context.Background())
	log.Debug("channel: created", "channel", full)
	return ch
}

// Exists reports whether name is in the registry. It does not create.
func (r *Registry) Exists(name string) bool {
	full := r.fullName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[full]
	return ok
}

// Len returns the number of channels in the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Names returns the sorted names of all channels.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.Unlock()
	slices.Sort(names)
	return names
}

// All iterates over a snapshot of the registry taken when iteration starts.
// The registry may be modified during iteration.
func (r *Registry) All() iter.Seq[*Channel] {
	return func(yield func(*Channel) bool) {
		for _, ch := range r.snapshot() {
			if !yield(ch) {
				return
			}
		}
	}
}

func (r *Registry) snapshot() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Release detaches the channel and removes it from the registry once the
// detach completes. The channel is removed even if the detach fails, unless
// KeepFailedOnRelease is set; the future carries the detach error. An absent
// name resolves immediately. Concurrent releases of one name share a future.
func (r *Registry) Release(name string) *dispatch.Future {
	full := r.fullName(name)

	r.mu.Lock()
	if f, ok := r.releasing[full]; ok {
		r.mu.Unlock()
		return f
	}
	ch, ok := r.channels[full]
	if !ok {
		r.mu.Unlock()
		return r.q.Resolved(nil)
	}
	f := r.q.NewFuture()
	r.releasing[full] = f
	r.mu.Unlock()

	ch.markReleasing()
	ch.Detach().Then(func(err error) {
		keep := err != nil && r.cfg.KeepFailedOnRelease

		r.mu.Lock()
		delete(r.releasing, full)
		removed := false
		if !keep && r.channels[full] == ch {
			delete(r.channels, full)
			removed = true
		}
		r.mu.Unlock()

		if removed {
			r.cfg.Metrics.ChannelRemoved(context.Background())
			ch.dispose()
			log.Debug("channel: released", "channel", full)
		} else if keep {
			ch.unmarkReleasing()
			log.Warn("channel: release kept failed channel", "channel", full, "error", err.Error())
		}
		f.Resolve(err)
	})
	return f
}

// DetachAll detaches every channel. The future resolves when all detaches
// have completed, with their errors joined.
func (r *Registry) DetachAll() *dispatch.Future {
	chans := r.snapshot()
	done := r.q.NewFuture()
	if len(chans) == 0 {
		done.Resolve(nil)
		return done
	}

	var mu sync.Mutex
	var errs []error
	remaining := len(chans)
	for _, ch := range chans {
		ch.Detach().Then(func(err error) {
			mu.Lock()
			if err != nil {
				errs = append(errs, err)
			}
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				done.Resolve(errors.Join(errs...))
			}
		})
	}
	return done
}

// HandleMessage routes an inbound frame to its channel. It is installed as
// the connection's handler and only enqueues work.
func (r *Registry) HandleMessage(msg *protocol.Message) {
	r.q.Enqueue(func() {
		r.mu.Lock()
		ch := r.channels[msg.Topic]
		r.mu.Unlock()
		if ch == nil {
			log.Debug("channel: message for unknown channel", "topic", msg.Topic, "event", msg.Event)
			return
		}
		ch.handleMessage(msg)
	})
}

func (r *Registry) onConnectionState(sc connection.StateChange) {
	for _, ch := range r.snapshot() {
		ch.onConnectionState(sc)
	}
}

// Dispose stops following the connection and drops every channel without
// detaching.
func (r *Registry) Dispose() {
	r.conn.OffState(r.connL)

	r.mu.Lock()
	chans := make([]*Channel, 0, len(r.channels))
	for name, ch := range r.channels {
		chans = append(chans, ch)
		delete(r.channels, name)
	}
	r.mu.Unlock()

	for _, ch := range chans {
		r.cfg.Metrics.ChannelRemoved(context.Background())
		ch.dispose()
	}
}
