package log

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one log record kept in memory.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingBuffer holds the most recent entries. Once full, each Add evicts the
// oldest entry.
type RingBuffer struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	count   int
}

// NewRingBuffer creates a buffer of capacity entries, or 500 if capacity is
// not positive.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{entries: make([]Entry, capacity)}
}

func (rb *RingBuffer) Add(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.next] = e
	rb.next = (rb.next + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
}

// Last returns up to n of the newest entries at or above minLevel, oldest first.
func (rb *RingBuffer) Last(n int, minLevel slog.Level) []Entry {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := []Entry{}
	if n <= 0 {
		return out
	}
	// Walk backwards from the newest entry, then reverse.
	for i := 1; i <= rb.count && len(out) < n; i++ {
		e := rb.entries[(rb.next-i+len(rb.entries))%len(rb.entries)]
		if e.Level >= minLevel {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of entries held.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

func (rb *RingBuffer) Capacity() int {
	return len(rb.entries)
}

// BufferHandler records every entry in a RingBuffer and forwards records
// the wrapped handler accepts.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
	attrs   map[string]any
	prefix  string
}

func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{wrapped: wrapped, buffer: buffer}
}

// Enabled is always true so the buffer sees debug entries the wrapped
// handler drops.
func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{Time: r.Time, Level: r.Level, Message: r.Message}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		e.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for k, v := range h.attrs {
			e.Attrs[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			flattenAttr(e.Attrs, h.prefix, a)
			return true
		})
	}
	h.buffer.Add(e)

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithAttrs(attrs)
	}
	for _, a := range attrs {
		flattenAttr(next.attrs, h.prefix, a)
	}
	return next
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithGroup(name)
	}
	next.prefix = h.prefix + name + "."
	return next
}

func (h *BufferHandler) clone() *BufferHandler {
	attrs := make(map[string]any, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	return &BufferHandler{wrapped: h.wrapped, buffer: h.buffer, attrs: attrs, prefix: h.prefix}
}

// flattenAttr stores a under dotted keys. Errors are kept as their message.
func flattenAttr(m map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			flattenAttr(m, p, ga)
		}
		return
	}
	v := a.Value.Any()
	if err, ok := v.(error); ok {
		v = err.Error()
	}
	m[prefix+a.Key] = v
}
