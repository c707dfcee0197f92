package log

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"
)

func TestBufferHandler_StoresEntry(t *testing.T) {
	buf := NewRingBuffer(10)
	logger := slog.New(NewBufferHandler(nil, buf)) // nil wrapped handler is valid

	logger.Info("joined", "channel", "room", "members", 3)

	entries := buf.Last(10, slog.LevelDebug)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Message != "joined" || e.Level != slog.LevelInfo {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Attrs["channel"] != "room" {
		t.Errorf("expected channel attr 'room', got %v", e.Attrs["channel"])
	}
	if e.Attrs["members"] != int64(3) {
		t.Errorf("expected members attr 3, got %v (%T)", e.Attrs["members"], e.Attrs["members"])
	}
}

func TestBufferHandler_AttrsAndGroups(t *testing.T) {
	buf := NewRingBuffer(10)
	logger := slog.New(NewBufferHandler(nil, buf)).
		With("conn_id", "c1").
		WithGroup("push").
		With("device", "dev-1")

	logger.Warn("send failed", "error", errors.New("gone"), slog.Group("notification", "title", "hi"))

	e := buf.Last(1, slog.LevelDebug)[0]
	want := map[string]any{
		"conn_id":                 "c1",
		"push.device":             "dev-1",
		"push.error":              "gone",
		"push.notification.title": "hi",
	}
	for k, v := range want {
		if e.Attrs[k] != v {
			t.Errorf("attr %s = %v, want %v", k, e.Attrs[k], v)
		}
	}
	if len(e.Attrs) != len(want) {
		t.Errorf("unexpected attrs %v", e.Attrs)
	}
}

func TestBufferHandler_WithAttrsDoesNotLeak(t *testing.T) {
	buf := NewRingBuffer(10)
	base := slog.New(NewBufferHandler(nil, buf))
	base.With("channel", "a").Info("one")
	base.Info("two")

	entries := buf.Last(2, slog.LevelDebug)
	if entries[1].Attrs != nil {
		t.Errorf("expected no attrs on second entry, got %v", entries[1].Attrs)
	}
}

func TestRingBuffer_EvictsOldest(t *testing.T) {
	buf := NewRingBuffer(3)
	for i := 1; i <= 4; i++ {
		buf.Add(Entry{Message: fmt.Sprintf("line%d", i)})
	}

	entries := buf.Last(10, slog.LevelDebug)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Message != "line2" {
		t.Errorf("expected oldest entry 'line2', got %q", entries[0].Message)
	}
	if entries[2].Message != "line4" {
		t.Errorf("expected newest entry 'line4', got %q", entries[2].Message)
	}
	if buf.Len() != 3 || buf.Capacity() != 3 {
		t.Errorf("expected len and capacity 3, got %d and %d", buf.Len(), buf.Capacity())
	}
}

func TestRingBuffer_LastLimitAndLevel(t *testing.T) {
	buf := NewRingBuffer(10)
	levels := []slog.Level{slog.LevelDebug, slog.LevelWarn, slog.LevelInfo, slog.LevelError, slog.LevelWarn}
	for i, l := range levels {
		buf.Add(Entry{Level: l, Message: fmt.Sprintf("m%d", i)})
	}

	if got := buf.Last(3, slog.LevelDebug); len(got) != 3 || got[0].Message != "m2" {
		t.Errorf("expected m2..m4, got %+v", got)
	}

	warn := buf.Last(10, slog.LevelWarn)
	var msgs []string
	for _, e := range warn {
		msgs = append(msgs, e.Message)
	}
	if fmt.Sprint(msgs) != "[m1 m3 m4]" {
		t.Errorf("expected [m1 m3 m4], got %v", msgs)
	}

	if got := buf.Last(0, slog.LevelDebug); len(got) != 0 {
		t.Errorf("expected no entries for n=0, got %d", len(got))
	}
}

func TestBufferHandler_ForwardsToWrapped(t *testing.T) {
	buf := NewRingBuffer(10)
	var output bytes.Buffer
	wrapped := slog.NewTextHandler(&output, nil)
	logger := slog.New(NewBufferHandler(wrapped, buf))

	logger.Debug("below wrapped level")
	logger.Info("forwarded message")

	if buf.Len() != 2 {
		t.Fatalf("expected 2 entries in buffer, got %d", buf.Len())
	}
	if !bytes.Contains(output.Bytes(), []byte("forwarded message")) {
		t.Error("expected wrapped handler to receive info entry")
	}
	if bytes.Contains(output.Bytes(), []byte("below wrapped level")) {
		t.Error("wrapped handler should not receive debug entry")
	}
}

func TestRingBuffer_Empty(t *testing.T) {
	buf := NewRingBuffer(10)

	if got := buf.Last(10, slog.LevelDebug); len(got) != 0 {
		t.Fatalf("expected 0 entries from empty buffer, got %d", len(got))
	}
	if buf.Len() != 0 {
		t.Errorf("expected len 0, got %d", buf.Len())
	}
}

func TestRingBuffer_DefaultCapacity(t *testing.T) {
	if c := NewRingBuffer(0).Capacity(); c != 500 {
		t.Errorf("expected default capacity 500, got %d", c)
	}
	if c := NewRingBuffer(-1).Capacity(); c != 500 {
		t.Errorf("expected default capacity 500, got %d", c)
	}
}
