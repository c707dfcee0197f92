package log

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const createLogsTableSQL = `
CREATE TABLE IF NOT EXISTS logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    source TEXT,
    request_id TEXT,
    client_id TEXT,
    channel TEXT,
    extra TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
CREATE INDEX IF NOT EXISTS idx_logs_channel ON logs(channel);
`

// dbSink is the database shared by a DBHandler and the handlers derived
// from it with WithAttrs.
type dbSink struct {
	mu            sync.Mutex
	db            *sql.DB
	stmt          *sql.Stmt
	retention     int
	cleanupTicker *time.Ticker
	done          chan struct{}
	closed        bool
}

// DBHandler writes logs to a SQLite database. The request_id, client_id and
// channel attributes get their own columns when listed in Config.Fields.
type DBHandler struct {
	sink   *dbSink
	fields map[string]bool
	level  slog.Level
	attrs  []slog.Attr
}

// NewDBHandler creates a database handler.
func NewDBHandler(cfg *Config, level slog.Level) (*DBHandler, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}

	// Create table
	if _, err := db.Exec(createLogsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create logs table: %w", err)
	}

	// Prepare insert statement
	stmt, err := db.Prepare(`
		INSERT INTO logs (timestamp, level, message, source, request_id, client_id, channel, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	fields := make(map[string]bool)
	for _, f := range cfg.Fields {
		fields[f] = true
	}

	sink := &dbSink{
		db:        db,
		stmt:      stmt,
		retention: cfg.RetentionDays,
		done:      make(chan struct{}),
	}
	sink.startCleanup()

	return &DBHandler{sink: sink, fields: fields, level: level}, nil
}

// Enabled reports whether the handler handles records at the given level.
func (h *DBHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle writes the record to the database.
func (h *DBHandler) Handle(ctx context.Context, r slog.Record) error {
	var source, requestID, clientID, channel, extra sql.NullString

	if h.fields["source"] {
		// Get caller info
		_, file, line, ok := runtime.Caller(4) // Skip through slog internals
		if ok {
			source = sql.NullString{String: fmt.Sprintf("%s:%d", file, line), Valid: true}
		}
	}

	extraData := make(map[string]any)
	column := func(a slog.Attr) {
		switch a.Key {
		case "request_id":
			if h.fields["request_id"] {
				requestID = sql.NullString{String: a.Value.String(), Valid: true}
			}
		case "client_id":
			if h.fields["client_id"] {
				clientID = sql.NullString{String: a.Value.String(), Valid: true}
			}
		case "channel":
			if h.fields["channel"] {
				channel = sql.NullString{String: a.Value.String(), Valid: true}
			}
		default:
			if h.fields["extra"] {
				extraData[a.Key] = a.Value.Any()
			}
		}
	}
	for _, a := range h.attrs {
		column(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		column(a)
		return true
	})

	if h.fields["extra"] && len(extraData) > 0 {
		data, _ := json.Marshal(extraData)
		extra = sql.NullString{String: string(data), Valid: true}
	}

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if h.sink.closed {
		return nil
	}
	_, err := h.sink.stmt.Exec(
		r.Time.Format(time.RFC3339),
		r.Level.String(),
		r.Message,
		source,
		requestID,
		clientID,
		channel,
		extra,
	)
	return err
}

// WithAttrs returns a handler that adds attrs to every record.
func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup returns the same handler; groups are flattened.
func (h *DBHandler) WithGroup(name string) slog.Handler {
	return h
}

// startCleanup starts the background cleanup ticker.
func (s *dbSink) startCleanup() {
	s.cleanupTicker = time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-s.cleanupTicker.C:
				s.runCleanup()
			case <-s.done:
				return
			}
		}
	}()
}

// runCleanup deletes old log entries.
func (s *dbSink) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -s.retention)
	s.db.Exec("DELETE FROM logs WHERE timestamp < ?", cutoff.Format(time.RFC3339))
}

// Close closes the database handler and every handler derived from it.
func (h *DBHandler) Close() error {
	s := h.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.cleanupTicker.Stop()
	s.stmt.Close()
	return s.db.Close()
}
