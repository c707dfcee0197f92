package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/sbrealtime/internal/channel"
)

// printer writes command results either as readable lines for a terminal
// or as one JSON object per line for pipes.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func newPrinter(cmd *cobra.Command) *printer {
	w := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")
	if !asJSON {
		f, ok := w.(*os.File)
		asJSON = !ok || !term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, json: asJSON}
}

// record is the JSON line shape shared by every printed event.
type record struct {
	Type         string    `json:"type"`
	Channel      string    `json:"channel,omitempty"`
	Name         string    `json:"name,omitempty"`
	Action       string    `json:"action,omitempty"`
	State        string    `json:"state,omitempty"`
	ID           string    `json:"id,omitempty"`
	ClientID     string    `json:"clientId,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Data         any       `json:"data,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitzero"`
}

func (p *printer) message(ch string, m *channel.Message) {
	p.write(record{
		Type:         "message",
		Channel:      ch,
		Name:         m.Name,
		ID:           m.ID,
		ClientID:     m.ClientID,
		ConnectionID: m.ConnectionID,
		Data:         m.Data,
		Timestamp:    m.Timestamp,
	}, func() string {
		return fmt.Sprintf("[%s] %s from %s: %s", ch, m.Name, orDash(m.ClientID), formatData(m.Data))
	})
}

func (p *printer) presence(ch string, m *channel.PresenceMessage) {
	p.write(record{
		Type:         "presence",
		Channel:      ch,
		Action:       m.Action.String(),
		ClientID:     m.ClientID,
		ConnectionID: m.ConnectionID,
		Data:         m.Data,
		Timestamp:    m.Timestamp,
	}, func() string {
		return fmt.Sprintf("[%s] %s %s (%s) %s", ch, m.Action, m.ClientID, m.ConnectionID, formatData(m.Data))
	})
}

func (p *printer) state(ch string, sc channel.StateChange) {
	p.write(record{
		Type:    "state",
		Channel: ch,
		State:   sc.Current.String(),
		Error:   errString(sc.Reason),
	}, func() string {
		if sc.Reason != nil {
			return fmt.Sprintf("[%s] %s -> %s: %v", ch, sc.Previous, sc.Current, sc.Reason)
		}
		return fmt.Sprintf("[%s] %s -> %s", ch, sc.Previous, sc.Current)
	})
}

// value prints an arbitrary result: indented JSON on a terminal, a single
// line otherwise.
func (p *printer) value(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	enc := json.NewEncoder(p.w)
	if !p.json {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func (p *printer) write(r record, text func() string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_ = json.NewEncoder(p.w).Encode(r)
		return
	}
	fmt.Fprintln(p.w, text())
}

func formatData(v any) string {
	switch d := v.(type) {
	case nil:
		return "-"
	case string:
		return d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Sprint(d)
		}
		return string(b)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
