package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/channel"
)

var presenceCmd = &cobra.Command{
	Use:   "presence <channel>",
	Short: "List the members present on a channel",
	Long: `Attaches to the channel, waits for the presence set to synchronize and
prints its members. With --watch it keeps printing presence events.`,
	Args: cobra.ExactArgs(1),
	RunE: runPresence,
}

type memberView struct {
	ClientID     string    `json:"clientId"`
	ConnectionID string    `json:"connectionId"`
	Data         any       `json:"data,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitzero"`
}

func runPresence(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	ch := c.Channels().Get(args[0])
	ctx, cancel := waitCtx(cmd)
	defer cancel()
	if err := ch.Attach().Wait(ctx); err != nil {
		return fmt.Errorf("attach %s: %w", ch.Name(), err)
	}
	if err := waitForSync(ctx, ch.Presence()); err != nil {
		return fmt.Errorf("presence sync on %s: %w", ch.Name(), err)
	}

	out := newPrinter(cmd)
	members := ch.Presence().Get()
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, memberView{
			ClientID:     m.ClientID,
			ConnectionID: m.ConnectionID,
			Data:         m.Data,
			Timestamp:    m.Timestamp,
		})
	}
	if err := out.value(views); err != nil {
		return err
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		ch.Presence().Subscribe(func(m *channel.PresenceMessage) { out.presence(ch.Name(), m) })
		waitForSignal()
	}
	return nil
}

// waitForSync polls until the channel's presence set has been received.
func waitForSync(ctx context.Context, p *channel.Presence) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !p.SyncComplete() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(presenceCmd)
	addClientFlags(presenceCmd)
	presenceCmd.Flags().Bool("watch", false, "Keep printing presence events until interrupted")
}
