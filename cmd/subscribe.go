package cmd

import (
	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/channel"
	"github.com/markb/sbrealtime/internal/log"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <channel>...",
	Short: "Print messages and presence events from channels",
	Long: `Attaches to each channel and prints every message and presence event
until interrupted. With --enter the client also enters presence.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubscribe,
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	out := newPrinter(cmd)
	names, _ := cmd.Flags().GetStringSlice("name")
	enter := cmd.Flags().Changed("enter")
	enterData, _ := cmd.Flags().GetString("enter")

	for _, name := range args {
		ch := c.Channels().Get(name)
		ch.OnState(func(sc channel.StateChange) { out.state(ch.Name(), sc) })
		ch.Subscribe(func(m *channel.Message) { out.message(ch.Name(), m) }, names...)
		ch.Presence().Subscribe(func(m *channel.PresenceMessage) { out.presence(ch.Name(), m) })

		if enter {
			ch.Presence().Enter(parseData(enterData)).Then(func(err error) {
				if err != nil {
					log.Error("presence enter failed", "channel", ch.Name(), "error", err.Error())
				}
			})
		}
	}

	sig := waitForSignal()
	log.Debug("subscribe: stopping", "signal", sig.String())
	return nil
}

func init() {
	rootCmd.AddCommand(subscribeCmd)
	addClientFlags(subscribeCmd)
	subscribeCmd.Flags().StringSlice("name", nil, "Only print messages with these names")
	subscribeCmd.Flags().String("enter", "", "Enter presence with this data (JSON or text)")
}
