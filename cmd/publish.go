package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <channel> <name> [data]",
	Short: "Publish one message to a channel",
	Long: `Publishes a message and waits for the server to acknowledge it. Data
that parses as JSON is sent as structured data, anything else as a string.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runPublish,
}

func runPublish(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	var data any
	if len(args) == 3 {
		data = parseData(args[2])
	}

	ch := c.Channels().Get(args[0])
	ctx, cancel := waitCtx(cmd)
	defer cancel()
	if err := ch.Publish(args[1], data).Wait(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", ch.Name(), err)
	}

	out := newPrinter(cmd)
	return out.value(map[string]any{
		"channel":   ch.Name(),
		"name":      args[1],
		"published": true,
	})
}

func init() {
	rootCmd.AddCommand(publishCmd)
	addClientFlags(publishCmd)
}
