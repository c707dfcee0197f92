package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/dispatch"
)

var channelsCmd = &cobra.Command{
	Use:   "channels [channel]...",
	Short: "Attach a set of channels, report their states and release them",
	Long: `Gets each named channel (or --count generated ones), attaches them all,
prints the state of every channel in the registry and then releases them.
Useful for checking that the server accepts joins.`,
	RunE: runChannels,
}

type channelView struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func runChannels(cmd *cobra.Command, args []string) error {
	names := args
	if len(names) == 0 {
		count, _ := cmd.Flags().GetInt("count")
		for i := 1; i <= count; i++ {
			names = append(names, fmt.Sprintf("channel-%d", i))
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("no channels given")
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer closeClient(c)

	reg := c.Channels()
	attaches := make([]*dispatch.Future, 0, len(names))
	for _, name := range names {
		attaches = append(attaches, reg.Get(name).Attach())
	}

	ctx, cancel := waitCtx(cmd)
	defer cancel()
	var failed int
	for _, f := range attaches {
		if err := f.Wait(ctx); err != nil {
			failed++
		}
	}

	views := make([]channelView, 0, reg.Len())
	for ch := range reg.All() {
		views = append(views, channelView{Name: ch.Name(), State: ch.State().String(), Error: errString(ch.ErrorReason())})
	}
	if err := newPrinter(cmd).value(views); err != nil {
		return err
	}

	if keep, _ := cmd.Flags().GetBool("keep"); !keep {
		for _, name := range reg.Names() {
			if err := reg.Release(name).Wait(ctx); err != nil {
				failed++
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d channel operations failed", failed)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(channelsCmd)
	addClientFlags(channelsCmd)
	channelsCmd.Flags().Int("count", 0, "Generate this many channel names when none are given")
	channelsCmd.Flags().Bool("keep", false, "Leave the channels attached until the client closes")
}
