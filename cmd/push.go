package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/channel"
	"github.com/markb/sbrealtime/internal/client"
	"github.com/markb/sbrealtime/internal/push"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Register this machine as a push device and send notifications",
	Long: `Commands for the push API. The activated device identity is saved to
--state-file so later commands can act on the same device.`,
}

var pushActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Register a device and save its identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		pc, opts, err := newPushClient(cmd)
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("state-file")
		if _, err := restoreDevice(cmd, pc, path); err != nil {
			return err
		}

		ctx, cancel := waitCtx(cmd)
		defer cancel()
		if _, err := pc.Activate(ctx); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		id, secret, err := pc.Identity()
		if err != nil {
			return err
		}
		if err := saveDevice(path, savedDevice{Endpoint: opts.Endpoint, DeviceID: id, Secret: secret}); err != nil {
			return err
		}

		d, err := pc.DeviceDetails(ctx)
		if err != nil {
			return err
		}
		return newPrinter(cmd).value(d)
	},
}

var pushDeactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Deregister the saved device",
	RunE: func(cmd *cobra.Command, args []string) error {
		pc, path, err := activatedPushClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := waitCtx(cmd)
		defer cancel()
		if err := pc.Deactivate(ctx); err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Device deactivated")
		return nil
	},
}

var pushDetailsCmd = &cobra.Command{
	Use:   "details",
	Short: "Show the saved device's registration",
	RunE: func(cmd *cobra.Command, args []string) error {
		pc, _, err := activatedPushClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := waitCtx(cmd)
		defer cancel()
		d, err := pc.DeviceDetails(ctx)
		if err != nil {
			return err
		}
		return newPrinter(cmd).value(d)
	},
}

var pushNotificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications delivered to the saved device",
	RunE: func(cmd *cobra.Command, args []string) error {
		pc, _, err := activatedPushClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := waitCtx(cmd)
		defer cancel()
		ns, err := pc.Notifications(ctx)
		if err != nil {
			return err
		}
		return newPrinter(cmd).value(ns)
	},
}

var pushSendCmd = &cobra.Command{
	Use:   "send <title> [body]",
	Short: "Send a notification to the saved device or a push channel",
	Long: `Sends an admin push to the saved device, or with --channel to every device
subscribed to that channel. Requires a service_role key.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body string
		if len(args) == 2 {
			body = args[1]
		}
		ctx, cancel := waitCtx(cmd)
		defer cancel()

		if channelName, _ := cmd.Flags().GetString("channel"); channelName != "" {
			pc, _, err := newPushClient(cmd)
			if err != nil {
				return err
			}
			resp, err := pc.PublishToChannel(ctx, channelName, args[0], body)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			return newPrinter(cmd).value(resp)
		}

		pc, _, err := activatedPushClient(cmd)
		if err != nil {
			return err
		}
		if err := pc.SendAdminPush(ctx, args[0], body); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Notification sent")
		return nil
	},
}

var pushSubscribeCmd = &cobra.Command{
	Use:   "subscribe <channel>...",
	Short: "Subscribe the saved device, or its client id, to push channels",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeSubscriptions(cmd, args, true)
	},
}

var pushUnsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <channel>...",
	Short: "Remove push channel subscriptions of the saved device or its client id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeSubscriptions(cmd, args, false)
	},
}

func changeSubscriptions(cmd *cobra.Command, channels []string, subscribe bool) error {
	pc, _, err := activatedPushClient(cmd)
	if err != nil {
		return err
	}
	byClient, _ := cmd.Flags().GetBool("client")
	ctx, cancel := waitCtx(cmd)
	defer cancel()

	for _, ch := range channels {
		switch {
		case subscribe && byClient:
			err = pc.SubscribeClient(ctx, ch)
		case subscribe:
			err = pc.SubscribeDevice(ctx, ch)
		case byClient:
			err = pc.UnsubscribeClient(ctx, ch)
		default:
			err = pc.UnsubscribeDevice(ctx, ch)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", ch, err)
		}
	}
	return nil
}

var pushSubscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "List push channel subscriptions",
	Long: `Lists the saved device's subscriptions. With --channel or --client-filter it
lists matching subscriptions of any device, which requires a service_role key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		channelName, _ := cmd.Flags().GetString("channel")
		clientFilter, _ := cmd.Flags().GetString("client-filter")
		ctx, cancel := waitCtx(cmd)
		defer cancel()

		var subs []push.ChannelSubscription
		if channelName != "" || clientFilter != "" {
			pc, _, err := newPushClient(cmd)
			if err != nil {
				return err
			}
			subs, err = pc.ChannelSubscriptions(ctx, push.SubscriptionFilter{Channel: channelName, ClientID: clientFilter})
			if err != nil {
				return err
			}
		} else {
			pc, _, err := activatedPushClient(cmd)
			if err != nil {
				return err
			}
			if subs, err = pc.Subscriptions(ctx); err != nil {
				return err
			}
		}
		return newPrinter(cmd).value(subs)
	},
}

var pushChannelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List push channels that have subscriptions (service_role key)",
	RunE: func(cmd *cobra.Command, args []string) error {
		pc, _, err := newPushClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := waitCtx(cmd)
		defer cancel()
		chs, err := pc.SubscribedChannels(ctx)
		if err != nil {
			return err
		}
		return newPrinter(cmd).value(chs)
	},
}

var pushListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print notifications for the saved device as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		pc, _, err := activatedPushClient(cmd)
		if err != nil {
			return err
		}
		opts, err := clientOptions(cmd)
		if err != nil {
			return err
		}
		// The device topic is not subject to the channel prefix.
		opts.ChannelNamePrefix = ""
		opts.Push = pc

		c, err := client.New(opts)
		if err != nil {
			return err
		}
		defer closeClient(c)

		out := newPrinter(cmd)
		ch := c.Channels().Get(push.Topic(pc.DeviceID()))
		ch.OnState(func(sc channel.StateChange) { out.state(ch.Name(), sc) })
		ch.Subscribe(func(m *channel.Message) { out.message(ch.Name(), m) }, push.EventNotification)

		waitForSignal()
		return nil
	},
}

// savedDevice is the push identity persisted between invocations.
type savedDevice struct {
	Endpoint string `json:"endpoint"`
	DeviceID string `json:"deviceId"`
	Secret   string `json:"deviceSecret"`
}

func loadDevice(path string) (*savedDevice, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d savedDevice
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if d.DeviceID == "" || d.Secret == "" {
		return nil, fmt.Errorf("%s has no device identity", path)
	}
	return &d, nil
}

func saveDevice(path string, d savedDevice) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0600)
}

func newPushClient(cmd *cobra.Command) (*push.Client, client.Options, error) {
	opts, err := clientOptions(cmd)
	if err != nil {
		return nil, opts, err
	}
	platform, _ := cmd.Flags().GetString("platform")
	formFactor, _ := cmd.Flags().GetString("form-factor")
	pc := push.NewClient(push.ClientConfig{
		Endpoint:   opts.Endpoint,
		Key:        opts.Key,
		ClientID:   opts.ClientID,
		Platform:   platform,
		FormFactor: formFactor,
	})
	return pc, opts, nil
}

// restoreDevice activates pc with the identity saved at path, if any, and
// reports whether one was found.
func restoreDevice(cmd *cobra.Command, pc *push.Client, path string) (bool, error) {
	d, err := loadDevice(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ctx, cancel := waitCtx(cmd)
	defer cancel()
	if err := pc.Restore(ctx, d.DeviceID, d.Secret); err != nil {
		return false, fmt.Errorf("restore device %s: %w", d.DeviceID, err)
	}
	return true, nil
}

func activatedPushClient(cmd *cobra.Command) (*push.Client, string, error) {
	pc, _, err := newPushClient(cmd)
	if err != nil {
		return nil, "", err
	}
	path, _ := cmd.Flags().GetString("state-file")
	ok, err := restoreDevice(cmd, pc, path)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("no device saved at %s, run 'sbrealtime push activate' first", path)
	}
	return pc, path, nil
}

func addPushFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("state-file", ".sbrealtime-device.json", "Where the activated device identity is kept")
	flags.String("platform", "", "Device platform (default browser)")
	flags.String("form-factor", "", "Device form factor (default desktop)")
}

func addSendFlags(cmd *cobra.Command) {
	cmd.Flags().String("channel", "", "Send to every device subscribed to this push channel")
}

func addSubscribeFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("client", false, "Act on the device's client id subscription instead of the device's")
}

func addSubscriptionsFlags(cmd *cobra.Command) {
	cmd.Flags().String("channel", "", "List every subscription to this channel")
	cmd.Flags().String("client-filter", "", "List every subscription of this client id")
}

func init() {
	rootCmd.AddCommand(pushCmd)
	addClientFlags(pushCmd)
	addPushFlags(pushCmd)

	addSendFlags(pushSendCmd)
	addSubscribeFlags(pushSubscribeCmd)
	addSubscribeFlags(pushUnsubscribeCmd)
	addSubscriptionsFlags(pushSubscriptionsCmd)

	pushCmd.AddCommand(pushActivateCmd, pushDeactivateCmd, pushDetailsCmd, pushNotificationsCmd, pushSendCmd,
		pushSubscribeCmd, pushUnsubscribeCmd, pushSubscriptionsCmd, pushChannelsCmd, pushListenCmd)
}
