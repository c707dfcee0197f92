package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/client"
	"github.com/markb/sbrealtime/internal/connection"
	"github.com/markb/sbrealtime/internal/log"
)

const defaultEndpoint = "http://localhost:8080"

// addClientFlags registers the connection flags shared by the client
// commands.
func addClientFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "YAML client options file")
	flags.StringP("endpoint", "e", "", "Server URL (env SBREALTIME_ENDPOINT, default "+defaultEndpoint+")")
	flags.StringP("key", "k", "", "API key (env SBREALTIME_KEY)")
	flags.String("client-id", "", "Client identity for presence (env SBREALTIME_CLIENT_ID)")
	flags.String("channel-prefix", "", "Prefix applied to channel names (env SBREALTIME_CHANNEL_PREFIX)")
	flags.Duration("timeout", 10*time.Second, "How long to wait for acknowledgements")
	flags.Bool("json", false, "Write JSON lines even when stdout is a terminal")
}

// clientOptions builds client options for a command.
// Priority: CLI flags > environment variables > config file > defaults
func clientOptions(cmd *cobra.Command) (client.Options, error) {
	opts := client.DefaultOptions()
	flags := cmd.Flags()

	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := client.LoadOptionsFile(path)
		if err != nil {
			return opts, err
		}
		opts = loaded
	}
	if err := opts.ApplyEnv(); err != nil {
		return opts, err
	}

	if flags.Changed("endpoint") {
		opts.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("key") {
		opts.Key, _ = flags.GetString("key")
	}
	if flags.Changed("client-id") {
		opts.ClientID, _ = flags.GetString("client-id")
	}
	if flags.Changed("channel-prefix") {
		opts.ChannelNamePrefix, _ = flags.GetString("channel-prefix")
	}
	if flags.Changed("timeout") {
		opts.RequestTimeout, _ = flags.GetDuration("timeout")
	}

	if opts.Endpoint == "" {
		opts.Endpoint = defaultEndpoint
	}
	return opts, nil
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	opts, err := clientOptions(cmd)
	if err != nil {
		return nil, err
	}
	c, err := client.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	c.Connection().OnState(func(sc connection.StateChange) {
		log.Info("connection state", "state", sc.Current.String(), "previous", sc.Previous.String(), "reason", errString(sc.Reason))
	})
	return c, nil
}

// closeClient closes the connection and releases the client's resources.
func closeClient(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Dispose(ctx); err != nil {
		log.Warn("client close", "error", err.Error())
	}
}

// waitCtx bounds one acknowledgement wait by the --timeout flag.
func waitCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(cmd.Context(), timeout)
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	return <-sigCh
}

// parseData treats valid JSON as a structured payload and anything else as
// a plain string.
func parseData(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
