package client

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/markb/sbrealtime/internal/connection"
	"github.com/markb/sbrealtime/internal/observability"
	"github.com/markb/sbrealtime/internal/push"
)

// Options configures a Client. Durations in YAML use time.ParseDuration
// syntax ("15s", "2m").
type Options struct {
	Endpoint          string `yaml:"endpoint"`
	Key               string `yaml:"key"`
	ClientID          string `yaml:"client_id"`
	ChannelNamePrefix string `yaml:"channel_name_prefix"`

	AutoConnect   bool `yaml:"auto_connect"`
	QueueMessages bool `yaml:"queue_messages"`
	EchoMessages  bool `yaml:"echo_messages"`

	DisconnectedRetryTimeout time.Duration `yaml:"disconnected_retry_timeout"`
	SuspendedRetryTimeout    time.Duration `yaml:"suspended_retry_timeout"`
	ChannelRetryTimeout      time.Duration `yaml:"channel_retry_timeout"`
	ConnectionStateTTL       time.Duration `yaml:"connection_state_ttl"`
	RequestTimeout           time.Duration `yaml:"request_timeout"`

	KeepFailedOnRelease bool `yaml:"keep_failed_on_release"`

	LogLevel string `yaml:"log_level"`

	// Programmatic only.
	Transport connection.Transport   `yaml:"-"`
	Metrics   *observability.Metrics `yaml:"-"`
	Push      push.Provider          `yaml:"-"` // defaults to a push.Client on Endpoint
}

// DefaultOptions returns the default client options.
func DefaultOptions() Options {
	return Options{
		AutoConnect:              true,
		QueueMessages:            true,
		EchoMessages:             true,
		DisconnectedRetryTimeout: 15 * time.Second,
		SuspendedRetryTimeout:    30 * time.Second,
		ChannelRetryTimeout:      15 * time.Second,
		ConnectionStateTTL:       120 * time.Second,
		RequestTimeout:           10 * time.Second,
		LogLevel:                 "info",
	}
}

// LoadOptionsFile reads options from a YAML file on top of the defaults.
// Fields absent from the file keep their default values.
func LoadOptionsFile(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options file %s: %w", path, err)
	}
	return opts, nil
}

// ApplyEnv overrides options from SBREALTIME_* environment variables.
func (o *Options) ApplyEnv() error {
	if v := os.Getenv("SBREALTIME_ENDPOINT"); v != "" {
		o.Endpoint = v
	}
	if v := os.Getenv("SBREALTIME_KEY"); v != "" {
		o.Key = v
	}
	if v := os.Getenv("SBREALTIME_CLIENT_ID"); v != "" {
		o.ClientID = v
	}
	if v := os.Getenv("SBREALTIME_CHANNEL_PREFIX"); v != "" {
		o.ChannelNamePrefix = v
	}
	if v := os.Getenv("SBREALTIME_LOG_LEVEL"); v != "" {
		o.LogLevel = v
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{"SBREALTIME_AUTO_CONNECT", &o.AutoConnect},
		{"SBREALTIME_QUEUE_MESSAGES", &o.QueueMessages},
		{"SBREALTIME_ECHO_MESSAGES", &o.EchoMessages},
		{"SBREALTIME_KEEP_FAILED_ON_RELEASE", &o.KeepFailedOnRelease},
	}
	for _, b := range bools {
		if v := os.Getenv(b.env); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", b.env, err)
			}
			*b.dst = parsed
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"SBREALTIME_DISCONNECTED_RETRY_TIMEOUT", &o.DisconnectedRetryTimeout},
		{"SBREALTIME_SUSPENDED_RETRY_TIMEOUT", &o.SuspendedRetryTimeout},
		{"SBREALTIME_CHANNEL_RETRY_TIMEOUT", &o.ChannelRetryTimeout},
		{"SBREALTIME_CONNECTION_STATE_TTL", &o.ConnectionStateTTL},
		{"SBREALTIME_REQUEST_TIMEOUT", &o.RequestTimeout},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}
	return nil
}
