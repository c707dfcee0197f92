package observability

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds common metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// HTTP server metrics
	HTTPRequestCount    metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPResponseSize    metric.Int64Histogram

	// Realtime client metrics
	Channels               metric.Int64UpDownCounter
	AttachDuration         metric.Float64Histogram
	MessagesPublished      metric.Int64Counter
	MessagesReceived       metric.Int64Counter
	ConnectionStateChanges metric.Int64Counter
}

// InitMetrics initializes and returns metric instruments.
func InitMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("sbrealtime")

	m := &Metrics{}

	var err error
	m.HTTPRequestCount, err = meter.Int64Counter(
		"http.server.request_count",
		metric.WithDescription("Number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request count counter: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http.server.request_duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	m.HTTPResponseSize, err = meter.Int64Histogram(
		"http.server.response_size",
		metric.WithDescription("HTTP response size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create response size histogram: %w", err)
	}

	m.Channels, err = meter.Int64UpDownCounter(
		"realtime.channels",
		metric.WithDescription("Channels currently held by the registry"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channels counter: %w", err)
	}

	m.AttachDuration, err = meter.Float64Histogram(
		"realtime.attach.duration",
		metric.WithDescription("Time from attach request to ATTACHED"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attach duration histogram: %w", err)
	}

	m.MessagesPublished, err = meter.Int64Counter(
		"realtime.messages.published",
		metric.WithDescription("Messages published on channels"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	m.MessagesReceived, err = meter.Int64Counter(
		"realtime.messages.received",
		metric.WithDescription("Messages delivered to channel subscribers"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create received counter: %w", err)
	}

	m.ConnectionStateChanges, err = meter.Int64Counter(
		"realtime.connection.state_changes",
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state change counter: %w", err)
	}

	return m, nil
}

// ChannelAdded records a channel entering the registry.
func (m *Metrics) ChannelAdded(ctx context.Context) {
	if m == nil || m.Channels == nil {
		return
	}
	m.Channels.Add(ctx, 1)
}

// ChannelRemoved records a channel leaving the registry.
func (m *Metrics) ChannelRemoved(ctx context.Context) {
	if m == nil || m.Channels == nil {
		return
	}
	m.Channels.Add(ctx, -1)
}

// RecordAttach records how long an attach took.
func (m *Metrics) RecordAttach(ctx context.Context, channel string, d time.Duration) {
	if m == nil || m.AttachDuration == nil {
		return
	}
	m.AttachDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordPublish counts a published message.
func (m *Metrics) RecordPublish(ctx context.Context, channel string) {
	if m == nil || m.MessagesPublished == nil {
		return
	}
	m.MessagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordReceive counts a delivered message.
func (m *Metrics) RecordReceive(ctx context.Context, channel string) {
	if m == nil || m.MessagesReceived == nil {
		return
	}
	m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordStateChange counts a connection state transition.
func (m *Metrics) RecordStateChange(ctx context.Context, from, to string) {
	if m == nil || m.ConnectionStateChanges == nil {
		return
	}
	m.ConnectionStateChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// initMeterProvider initializes the meter provider based on config.
func initMeterProvider(ctx context.Context, cfg *Config) (metric.MeterProvider, any, error) {
	var reader sdkmetric.Reader
	var err error

	switch cfg.Exporter {
	case "stdout":
		exporter, err := stdoutmetric.New(
			stdoutmetric.WithWriter(os.Stderr),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "otlp":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		conn, err := grpc.DialContext(ctx, cfg.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to OTLP collector: %w", err)
		}

		exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "none":
		return sdkmetric.NewMeterProvider(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics reader: %w", err)
	}

	// Create resource with service info
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create meter provider
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	return mp, reader, nil
}
