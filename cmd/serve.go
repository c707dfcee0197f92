package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/observability"
	"github.com/markb/sbrealtime/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the realtime server",
	Long:  `Starts the HTTP server with the realtime websocket endpoint and the push API.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	domain, _ := cmd.Flags().GetString("https")

	cfg, err := buildServerConfig(cmd)
	if err != nil {
		return err
	}

	otelCfg := buildTelemetryConfig(cmd)
	tel, cleanup, err := observability.Init(cmd.Context(), otelCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()
	if otelCfg.ShouldEnable() {
		cfg.Telemetry = tel
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	out := cmd.OutOrStdout()
	scheme := "http"
	if domain != "" {
		scheme = "https"
	}
	fmt.Fprintf(out, "Starting sbrealtime on %s\n", addr)
	fmt.Fprintf(out, "  Realtime: %s://%s/realtime/v1/websocket\n", scheme, addr)
	if cfg.DBPath != "" {
		fmt.Fprintf(out, "  Push API: %s://%s/push/v1 (db %s)\n", scheme, addr, cfg.DBPath)
	} else {
		fmt.Fprintln(out, "  Push API: disabled")
	}
	fmt.Fprintf(out, "  Telemetry: %s\n", otelCfg.Exporter)

	errCh := make(chan error, 1)
	go func() {
		if domain != "" {
			certDir, _ := cmd.Flags().GetString("cert-dir")
			httpAddr, _ := cmd.Flags().GetString("http-addr")
			errCh <- srv.ListenAndServeTLS(addr, server.HTTPSConfig{
				Domain:   domain,
				CertDir:  certDir,
				HTTPAddr: httpAddr,
			})
			return
		}
		errCh <- srv.ListenAndServe(addr)
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildServerConfig creates a server.Config from environment variables and CLI flags.
// Priority: CLI flags > environment variables > defaults
func buildServerConfig(cmd *cobra.Command) (server.Config, error) {
	cfg := server.Config{
		JWTSecret:  jwtSecret(cmd),
		AnonKey:    os.Getenv("SBREALTIME_ANON_KEY"),
		ServiceKey: os.Getenv("SBREALTIME_SERVICE_KEY"),
		DBPath:     "push.db",
	}
	if v := os.Getenv("SBREALTIME_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SBREALTIME_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DBPath, _ = flags.GetString("db")
	}
	if noPush, _ := flags.GetBool("no-push"); noPush {
		cfg.DBPath = ""
	}
	if v, _ := flags.GetString("cors-origins"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	if domain, _ := flags.GetString("https"); domain != "" {
		if err := server.ValidateDomain(domain); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// buildTelemetryConfig creates an observability.Config from environment variables and CLI flags.
// Priority: CLI flags > environment variables > defaults
func buildTelemetryConfig(cmd *cobra.Command) *observability.Config {
	cfg := observability.NewConfig()

	if v := os.Getenv("SBREALTIME_OTEL_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("SBREALTIME_OTEL_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("SBREALTIME_OTEL_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SampleRate = rate
		}
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("otel-exporter"); v != "" {
		cfg.Exporter = v
	}
	if v, _ := flags.GetString("otel-endpoint"); v != "" {
		cfg.Endpoint = v
	}
	if flags.Changed("otel-sample-rate") {
		cfg.SampleRate, _ = flags.GetFloat64("otel-sample-rate")
	}

	// An exporter with neither signal selected exports both.
	if cfg.ShouldEnable() {
		cfg.MetricsEnabled, _ = flags.GetBool("otel-metrics")
		cfg.TracesEnabled, _ = flags.GetBool("otel-traces")
		if !cfg.MetricsEnabled && !cfg.TracesEnabled {
			cfg.MetricsEnabled = true
			cfg.TracesEnabled = true
		}
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	cmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	cmd.Flags().String("db", "push.db", "Path to the push device database (env SBREALTIME_DB)")
	cmd.Flags().Bool("no-push", false, "Disable the push API")
	cmd.Flags().String("cors-origins", "", "Comma-separated allowed CORS origins (default all)")
	cmd.Flags().String("https", "", "Serve HTTPS for this domain with a Let's Encrypt certificate")
	cmd.Flags().String("cert-dir", "certs", "Directory to cache certificates")
	cmd.Flags().String("http-addr", ":80", "Address for ACME challenges and the HTTPS redirect")
	cmd.Flags().String("otel-exporter", "", "Telemetry exporter: none, stdout or otlp")
	cmd.Flags().String("otel-endpoint", "", "OTLP endpoint")
	cmd.Flags().Float64("otel-sample-rate", 0.1, "Trace sampling rate (0.0 to 1.0)")
	cmd.Flags().Bool("otel-metrics", false, "Export metrics")
	cmd.Flags().Bool("otel-traces", false, "Export traces")
}
