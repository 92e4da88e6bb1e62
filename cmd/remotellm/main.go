package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/viljo/RemoteLLMconnector/internal/broker"
	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/connector"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "remotellm",
		Short: "Reverse relay exposing NAT-ed LLM backends through one public endpoint",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, _ := cmd.Flags().GetString("config")
			if cfgFile == "" {
				return nil
			}
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config file: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("config", "", "optional YAML config file")

	// REMOTELLM_API_PORT -> "api_port" and so on; flag names use hyphens,
	// viper keys and env suffixes use underscores.
	viper.SetEnvPrefix("REMOTELLM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	rootCmd.AddCommand(newBrokerCmd(), newConnectorCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bindFlags mirrors the named flags of the running subcommand into viper.
// Binding happens at run time, not construction time, because the broker and
// connector share some flag names and viper keys are global.
func bindFlags(f *pflag.FlagSet, names ...string) {
	for _, name := range names {
		_ = viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), f.Lookup(name))
	}
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(level),
	}))
}

func newBrokerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the public relay broker",
		RunE:  runBroker,
	}
	f := cmd.Flags()
	f.String("host", "0.0.0.0", "bind address for all listeners")
	f.Int("api-port", 8443, "port for the OpenAI-compatible API")
	f.Int("tunnel-port", 8444, "port for connector websocket sessions")
	f.Int("health-port", 8080, "port for health and metrics")
	f.StringSlice("connector-tokens", nil, "connector tokens, token or token:upstream-key")
	f.StringSlice("api-keys", nil, "caller API keys; empty disables caller auth")
	f.String("credentials-file", "", "YAML credentials file, reloaded on change")
	f.Float64("auth-timeout", 10, "seconds a new session may take to send AUTH")
	f.Float64("request-timeout", 300, "seconds before an unfinished relayed request times out")
	f.Float64("ping-interval", 30, "seconds of idle before a keepalive ping")
	f.Float64("drain-timeout", 30, "seconds to wait for in-flight requests on shutdown")
	f.String("log-level", "info", "log level: debug, info, warn, or error")
	return cmd
}

func runBroker(cmd *cobra.Command, args []string) error {
	bindFlags(cmd.Flags(),
		"host", "api-port", "tunnel-port", "health-port",
		"connector-tokens", "api-keys", "credentials-file",
		"auth-timeout", "request-timeout", "ping-interval",
		"drain-timeout", "log-level")

	cfg := config.LoadBroker()
	log := newLogger(cfg.LogLevel)

	srv := broker.New(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.CredentialsFile != "" {
		if err := config.WatchCredentials(ctx, cfg.CredentialsFile, srv, log); err != nil {
			return err
		}
	}

	log.Info("remotellm broker starting", "version", config.Version,
		"host", cfg.Host, "api_port", cfg.APIPort,
		"tunnel_port", cfg.TunnelPort, "health_port", cfg.HealthPort)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("signal received, draining", "drain_timeout_s", cfg.DrainTimeout)
	drain := time.Duration(cfg.DrainTimeout*float64(time.Second)) + 5*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newConnectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Run the connector next to a local LLM backend",
		RunE:  runConnector,
	}
	f := cmd.Flags()
	f.String("broker-url", "", "broker websocket endpoint, ws(s)://host:port/ws")
	f.String("token", "", "connector token issued by the broker operator")
	f.String("name", "", "human-readable connector name")
	f.StringSlice("models", nil, "models to serve; empty discovers from the backend")
	f.String("llm-url", "http://localhost:11434", "base URL of the local LLM backend")
	f.String("llm-api-key", "", "local API key for the backend")
	f.String("llm-host", "", "Host header override for the backend")
	f.Float64("llm-timeout", 300, "seconds before an upstream call times out")
	f.Bool("llm-insecure", false, "skip TLS verification toward the backend")
	f.Int("health-port", 8081, "port for the local health endpoint, 0 disables")
	f.Float64("reconnect-min", 1, "initial reconnect backoff in seconds")
	f.Float64("reconnect-max", 60, "reconnect backoff cap in seconds")
	f.Float64("drain-timeout", 30, "seconds to wait for in-flight requests on shutdown")
	f.String("log-level", "info", "log level: debug, info, warn, or error")
	return cmd
}

func runConnector(cmd *cobra.Command, args []string) error {
	bindFlags(cmd.Flags(),
		"broker-url", "token", "name", "models",
		"llm-url", "llm-api-key", "llm-host", "llm-timeout", "llm-insecure",
		"health-port", "reconnect-min", "reconnect-max",
		"drain-timeout", "log-level")

	cfg := config.LoadConnector()
	log := newLogger(cfg.LogLevel)

	if cfg.BrokerURL == "" {
		return fmt.Errorf("--broker-url is required")
	}
	if cfg.Token == "" {
		return fmt.Errorf("--token is required")
	}

	client := connector.New(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info("remotellm connector starting", "version", config.Version,
		"broker_url", cfg.BrokerURL, "llm_url", cfg.LLMURL, "name", cfg.Name)

	var health *connector.HealthServer
	if cfg.HealthPort > 0 {
		health = connector.NewHealthServer(client, cfg.HealthPort, log)
		go func() {
			if err := health.Start(); err != nil {
				log.Error("health server failed", "error", err)
			}
		}()
	}

	err := client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if health != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("remotellm", config.Version)
		},
	}
}
