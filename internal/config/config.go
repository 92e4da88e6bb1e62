// Package config holds runtime configuration for the broker and connector
// commands, the connector-credential file format, and the secret-hygiene
// helpers shared by both processes.
package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Broker holds all runtime configuration for the remotellm broker.
type Broker struct {
	Host            string
	APIPort         int
	TunnelPort      int
	HealthPort      int
	ConnectorTokens []string // token or token:upstream-key specs
	APIKeys         []string
	CredentialsFile string
	AuthTimeout     float64 // seconds
	RequestTimeout  float64
	PingInterval    float64
	DrainTimeout    float64
	LogLevel        string
}

// Connector holds all runtime configuration for the remotellm connector.
type Connector struct {
	BrokerURL    string
	Token        string
	Name         string
	Models       []string
	LLMURL       string
	LLMAPIKey    string // local fallback only; the broker-managed key arrives per request
	LLMHost      string
	LLMTimeout   float64 // seconds
	LLMInsecure  bool
	HealthPort   int
	ReconnectMin float64
	ReconnectMax float64
	DrainTimeout float64
	LogLevel     string
}

// LoadBroker reads broker configuration from viper, which merges flag values,
// env vars, and config-file keys (set up by the cobra command in cmd/remotellm).
func LoadBroker() Broker {
	return Broker{
		Host:            viper.GetString("host"),
		APIPort:         viper.GetInt("api_port"),
		TunnelPort:      viper.GetInt("tunnel_port"),
		HealthPort:      viper.GetInt("health_port"),
		ConnectorTokens: viper.GetStringSlice("connector_tokens"),
		APIKeys:         viper.GetStringSlice("api_keys"),
		CredentialsFile: viper.GetString("credentials_file"),
		AuthTimeout:     viper.GetFloat64("auth_timeout"),
		RequestTimeout:  viper.GetFloat64("request_timeout"),
		PingInterval:    viper.GetFloat64("ping_interval"),
		DrainTimeout:    viper.GetFloat64("drain_timeout"),
		LogLevel:        viper.GetString("log_level"),
	}
}

// LoadConnector reads connector configuration from viper.
func LoadConnector() Connector {
	return Connector{
		BrokerURL:    viper.GetString("broker_url"),
		Token:        viper.GetString("token"),
		Name:         viper.GetString("name"),
		Models:       viper.GetStringSlice("models"),
		LLMURL:       viper.GetString("llm_url"),
		LLMAPIKey:    viper.GetString("llm_api_key"),
		LLMHost:      viper.GetString("llm_host"),
		LLMTimeout:   viper.GetFloat64("llm_timeout"),
		LLMInsecure:  viper.GetBool("llm_insecure"),
		HealthPort:   viper.GetInt("health_port"),
		ReconnectMin: viper.GetFloat64("reconnect_min"),
		ReconnectMax: viper.GetFloat64("reconnect_max"),
		DrainTimeout: viper.GetFloat64("drain_timeout"),
		LogLevel:     viper.GetString("log_level"),
	}
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
