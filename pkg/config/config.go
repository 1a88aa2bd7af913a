package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader consults.
const EnvPrefix = "QUILL"

// Config holds all configuration for the realtime client
type Config struct {
	API       APIConfig
	Realtime  RealtimeConfig
	Identity  IdentityConfig
	Desktop   DesktopConfig
	Redis     RedisConfig
	Server    ServerConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// APIConfig holds the blog platform REST settings
type APIConfig struct {
	URL            string
	Token          string
	Timeout        time.Duration
	RecentLimit    int
	KeyringService string
}

// RealtimeConfig holds WebSocket connection and reconnection settings
type RealtimeConfig struct {
	WebSocketURL  string
	ReconnectBase time.Duration
	MaxAttempts   int
}

// IdentityConfig pins the user/tenant pair; empty values are taken from the token claims
type IdentityConfig struct {
	UserID   string
	TenantID string
}

// DesktopConfig holds the OS notification bridge settings
type DesktopConfig struct {
	Enabled       bool
	AppName       string
	RatePerMinute int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL     string
	Enabled bool
}

// ServerConfig holds the local HTTP surface configuration
type ServerConfig struct {
	Port int
	Host string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string
	Format       string // "json" or "text"
	ScalyrFormat bool
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled           bool
	JaegerURL         string
	PrometheusEnabled bool
	ServiceName       string
}

var defaults = map[string]interface{}{
	"api_url":                 "http://localhost:8080/api",
	"api_token":               "",
	"ws_url":                  "",
	"http_timeout":            15 * time.Second,
	"recent_limit":            0,
	"keyring_service":         "quill",
	"reconnect_base":          time.Second,
	"reconnect_max_attempts":  5,
	"user_id":                 "",
	"tenant_id":               "",
	"desktop_enabled":         true,
	"desktop_app_name":        "Quill",
	"desktop_rate_per_minute": 20,
	"redis_url":               "",
	"http_server_host":        "127.0.0.1",
	"http_server_port":        8089,
	"log_level":               "INFO",
	"log_format":              "json",
	"log_scalyr_format":       false,
	"telemetry_enabled":       false,
	"jaeger_url":              "",
	"prometheus_enabled":      true,
	"service_name":            "quill-realtime",
}

// Load loads configuration from environment variables and an optional config file
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.quill")
	v.AddConfigPath("/etc/quill")

	if err := v.ReadInConfig(); err != nil {
		// Env vars alone are a valid setup
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		API: APIConfig{
			URL:            strings.TrimRight(v.GetString("api_url"), "/"),
			Token:          v.GetString("api_token"),
			Timeout:        v.GetDuration("http_timeout"),
			RecentLimit:    v.GetInt("recent_limit"),
			KeyringService: v.GetString("keyring_service"),
		},
		Realtime: RealtimeConfig{
			WebSocketURL:  v.GetString("ws_url"),
			ReconnectBase: v.GetDuration("reconnect_base"),
			MaxAttempts:   v.GetInt("reconnect_max_attempts"),
		},
		Identity: IdentityConfig{
			UserID:   v.GetString("user_id"),
			TenantID: v.GetString("tenant_id"),
		},
		Desktop: DesktopConfig{
			Enabled:       v.GetBool("desktop_enabled"),
			AppName:       v.GetString("desktop_app_name"),
			RatePerMinute: v.GetInt("desktop_rate_per_minute"),
		},
		Redis: RedisConfig{
			URL:     v.GetString("redis_url"),
			Enabled: v.GetString("redis_url") != "",
		},
		Server: ServerConfig{
			Port: v.GetInt("http_server_port"),
			Host: v.GetString("http_server_host"),
		},
		Logging: LoggingConfig{
			Level:        v.GetString("log_level"),
			Format:       v.GetString("log_format"),
			ScalyrFormat: v.GetBool("log_scalyr_format"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry_enabled"),
			JaegerURL:         v.GetString("jaeger_url"),
			PrometheusEnabled: v.GetBool("prometheus_enabled"),
			ServiceName:       v.GetString("service_name"),
		},
	}

	if cfg.Realtime.WebSocketURL == "" {
		wsURL, err := DeriveWebSocketURL(cfg.API.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		cfg.Realtime.WebSocketURL = wsURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DeriveWebSocketURL maps the REST base to the socket endpoint: {base}/ws when the
// base already ends in /api, {base}/api/ws otherwise. http(s) becomes ws(s).
func DeriveWebSocketURL(apiBase string) (string, error) {
	base := strings.TrimRight(apiBase, "/")
	if base == "" {
		return "", fmt.Errorf("api_url is required")
	}

	if strings.HasSuffix(base, "/api") {
		base += "/ws"
	} else {
		base += "/api/ws"
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse api_url %q: %w", apiBase, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api_url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("api_url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}
	if c.Realtime.ReconnectBase <= 0 {
		return fmt.Errorf("reconnect_base must be positive")
	}
	if c.Realtime.MaxAttempts < 0 || c.Realtime.MaxAttempts > 20 {
		return fmt.Errorf("reconnect_max_attempts must be between 0 and 20")
	}
	if c.Desktop.RatePerMinute < 0 {
		return fmt.Errorf("desktop_rate_per_minute must not be negative")
	}
	return nil
}
