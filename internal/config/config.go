package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/contractops/contractops/pkg/types"
)

// Default values for the server configuration.
const (
	DefaultListenAddr       = ":8000"
	DefaultSendBuffer       = 16
	DefaultMaxMessageBytes  = 64 * 1024
	DefaultTokenTTL         = 30 * time.Minute
	DefaultSnapshotInterval = 30 * time.Second
	DefaultActiveWindow     = 5 * time.Minute
	DefaultRetention        = 30 * time.Minute
)

// Config holds the full contractops server configuration.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds (default ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is one of: debug | info | warn | error (default "info").
	LogLevel string `yaml:"log_level"`

	// Auth configures how WebSocket clients authenticate.
	Auth AuthConfig `yaml:"auth"`

	// Collab tunes the per-connection fan-out behavior.
	Collab CollabConfig `yaml:"collab"`

	// Presence controls presence snapshot persistence.
	Presence PresenceConfig `yaml:"presence"`

	// Notify holds notification rules and the webhook delivery target.
	Notify NotifyConfig `yaml:"notify"`
}

// AuthConfig controls client authentication on connection requests.
type AuthConfig struct {
	// JWTSecretEnv is the name of the environment variable that holds the
	// HMAC secret access tokens are signed with.
	JWTSecretEnv string `yaml:"jwt_secret_env"`

	// AllowAnonymous admits connections that present no token (default true).
	// Tokens that are present but invalid are rejected regardless.
	AllowAnonymous bool `yaml:"allow_anonymous"`

	// TokenTTL is the lifetime of access tokens minted by this server.
	// Defaults to 30 minutes.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Secret returns the JWT signing secret resolved from the environment.
func (a AuthConfig) Secret() []byte {
	if a.JWTSecretEnv == "" {
		return nil
	}
	return []byte(os.Getenv(a.JWTSecretEnv))
}

// CollabConfig tunes the WebSocket fan-out layer.
type CollabConfig struct {
	// SendBuffer is the per-connection outbound queue depth (default 16).
	// A connection whose queue overflows is dropped rather than stalling
	// the room.
	SendBuffer int `yaml:"send_buffer"`

	// MaxMessageBytes bounds the size of a single inbound frame (default 64 KiB).
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
}

// PresenceConfig controls presence snapshot persistence.
type PresenceConfig struct {
	// RedisURLEnv is the name of the environment variable holding the redis
	// connection URL. Empty, or an unset variable, selects the in-memory store.
	RedisURLEnv string `yaml:"redis_url_env"`

	// SnapshotInterval is how often live room membership is persisted (default 30s).
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// ActiveWindow is how recently a record must have been refreshed to still
	// count as active (default 5m).
	ActiveWindow time.Duration `yaml:"active_window"`

	// Retention is how long records are kept before eviction (default 30m).
	Retention time.Duration `yaml:"retention"`
}

// RedisURL returns the redis connection URL resolved from the environment.
func (p PresenceConfig) RedisURL() string {
	if p.RedisURLEnv == "" {
		return ""
	}
	return os.Getenv(p.RedisURLEnv)
}

// NotifyConfig holds notification rules and their delivery target.
type NotifyConfig struct {
	// WebhookURL is where matched events are posted as JSON. Empty disables
	// notifications entirely.
	WebhookURL string `yaml:"webhook_url"`

	// Rules select which broadcast events produce a notification.
	Rules []NotifyRule `yaml:"rules"`
}

// NotifyRule defines one event-matching notification rule.
type NotifyRule struct {
	// Name is the human-readable rule identifier, used as the cooldown key.
	Name string `yaml:"name"`

	// Types lists the event types the rule matches, e.g. "comment_added".
	Types []string `yaml:"types"`

	// ContractIDs restricts the rule to specific contracts. Empty matches all.
	ContractIDs []int64 `yaml:"contract_ids"`

	// Cooldown suppresses re-fires per contract for this duration after a
	// notification goes out. Defaults to 1 minute if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Load reads and parses the config file at path. An empty path returns the
// built-in defaults so the server can start without a config file.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		ListenAddr: DefaultListenAddr,
		LogLevel:   "info",
		Auth: AuthConfig{
			AllowAnonymous: true,
			TokenTTL:       DefaultTokenTTL,
		},
		Collab: CollabConfig{
			SendBuffer:      DefaultSendBuffer,
			MaxMessageBytes: DefaultMaxMessageBytes,
		},
		Presence: PresenceConfig{
			SnapshotInterval: DefaultSnapshotInterval,
			ActiveWindow:     DefaultActiveWindow,
			Retention:        DefaultRetention,
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q unknown: want debug|info|warn|error", cfg.LogLevel)
	}
	if cfg.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must not be negative")
	}
	if cfg.Collab.SendBuffer <= 0 {
		return fmt.Errorf("collab.send_buffer must be positive")
	}
	if cfg.Collab.MaxMessageBytes <= 0 {
		return fmt.Errorf("collab.max_message_bytes must be positive")
	}
	if cfg.Presence.SnapshotInterval <= 0 {
		return fmt.Errorf("presence.snapshot_interval must be positive")
	}
	if cfg.Presence.ActiveWindow <= 0 {
		return fmt.Errorf("presence.active_window must be positive")
	}
	if cfg.Presence.Retention <= 0 {
		return fmt.Errorf("presence.retention must be positive")
	}
	for _, r := range cfg.Notify.Rules {
		if r.Name == "" {
			return fmt.Errorf("notify.rules: every rule needs a name")
		}
		if len(r.Types) == 0 {
			return fmt.Errorf("notify rule %q: at least one event type required", r.Name)
		}
		for _, typ := range r.Types {
			if !types.Known(typ) || typ == types.TypeError {
				return fmt.Errorf("notify rule %q: unknown event type %q", r.Name, typ)
			}
		}
		if r.Cooldown < 0 {
			return fmt.Errorf("notify rule %q: cooldown must not be negative", r.Name)
		}
	}
	return nil
}

// SlogLevel maps the configured log level to its slog value.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
