package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"nbcon-chat/internal/chat"
	"nbcon-chat/internal/transport"
)

// Config is the host process configuration.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr" env:"SERVER_ADDR"`
		Mode            string        `yaml:"mode" env:"SERVER_MODE"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
		// MountPeer serves the websocket backend peer at /peer for local runs.
		MountPeer bool `yaml:"mount_peer" env:"SERVER_MOUNT_PEER"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Pretty bool   `yaml:"pretty" env:"LOG_PRETTY"`
	} `yaml:"logging"`

	Chat struct {
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"CHAT_MAX_RECONNECT_ATTEMPTS"`
		ReconnectInterval    time.Duration `yaml:"reconnect_interval" env:"CHAT_RECONNECT_INTERVAL"`
		HandshakeTimeout     time.Duration `yaml:"handshake_timeout" env:"CHAT_HANDSHAKE_TIMEOUT"`
		TypingTTL            time.Duration `yaml:"typing_ttl" env:"CHAT_TYPING_TTL"`
		SendTimeout          time.Duration `yaml:"send_timeout" env:"CHAT_SEND_TIMEOUT"`
		SubscriberBuffer     int           `yaml:"subscriber_buffer" env:"CHAT_SUBSCRIBER_BUFFER"`
		AutoConnect          bool          `yaml:"auto_connect" env:"CHAT_AUTO_CONNECT"`
	} `yaml:"chat"`

	Transport struct {
		Kind           string        `yaml:"kind" env:"TRANSPORT_KIND"` // simulated | websocket
		URL            string        `yaml:"url" env:"TRANSPORT_URL"`
		Token          string        `yaml:"token" env:"TRANSPORT_TOKEN"`
		HandshakeDelay time.Duration `yaml:"handshake_delay" env:"TRANSPORT_HANDSHAKE_DELAY"`
		SentDelay      time.Duration `yaml:"sent_delay" env:"TRANSPORT_SENT_DELAY"`
		DeliveredDelay time.Duration `yaml:"delivered_delay" env:"TRANSPORT_DELIVERED_DELAY"`
		FailureRate    float64       `yaml:"failure_rate" env:"TRANSPORT_FAILURE_RATE"`
	} `yaml:"transport"`

	Storage struct {
		Driver string `yaml:"driver" env:"STORAGE_DRIVER"` // memory | postgres
		DSN    string `yaml:"dsn" env:"DB_DSN"`
	} `yaml:"storage"`

	Redis struct {
		Addr         string `yaml:"addr" env:"REDIS_ADDR"`
		EventChannel string `yaml:"event_channel" env:"REDIS_EVENT_CHANNEL"`
		PushChannel  string `yaml:"push_channel" env:"REDIS_PUSH_CHANNEL"`
	} `yaml:"redis"`

	Uploads struct {
		Dir      string `yaml:"dir" env:"UPLOADS_DIR"`
		BaseURL  string `yaml:"base_url" env:"UPLOADS_BASE_URL"`
		MaxBytes int64  `yaml:"max_bytes" env:"UPLOADS_MAX_BYTES"`
	} `yaml:"uploads"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	} `yaml:"auth"`
}

// Load reads .env (if present), then the YAML file at path (if present),
// then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	setDefaults(cfg)

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load from environment: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Path returns CONFIG_PATH or the default location.
func Path() string {
	if p, ok := os.LookupEnv("CONFIG_PATH"); ok && p != "" {
		return p
	}
	return "config/config.yaml"
}

func setDefaults(cfg *Config) {
	cfg.Server.Addr = ":8080"
	cfg.Server.Mode = "development"
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Logging.Level = "info"

	def := chat.DefaultConfig()
	cfg.Chat.MaxReconnectAttempts = def.MaxReconnectAttempts
	cfg.Chat.ReconnectInterval = def.ReconnectInterval
	cfg.Chat.HandshakeTimeout = def.HandshakeTimeout
	cfg.Chat.TypingTTL = def.TypingTTL
	cfg.Chat.SendTimeout = def.SendTimeout
	cfg.Chat.SubscriberBuffer = def.SubscriberBuffer
	cfg.Chat.AutoConnect = true

	cfg.Transport.Kind = "simulated"
	cfg.Transport.HandshakeDelay = 300 * time.Millisecond
	cfg.Transport.SentDelay = 500 * time.Millisecond
	cfg.Transport.DeliveredDelay = time.Second

	cfg.Storage.Driver = "memory"

	cfg.Redis.EventChannel = "chat-events"
	cfg.Redis.PushChannel = "chat-push"

	cfg.Uploads.Dir = "uploads"
	cfg.Uploads.MaxBytes = 10 << 20
}

func validate(cfg *Config) error {
	switch cfg.Transport.Kind {
	case "simulated":
	case "websocket":
		if cfg.Transport.URL == "" {
			return errors.New("transport url is required for the websocket transport")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		if cfg.Storage.DSN == "" {
			return errors.New("storage dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT secret is required")
	}
	if cfg.Chat.MaxReconnectAttempts <= 0 {
		return errors.New("chat max_reconnect_attempts must be positive")
	}
	if cfg.Chat.ReconnectInterval <= 0 || cfg.Chat.TypingTTL <= 0 || cfg.Chat.SendTimeout <= 0 {
		return errors.New("chat intervals must be positive")
	}
	if cfg.Transport.FailureRate < 0 || cfg.Transport.FailureRate > 1 {
		return fmt.Errorf("transport failure_rate %v is outside [0,1]", cfg.Transport.FailureRate)
	}
	return nil
}

// ChatConfig maps the chat section onto the core's settings.
func (c *Config) ChatConfig() chat.Config {
	return chat.Config{
		MaxReconnectAttempts: c.Chat.MaxReconnectAttempts,
		ReconnectInterval:    c.Chat.ReconnectInterval,
		HandshakeTimeout:     c.Chat.HandshakeTimeout,
		TypingTTL:            c.Chat.TypingTTL,
		SendTimeout:          c.Chat.SendTimeout,
		SubscriberBuffer:     c.Chat.SubscriberBuffer,
	}
}

func (c *Config) SimulatedConfig() transport.SimulatedConfig {
	return transport.SimulatedConfig{
		HandshakeDelay: c.Transport.HandshakeDelay,
		SentDelay:      c.Transport.SentDelay,
		DeliveredDelay: c.Transport.DeliveredDelay,
		FailureRate:    c.Transport.FailureRate,
	}
}
