package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayersYAMLAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
chat:
  typing_ttl: 5s
  max_reconnect_attempts: 3
transport:
  kind: websocket
  url: ws://backend/peer
auth:
  jwt_secret: from-yaml
`)
	t.Setenv("CHAT_RECONNECT_INTERVAL", "250ms")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Chat.TypingTTL != 5*time.Second || cfg.Chat.MaxReconnectAttempts != 3 {
		t.Errorf("chat = %+v", cfg.Chat)
	}
	if cfg.Chat.ReconnectInterval != 250*time.Millisecond {
		t.Errorf("reconnect interval = %s", cfg.Chat.ReconnectInterval)
	}
	if cfg.Auth.JWTSecret != "from-env" || !cfg.Logging.Pretty {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Auth, cfg.Logging)
	}
	// Untouched keys keep their defaults.
	if cfg.Chat.SendTimeout != 30*time.Second || cfg.Storage.Driver != "memory" {
		t.Errorf("defaults lost: %+v %+v", cfg.Chat, cfg.Storage)
	}

	chatCfg := cfg.ChatConfig()
	if chatCfg.MaxReconnectAttempts != 3 || chatCfg.TypingTTL != 5*time.Second {
		t.Errorf("chat config = %+v", chatCfg)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Kind != "simulated" || cfg.Chat.MaxReconnectAttempts != 5 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if sim := cfg.SimulatedConfig(); sim.DeliveredDelay != time.Second {
		t.Fatalf("simulated = %+v", sim)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
		want string
	}{
		{"no secret", "", map[string]string{"JWT_SECRET": ""}, "JWT secret"},
		{"bad kind", "transport:\n  kind: carrier-pigeon\n", nil, "transport kind"},
		{"websocket without url", "transport:\n  kind: websocket\n", nil, "transport url"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", map[string]string{"DB_DSN": ""}, "dsn"},
		{"failure rate", "transport:\n  failure_rate: 1.5\n", nil, "failure_rate"},
		{"bad duration", "", map[string]string{"CHAT_TYPING_TTL": "soon"}, "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "s")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	if Path() != "config/config.yaml" {
		t.Fatalf("default path = %s", Path())
	}
	t.Setenv("CONFIG_PATH", "/etc/chat.yaml")
	if Path() != "/etc/chat.yaml" {
		t.Fatalf("path = %s", Path())
	}
}

func TestEnvParsesEveryFieldKind(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("UPLOADS_MAX_BYTES", "2048")
	t.Setenv("TRANSPORT_FAILURE_RATE", "0.25")
	t.Setenv("CHAT_SUBSCRIBER_BUFFER", "32")
	t.Setenv("CHAT_AUTO_CONNECT", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Uploads.MaxBytes != 2048 || cfg.Transport.FailureRate != 0.25 ||
		cfg.Chat.SubscriberBuffer != 32 || cfg.Chat.AutoConnect {
		t.Fatalf("env not applied: uploads %+v transport %+v chat %+v", cfg.Uploads, cfg.Transport, cfg.Chat)
	}

	t.Setenv("CHAT_SUBSCRIBER_BUFFER", "lots")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "CHAT_SUBSCRIBER_BUFFER") {
		t.Fatalf("bad integer: %v", err)
	}
}
