package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultHomeDir = ".tinyloom"

// Config represents the main configuration for the tinyloom engine.
// Agent and team definitions are not part of it; they live in the settings
// file (see Paths.SettingsFile) which is hot-reloaded while running.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Events    EventsConfig    `yaml:"events"`
	NATS      NATSConfig      `yaml:"nats"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig configures the HTTP boundary
type ServerConfig struct {
	HTTPPort       int           `yaml:"http_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // CORS
}

// PathsConfig locates every on-disk area. Empty fields are derived from Home.
type PathsConfig struct {
	Home         string `yaml:"home"`
	QueueDir     string `yaml:"queue_dir"`
	EventsDir    string `yaml:"events_dir"`
	ChatsDir     string `yaml:"chats_dir"`
	FilesDir     string `yaml:"files_dir"`
	LogFile      string `yaml:"log_file"`
	SettingsFile string `yaml:"settings_file"`
}

// DispatchConfig controls the queue processor
type DispatchConfig struct {
	ScanInterval            time.Duration `yaml:"scan_interval"`
	MaxConversationMessages int           `yaml:"max_conversation_messages"`
	LongResponseThreshold   int           `yaml:"long_response_threshold"`
	MaxAttempts             int           `yaml:"max_attempts"` // 0 retries forever
	WatchIncoming           bool          `yaml:"watch_incoming"`

	// Watchdog
	WatchdogInterval  time.Duration `yaml:"watchdog_interval"`
	StaleConversation time.Duration `yaml:"stale_conversation"`
}

// EventsConfig selects where emitted events are persisted
type EventsConfig struct {
	Backend   string `yaml:"backend"` // "file" or "redis"
	RedisURL  string `yaml:"redis_url"`
	RedisKey  string `yaml:"redis_key"`
	MaxEvents int64  `yaml:"max_events"`
}

// NATSConfig configures the optional JetStream event mirror
type NATSConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	StreamName string        `yaml:"stream_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// ProvidersConfig configures how agents are invoked
type ProvidersConfig struct {
	ClaudeBinary   string        `yaml:"claude_binary"`
	CodexBinary    string        `yaml:"codex_binary"`
	OpencodeBinary string        `yaml:"opencode_binary"`
	OllamaEndpoint string        `yaml:"ollama_endpoint"`
	OpenAIEndpoint string        `yaml:"openai_endpoint"`
	OpenAIAPIKey   string        `yaml:"openai_api_key"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified path.
// Fields missing from the file keep their DefaultConfig values. A missing file
// yields the defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnv()
			cfg.ResolvePaths()
			return cfg, nil
		}
		return nil, err
	}

	// Expand environment variables (e.g. ${OPENAI_API_KEY}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.ApplyEnv()
	cfg.ResolvePaths()
	return cfg, nil
}

// ApplyEnv overrides configuration with environment variables when set.
func (c *Config) ApplyEnv() {
	if home := os.Getenv("TINYLOOM_HOME"); home != "" {
		c.Paths.Home = home
	}
	if port := os.Getenv("TINYLOOM_API_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 {
			c.Server.HTTPPort = n
		}
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Telemetry.Endpoint = endpoint
		c.Telemetry.Enabled = true
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.NATS.URL = url
		c.NATS.Enabled = true
	}
	if url := os.Getenv("REDIS_URL"); url != "" && c.Events.Backend == "redis" {
		c.Events.RedisURL = url
	}
}

// ResolvePaths fills every empty path from Paths.Home.
func (c *Config) ResolvePaths() {
	p := &c.Paths
	if p.Home == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			p.Home = filepath.Join(homeDir, defaultHomeDir)
		} else {
			p.Home = defaultHomeDir
		}
	}
	if p.QueueDir == "" {
		p.QueueDir = filepath.Join(p.Home, "queue")
	}
	if p.EventsDir == "" {
		p.EventsDir = filepath.Join(p.Home, "events")
	}
	if p.ChatsDir == "" {
		p.ChatsDir = filepath.Join(p.Home, "chats")
	}
	if p.FilesDir == "" {
		p.FilesDir = filepath.Join(p.Home, "files")
	}
	if p.LogFile == "" {
		p.LogFile = filepath.Join(p.Home, "logs", "queue.log")
	}
	if p.SettingsFile == "" {
		p.SettingsFile = filepath.Join(p.Home, "settings.json")
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       3001,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   0, // SSE streams stay open
			IdleTimeout:    120 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Dispatch: DispatchConfig{
			ScanInterval:            time.Second,
			MaxConversationMessages: 50,
			LongResponseThreshold:   4000,
			MaxAttempts:             5,
			WatchIncoming:           true,
			WatchdogInterval:        time.Minute,
			StaleConversation:       30 * time.Minute,
		},
		Events: EventsConfig{
			Backend:   "file",
			RedisKey:  "tinyloom:events",
			MaxEvents: 10000,
		},
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			StreamName: "TINYLOOM",
			Timeout:    10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "tinyloom",
		},
		Providers: ProvidersConfig{
			ClaudeBinary:   "claude",
			CodexBinary:    "codex",
			OpencodeBinary: "opencode",
			OllamaEndpoint: "http://localhost:11434",
			OpenAIEndpoint: "https://api.openai.com/v1",
			HTTPTimeout:    10 * time.Minute,
		},
	}
}
