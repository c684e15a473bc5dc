package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all marionet configuration.
type Config struct {
	Client  ClientConfig
	Docker  DockerConfig
	Sprite  SpriteConfig
	Logging LogConfig
}

// ClientConfig holds command-protocol client configuration.
type ClientConfig struct {
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	CommandTimeout    time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	MaxPending        int           `envconfig:"MAX_PENDING" default:"256"`
	AutoReconnect     bool          `envconfig:"AUTO_RECONNECT" default:"true"`
	ReconnectInterval time.Duration `envconfig:"RECONNECT_INTERVAL" default:"2s"`
	MaxReconnects     int           `envconfig:"MAX_RECONNECTS" default:"5"`
	CommandsPerSecond float64       `envconfig:"COMMANDS_PER_SECOND" default:"0"`
}

// DockerConfig holds Docker provider configuration.
type DockerConfig struct {
	Host          string        `envconfig:"DOCKER_HOST"`
	Image         string        `envconfig:"DOCKER_IMAGE" default:"marionet/agent:latest"`
	ControlPort   int           `envconfig:"DOCKER_CONTROL_PORT" default:"8089"`
	ReadyTimeout  time.Duration `envconfig:"DOCKER_READY_TIMEOUT" default:"60s"`
	PollInterval  time.Duration `envconfig:"DOCKER_POLL_INTERVAL" default:"1s"`
	ReuseExisting bool          `envconfig:"DOCKER_REUSE_EXISTING" default:"false"`
}

// SpriteConfig holds bare-metal sprite provider configuration.
type SpriteConfig struct {
	Addr         string        `envconfig:"SPRITE_ADDR"`
	User         string        `envconfig:"SPRITE_USER" default:"sprite"`
	KeyPath      string        `envconfig:"SPRITE_KEY_PATH"`
	AgentPath    string        `envconfig:"SPRITE_AGENT_PATH" default:"/opt/marionet/agent"`
	PayloadPath  string        `envconfig:"SPRITE_PAYLOAD_PATH"`
	ControlPort  int           `envconfig:"SPRITE_CONTROL_PORT" default:"8089"`
	ReadyTimeout time.Duration `envconfig:"SPRITE_READY_TIMEOUT" default:"90s"`
	PollInterval time.Duration `envconfig:"SPRITE_POLL_INTERVAL" default:"2s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("MARIONET", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile reads a TOML config file and overlays environment variables on
// top of it. Environment wins, matching how deployments override files.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := envconfig.Process("MARIONET", cfg); err != nil {
		return nil, fmt.Errorf("failed to overlay environment: %w", err)
	}
	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ConnectTimeout:    30 * time.Second,
			CommandTimeout:    30 * time.Second,
			MaxPending:        256,
			AutoReconnect:     true,
			ReconnectInterval: 2 * time.Second,
			MaxReconnects:     5,
		},
		Docker: DockerConfig{
			Image:        "marionet/agent:latest",
			ControlPort:  8089,
			ReadyTimeout: 60 * time.Second,
			PollInterval: time.Second,
		},
		Sprite: SpriteConfig{
			User:         "sprite",
			AgentPath:    "/opt/marionet/agent",
			ControlPort:  8089,
			ReadyTimeout: 90 * time.Second,
			PollInterval: 2 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
