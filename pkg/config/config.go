package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath       = "WECHATSLAVE_CONFIG"
	envGatewayURL       = "WECHAT_GATEWAY_URL"
	envMediaURL         = "WECHAT_MEDIA_URL"
	envTelegramBotToken = "TELEGRAM_BOT_TOKEN"
	envTelegramChatID   = "TELEGRAM_CHAT_ID"
	envAMQPURL          = "AMQP_URL"
)

const (
	DefaultChannelID   = "eh_wechat_slave"
	DefaultChannelName = "WeChat Slave"
)

// Host kinds select which consumer drains the ingress queue.
const (
	HostLog      = "log"
	HostTelegram = "telegram"
	HostAMQP     = "amqp"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Channel ChannelConfig `json:"channel" yaml:"channel"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Host    HostConfig    `json:"host" yaml:"host"`
	Gateway GatewayConfig `json:"gateway" yaml:"gateway"`
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// ChannelConfig identifies the WeChat slave channel and its web-protocol sidecar.
type ChannelConfig struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	GatewayURL string `json:"gateway_url" yaml:"gateway_url"`
	MediaURL   string `json:"media_url" yaml:"media_url"`
	QueueSize  int    `json:"queue_size" yaml:"queue_size"`
	// RequestTimeoutSeconds bounds one sidecar round trip.
	RequestTimeoutSeconds int `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// StorageConfig sets the base directory of materialized attachments.
type StorageConfig struct {
	Path string `json:"path" yaml:"path"`
}

// HostConfig selects and configures the ingress consumer.
type HostConfig struct {
	Kind     string         `json:"kind" yaml:"kind"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	AMQP     AMQPConfig     `json:"amqp" yaml:"amqp"`
}

// TelegramConfig configures the Telegram master chat relay.
type TelegramConfig struct {
	Token  string `json:"token" yaml:"token"`
	ChatID int64  `json:"chat_id" yaml:"chat_id"`
	// AllowFrom lists Telegram user IDs allowed to operate the bridge. Empty allows everyone in the chat.
	AllowFrom []string `json:"allow_from,omitempty" yaml:"allow_from,omitempty"`
}

// AMQPConfig configures the RabbitMQ relay.
type AMQPConfig struct {
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
}

// GatewayConfig configures HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LoadConfig resolves the config file, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if value := strings.TrimSpace(os.Getenv(envGatewayURL)); value != "" {
		cfg.Channel.GatewayURL = value
	}
	if value := strings.TrimSpace(os.Getenv(envMediaURL)); value != "" {
		cfg.Channel.MediaURL = value
	}
	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Host.Telegram.Token = token
	}
	if raw := strings.TrimSpace(os.Getenv(envTelegramChatID)); raw != "" {
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", envTelegramChatID, err)
		}
		cfg.Host.Telegram.ChatID = chatID
	}
	if value := strings.TrimSpace(os.Getenv(envAMQPURL)); value != "" {
		cfg.Host.AMQP.URL = value
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Channel.ID) == "" {
		cfg.Channel.ID = DefaultChannelID
	}
	if strings.TrimSpace(cfg.Channel.Name) == "" {
		cfg.Channel.Name = DefaultChannelName
	}
	if strings.TrimSpace(cfg.Host.Kind) == "" {
		cfg.Host.Kind = HostLog
	}
	cfg.Host.Kind = strings.ToLower(strings.TrimSpace(cfg.Host.Kind))
}

// findConfigPath resolves the active config file location.
//
// Precedence is WECHATSLAVE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
