// Package config handles concierge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/concierge/config.yaml, /etc/concierge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "concierge", "config.yaml"))
	}

	paths = append(paths, "/etc/concierge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all concierge configuration.
type Config struct {
	Telegram      TelegramConfig      `yaml:"telegram"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// TelegramConfig defines the chat transport settings.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// AllowedChatIDs restricts the bot to these chats. Empty means open.
	AllowedChatIDs ChatIDList `yaml:"allowed_chat_ids"`
}

// ChatIDList unmarshals from either a YAML sequence or a
// comma-separated string, so the value can come straight from an
// expanded env var (allowed_chat_ids: ${TELEGRAM_ALLOWED_CHAT_IDS}).
type ChatIDList []int64

func (l *ChatIDList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		ids, err := ParseChatIDs(value.Value)
		if err != nil {
			return err
		}
		*l = ids
		return nil
	}
	var ids []int64
	if err := value.Decode(&ids); err != nil {
		return err
	}
	*l = ids
	return nil
}

// Allowed reports whether a chat id may talk to the bot.
func (t TelegramConfig) Allowed(chatID int64) bool {
	if len(t.AllowedChatIDs) == 0 {
		return true
	}
	for _, id := range t.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// OpenAIConfig defines settings for voice transcription.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
}

// MQTTConfig defines the optional status publisher. When Broker is
// empty the publisher is disabled.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file body are expanded before parsing so secrets can live outside
// the file (e.g. token: ${TELEGRAM_TOKEN}).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	return &Config{
		HomeAssistant: HomeAssistantConfig{URL: "http://homeassistant.local:8123"},
		Anthropic:     AnthropicConfig{Model: "claude-sonnet-4-20250514"},
		DataDir:       "data",
		LogLevel:      "info",
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	var missing []string
	if c.Telegram.Token == "" {
		missing = append(missing, "telegram.token")
	}
	if c.HomeAssistant.Token == "" {
		missing = append(missing, "homeassistant.token")
	}
	if c.Anthropic.APIKey == "" {
		missing = append(missing, "anthropic.api_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParseChatIDs converts a comma-separated id list (as found in env vars)
// to int64 chat ids. Blank entries are skipped.
func ParseChatIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
