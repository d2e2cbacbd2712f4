package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

// IdentityMapping associates a chat-side display name with a protocol-side
// identity. The config file accepts two shapes: a bare string ("alice",
// meaning the identity equals the display name) and an object
// {"nickname":"bob","user_id":"222","enabled":true}. Both shapes survive a
// load/save round trip.
type IdentityMapping struct {
	Nickname string `json:"nickname"`
	UserID   string `json:"user_id"`
	Enabled  bool   `json:"enabled"`
	bare     bool
}

func (m *IdentityMapping) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = IdentityMapping{Nickname: s, UserID: s, Enabled: true, bare: true}
		return nil
	}

	var obj struct {
		Nickname string `json:"nickname"`
		UserID   string `json:"user_id"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	enabled := true
	if obj.Enabled != nil {
		enabled = *obj.Enabled
	}
	*m = IdentityMapping{Nickname: obj.Nickname, UserID: obj.UserID, Enabled: enabled}
	return nil
}

func (m IdentityMapping) MarshalJSON() ([]byte, error) {
	if m.bare {
		return json.Marshal(m.Nickname)
	}
	return json.Marshal(struct {
		Nickname string `json:"nickname"`
		UserID   string `json:"user_id"`
		Enabled  bool   `json:"enabled"`
	}{m.Nickname, m.UserID, m.Enabled})
}

// Identity returns the protocol-side identity for the entry. Bare entries
// map to their own display name.
func (m IdentityMapping) Identity() string {
	if m.UserID != "" {
		return m.UserID
	}
	return m.Nickname
}

type Config struct {
	WebUI   WebUIConfig   `json:"webui"`
	Chat    ChatConfig    `json:"chat"`
	OneBot  OneBotConfig  `json:"onebot"`
	Message MessageConfig `json:"message"`
	Logging LoggingConfig `json:"logging"`
	mu      sync.RWMutex
}

type WebUIConfig struct {
	Enabled bool   `json:"enabled" env:"WXBRIDGE_WEBUI_ENABLED"`
	Host    string `json:"host" env:"WXBRIDGE_WEBUI_HOST"`
	Port    int    `json:"port" env:"WXBRIDGE_WEBUI_PORT"`
}

type ChatConfig struct {
	Endpoint      string            `json:"endpoint" env:"WXBRIDGE_CHAT_ENDPOINT"`
	TelegramToken string            `json:"telegram_token" env:"WXBRIDGE_CHAT_TELEGRAM_TOKEN"`
	DefaultSender string            `json:"default_sender" env:"WXBRIDGE_CHAT_DEFAULT_SENDER"`
	Mappings      []IdentityMapping `json:"mappings"`
}

type OneBotConfig struct {
	Enabled              bool   `json:"enabled" env:"WXBRIDGE_ONEBOT_ENABLED"`
	WSUrl                string `json:"ws_url" env:"WXBRIDGE_ONEBOT_WS_URL"`
	AccessToken          string `json:"access_token" env:"WXBRIDGE_ONEBOT_ACCESS_TOKEN"`
	ReconnectInterval    int    `json:"reconnect_interval" env:"WXBRIDGE_ONEBOT_RECONNECT_INTERVAL"`
	HeartbeatInterval    int    `json:"heartbeat_interval" env:"WXBRIDGE_ONEBOT_HEARTBEAT_INTERVAL"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts" env:"WXBRIDGE_ONEBOT_MAX_RECONNECT_ATTEMPTS"`
	SelfID               string `json:"self_id" env:"WXBRIDGE_ONEBOT_SELF_ID"`
	SelfNickname         string `json:"self_nickname" env:"WXBRIDGE_ONEBOT_SELF_NICKNAME"`
}

type MessageConfig struct {
	MaxLength        int    `json:"max_length" env:"WXBRIDGE_MESSAGE_MAX_LENGTH"`
	EnableImage      bool   `json:"enable_image" env:"WXBRIDGE_MESSAGE_ENABLE_IMAGE"`
	EnableFile       bool   `json:"enable_file" env:"WXBRIDGE_MESSAGE_ENABLE_FILE"`
	EnableVoice      bool   `json:"enable_voice" env:"WXBRIDGE_MESSAGE_ENABLE_VOICE"`
	ImageCacheDir    string `json:"image_cache_dir" env:"WXBRIDGE_MESSAGE_IMAGE_CACHE_DIR"`
	FileCacheDir     string `json:"file_cache_dir" env:"WXBRIDGE_MESSAGE_FILE_CACHE_DIR"`
	DownloadCacheDir string `json:"download_cache_dir" env:"WXBRIDGE_MESSAGE_DOWNLOAD_CACHE_DIR"`
}

type LoggingConfig struct {
	Level       string `json:"level" env:"WXBRIDGE_LOGGING_LEVEL"`
	File        string `json:"file" env:"WXBRIDGE_LOGGING_FILE"`
	MaxSizeMB   int    `json:"max_size_mb" env:"WXBRIDGE_LOGGING_MAX_SIZE_MB"`
	BackupCount int    `json:"backup_count" env:"WXBRIDGE_LOGGING_BACKUP_COUNT"`
	MaxAgeDays  int    `json:"max_age_days" env:"WXBRIDGE_LOGGING_MAX_AGE_DAYS"`
}

func DefaultConfig() *Config {
	return &Config{
		WebUI: WebUIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    10001,
		},
		Chat: ChatConfig{
			Endpoint:      "console",
			DefaultSender: "operator",
			Mappings:      []IdentityMapping{},
		},
		OneBot: OneBotConfig{
			Enabled:              false,
			WSUrl:                "ws://localhost:8080/onebot/v11/ws",
			AccessToken:          "",
			ReconnectInterval:    5,
			HeartbeatInterval:    30,
			MaxReconnectAttempts: 10,
			SelfID:               "wxbridge_bot",
			SelfNickname:         "WxBridge Bot",
		},
		Message: MessageConfig{
			MaxLength:        4096,
			EnableImage:      true,
			EnableFile:       true,
			EnableVoice:      false,
			ImageCacheDir:    "cache/images",
			FileCacheDir:     "cache/files",
			DownloadCacheDir: "cache/downloads",
		},
		Logging: LoggingConfig{
			Level:       "info",
			File:        "logs/wxbridge.log",
			MaxSizeMB:   10,
			BackupCount: 5,
			MaxAgeDays:  30,
		},
	}
}

// LoadConfig reads the config file at path, overlaying it on the defaults
// and then applying WXBRIDGE_* environment overrides. A missing file is not
// an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(struct {
		WebUI   WebUIConfig   `json:"webui"`
		Chat    ChatConfig    `json:"chat"`
		OneBot  OneBotConfig  `json:"onebot"`
		Message MessageConfig `json:"message"`
		Logging LoggingConfig `json:"logging"`
	}{cfg.WebUI, cfg.Chat, cfg.OneBot, cfg.Message, cfg.Logging}, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0600)
}

// Get resolves a dotted key ("onebot.ws_url") against the config tree.
// The second result reports whether the key exists.
func (c *Config) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value := interface{}(c.toMap())
	for _, part := range strings.Split(key, ".") {
		node, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		value, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

// Set writes a dotted key, creating intermediate objects as needed, and
// folds the result back into the typed config.
func (c *Config) Set(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tree := c.toMap()
	parts := strings.Split(key, ".")
	node := tree
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value

	return c.fromMap(tree)
}

// Merge deep-merges a partial config tree into the current one. Object
// values merge recursively, everything else replaces.
func (c *Config) Merge(updates map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fromMap(mergeTrees(c.toMap(), updates))
}

// MergedCopy returns a new Config with updates folded in, leaving the
// receiver untouched. Lets callers validate a change before applying it.
func (c *Config) MergedCopy(updates map[string]interface{}) (*Config, error) {
	c.mu.RLock()
	tree := mergeTrees(c.toMap(), updates)
	c.mu.RUnlock()

	next := &Config{}
	if err := next.fromMap(tree); err != nil {
		return nil, err
	}
	return next, nil
}

// GetAll returns the config as a plain nested map for the admin surface.
func (c *Config) GetAll() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.toMap()
}

func (c *Config) toMap() map[string]interface{} {
	data, err := json.Marshal(struct {
		WebUI   WebUIConfig   `json:"webui"`
		Chat    ChatConfig    `json:"chat"`
		OneBot  OneBotConfig  `json:"onebot"`
		Message MessageConfig `json:"message"`
		Logging LoggingConfig `json:"logging"`
	}{c.WebUI, c.Chat, c.OneBot, c.Message, c.Logging})
	if err != nil {
		return map[string]interface{}{}
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return map[string]interface{}{}
	}
	return tree
}

func (c *Config) fromMap(tree map[string]interface{}) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return err
	}
	c.WebUI = next.WebUI
	c.Chat = next.Chat
	c.OneBot = next.OneBot
	c.Message = next.Message
	c.Logging = next.Logging
	return nil
}

func mergeTrees(base, updates map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range updates {
		if baseChild, ok := result[k].(map[string]interface{}); ok {
			if updChild, ok := v.(map[string]interface{}); ok {
				result[k] = mergeTrees(baseChild, updChild)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// Mappings returns a snapshot of the identity-mapping list.
func (c *Config) Mappings() []IdentityMapping {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]IdentityMapping, len(c.Chat.Mappings))
	copy(out, c.Chat.Mappings)
	return out
}

// AddMapping appends a mapping entry. Adding a display name that already
// exists is a no-op.
func (c *Config) AddMapping(entry IdentityMapping) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Nickname == "" {
		return false
	}
	for _, m := range c.Chat.Mappings {
		if m.Nickname == entry.Nickname {
			return false
		}
	}
	if entry.UserID == "" {
		entry.UserID = entry.Nickname
		entry.bare = true
	}
	c.Chat.Mappings = append(c.Chat.Mappings, entry)
	return true
}

// RemoveMapping deletes the entry with the given display name. Reports
// whether an entry was removed.
func (c *Config) RemoveMapping(nickname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, m := range c.Chat.Mappings {
		if m.Nickname == nickname {
			c.Chat.Mappings = append(c.Chat.Mappings[:i], c.Chat.Mappings[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the parts of the config that must be rejected at the
// admin boundary before they reach running components.
func (c *Config) Validate() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []string

	if c.WebUI.Port < 1 || c.WebUI.Port > 65535 {
		errs = append(errs, fmt.Sprintf("webui.port must be 1-65535, got %d", c.WebUI.Port))
	}

	if c.OneBot.Enabled {
		url := c.OneBot.WSUrl
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			errs = append(errs, "onebot.ws_url must start with ws:// or wss://")
		}
		if c.OneBot.HeartbeatInterval < 1 {
			errs = append(errs, "onebot.heartbeat_interval must be at least 1 second")
		}
		if c.OneBot.ReconnectInterval < 1 {
			errs = append(errs, "onebot.reconnect_interval must be at least 1 second")
		}
	}

	switch c.Chat.Endpoint {
	case "console":
	case "telegram":
		if c.Chat.TelegramToken == "" {
			errs = append(errs, "chat.telegram_token is required for the telegram endpoint")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown chat.endpoint %q", c.Chat.Endpoint))
	}

	seen := make(map[string]struct{}, len(c.Chat.Mappings))
	for _, m := range c.Chat.Mappings {
		if m.Nickname == "" {
			errs = append(errs, "chat.mappings entries require a nickname")
			continue
		}
		if _, dup := seen[m.Nickname]; dup {
			errs = append(errs, fmt.Sprintf("duplicate mapping nickname %q", m.Nickname))
		}
		seen[m.Nickname] = struct{}{}
	}

	return errs
}
