package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Server   struct {
		BaseURL        string `json:"base_url"`
		ChannelURL     string `json:"channel_url"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"server"`
	Chat struct {
		Model          string  `json:"model"`
		Temperature    float64 `json:"temperature"`
		SystemPrompt   string  `json:"system_prompt"`
		NewTitle       string  `json:"new_title"`
		Welcome        string  `json:"welcome"`
		StageDelayMS   int     `json:"stage_delay_ms"`
		MaxConcurrent  int     `json:"max_concurrent"`
		MaxInputTokens int     `json:"max_input_tokens"`
	} `json:"chat"`
	Storage struct {
		Backend string `json:"backend"`
		Path    string `json:"path"`
	} `json:"storage"`
	Channel struct {
		Enabled        bool    `json:"enabled"`
		MaxAttempts    int     `json:"max_attempts"`
		InitialDelayMS int     `json:"initial_delay_ms"`
		MaxDelayMS     int     `json:"max_delay_ms"`
		Multiplier     float64 `json:"multiplier"`
		HandshakeMS    int     `json:"handshake_ms"`
	} `json:"channel"`
	KeepAlive struct {
		Schedule    string `json:"schedule"`
		IdleSeconds int    `json:"idle_seconds"`
	} `json:"keepalive"`
	DevServer struct {
		Addr string `json:"addr"`
	} `json:"devserver"`
}

// Storage backends.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".sessionchat"),
		LogLevel: "info",
	}
	cfg.Server.BaseURL = "http://localhost:5000"
	cfg.Server.ChannelURL = "ws://localhost:5000/socket"
	cfg.Server.TimeoutSeconds = 60
	cfg.Chat.Model = "gpt-4o-mini"
	cfg.Chat.Temperature = 0.7
	cfg.Chat.SystemPrompt = "You are a helpful assistant. Provide relevant responses."
	cfg.Chat.NewTitle = "New Conversation"
	cfg.Chat.StageDelayMS = 1000
	cfg.Chat.MaxConcurrent = 2
	cfg.Storage.Backend = StorageFile
	cfg.Channel.Enabled = true
	cfg.Channel.MaxAttempts = 10
	cfg.Channel.InitialDelayMS = 1000
	cfg.Channel.MaxDelayMS = 5000
	cfg.Channel.Multiplier = 2
	cfg.Channel.HandshakeMS = 10000
	cfg.KeepAlive.IdleSeconds = 120
	cfg.DevServer.Addr = "localhost:5000"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if v := os.Getenv("SESSIONCHAT_SERVER_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("SESSIONCHAT_CHANNEL_URL"); v != "" {
		cfg.Server.ChannelURL = v
	}
	if v := os.Getenv("SESSIONCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SESSIONCHAT_STORAGE"); v != "" {
		cfg.Storage.Backend = v
	}

	return cfg, nil
}

// StoragePath returns the store location for the configured backend.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	switch c.Storage.Backend {
	case StorageSQLite:
		return filepath.Join(c.DataDir, "state.db")
	default:
		return filepath.Join(c.DataDir, "state.json")
	}
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map using its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns every setting as a flat map of dot-separated keys.
func ListValues(cfg *Config) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	return Flatten(m), nil
}

// GetValue loads the config at path and returns the value for a
// dot-separated key such as "server.base_url".
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}

	// Keys not in the struct can still live in the file.
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue updates one dot-separated key in the config file at path. The
// key must name a Config setting and the value must parse as its kind. The
// file must already exist.
func SetValue(path, key, value string) error {
	v, err := Coerce(key, value)
	if err != nil {
		return err
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = v

	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw, nil
}
