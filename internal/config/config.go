package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Model   ModelConfig   `koanf:"model"`
	Title   TitleConfig   `koanf:"title"`
	Tools   ToolsConfig   `koanf:"tools"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type ModelConfig struct {
	Provider string `koanf:"provider"` // openai, echo
	APIKey   string `koanf:"api_key"`
	BaseURL  string `koanf:"base_url"`
	Default  string `koanf:"default"` // default model for new conversations
	MaxSteps int    `koanf:"max_steps"`
}

type TitleConfig struct {
	Model string `koanf:"model"` // model used for title inference
}

type ToolsConfig struct {
	FetchEnabled bool `koanf:"fetch_enabled"`
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Try to load from config.yaml file first
	if err := k.Load(file.Provider("config.yaml"), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("LOOM_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "LOOM_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "sqlite")
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "loom.db")
	}
	if !k.Exists("model.provider") {
		k.Set("model.provider", "openai")
	}
	if !k.Exists("model.default") {
		k.Set("model.default", "gpt-4o")
	}
	if !k.Exists("title.model") {
		k.Set("title.model", "gpt-4o-mini")
	}
	if !k.Exists("tools.fetch_enabled") {
		k.Set("tools.fetch_enabled", true)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// API key may come from the conventional variable when the prefixed one
	// is not set.
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return &cfg, nil
}
