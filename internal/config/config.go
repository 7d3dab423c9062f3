package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
)

// Config holds all promptsmith configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	History   HistoryConfig   `mapstructure:"history"`
	Service   ServiceConfig   `mapstructure:"service"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // "sqlite", "redis", "memory"
	Path        string `mapstructure:"path"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type HistoryConfig struct {
	MaxRecords int    `mapstructure:"max_records"`
	StorageKey string `mapstructure:"storage_key"`
}

type ServiceConfig struct {
	MaxPromptLength int `mapstructure:"max_prompt_length"` // in runes
}

type LLMConfig struct {
	DefaultModel string                    `mapstructure:"default_model"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig describes one model key the gateway can route to.
type ProviderConfig struct {
	Type           string  `mapstructure:"type"` // "openai", "deepseek", "gemini", "custom", "ollama", "anthropic", "mock"
	Name           string  `mapstructure:"name"`
	Model          string  `mapstructure:"model"`
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"` // supports ${ENV_VAR}
	Enabled        bool    `mapstructure:"enabled"`
	Temperature    float64 `mapstructure:"temperature"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

type TemplatesConfig struct {
	Dir        string `mapstructure:"dir"`
	StorageKey string `mapstructure:"storage_key"`
}

type AuthConfig struct {
	Password string `mapstructure:"password"` // empty disables the gate
	Secret   string `mapstructure:"secret"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 18181,
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			Path:        "", // resolved at runtime via store.DefaultDBPath()
			RedisAddr:   "localhost:6379",
			RedisPrefix: "promptsmith:",
		},
		History: HistoryConfig{
			MaxRecords: 50,
			StorageKey: "prompt_history",
		},
		Service: ServiceConfig{
			MaxPromptLength: 50000,
		},
		LLM: LLMConfig{
			DefaultModel: "openai",
			Providers: map[string]ProviderConfig{
				"openai": {
					Type:    "openai",
					Name:    "OpenAI",
					Model:   "gpt-4o-mini",
					BaseURL: "https://api.openai.com/v1",
					APIKey:  "${OPENAI_API_KEY}",
					Enabled: true,
				},
				"deepseek": {
					Type:    "deepseek",
					Name:    "DeepSeek",
					Model:   "deepseek-chat",
					BaseURL: "https://api.deepseek.com/v1",
					APIKey:  "${DEEPSEEK_API_KEY}",
				},
				"gemini": {
					Type:    "gemini",
					Name:    "Gemini",
					Model:   "gemini-2.0-flash",
					BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
					APIKey:  "${GEMINI_API_KEY}",
				},
				"ollama": {
					Type:    "ollama",
					Name:    "Ollama",
					Model:   "llama3.2",
					BaseURL: "http://localhost:11434",
				},
			},
		},
		Templates: TemplatesConfig{
			StorageKey: "app:templates",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// ModelKeys returns the configured provider keys in sorted order.
func (c *Config) ModelKeys() []string {
	keys := make([]string, 0, len(c.LLM.Providers))
	for k := range c.LLM.Providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envRef.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}
