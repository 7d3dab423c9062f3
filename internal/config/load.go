package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Manager loads configuration and hot-reloads it when the file changes.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads the initial config.
// An empty cfgFile searches ./promptsmith.yaml and $HOME/.promptsmith/; a
// missing file is not an error.
func NewManager(cfgFile string) (*Manager, error) {
	m := &Manager{v: viper.New()}
	setDefaults(m.v)

	m.v.SetEnvPrefix("PROMPTSMITH")
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()

	if cfgFile != "" {
		m.v.SetConfigFile(cfgFile)
	} else {
		m.v.SetConfigName("promptsmith")
		m.v.AddConfigPath(".")
		m.v.AddConfigPath("$HOME/.promptsmith")
	}

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	m.config = cfg
	return m, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.redis_addr", d.Storage.RedisAddr)
	v.SetDefault("storage.redis_prefix", d.Storage.RedisPrefix)
	v.SetDefault("history.max_records", d.History.MaxRecords)
	v.SetDefault("history.storage_key", d.History.StorageKey)
	v.SetDefault("service.max_prompt_length", d.Service.MaxPromptLength)
	v.SetDefault("llm.default_model", d.LLM.DefaultModel)
	for key, p := range d.LLM.Providers {
		prefix := "llm.providers." + key + "."
		v.SetDefault(prefix+"type", p.Type)
		v.SetDefault(prefix+"name", p.Name)
		v.SetDefault(prefix+"model", p.Model)
		v.SetDefault(prefix+"base_url", p.BaseURL)
		v.SetDefault(prefix+"api_key", p.APIKey)
		v.SetDefault(prefix+"enabled", p.Enabled)
	}
	v.SetDefault("templates.dir", d.Templates.Dir)
	v.SetDefault("templates.storage_key", d.Templates.StorageKey)
	v.SetDefault("auth.password", d.Auth.Password)
	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("cors.allowed_origins", d.CORS.AllowedOrigins)
	v.SetDefault("cors.allow_credentials", d.CORS.AllowCredentials)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

func (m *Manager) load() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	for key, p := range cfg.LLM.Providers {
		p.APIKey = ResolveEnvVars(p.APIKey)
		cfg.LLM.Providers[key] = p
	}
	cfg.Auth.Password = ResolveEnvVars(cfg.Auth.Password)
	cfg.Auth.Secret = ResolveEnvVars(cfg.Auth.Secret)
	return &cfg, nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ConfigFile returns the path of the loaded config file, or "" if none.
func (m *Manager) ConfigFile() string {
	return m.v.ConfigFileUsed()
}

// OnChange registers a callback invoked after a successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Watch enables hot-reloading. It is a no-op when no config file was found.
func (m *Manager) Watch() {
	if m.v.ConfigFileUsed() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := m.load()
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("config reload failed")
			return
		}

		m.mu.Lock()
		m.config = cfg
		callbacks := make([]func(*Config), len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()

		log.Info().Str("file", e.Name).Msg("config reloaded")
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	m.v.WatchConfig()
}
