package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"mt5-copytrader/internal/copier"
)

// DefaultPath is used when CONFIG_PATH is not set.
const DefaultPath = "config/copytrader.yaml"

// Config holds the full copytrader configuration.
type Config struct {
	Master   copier.MasterConfig  `mapstructure:"master"`
	Slaves   []copier.SlaveConfig `mapstructure:"slaves"`
	Settings SettingsConfig       `mapstructure:"settings"`
	Database DatabaseConfig       `mapstructure:"database"`
	API      APIConfig            `mapstructure:"api"`
	Logging  LoggingConfig        `mapstructure:"logging"`
}

type SettingsConfig struct {
	PollingIntervalMs   int `mapstructure:"polling_interval_ms"`
	RetryAttempts       int `mapstructure:"retry_attempts"`
	RetryDelayMs        int `mapstructure:"retry_delay_ms"`
	ConnectionTimeoutMs int `mapstructure:"connection_timeout_ms"`
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	InitialDelayS       int `mapstructure:"initial_delay_s"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
}

type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Manager handles config loading and hot-reload.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads the YAML file at configPath, applies defaults and
// environment overrides, and starts watching the file for changes.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("master.name", "master")
	v.SetDefault("master.host", "mt5-master")
	v.SetDefault("master.port", 8001)
	v.SetDefault("settings.polling_interval_ms", 500)
	v.SetDefault("settings.retry_attempts", 3)
	v.SetDefault("settings.retry_delay_ms", 1000)
	v.SetDefault("settings.connection_timeout_ms", 5000)
	v.SetDefault("settings.heartbeat_interval_ms", 10000)
	v.SetDefault("settings.initial_delay_s", 60)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/copytrader.db")
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		// A missing file runs on defaults plus env overrides; anything else
		// is a hard error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
		log.Warn().Str("path", configPath).Msg("config file not found, using defaults")
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config: cfg,
		viper:  v,
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applySlaveDefaults(&cfg)
	return &cfg, nil
}

// applyEnvOverrides applies the documented environment variables on top of
// the file.
func applyEnvOverrides(cfg *Config) {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if host := os.Getenv("MASTER_HOST"); host != "" {
		cfg.Master.Host = host
	}
	if port := os.Getenv("MASTER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Master.Port = p
		}
	}
}

// applySlaveDefaults fills the per-slave zero values the YAML may omit.
func applySlaveDefaults(cfg *Config) {
	for i := range cfg.Slaves {
		s := &cfg.Slaves[i]
		if s.Port == 0 {
			s.Port = 8001
		}
		if s.LotMode == "" {
			s.LotMode = copier.LotModeExact
		}
		if s.LotValue == 0 {
			s.LotValue = 1.0
		}
		if s.MaxLot == 0 {
			s.MaxLot = 10.0
		}
		if s.MinLot == 0 {
			s.MinLot = 0.01
		}
		if s.MagicNumber == 0 {
			s.MagicNumber = 123456
		}
		if s.MaxSlippage == 0 {
			s.MaxSlippage = 20
		}
	}
}

// Get returns the current config (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetSettings returns the settings block.
func (m *Manager) GetSettings() SettingsConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Settings
}

// SetOnChange registers a callback for config changes.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	cfg, err := unmarshal(m.viper)
	if err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.mu.Lock()
	m.config = cfg
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(cfg)
	}
}

// PollingInterval returns the poll cadence as a duration.
func (s SettingsConfig) PollingInterval() time.Duration {
	return time.Duration(s.PollingIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (s SettingsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMs) * time.Millisecond
}

// InitialDelay returns the startup grace period for broker containers.
func (s SettingsConfig) InitialDelay() time.Duration {
	return time.Duration(s.InitialDelayS) * time.Second
}

// Path resolves the config file path from the environment.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}
