package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 19841
	DefaultHost = "localhost"

	DefaultQueueTimeout    = 60 * time.Second
	DefaultAppKeyHeader    = "Authorization"
	DefaultMaxBodySize     = "25MB"
	DefaultPerClientRPM    = 600
	DefaultRateLimitBurst  = 50
	reloadDebounceInterval = 500 * time.Millisecond
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              DefaultHost,
			Port:              DefaultPort,
			ReadTimeout:       3 * time.Minute,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
			ShutdownTimeout:   10 * time.Second,
			RequestLogging:    true,
			RequestLimits: ServerRequestLimits{
				MaxBodySize: DefaultMaxBodySize,
			},
			RateLimits: ServerRateLimits{
				Enabled:      false,
				PerClientRPM: DefaultPerClientRPM,
				BurstSize:    DefaultRateLimitBurst,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			Dir:        "./logs",
			FileOutput: false,
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     14,
		},
		RouterSettings: RouterSettings{
			NumRetries: 1,
		},
		ProxySettings: ProxySettings{
			QueueTimeout: DefaultQueueTimeout,
		},
		AppKeys: AppKeysConfig{
			Enabled:              false,
			HeaderName:           DefaultAppKeyHeader,
			AllowUnauthenticated: true,
		},
	}
}

// Load reads paso.yaml (searched in . and ./config, overridable via
// PASO_CONFIG_FILE) over the defaults, with PASO_ env overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("paso")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configFile := os.Getenv("PASO_CONFIG_FILE"); configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("PASO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine, everything has a default
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config, yamlTagDecoding); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.Filename = v.ConfigFileUsed()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Watch re-reads the config file on change, debounced, and hands every
// successfully validated snapshot to onReload. A snapshot that fails to
// load or validate is dropped; the previous one stays in force.
func Watch(filename string, onReload func(*Config), onError func(error)) {
	if filename == "" {
		return
	}

	v := viper.New()
	v.SetConfigFile(filename)
	v.SetEnvPrefix("PASO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var lastReload time.Time
	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
			return
		}
		// Editors fire several events per save
		if time.Since(lastReload) < reloadDebounceInterval {
			return
		}
		lastReload = time.Now()

		if err := v.ReadInConfig(); err != nil {
			onError(fmt.Errorf("config reload: %w", err))
			return
		}
		config := DefaultConfig()
		if err := v.Unmarshal(config, yamlTagDecoding); err != nil {
			onError(fmt.Errorf("config reload decode: %w", err))
			return
		}
		config.Filename = filename
		if err := config.Validate(); err != nil {
			onError(fmt.Errorf("config reload rejected: %w", err))
			return
		}
		onReload(config)
	})
	v.WatchConfig()
}

// yamlTagDecoding makes viper honour the yaml struct tags, including the
// ",remain" collector on ParsersSettings.
func yamlTagDecoding(dc *mapstructure.DecoderConfig) {
	dc.TagName = "yaml"
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Validate rejects snapshots the rest of the system cannot serve. Fallback
// targets pointing at unknown models are tolerated here; the router drops
// them when chains are built.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	seen := make(map[string]struct{}, len(c.ModelList))
	for i := range c.ModelList {
		model := &c.ModelList[i]
		if model.ModelName == "" {
			return fmt.Errorf("model_list[%d]: model_name is required", i)
		}
		if _, dup := seen[model.ModelName]; dup {
			return fmt.Errorf("model_list: duplicate model_name %q", model.ModelName)
		}
		seen[model.ModelName] = struct{}{}
	}

	for i := range c.ModelList {
		model := &c.ModelList[i]
		if model.Extends != "" {
			if _, ok := seen[model.Extends]; !ok {
				return fmt.Errorf("model %q extends unknown model %q", model.ModelName, model.Extends)
			}
		}
	}

	if c.AppKeys.Enabled {
		keyIDs := make(map[string]struct{}, len(c.AppKeys.Keys))
		for i, key := range c.AppKeys.Keys {
			if key.KeyID == "" {
				return fmt.Errorf("app_keys.keys[%d]: key_id is required", i)
			}
			if key.Secret == "" && key.Enabled {
				return fmt.Errorf("app_keys.keys[%d] (%s): secret is required", i, key.KeyID)
			}
			if _, dup := keyIDs[key.KeyID]; dup {
				return fmt.Errorf("app_keys: duplicate key_id %q", key.KeyID)
			}
			keyIDs[key.KeyID] = struct{}{}
		}
	}

	// Backend-level validation happens during conversion so extends
	// inheritance is applied first
	if _, _, err := c.ResolveBackends(); err != nil {
		return err
	}
	return nil
}
