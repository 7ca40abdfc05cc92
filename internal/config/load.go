package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "PIXEL_INSPECTOR"

// Load 从配置文件与环境变量加载配置，path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// 默认值需要注册到 viper，AutomaticEnv 才能覆盖嵌套字段
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "badger":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.MaxEvents <= 0 {
		return fmt.Errorf("config: storage.maxEvents must be positive, got %d", c.Storage.MaxEvents)
	}
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is required")
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("version", cfg.Version)
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.maxEvents", cfg.Storage.MaxEvents)
	v.SetDefault("storage.sqlite.db", cfg.Storage.Sqlite.Db)
	v.SetDefault("storage.sqlite.prefix", cfg.Storage.Sqlite.Prefix)
	v.SetDefault("pool.concurrency", cfg.Pool.Concurrency)
	v.SetDefault("pool.queue", cfg.Pool.Queue)
	v.SetDefault("notify.buffer", cfg.Notify.Buffer)
	v.SetDefault("cdp.enabled", cfg.CDP.Enabled)
	v.SetDefault("cdp.devToolsURL", cfg.CDP.DevToolsURL)
	v.SetDefault("cdp.launch", cfg.CDP.Launch)
	v.SetDefault("cdp.headless", cfg.CDP.Headless)
	v.SetDefault("cdp.browserPath", cfg.CDP.BrowserPath)
	v.SetDefault("cdp.pollInterval", cfg.CDP.PollInterval)
	v.SetDefault("cdp.dataLayerTimeout", cfg.CDP.DataLayerTimeout)
	v.SetDefault("cdp.requestTTL", cfg.CDP.RequestTTL)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.writer", cfg.Log.Writer)
	v.SetDefault("log.file", cfg.Log.File)
}
