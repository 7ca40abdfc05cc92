package config

import "time"

// Config 配置文件结构体
type Config struct {
	Version string        `yaml:"version" mapstructure:"version"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Pool    PoolConfig    `yaml:"pool" mapstructure:"pool"`
	Notify  NotifyConfig  `yaml:"notify" mapstructure:"notify"`
	CDP     CDPConfig     `yaml:"cdp" mapstructure:"cdp"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// StorageConfig 会话存储配置
type StorageConfig struct {
	Driver    string       `yaml:"driver" mapstructure:"driver"` // memory / sqlite / badger
	MaxEvents int          `yaml:"maxEvents" mapstructure:"maxEvents"`
	Sqlite    SqliteConfig `yaml:"sqlite" mapstructure:"sqlite"`
}

// SqliteConfig sqlite 存储配置
type SqliteConfig struct {
	Db     string `yaml:"db" mapstructure:"db"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// PoolConfig 事实处理工作池配置
type PoolConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	Queue       int `yaml:"queue" mapstructure:"queue"`
}

// NotifyConfig 变更通知配置
type NotifyConfig struct {
	Buffer int `yaml:"buffer" mapstructure:"buffer"`
}

// CDPConfig 浏览器调试协议配置
type CDPConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	DevToolsURL      string        `yaml:"devToolsURL" mapstructure:"devToolsURL"`
	Launch           bool          `yaml:"launch" mapstructure:"launch"`
	Headless         bool          `yaml:"headless" mapstructure:"headless"`
	BrowserPath      string        `yaml:"browserPath" mapstructure:"browserPath"`
	PollInterval     time.Duration `yaml:"pollInterval" mapstructure:"pollInterval"`
	DataLayerTimeout time.Duration `yaml:"dataLayerTimeout" mapstructure:"dataLayerTimeout"`
	RequestTTL       time.Duration `yaml:"requestTTL" mapstructure:"requestTTL"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string   `yaml:"level" mapstructure:"level"`
	Writer []string `yaml:"writer" mapstructure:"writer"`
	File   string   `yaml:"file" mapstructure:"file"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Server: ServerConfig{
			Addr: "127.0.0.1:17380",
		},
		Storage: StorageConfig{
			Driver:    "memory",
			MaxEvents: 100,
			Sqlite: SqliteConfig{
				Db:     "sessions.db",
				Prefix: "pixel_",
			},
		},
		Pool: PoolConfig{
			Concurrency: 8,
			Queue:       1024,
		},
		Notify: NotifyConfig{
			Buffer: 64,
		},
		CDP: CDPConfig{
			Enabled:          false,
			DevToolsURL:      "http://localhost:9222",
			PollInterval:     time.Second,
			DataLayerTimeout: 3 * time.Second,
			RequestTTL:       60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
			// file需要在console之前，控制台不可写时不影响文件日志
			Writer: []string{"file", "console"},
		},
	}
}
