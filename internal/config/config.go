package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"netsense/internal/logger"
)

// Config 配置文件结构体
type Config struct {
	Version   string          `yaml:"version"`
	Sqlite    SqliteConfig    `yaml:"sqlite"`
	Log       LogConfig       `yaml:"log"`
	Browser   BrowserConfig   `yaml:"browser"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Control   ControlConfig   `yaml:"control"`
	Integrity IntegrityConfig `yaml:"integrity"`
}

// SqliteConfig 存储配置
type SqliteConfig struct {
	Dsn    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string   `yaml:"level"`
	Writer     []string `yaml:"writer"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"maxSizeMB"`
	MaxBackups int      `yaml:"maxBackups"`
	MaxAgeDays int      `yaml:"maxAgeDays"`
}

// BrowserConfig 浏览器连接配置
type BrowserConfig struct {
	DevToolsURL       string `yaml:"devToolsURL"`
	AutoAttach        bool   `yaml:"autoAttach"`
	BodySizeThreshold int64  `yaml:"bodySizeThreshold"`
	EventBuffer       int    `yaml:"eventBuffer"`
}

// DispatchConfig 转发配置
type DispatchConfig struct {
	TimeoutMS       int     `yaml:"timeoutMS"`
	RatePerSecond   float64 `yaml:"ratePerSecond"`
	Burst           int     `yaml:"burst"`
	ProbeTTLSeconds int     `yaml:"probeTTLSeconds"`
}

// ControlConfig 控制接口配置
type ControlConfig struct {
	Listen           string   `yaml:"listen"`
	RequestTimeoutMS int      `yaml:"requestTimeoutMS"`
	AllowedOrigins   []string `yaml:"allowedOrigins"` // 允许跨源访问的弹窗来源，同源请求总是允许
}

// IntegrityConfig 篡改检测配置
type IntegrityConfig struct {
	Watch           bool   `yaml:"watch"`
	WatchDebounceMS int    `yaml:"watchDebounceMS"`
	MarkerFile      string `yaml:"markerFile"`
	OwnerContact    string `yaml:"ownerContact"`
	Template        string `yaml:"template"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Sqlite: SqliteConfig{
			Dsn:    "netsense.sqlite3",
			Prefix: "netsense_",
		},
		Log: LogConfig{
			Level:  "info",
			Writer: []string{"console"},
			File:   "logs/netsense.log",
		},
		Browser: BrowserConfig{
			BodySizeThreshold: 4 << 20,
			EventBuffer:       256,
		},
		Dispatch: DispatchConfig{
			TimeoutMS:       10000,
			ProbeTTLSeconds: 60,
		},
		Control: ControlConfig{
			Listen:           "127.0.0.1:7878",
			RequestTimeoutMS: 5000,
		},
		Integrity: IntegrityConfig{
			WatchDebounceMS: 500,
			MarkerFile:      ".netsense-tamper-notified",
			Template:        DefaultTemplate,
		},
	}
}

// DefaultTemplate 篡改通知默认模板
const DefaultTemplate = `netsense: store at {{ store }} was modified outside the extension (expected {{ stored }} records, found {{ live }}). Rule loading is blocked.`

// Load 加载配置文件，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoggerOptions 转换为日志配置
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Log.Level,
		Writer:     c.Log.Writer,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
