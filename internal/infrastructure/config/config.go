package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	MessageLog MessageLogConfig `mapstructure:"messagelog"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type  string `mapstructure:"type"` // sqlite, postgres
	DSN   string `mapstructure:"dsn"`
	Debug bool   `mapstructure:"debug"` // 打印全部 SQL
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"` // stdout, stderr, or file path
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// MessageLogConfig 消息日志缓冲配置
type MessageLogConfig struct {
	FlushSizeThreshold int           `mapstructure:"flush_size_threshold"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	FlushTimeout       time.Duration `mapstructure:"flush_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database type: %q", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port: %d", c.HTTP.Port)
	}
	if c.MessageLog.FlushSizeThreshold <= 0 {
		return fmt.Errorf("messagelog.flush_size_threshold must be positive, got %d", c.MessageLog.FlushSizeThreshold)
	}
	if c.MessageLog.FlushInterval <= 0 {
		return fmt.Errorf("messagelog.flush_interval must be positive, got %s", c.MessageLog.FlushInterval)
	}
	if c.MessageLog.FlushTimeout <= 0 {
		return fmt.Errorf("messagelog.flush_timeout must be positive, got %s", c.MessageLog.FlushTimeout)
	}
	if c.MessageLog.ShutdownTimeout <= 0 {
		return fmt.Errorf("messagelog.shutdown_timeout must be positive, got %s", c.MessageLog.ShutdownTimeout)
	}
	return nil
}

// Loader 持有 viper 实例, 支持配置热更新
type Loader struct {
	v        *viper.Viper
	mu       sync.Mutex
	watching bool
}

// Load 加载配置
//
// 优先级 (低 → 高): 默认值 → 配置文件 → 环境变量 (MSGLOG_ 前缀)
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

// NewLoader 创建配置加载器. path 为空时按 ./config, ., ~/.msglog 顺序查找 config.yaml
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath(HomeDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 环境变量覆盖, 如 MSGLOG_DATABASE_DSN
	v.SetEnvPrefix("MSGLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	return &Loader{v: v}, nil
}

// bindLegacyEnv 兼容机器人部署中使用的 FLUSH_SIZE_THRESHOLD / FLUSH_INTERVAL_SECONDS.
// The MSGLOG_ names win when both are set.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("messagelog.flush_size_threshold",
		"MSGLOG_MESSAGELOG_FLUSH_SIZE_THRESHOLD", "FLUSH_SIZE_THRESHOLD")

	if _, ok := os.LookupEnv("MSGLOG_MESSAGELOG_FLUSH_INTERVAL"); ok {
		return
	}
	if s, ok := os.LookupEnv("FLUSH_INTERVAL_SECONDS"); ok {
		if secs, err := strconv.Atoi(s); err == nil {
			v.Set("messagelog.flush_interval", time.Duration(secs)*time.Second)
		}
	}
}

// Config 解析当前配置
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File 返回正在使用的配置文件, 未使用文件时为空
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch 监听配置文件变化, 变更且校验通过后回调 onChange
//
// onError receives files that no longer parse or validate; the previous
// configuration stays in effect. Watch is a no-op without a config file.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching || l.File() == "" {
		return
	}
	l.watching = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Config()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	// Database 默认值
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(HomeDir(), "msglog.db"))
	v.SetDefault("database.debug", false)

	// Log 默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	// HTTP 默认值
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8420)
	v.SetDefault("http.mode", "release")

	// 消息日志缓冲默认值
	v.SetDefault("messagelog.flush_size_threshold", 1000)
	v.SetDefault("messagelog.flush_interval", "30s")
	v.SetDefault("messagelog.flush_timeout", "60s")
	v.SetDefault("messagelog.shutdown_timeout", "30s")
}

// HomeDir returns the msglog configuration home: ~/.msglog
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(home, "."+AppName)
}
