package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "BOTCRAFT_"

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RuntimeConfig describes how a bot process is launched.
type RuntimeConfig struct {
	Interpreter      string   `yaml:"interpreter"`
	Args             []string `yaml:"args"`
	Entrypoint       string   `yaml:"entrypoint"`
	Env              []string `yaml:"env"`
	GraceSeconds     int      `yaml:"grace_seconds"`
	KillGraceSeconds int      `yaml:"kill_grace_seconds"`
	LogMaxSizeMB     int      `yaml:"log_max_size_mb"`
	LogMaxBackups    int      `yaml:"log_max_backups"`
}

// PlatformConfig 上游 Telegram Bot API
type PlatformConfig struct {
	APIBaseURL       string `yaml:"api_base_url"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	RetryCount       int    `yaml:"retry_count"`
	IdentityCacheTTL string `yaml:"identity_cache_ttl"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type LimitsConfig struct {
	MaxBotsPerOwner int `yaml:"max_bots_per_owner"`
	WebAppBurst     int `yaml:"webapp_burst"`
	WebAppPerSecond int `yaml:"webapp_per_second"`
}

type WebAppConfig struct {
	PublicBaseURL string `yaml:"public_base_url"`
	StorePath     string `yaml:"store_path"`
	EncryptionKey string `yaml:"encryption_key"`
}

type JanitorConfig struct {
	Schedule string `yaml:"schedule"`
}

type RecoveryConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// ServerConfig 控制面服务配置
type ServerConfig struct {
	Listen        string         `yaml:"listen"`
	DebugListen   string         `yaml:"debug_listen"`
	DBPath        string         `yaml:"db_path"`
	CredentialKey string         `yaml:"credential_key"` // 32 bytes hex/base64, encrypts bot tokens at rest
	DataDir       string         `yaml:"data_dir"`
	LogsDir       string         `yaml:"logs_dir"`
	Log           LogConfig      `yaml:"log"`
	Runtime       RuntimeConfig  `yaml:"runtime"`
	Platform      PlatformConfig `yaml:"platform"`
	Auth          AuthConfig     `yaml:"auth"`
	Limits        LimitsConfig   `yaml:"limits"`
	WebApp        WebAppConfig   `yaml:"webapp"`
	Janitor       JanitorConfig  `yaml:"janitor"`
	Recovery      RecoveryConfig `yaml:"recovery"`
}

// Default returns the configuration used when nothing else is set.
func Default() *ServerConfig {
	return &ServerConfig{
		Listen:  ":8080",
		DBPath:  "data/controlplane.db",
		DataDir: "data",
		LogsDir: "logs",
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Runtime: RuntimeConfig{
			Interpreter:      "python3",
			Entrypoint:       "bot.py",
			GraceSeconds:     2,
			KillGraceSeconds: 2,
			LogMaxSizeMB:     20,
			LogMaxBackups:    2,
		},
		Platform: PlatformConfig{
			APIBaseURL:       "https://api.telegram.org",
			TimeoutSeconds:   10,
			RetryCount:       2,
			IdentityCacheTTL: "5m",
		},
		Auth: AuthConfig{Issuer: "botcraft"},
		Limits: LimitsConfig{
			MaxBotsPerOwner: 10,
			WebAppBurst:     20,
			WebAppPerSecond: 5,
		},
		WebApp: WebAppConfig{
			PublicBaseURL: "http://localhost:8080",
		},
		Janitor:  JanitorConfig{Schedule: "@every 1h"},
		Recovery: RecoveryConfig{Concurrency: 4},
	}
}

// Load 加载配置：默认值 < 配置文件 < 环境变量
func Load(path string) (*ServerConfig, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if cfg.WebApp.StorePath == "" {
		cfg.WebApp.StorePath = strings.TrimRight(cfg.DataDir, "/") + "/webapp.badger"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) applyEnv() {
	setString(&c.Listen, "LISTEN")
	setString(&c.DebugListen, "DEBUG_LISTEN")
	setString(&c.DBPath, "DB")
	setString(&c.CredentialKey, "CREDENTIAL_KEY")
	setString(&c.DataDir, "DATA_DIR")
	setString(&c.LogsDir, "LOGS_DIR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Log.File, "LOG_FILE")
	setString(&c.Runtime.Interpreter, "INTERPRETER")
	setString(&c.Runtime.Entrypoint, "ENTRYPOINT")
	setInt(&c.Runtime.GraceSeconds, "GRACE_SECONDS")
	setInt(&c.Runtime.KillGraceSeconds, "KILL_GRACE_SECONDS")
	setString(&c.Platform.APIBaseURL, "TELEGRAM_API")
	setInt(&c.Platform.TimeoutSeconds, "TELEGRAM_TIMEOUT_SECONDS")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setInt(&c.Limits.MaxBotsPerOwner, "MAX_BOTS_PER_OWNER")
	setString(&c.WebApp.PublicBaseURL, "PUBLIC_URL")
	setString(&c.WebApp.StorePath, "WEBAPP_STORE")
	setString(&c.WebApp.EncryptionKey, "WEBAPP_KEY")
	setString(&c.Janitor.Schedule, "JANITOR_SCHEDULE")
	setInt(&c.Recovery.Concurrency, "RECOVERY_CONCURRENCY")
}

// Validate 校验配置
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if strings.TrimSpace(c.Runtime.Interpreter) == "" {
		return fmt.Errorf("runtime.interpreter is required")
	}
	if strings.TrimSpace(c.Runtime.Entrypoint) == "" {
		return fmt.Errorf("runtime.entrypoint is required")
	}
	if c.Runtime.GraceSeconds <= 0 || c.Runtime.GraceSeconds > 30 {
		return fmt.Errorf("runtime.grace_seconds must be in 1..30, got %d", c.Runtime.GraceSeconds)
	}
	if c.Runtime.KillGraceSeconds < 0 || c.Runtime.KillGraceSeconds > 30 {
		return fmt.Errorf("runtime.kill_grace_seconds must be in 0..30, got %d", c.Runtime.KillGraceSeconds)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required (%sJWT_SECRET)", EnvPrefix)
	}
	if c.Limits.MaxBotsPerOwner <= 0 {
		return fmt.Errorf("limits.max_bots_per_owner must be > 0")
	}
	if _, err := time.ParseDuration(c.Platform.IdentityCacheTTL); err != nil {
		return fmt.Errorf("platform.identity_cache_ttl: %w", err)
	}
	if c.Recovery.Concurrency <= 0 {
		c.Recovery.Concurrency = 1
	}
	return nil
}

// Grace 优雅退出等待时间
func (c RuntimeConfig) Grace() time.Duration { return time.Duration(c.GraceSeconds) * time.Second }

func (c RuntimeConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSeconds) * time.Second
}

func (c PlatformConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c PlatformConfig) CacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.IdentityCacheTTL)
	return d
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
