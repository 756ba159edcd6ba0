package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/pgmflow/internal/stage"
	"github.com/spf13/viper"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env       string          `toml:"env" mapstructure:"env"`
	Log       *LogConfig      `toml:"log" mapstructure:"log"`
	Store     StoreConfig     `toml:"store" mapstructure:"store"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	OMS       OMSConfig       `toml:"oms" mapstructure:"oms"`
	Download  DownloadConfig  `toml:"download" mapstructure:"download"`
	Apply     ApplyConfig     `toml:"apply" mapstructure:"apply"`
	TAT       TATConfig       `toml:"tat" mapstructure:"tat"`
	Schedules ScheduleConfig  `toml:"schedules" mapstructure:"schedules"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Retention RetentionConfig `toml:"retention" mapstructure:"retention"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	Color      bool   `toml:"color" mapstructure:"color"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

type OMSConfig struct {
	BaseURL         string        `toml:"base_url" mapstructure:"base_url"`
	Username        string        `toml:"username" mapstructure:"username"`
	Password        string        `toml:"password" mapstructure:"password"`
	Timeout         time.Duration `toml:"timeout" mapstructure:"timeout"`
	DownloadTimeout time.Duration `toml:"download_timeout" mapstructure:"download_timeout"`
	MaxRetries      int           `toml:"max_retries" mapstructure:"max_retries"`
	RetryInterval   time.Duration `toml:"retry_interval" mapstructure:"retry_interval"`
	CacheTTL        time.Duration `toml:"cache_ttl" mapstructure:"cache_ttl"`
	WindowBack      time.Duration `toml:"window_back" mapstructure:"window_back"`
	WindowForward   time.Duration `toml:"window_forward" mapstructure:"window_forward"`
}

type DownloadConfig struct {
	Root string `toml:"root" mapstructure:"root"`
}

type ApplyConfig struct {
	TargetDir string `toml:"target_dir" mapstructure:"target_dir"`
}

type TATConfig struct {
	Notice  time.Duration `toml:"notice" mapstructure:"notice"`
	Warning time.Duration `toml:"warning" mapstructure:"warning"`
	Alarm   time.Duration `toml:"alarm" mapstructure:"alarm"`
}

// ScheduleConfig carries one "@every <duration>" expression per stage.
// Empty entries fall back to the defaults below.
type ScheduleConfig struct {
	Intake   string `toml:"intake" mapstructure:"intake"`
	Download string `toml:"download" mapstructure:"download"`
	Verify   string `toml:"verify" mapstructure:"verify"`
	Apply    string `toml:"apply" mapstructure:"apply"`
	Monitor  string `toml:"monitor" mapstructure:"monitor"`
	TAT      string `toml:"tat" mapstructure:"tat"`
}

type ServerConfig struct {
	Enabled     bool          `toml:"enabled" mapstructure:"enabled"`
	Listen      string        `toml:"listen" mapstructure:"listen"`
	BasePath    string        `toml:"base_path" mapstructure:"base_path"`
	AuthEnabled bool          `toml:"auth_enabled" mapstructure:"auth_enabled"`
	JWTSecret   string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
	AuthDSN     string        `toml:"auth_dsn" mapstructure:"auth_dsn"`
	TLS         *TLSConfig    `toml:"tls" mapstructure:"tls"`
}

// TLSConfig controls HTTPS for the operator API. Either point cert_file and
// key_file at existing PEM files or set dir, optionally with auto_generate
// to mint a self-signed pair on first start.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

type RetentionConfig struct {
	Enabled   bool          `toml:"enabled" mapstructure:"enabled"`
	KeepFor   time.Duration `toml:"keep_for" mapstructure:"keep_for"`
	SweepEach time.Duration `toml:"sweep_each" mapstructure:"sweep_each"`
}

// Load reads the TOML file at path, applies defaults and validates the result.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	fc.ApplyDefaults()
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// ApplyDefaults fills every tunable that has a safe default. Load calls it;
// embedding callers building a FileConfig by hand get it via pgmflow.New.
func (c *FileConfig) ApplyDefaults() {
	if c.Store.DSN == "" {
		c.Store.DSN = "sqlite://pgmflow.db"
	}
	if c.Download.Root == "" {
		c.Download.Root = "downloads"
	}
	if c.OMS.Timeout <= 0 {
		c.OMS.Timeout = 30 * time.Second
	}
	if c.OMS.DownloadTimeout <= 0 {
		c.OMS.DownloadTimeout = 5 * time.Minute
	}
	if c.OMS.MaxRetries <= 0 {
		c.OMS.MaxRetries = 3
	}
	if c.OMS.RetryInterval <= 0 {
		c.OMS.RetryInterval = 3 * time.Second
	}
	if c.OMS.CacheTTL <= 0 {
		c.OMS.CacheTTL = 5 * time.Minute
	}
	if c.TAT.Notice <= 0 {
		c.TAT.Notice = 24 * time.Hour
	}
	if c.TAT.Warning <= 0 {
		c.TAT.Warning = 48 * time.Hour
	}
	if c.TAT.Alarm <= 0 {
		c.TAT.Alarm = 72 * time.Hour
	}
	if c.Schedules.Intake == "" {
		c.Schedules.Intake = "@every 5m"
	}
	if c.Schedules.Download == "" {
		c.Schedules.Download = "@every 1m"
	}
	if c.Schedules.Verify == "" {
		c.Schedules.Verify = "@every 1m"
	}
	if c.Schedules.Apply == "" {
		c.Schedules.Apply = "@every 1m"
	}
	if c.Schedules.Monitor == "" {
		c.Schedules.Monitor = "@every 10m"
	}
	if c.Schedules.TAT == "" {
		c.Schedules.TAT = "@every 30m"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/api"
	}
	if c.Server.TokenTTL <= 0 {
		c.Server.TokenTTL = 12 * time.Hour
	}
	if c.Retention.KeepFor <= 0 {
		c.Retention.KeepFor = 90 * 24 * time.Hour
	}
	if c.Retention.SweepEach <= 0 {
		c.Retention.SweepEach = 24 * time.Hour
	}
	if c.Log != nil && c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks fields that have no safe default.
func (c *FileConfig) Validate() error {
	if strings.TrimSpace(c.OMS.BaseURL) == "" {
		return fmt.Errorf("oms.base_url is required")
	}
	if c.OMS.Username == "" || c.OMS.Password == "" {
		return fmt.Errorf("oms.username and oms.password are required")
	}
	if c.Apply.TargetDir == "" {
		return fmt.Errorf("apply.target_dir is required")
	}
	if c.Server.Enabled && c.Server.AuthEnabled && c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required when auth is enabled")
	}
	return nil
}

// Thresholds converts the TAT section into the stage representation.
func (c *FileConfig) Thresholds() stage.TATThresholds {
	return stage.TATThresholds{Notice: c.TAT.Notice, Warning: c.TAT.Warning, Alarm: c.TAT.Alarm}
}
