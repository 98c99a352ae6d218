package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CacheConfig controls the on-disk attachment cache.
type CacheConfig struct {
	// Dir is the cache root holding one file per cached attachment.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// IndexPath is the SQLite database mirroring the cache directory.
	IndexPath string `mapstructure:"index_path" yaml:"index_path"`

	// RetentionHours is how long an entry survives after its last write.
	RetentionHours int `mapstructure:"retention_hours" yaml:"retention_hours"`

	// SweepSchedule is a cron expression for periodic sweeps in daemon
	// mode. Empty means sweep only at startup.
	SweepSchedule string `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`

	// CoalesceFetches shares a single in-flight fetch between concurrent
	// resolutions of the same attachment.
	CoalesceFetches bool `mapstructure:"coalesce_fetches" yaml:"coalesce_fetches"`
}

// Retention returns the retention window as a duration.
func (c CacheConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// MailAPIConfig holds settings for the mail service attachment endpoint.
type MailAPIConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// IMAPConfig selects IMAP as the remote source instead of the mail API.
// The password is the token returned by the credential provider.
type IMAPConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
	Mailbox  string `mapstructure:"mailbox" yaml:"mailbox"`
}

// DownloadsConfig points at the user-visible downloads location.
type DownloadsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// PreviewConfig controls session-scoped preview files and the viewer.
type PreviewConfig struct {
	Dir    string   `mapstructure:"dir" yaml:"dir"`
	Viewer []string `mapstructure:"viewer" yaml:"viewer"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig holds the Prometheus listener address for daemon mode.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// CredentialConfig names the keyring item holding the bearer token.
type CredentialConfig struct {
	TokenKey string `mapstructure:"token_key" yaml:"token_key"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	MailAPI    MailAPIConfig    `mapstructure:"mail_api" yaml:"mail_api"`
	IMAP       IMAPConfig       `mapstructure:"imap" yaml:"imap"`
	Downloads  DownloadsConfig  `mapstructure:"downloads" yaml:"downloads"`
	Preview    PreviewConfig    `mapstructure:"preview" yaml:"preview"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Credential CredentialConfig `mapstructure:"credential" yaml:"credential"`
}

// DefaultRetentionHours is the fixed seven-day retention window.
const DefaultRetentionHours = 7 * 24

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailattach/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailattach", "config.yaml")
}

func defaultCacheRoot() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mailattach")
	}
	return filepath.Join(dir, "mailattach")
}

func defaultDownloadsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "Downloads")
	}
	return filepath.Join(home, "Downloads")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	root := defaultCacheRoot()
	return &AppConfig{
		Cache: CacheConfig{
			Dir:            filepath.Join(root, "attachments"),
			IndexPath:      filepath.Join(root, "index.db"),
			RetentionHours: DefaultRetentionHours,
		},
		MailAPI: MailAPIConfig{
			TimeoutSec: 30,
			MaxRetries: 3,
		},
		IMAP: IMAPConfig{
			Port:    "993",
			TLS:     true,
			Mailbox: "INBOX",
		},
		Downloads: DownloadsConfig{Dir: defaultDownloadsDir()},
		Preview: PreviewConfig{
			Dir: filepath.Join(os.TempDir(), "mailattach-preview"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Credential: CredentialConfig{TokenKey: "mail-api-token"},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
// Environment variables prefixed MAILATTACH_ override file values.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailattach")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	def := defaultAppConfig()
	v.SetDefault("cache.dir", def.Cache.Dir)
	v.SetDefault("cache.index_path", def.Cache.IndexPath)
	v.SetDefault("cache.retention_hours", def.Cache.RetentionHours)
	v.SetDefault("cache.sweep_schedule", "")
	v.SetDefault("cache.coalesce_fetches", false)
	v.SetDefault("mail_api.base_url", "")
	v.SetDefault("mail_api.timeout_sec", def.MailAPI.TimeoutSec)
	v.SetDefault("mail_api.max_retries", def.MailAPI.MaxRetries)
	v.SetDefault("imap.enabled", false)
	v.SetDefault("imap.port", def.IMAP.Port)
	v.SetDefault("imap.tls", def.IMAP.TLS)
	v.SetDefault("imap.mailbox", def.IMAP.Mailbox)
	v.SetDefault("downloads.dir", def.Downloads.Dir)
	v.SetDefault("preview.dir", def.Preview.Dir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("credential.token_key", def.Credential.TokenKey)

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Cache.RetentionHours <= 0 {
		cfg.Cache.RetentionHours = DefaultRetentionHours
	}
	cfg.Cache.Dir = expandHome(cfg.Cache.Dir)
	cfg.Cache.IndexPath = expandHome(cfg.Cache.IndexPath)
	cfg.Downloads.Dir = expandHome(cfg.Downloads.Dir)
	cfg.Preview.Dir = expandHome(cfg.Preview.Dir)

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("cache", cfg.Cache)
	v.Set("mail_api", cfg.MailAPI)
	v.Set("imap", cfg.IMAP)
	v.Set("downloads", cfg.Downloads)
	v.Set("preview", cfg.Preview)
	v.Set("log", cfg.Log)
	v.Set("metrics", cfg.Metrics)
	v.Set("credential", cfg.Credential)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
