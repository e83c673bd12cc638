package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SESSIONGUARD"

type Config struct {
	AuthorityURL string `mapstructure:"authority_url"`
	IdentityURL  string `mapstructure:"identity_url"`

	// LoginURL is opened in the browser after a forced logout.
	LoginURL       string `mapstructure:"login_url"`
	CredentialFile string `mapstructure:"credential_file"`
	StateDir       string `mapstructure:"state_dir"`

	HeartbeatIntervalSeconds  int `mapstructure:"heartbeat_interval_seconds"`
	ValidationIntervalSeconds int `mapstructure:"validation_interval_seconds"`
	RequestTimeoutSeconds     int `mapstructure:"request_timeout_seconds"`
	GuardReleaseDelayMs       int `mapstructure:"guard_release_delay_ms"`

	// TokenStore selects the durable session token backend: "file" or "sqlite".
	TokenStore string `mapstructure:"token_store"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// MetricsAddr enables the /metrics and /healthz listener when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr"`

	PushEnabled bool   `mapstructure:"push_enabled"`
	PushURL     string `mapstructure:"push_url"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	MaxBackgroundTasks int `mapstructure:"max_background_tasks"`

	ClientCertFile string `mapstructure:"client_cert_file"`
	ClientKeyFile  string `mapstructure:"client_key_file"`

	// Device descriptor overrides for values a headless process cannot observe.
	ScreenWidth  int  `mapstructure:"screen_width"`
	ScreenHeight int  `mapstructure:"screen_height"`
	TouchCapable bool `mapstructure:"touch_capable"`
}

func Default() *Config {
	return &Config{
		HeartbeatIntervalSeconds:  300,
		ValidationIntervalSeconds: 300,
		RequestTimeoutSeconds:     15,
		GuardReleaseDelayMs:       500,
		TokenStore:                "file",
		LogLevel:                  "info",
		LogFormat:                 "text",
		AuditMaxSizeMB:            10,
		AuditMaxBackups:           3,
		MaxBackgroundTasks:        2,
	}
}

// Load reads the config file (if any) and SESSIONGUARD_* environment
// variables on top of Default().
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("sessionguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv overrides apply even when
// the key is absent from the config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"authority_url", "identity_url", "login_url", "credential_file", "state_dir",
		"heartbeat_interval_seconds", "validation_interval_seconds",
		"request_timeout_seconds", "guard_release_delay_ms", "token_store",
		"log_level", "log_format", "metrics_addr", "push_enabled", "push_url",
		"audit_enabled", "audit_max_size_mb", "audit_max_backups",
		"max_background_tasks", "client_cert_file", "client_key_file",
		"screen_width", "screen_height", "touch_capable",
	} {
		_ = v.BindEnv(key)
	}
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) ValidationInterval() time.Duration {
	return time.Duration(c.ValidationIntervalSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) GuardReleaseDelay() time.Duration {
	return time.Duration(c.GuardReleaseDelayMs) * time.Millisecond
}

// DataDir returns the directory holding the token store, audit log and
// install id. state_dir wins over the platform default.
func (c *Config) DataDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return GetDataDir()
}

// CredentialPath returns the credential file written by the host login flow.
func (c *Config) CredentialPath() string {
	if c.CredentialFile != "" {
		return c.CredentialFile
	}
	return filepath.Join(c.DataDir(), "credential.json")
}

// GetDataDir returns the platform default state directory.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SessionGuard", "data")
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "SessionGuard")
		}
		return "/Library/Application Support/SessionGuard"
	default:
		if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
			return filepath.Join(dir, "sessionguard")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "state", "sessionguard")
		}
		return "/var/lib/sessionguard"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SessionGuard")
	case "darwin":
		return "/Library/Application Support/SessionGuard"
	default:
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, "sessionguard")
		}
		return "/etc/sessionguard"
	}
}
