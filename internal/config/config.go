// Package config loads falcon's settings from falcon.toml (or .yaml),
// FALCON_* environment variables, a .env file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (FALCON_REMOTE_KIND, ...).
const EnvPrefix = "FALCON"

// FileName is the config file name without extension.
const FileName = "falcon"

// Remote kinds.
const (
	RemoteMemory   = "memory"
	RemoteDocStore = "docstore"
	RemoteHTTP     = "http"
)

// Config is the resolved configuration.
type Config struct {
	Home   string       `mapstructure:"home" toml:"home,omitempty"`
	Cache  CacheConfig  `mapstructure:"cache" toml:"cache"`
	Remote RemoteConfig `mapstructure:"remote" toml:"remote"`
	Sync   SyncConfig   `mapstructure:"sync" toml:"sync"`
	Auth   AuthConfig   `mapstructure:"auth" toml:"auth"`
	Daemon DaemonConfig `mapstructure:"daemon" toml:"daemon"`
	Server ServerConfig `mapstructure:"server" toml:"server"`
	Log    LogConfig    `mapstructure:"log" toml:"log"`
}

// CacheConfig locates the local cache.
type CacheConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// RemoteConfig selects the remote store.
type RemoteConfig struct {
	// Kind is memory, docstore or http.
	Kind string `mapstructure:"kind" toml:"kind"`
	// DSN is a SQLite path or libsql:// URL for the docstore kind.
	DSN string `mapstructure:"dsn" toml:"dsn"`
	// URL is the base URL of a falcon server for the http kind.
	URL          string        `mapstructure:"url" toml:"url"`
	Timeout      time.Duration `mapstructure:"timeout" toml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" toml:"poll_interval"`
}

type SyncConfig struct {
	PushConcurrency int `mapstructure:"push_concurrency" toml:"push_concurrency"`
}

type AuthConfig struct {
	// Credentials is plaintext or bcrypt.
	Credentials string `mapstructure:"credentials" toml:"credentials"`
}

type DaemonConfig struct {
	Inbox            string        `mapstructure:"inbox" toml:"inbox"`
	AutosaveInterval time.Duration `mapstructure:"autosave_interval" toml:"autosave_interval"`
	Debounce         time.Duration `mapstructure:"debounce" toml:"debounce"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" toml:"port"`
}

type LogConfig struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
}

// Default returns the built-in configuration. Empty paths are resolved
// against Home by Load.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			Kind:         RemoteDocStore,
			PollInterval: 2 * time.Second,
		},
		Sync:   SyncConfig{PushConcurrency: 4},
		Auth:   AuthConfig{Credentials: "plaintext"},
		Daemon: DaemonConfig{AutosaveInterval: 5 * time.Minute, Debounce: 500 * time.Millisecond},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{MaxSizeMB: 10, MaxBackups: 3},
	}
}

// DefaultHome returns $FALCON_HOME, or ~/.falcon.
func DefaultHome() string {
	if home := os.Getenv(EnvPrefix + "_HOME"); home != "" {
		return home
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".falcon")
	}
	return ".falcon"
}

// New returns a viper instance with falcon's defaults, config search path
// and environment binding.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("home", "")
	v.SetDefault("cache.path", "")
	v.SetDefault("remote.kind", d.Remote.Kind)
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.poll_interval", d.Remote.PollInterval)
	v.SetDefault("sync.push_concurrency", d.Sync.PushConcurrency)
	v.SetDefault("auth.credentials", d.Auth.Credentials)
	v.SetDefault("daemon.inbox", "")
	v.SetDefault("daemon.autosave_interval", d.Daemon.AutosaveInterval)
	v.SetDefault("daemon.debounce", d.Daemon.Debounce)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads .env files from the working directory and home without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(home string) {
	for _, path := range []string{".env", filepath.Join(home, ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// Load reads the config file (explicit path, or falcon.* in home and the
// working directory) into v and returns the resolved configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	home := v.GetString("home")
	if home == "" {
		home = DefaultHome()
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(home)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Home == "" {
		cfg.Home = home
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve fills empty paths with their locations under Home.
func (c *Config) resolve() {
	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(c.Home, "cache.db")
	}
	if c.Remote.DSN == "" {
		c.Remote.DSN = filepath.Join(c.Home, "remote.db")
	}
	if c.Daemon.Inbox == "" {
		c.Daemon.Inbox = filepath.Join(c.Home, "inbox")
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.Home, "falcon.log")
	}
	c.Remote.Kind = strings.ToLower(c.Remote.Kind)
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteMemory, RemoteDocStore:
	case RemoteHTTP:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required when remote.kind is %s", RemoteHTTP)
		}
	default:
		return fmt.Errorf("unknown remote.kind %q (want %s, %s or %s)", c.Remote.Kind, RemoteMemory, RemoteDocStore, RemoteHTTP)
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	if c.Sync.PushConcurrency < 1 {
		return fmt.Errorf("sync.push_concurrency must be at least 1")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	return nil
}

// fileConfig is the layout written by WriteDefault. Durations are written
// as strings so that the file stays readable.
type fileConfig struct {
	Cache  CacheConfig `toml:"cache"`
	Remote struct {
		Kind         string `toml:"kind"`
		DSN          string `toml:"dsn"`
		URL          string `toml:"url"`
		Timeout      string `toml:"timeout"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"remote"`
	Sync   SyncConfig `toml:"sync"`
	Auth   AuthConfig `toml:"auth"`
	Daemon struct {
		Inbox            string `toml:"inbox"`
		AutosaveInterval string `toml:"autosave_interval"`
		Debounce         string `toml:"debounce"`
	} `toml:"daemon"`
	Server ServerConfig `toml:"server"`
	Log    LogConfig    `toml:"log"`
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	var fc fileConfig
	fc.Cache = c.Cache
	fc.Remote.Kind = c.Remote.Kind
	fc.Remote.DSN = c.Remote.DSN
	fc.Remote.URL = c.Remote.URL
	fc.Remote.Timeout = c.Remote.Timeout.String()
	fc.Remote.PollInterval = c.Remote.PollInterval.String()
	fc.Sync = c.Sync
	fc.Auth = c.Auth
	fc.Daemon.Inbox = c.Daemon.Inbox
	fc.Daemon.AutosaveInterval = c.Daemon.AutosaveInterval.String()
	fc.Daemon.Debounce = c.Daemon.Debounce.String()
	fc.Server = c.Server
	fc.Log = c.Log

	if err := toml.NewEncoder(w).Encode(fc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteDefault writes c as a TOML config file at path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, c *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, "# falcon configuration. FALCON_<SECTION>_<KEY> environment variables override these values."); err != nil {
		return err
	}
	if err := c.Encode(f); err != nil {
		return err
	}
	return f.Close()
}
