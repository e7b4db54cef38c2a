// Package config loads matchbook settings from a YAML file, MATCHBOOK_*
// environment variables and built-in defaults, in that order of precedence
// from lowest to highest: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/matchbook/core/internal/errors"
	"github.com/kimhsiao/matchbook/core/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// MATCHBOOK_REMOTE_BASE_URL for remote.base_url.
const EnvPrefix = "MATCHBOOK"

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Config is the full set of settings.
type Config struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	NodeID  uint16 `mapstructure:"node_id" yaml:"node_id"`

	Remote  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Push    PushConfig    `mapstructure:"push" yaml:"push"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type AuthConfig struct {
	// TokenFile defaults to <data_dir>/token.json.
	TokenFile string `mapstructure:"token_file" yaml:"token_file"`
}

type SyncConfig struct {
	MaxItemsPerRun   int           `mapstructure:"max_items_per_run" yaml:"max_items_per_run"`
	PeriodicInterval time.Duration `mapstructure:"periodic_interval" yaml:"periodic_interval"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	RunTimeout       time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
}

type PushConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// URL defaults to the base URL's /v1/events over ws or wss.
	URL string `mapstructure:"url" yaml:"url"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

type MetricsConfig struct {
	// Addr enables the /metrics listener when set, e.g. "127.0.0.1:9464".
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		NodeID:  1,
		Remote: RemoteConfig{
			BaseURL: "http://127.0.0.1:8787",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			MaxItemsPerRun:   50,
			PeriodicInterval: 15 * time.Minute,
			BackoffBase:      30 * time.Second,
			BackoffMax:       5 * time.Hour,
			RunTimeout:       5 * time.Minute,
			ProbeInterval:    30 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// DefaultPath is where the config file is looked for when none is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".matchbook"
	}
	return filepath.Join(home, ".matchbook")
}

// Loader reads one config file and can watch it for changes.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for path. An empty path means DefaultPath;
// a missing file is not an error.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, path: path}
}

// Path returns the config file location.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, decodes and validates the settings.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil && !missing(err) {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read "+l.path, err)
	}
	return l.decode()
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Watch calls onChange with the new settings each time the file is written.
// Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.reload(e, onChange)
	})
	l.v.WatchConfig()
}

func (l *Loader) reload(e fsnotify.Event, onChange func(*Config)) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	if err := l.v.ReadInConfig(); err != nil {
		logging.Warn("Ignoring unreadable config change", logging.Fields{"path": e.Name, "error": err.Error()})
		return
	}
	cfg, err := l.decode()
	if err != nil {
		logging.Warn("Ignoring invalid config change", logging.Fields{"path": e.Name, "error": err.Error()})
		return
	}
	logging.Info("Config reloaded", logging.Fields{"path": e.Name})
	onChange(cfg)
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to decode config", err)
	}
	if cfg.Auth.TokenFile == "" {
		cfg.Auth.TokenFile = filepath.Join(cfg.DataDir, "token.json")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings for values the rest of the program cannot
// work with.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "remote.base_url must be an absolute URL")
	}
	if c.Remote.Timeout <= 0 {
		problems = append(problems, "remote.timeout must be positive")
	}
	if c.Sync.MaxItemsPerRun <= 0 {
		problems = append(problems, "sync.max_items_per_run must be positive")
	}
	for name, d := range map[string]time.Duration{
		"sync.periodic_interval": c.Sync.PeriodicInterval,
		"sync.backoff_base":      c.Sync.BackoffBase,
		"sync.backoff_max":       c.Sync.BackoffMax,
		"sync.run_timeout":       c.Sync.RunTimeout,
		"sync.probe_interval":    c.Sync.ProbeInterval,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.Sync.BackoffBase > c.Sync.BackoffMax {
		problems = append(problems, "sync.backoff_base must not exceed sync.backoff_max")
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return apperrors.New(apperrors.ErrConfig, strings.Join(problems, "; "))
}

// WriteDefault writes the default settings to path. An existing file is
// kept unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return apperrors.New(apperrors.ErrConfig, path+" already exists")
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to encode defaults", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to create config directory", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "failed to write config", err)
	}
	return nil
}

// setDefaults registers every key so environment overrides apply to keys
// absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("node_id", d.NodeID)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("auth.token_file", d.Auth.TokenFile)
	v.SetDefault("sync.max_items_per_run", d.Sync.MaxItemsPerRun)
	v.SetDefault("sync.periodic_interval", d.Sync.PeriodicInterval)
	v.SetDefault("sync.backoff_base", d.Sync.BackoffBase)
	v.SetDefault("sync.backoff_max", d.Sync.BackoffMax)
	v.SetDefault("sync.run_timeout", d.Sync.RunTimeout)
	v.SetDefault("sync.probe_interval", d.Sync.ProbeInterval)
	v.SetDefault("push.enabled", d.Push.Enabled)
	v.SetDefault("push.url", d.Push.URL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

func missing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}
