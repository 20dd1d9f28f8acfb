// Package config loads terminal configuration from YAML, environment
// variables, and defaults, with hot-reload for the values that are
// safe to change on a running daemon.
package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of one terminal.
type Config struct {
	// NodeName is the human-readable terminal name announced to
	// peers. Defaults to the hostname.
	NodeName string `mapstructure:"node_name" yaml:"node_name"`

	// DataDir holds the sync database. Defaults to .lanesync in the
	// working directory.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// SyncPort is the HTTP port peers and the CLI talk to.
	SyncPort int `mapstructure:"sync_port" yaml:"sync_port"`

	// DiscoveryPort is the UDP port for presence broadcasts. Zero
	// disables discovery.
	DiscoveryPort int `mapstructure:"discovery_port" yaml:"discovery_port"`

	// SyncInterval is how often a sync cycle runs on its own.
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`

	// RetryInterval is how often the offline queue driver wakes up.
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`

	// DiscoveryInterval is how often presence is announced.
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval" yaml:"discovery_interval"`

	// RequestTimeout bounds each HTTP call to a peer.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// PageSize bounds pull pages and push batches.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`

	// MaxRetries bounds offline queue retries before an item goes
	// terminal failed.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// PeerStaleAfter is how long a peer may go unheard before it
	// reads as disconnected.
	PeerStaleAfter time.Duration `mapstructure:"peer_stale_after" yaml:"peer_stale_after"`

	// ParallelPeers syncs peers concurrently within one cycle instead
	// of one after another.
	ParallelPeers bool `mapstructure:"parallel_peers" yaml:"parallel_peers"`

	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// LogConfig controls where daemon logs go. With an empty File, logs
// go to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "terminal"
	}
	return &Config{
		NodeName:          name,
		DataDir:           ".lanesync",
		SyncPort:          8480,
		DiscoveryPort:     8481,
		SyncInterval:      30 * time.Second,
		RetryInterval:     time.Minute,
		DiscoveryInterval: 15 * time.Second,
		RequestTimeout:    10 * time.Second,
		PageSize:          200,
		MaxRetries:        5,
		PeerStaleAfter:    2 * time.Minute,
		Log: LogConfig{
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.SyncPort <= 0 || c.SyncPort > 65535 {
		return fmt.Errorf("sync_port %d out of range", c.SyncPort)
	}
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port %d out of range", c.DiscoveryPort)
	}
	if c.DiscoveryPort != 0 && c.DiscoveryPort == c.SyncPort {
		return fmt.Errorf("discovery_port and sync_port are both %d", c.SyncPort)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry_interval must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	return nil
}

// DBPath is where the sync database lives under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "sync.db")
}

// Loader reads and watches a config file through viper.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader prepares a loader. With an empty path the default
// locations are searched: ./lanesync.yaml and ~/.lanesync/lanesync.yaml.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("LANESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lanesync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".lanesync"))
		}
	}

	defaults := Default()
	v.SetDefault("node_name", defaults.NodeName)
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("sync_port", defaults.SyncPort)
	v.SetDefault("discovery_port", defaults.DiscoveryPort)
	v.SetDefault("sync_interval", defaults.SyncInterval)
	v.SetDefault("retry_interval", defaults.RetryInterval)
	v.SetDefault("discovery_interval", defaults.DiscoveryInterval)
	v.SetDefault("request_timeout", defaults.RequestTimeout)
	v.SetDefault("page_size", defaults.PageSize)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("peer_stale_after", defaults.PeerStaleAfter)
	v.SetDefault("parallel_peers", defaults.ParallelPeers)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)

	return &Loader{v: v, path: path}
}

// Load reads the config file and returns the merged configuration.
// A missing file is not an error; defaults and environment apply.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch reloads the file on change and hands the result to onChange.
// Reload errors are reported with a nil config; the daemon keeps the
// previous configuration.
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		onChange(l.unmarshal())
	})
	l.v.WatchConfig()
}

// configScaffold mirrors Config with durations as strings so the
// generated file reads "30s" instead of nanosecond integers.
type configScaffold struct {
	NodeName          string    `yaml:"node_name"`
	DataDir           string    `yaml:"data_dir"`
	SyncPort          int       `yaml:"sync_port"`
	DiscoveryPort     int       `yaml:"discovery_port"`
	SyncInterval      string    `yaml:"sync_interval"`
	RetryInterval     string    `yaml:"retry_interval"`
	DiscoveryInterval string    `yaml:"discovery_interval"`
	RequestTimeout    string    `yaml:"request_timeout"`
	PageSize          int       `yaml:"page_size"`
	MaxRetries        int       `yaml:"max_retries"`
	PeerStaleAfter    string    `yaml:"peer_stale_after"`
	ParallelPeers     bool      `yaml:"parallel_peers"`
	Log               LogConfig `yaml:"log"`
}

// WriteDefault writes a default config file to path, refusing to
// overwrite an existing one.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	d := Default()
	data, err := yaml.Marshal(configScaffold{
		NodeName:          d.NodeName,
		DataDir:           d.DataDir,
		SyncPort:          d.SyncPort,
		DiscoveryPort:     d.DiscoveryPort,
		SyncInterval:      d.SyncInterval.String(),
		RetryInterval:     d.RetryInterval.String(),
		DiscoveryInterval: d.DiscoveryInterval.String(),
		RequestTimeout:    d.RequestTimeout.String(),
		PageSize:          d.PageSize,
		MaxRetries:        d.MaxRetries,
		PeerStaleAfter:    d.PeerStaleAfter.String(),
		ParallelPeers:     d.ParallelPeers,
		Log:               d.Log,
	})
	if err != nil {
		return fmt.Errorf("failed to encode default config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// NewLogger builds a prefixed logger honoring the log configuration.
// With a log file set, output rotates through lumberjack.
func (c *Config) NewLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if c.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAge:     c.Log.MaxAgeDays,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}
