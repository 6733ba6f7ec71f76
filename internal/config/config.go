package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/kernelkeeper/internal/acquire"
	"github.com/loykin/kernelkeeper/internal/env"
	"github.com/loykin/kernelkeeper/internal/kernel"
	"github.com/loykin/kernelkeeper/internal/logger"
	"github.com/loykin/kernelkeeper/internal/relay"
	"github.com/loykin/kernelkeeper/internal/supervisor"
)

// EnvPrefix is prepended to environment overrides, e.g. KERNELKEEPER_SERVER_LISTEN.
const EnvPrefix = "KERNELKEEPER"

// Config represents the top-level TOML structure.
type Config struct {
	WorkDir string        `toml:"work_dir" mapstructure:"work_dir"`
	Kernel  KernelConfig  `toml:"kernel" mapstructure:"kernel"`
	API     APIConfig     `toml:"api" mapstructure:"api"`
	Relay   RelayConfig   `toml:"relay" mapstructure:"relay"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Acquire AcquireConfig `toml:"acquire" mapstructure:"acquire"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
}

type KernelConfig struct {
	Binary         string          `toml:"binary" mapstructure:"binary"` // defaults to <work_dir>/sing-box/sing-box
	Args           []string        `toml:"args" mapstructure:"args"`     // defaults to run -D <dir> -c <config_file>
	ConfigFile     string          `toml:"config_file" mapstructure:"config_file"`
	Env            []string        `toml:"env" mapstructure:"env"`
	EnvFiles       []string        `toml:"env_files" mapstructure:"env_files"`
	StopTimeout    time.Duration   `toml:"stop_timeout" mapstructure:"stop_timeout"`
	StartupGrace   time.Duration   `toml:"startup_grace" mapstructure:"startup_grace"`
	VersionTimeout time.Duration   `toml:"version_timeout" mapstructure:"version_timeout"`
	Log            KernelLogConfig `toml:"log" mapstructure:"log"`
}

type KernelLogConfig struct {
	Disabled   bool   `toml:"disabled" mapstructure:"disabled"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// APIConfig points at the kernel's clash API. When Port is zero the endpoint
// and secret are read from the kernel config file on every relay start.
type APIConfig struct {
	Host   string `toml:"host" mapstructure:"host"`
	Port   int    `toml:"port" mapstructure:"port"`
	Secret string `toml:"secret" mapstructure:"secret"`
}

type RelayConfig struct {
	QueueSize        int           `toml:"queue_size" mapstructure:"queue_size"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" mapstructure:"handshake_timeout"`
	FollowKernel     bool          `toml:"follow_kernel" mapstructure:"follow_kernel"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. cert_file/key_file take priority;
// otherwise tls.crt and tls.key are read from dir, generated first when
// auto_generate is set.
type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3"
	MaxVersion   string `toml:"max_version" mapstructure:"max_version"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"` // DSNs, see history/factory
}

type AcquireConfig struct {
	ReleaseURL string        `toml:"release_url" mapstructure:"release_url"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
	Retries    int           `toml:"retries" mapstructure:"retries"`
	CacheTTL   time.Duration `toml:"cache_ttl" mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("work_dir", kernel.DefaultWorkDir())

	v.SetDefault("kernel.binary", "")
	v.SetDefault("kernel.args", []string{})
	v.SetDefault("kernel.config_file", "config.json")
	v.SetDefault("kernel.env", []string{})
	v.SetDefault("kernel.env_files", []string{})
	v.SetDefault("kernel.stop_timeout", supervisor.DefaultStopTimeout)
	v.SetDefault("kernel.startup_grace", time.Second)
	v.SetDefault("kernel.version_timeout", supervisor.DefaultVersionTimeout)
	v.SetDefault("kernel.log.disabled", false)
	v.SetDefault("kernel.log.dir", "")
	v.SetDefault("kernel.log.stdout", "")
	v.SetDefault("kernel.log.stderr", "")
	v.SetDefault("kernel.log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("kernel.log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("kernel.log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("kernel.log.compress", false)

	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 0)
	v.SetDefault("api.secret", "")

	v.SetDefault("relay.queue_size", relay.DefaultQueueSize)
	v.SetDefault("relay.handshake_timeout", relay.DefaultHandshakeTimeout)
	v.SetDefault("relay.follow_kernel", false)

	v.SetDefault("server.listen", "127.0.0.1:9530")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9531")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})

	v.SetDefault("acquire.release_url", acquire.DefaultReleaseURL)
	v.SetDefault("acquire.timeout", acquire.DefaultTimeout)
	v.SetDefault("acquire.retries", acquire.DefaultRetries)
	v.SetDefault("acquire.cache_ttl", acquire.DefaultCacheTTL)

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) { return LoadConfig("") }

// LoadConfig reads a TOML file (optional when path is empty), applies
// KERNELKEEPER_* environment overrides and defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work_dir must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"kernel.stop_timeout":     c.Kernel.StopTimeout,
		"kernel.startup_grace":    c.Kernel.StartupGrace,
		"kernel.version_timeout":  c.Kernel.VersionTimeout,
		"relay.handshake_timeout": c.Relay.HandshakeTimeout,
		"acquire.timeout":         c.Acquire.Timeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if c.Relay.QueueSize <= 0 {
		errs = append(errs, errors.New("relay.queue_size must be positive"))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.sinks is required when history is enabled"))
	}
	if c.Acquire.Retries < 0 {
		errs = append(errs, errors.New("acquire.retries must not be negative"))
	}
	switch logger.Format(strings.ToLower(c.Log.Format)) {
	case logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Layout resolves the kernel directory below work_dir.
func (c *Config) Layout() kernel.Layout { return kernel.Layout{WorkDir: c.WorkDir} }

// Logger builds the daemon logger configuration.
func (c *Config) Logger() logger.Config {
	lc := logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(c.Log.Level),
			Format:     logger.Format(strings.ToLower(c.Log.Format)),
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
			Source:     c.Log.Source,
		},
	}
	if c.Kernel.Log.Disabled {
		return lc
	}
	kl := c.Kernel.Log
	lc.File = logger.FileConfig{
		Dir:        kl.Dir,
		StdoutPath: kl.Stdout,
		StderrPath: kl.Stderr,
		MaxSizeMB:  kl.MaxSizeMB,
		MaxBackups: kl.MaxBackups,
		MaxAgeDays: kl.MaxAgeDays,
		Compress:   kl.Compress,
	}
	if !lc.File.Enabled() {
		lc.File.Dir = c.Layout().LogDir()
	}
	return lc
}

// KernelEnv merges env_files (in order) and then the env list. Later entries
// win and ${VAR} references are expanded.
func (c *Config) KernelEnv() ([]string, error) {
	e := env.New()
	for _, p := range c.Kernel.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return nil, err
		}
	}
	e.Add(c.Kernel.Env...)
	return e.List(), nil
}

// Supervisor builds the kernel supervisor configuration.
func (c *Config) Supervisor() (supervisor.Config, error) {
	vars, err := c.KernelEnv()
	if err != nil {
		return supervisor.Config{}, err
	}
	l := c.Layout()
	bin := c.Kernel.Binary
	if bin == "" {
		bin = l.BinaryPath()
	}
	args := c.Kernel.Args
	if len(args) == 0 {
		args = l.RunArgs(c.Kernel.ConfigFile)
	}
	return supervisor.Config{
		Name:           kernel.Name,
		Binary:         bin,
		Args:           args,
		WorkDir:        l.Dir(),
		Env:            vars,
		StopTimeout:    c.Kernel.StopTimeout,
		StartupGrace:   c.Kernel.StartupGrace,
		VersionTimeout: c.Kernel.VersionTimeout,
		PIDFile:        l.PIDPath(),
		Log:            c.Logger().File,
	}, nil
}

// KernelConfigPath is the kernel's JSON config file.
func (c *Config) KernelConfigPath() string { return c.Layout().ConfigPath(c.Kernel.ConfigFile) }

// RelayEndpoint returns the fixed stream endpoint from [api], or "" when the
// endpoint should be read from the kernel config file.
func (c *Config) RelayEndpoint() string {
	if c.API.Port == 0 {
		return ""
	}
	host := c.API.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d", host, c.API.Port)
}

func (c *Config) Relayer() relay.Config {
	return relay.Config{
		Endpoint:         c.RelayEndpoint(),
		QueueSize:        c.Relay.QueueSize,
		HandshakeTimeout: c.Relay.HandshakeTimeout,
	}
}

func (c *Config) Acquirer() acquire.Config {
	retries := c.Acquire.Retries
	if retries == 0 {
		retries = -1 // acquire treats zero as "use the default"
	}
	cacheTTL := c.Acquire.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = -1
	}
	return acquire.Config{
		ReleaseURL: c.Acquire.ReleaseURL,
		TargetDir:  c.Layout().Dir(),
		Timeout:    c.Acquire.Timeout,
		Retries:    retries,
		CacheTTL:   cacheTTL,
	}
}
