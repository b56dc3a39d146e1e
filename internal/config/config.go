package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/gitview/internal/auth"
	"github.com/loykin/gitview/internal/logger"
	"github.com/loykin/gitview/internal/port"
	"github.com/loykin/gitview/internal/process"
	"github.com/loykin/gitview/internal/refresh"
	"github.com/loykin/gitview/internal/stack"
)

// Config represents the top-level TOML structure.
type Config struct {
	Server    ServerConfig           `toml:"server" mapstructure:"server"`
	Workspace WorkspaceConfig        `toml:"workspace" mapstructure:"workspace"`
	Runner    RunnerConfig           `toml:"runner" mapstructure:"runner"`
	Log       logger.Config          `toml:"log" mapstructure:"log"`
	Store     StoreConfig            `toml:"store" mapstructure:"store"`
	History   HistoryConfig          `toml:"history" mapstructure:"history"`
	Metrics   MetricsConfig          `toml:"metrics" mapstructure:"metrics"`
	Webhook   WebhookConfig          `toml:"webhook" mapstructure:"webhook"`
	Refresh   RefreshConfig          `toml:"refresh" mapstructure:"refresh"`
	Stacks    map[string]StackConfig `toml:"stacks" mapstructure:"stacks"`
}

type ServerConfig struct {
	Listen   string     `toml:"listen" mapstructure:"listen"`
	BasePath string     `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig  `toml:"tls" mapstructure:"tls"`
	Auth     AuthConfig `toml:"auth" mapstructure:"auth"`
}

// AuthConfig guards the project API with bearer tokens. The webhook keeps its
// own HMAC check and /healthz stays open.
type AuthConfig struct {
	Enabled bool              `toml:"enabled" mapstructure:"enabled"`
	Tokens  []auth.Credential `toml:"tokens" mapstructure:"tokens"`
}

// TLSConfig serves the API over HTTPS. Explicit cert_file/key_file win over dir;
// with auto_generate a self-signed pair is written to dir when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"` // DNS names or IPs for generated certificates
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3"
}

type WorkspaceConfig struct {
	BaseDir string `toml:"base_dir" mapstructure:"base_dir"`
}

type RunnerConfig struct {
	GraceWindow    time.Duration `toml:"grace_window" mapstructure:"grace_window"`
	InstallTimeout time.Duration `toml:"install_timeout" mapstructure:"install_timeout"`
	KillTimeout    time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
	PortHost       string        `toml:"port_host" mapstructure:"port_host"`
	FallbackPort   int           `toml:"fallback_port" mapstructure:"fallback_port"`
	Env            []string      `toml:"env" mapstructure:"env"`
	EnvFiles       []string      `toml:"env_files" mapstructure:"env_files"`
	RunDir         string        `toml:"run_dir" mapstructure:"run_dir"` // pid files for orphan cleanup
}

// RefreshConfig schedules pulling of cloned projects. An empty schedule disables it.
type RefreshConfig struct {
	Schedule string        `toml:"schedule" mapstructure:"schedule"`
	Restart  bool          `toml:"restart" mapstructure:"restart"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"` // empty mounts /metrics on the API listener
}

type WebhookConfig struct {
	Enabled bool    `toml:"enabled" mapstructure:"enabled"`
	Secret  string  `toml:"secret" mapstructure:"secret"`
	Rate    float64 `toml:"rate" mapstructure:"rate"` // requests per second
	Burst   int     `toml:"burst" mapstructure:"burst"`
}

// StackConfig overrides the builtin commands of one stack kind.
// An empty install string disables the install step.
type StackConfig struct {
	Install *string `toml:"install" mapstructure:"install"`
	Run     *string `toml:"run" mapstructure:"run"`
	Port    *int    `toml:"port" mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("workspace.base_dir", filepath.Join(os.TempDir(), "gitview"))
	v.SetDefault("runner.grace_window", process.DefaultGraceWindow)
	v.SetDefault("runner.install_timeout", time.Duration(0))
	v.SetDefault("runner.kill_timeout", time.Duration(0))
	v.SetDefault("runner.port_host", "")
	v.SetDefault("runner.fallback_port", port.DefaultFallback)
	v.SetDefault("runner.run_dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("store.dsn", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.rate", 5.0)
	v.SetDefault("webhook.burst", 10)
	v.SetDefault("refresh.schedule", "")
	v.SetDefault("refresh.restart", true)
	v.SetDefault("refresh.timeout", refresh.DefaultTimeout)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, _ := load(viper.New(), "")
	return cfg
}

// Load reads a TOML file. An empty path yields the defaults. GITVIEW_* environment
// variables (e.g. GITVIEW_SERVER_LISTEN) override file values.
func Load(path string) (Config, error) {
	cfg, err := load(viper.New(), path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("GITVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot honour.
func (c Config) Validate() error {
	var errs []error
	if c.Runner.GraceWindow < 0 {
		errs = append(errs, errors.New("runner.grace_window must not be negative"))
	}
	if c.Runner.InstallTimeout < 0 {
		errs = append(errs, errors.New("runner.install_timeout must not be negative"))
	}
	if c.Runner.KillTimeout < 0 {
		errs = append(errs, errors.New("runner.kill_timeout must not be negative"))
	}
	if c.Runner.FallbackPort < 1 || c.Runner.FallbackPort > 65535 {
		errs = append(errs, fmt.Errorf("runner.fallback_port %d out of range 1..65535", c.Runner.FallbackPort))
	}
	if err := refresh.Validate(c.Refresh.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("refresh.schedule: %w", err))
	}
	if c.Refresh.Timeout < 0 {
		errs = append(errs, errors.New("refresh.timeout must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text, json or color", c.Log.Format))
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
		}
		if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, errors.New("server.tls needs cert_file/key_file or dir"))
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			errs = append(errs, fmt.Errorf("server.tls.min_version %q: want 1.2 or 1.3", t.MinVersion))
		}
	}
	if c.Server.Auth.Enabled {
		if len(c.Server.Auth.Tokens) == 0 {
			errs = append(errs, errors.New("server.auth is enabled but has no tokens"))
		} else if _, err := auth.NewService(c.Server.Auth.Tokens); err != nil {
			errs = append(errs, fmt.Errorf("server.auth: %w", err))
		}
	}
	if c.Webhook.Rate < 0 || c.Webhook.Burst < 0 {
		errs = append(errs, errors.New("webhook.rate and webhook.burst must not be negative"))
	}
	if _, err := c.StackOverrides(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StackOverrides converts the [stacks.<kind>] sections for the classifier.
func (c Config) StackOverrides() (map[stack.Kind]stack.Override, error) {
	out := make(map[stack.Kind]stack.Override, len(c.Stacks))
	for name, sc := range c.Stacks {
		k, err := stack.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("stacks.%s: %w", name, err)
		}
		if sc.Port != nil && (*sc.Port < 1 || *sc.Port > 65535) {
			return nil, fmt.Errorf("stacks.%s.port %d out of range", name, *sc.Port)
		}
		out[k] = stack.Override{Install: sc.Install, Run: sc.Run, Port: sc.Port}
	}
	return out, nil
}

// RunnerEnv merges env_files (in order) with the inline env list; inline entries win.
func (c Config) RunnerEnv() ([]string, error) {
	var out []string
	for _, p := range c.Runner.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("runner.env_files: %w", err)
		}
		out = append(out, pairs...)
	}
	return append(out, c.Runner.Env...), nil
}

// LoadEnvFile parses a simple .env file and returns its "KEY=VALUE" entries in file order.
// Blank lines and lines starting with # are ignored; an "export " prefix is accepted.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
