// Package config loads the groupd configuration file and serves role
// definitions to the group supervisor.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/group"
	"github.com/t77yq/rolegroup/internal/model"
)

const (
	configName = "groupd"
	envPrefix  = "GROUPD"
)

// GroupConfig describes the group to run
type GroupConfig struct {
	Name       string        `mapstructure:"name"`
	Roles      string        `mapstructure:"roles"`
	MainRole   string        `mapstructure:"main_role"`
	Forwarding bool          `mapstructure:"forwarding"`
	AbortGrace time.Duration `mapstructure:"abort_grace"`
}

// HomeConfig holds the defaults shared by every role
type HomeConfig struct {
	Path  string            `mapstructure:"path"`
	Retry model.RetryPolicy `mapstructure:"retry"`
}

// NATSConfig configures the control and event connection
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// HistoryConfig configures the run history database
type HistoryConfig struct {
	Path            string        `mapstructure:"path"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// LogsConfig configures the per-role log files
type LogsConfig struct {
	Dir           string        `mapstructure:"dir"`
	MaxSize       int64         `mapstructure:"max_size"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// MetricsConfig configures the metrics endpoint and resource sampling.
// An empty Listen address disables the endpoint.
type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// Config is the whole configuration file
type Config struct {
	Group   GroupConfig           `mapstructure:"group"`
	Home    HomeConfig            `mapstructure:"home"`
	Roles   map[string]model.Role `mapstructure:"-"`
	NATS    NATSConfig            `mapstructure:"nats"`
	History HistoryConfig         `mapstructure:"history"`
	Logs    LogsConfig            `mapstructure:"logs"`
	Metrics MetricsConfig         `mapstructure:"metrics"`
}

// roleConfig is the file form of a role. Environment entries are KEY=VALUE
// strings because viper lower-cases map keys.
type roleConfig struct {
	Executable string            `mapstructure:"executable"`
	Args       []string          `mapstructure:"args"`
	Env        []string          `mapstructure:"env"`
	WorkingDir string            `mapstructure:"working_dir"`
	Retry      model.RetryPolicy `mapstructure:"retry"`
}

// Loader reads the configuration through viper
type Loader struct {
	v      *viper.Viper
	logger *zap.Logger
}

// NewLoader creates a loader. With an empty path the file groupd.yaml is
// searched in ., ./config and /etc/groupd; a missing file is not an error.
// Every key can be overridden by a GROUPD_ environment variable.
func NewLoader(path string, logger *zap.Logger) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/groupd")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, logger: logger.Named("config")}
}

// Viper exposes the underlying viper instance, e.g. for binding flags
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads and validates the configuration
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		l.logger.Info("No config file found, using defaults")
	} else {
		l.logger.Info("Loaded config file", zap.String("path", l.v.ConfigFileUsed()))
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch calls fn with the new configuration whenever the file changes.
// Changes that fail validation are logged and ignored.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			l.logger.Error("Ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		l.logger.Info("Config reloaded", zap.String("file", e.Name))
		fn(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	var roles map[string]roleConfig
	if err := l.v.UnmarshalKey("roles", &roles); err != nil {
		return nil, fmt.Errorf("failed to decode roles: %w", err)
	}

	cfg.Roles = make(map[string]model.Role, len(roles))
	for name, rc := range roles {
		env, err := parseEnv(rc.Env)
		if err != nil {
			return nil, fmt.Errorf("%w: role %s: %v", ErrInvalidConfig, name, err)
		}
		cfg.Roles[name] = model.Role{
			Name:       name,
			Executable: rc.Executable,
			Args:       rc.Args,
			Env:        env,
			WorkingDir: rc.WorkingDir,
			Retry:      rc.Retry,
		}
	}
	return &cfg, nil
}

// Validate checks the configuration for mistakes that would only show up
// once the group runs
func (c *Config) Validate() error {
	if c.Group.Name == "" {
		return fmt.Errorf("%w: group name is empty", ErrInvalidConfig)
	}

	for name, role := range c.Roles {
		if role.Executable == "" {
			return fmt.Errorf("%w: role %s has no executable", ErrInvalidConfig, name)
		}
		if err := validateRetry(role.Retry); err != nil {
			return fmt.Errorf("%w: role %s: %v", ErrInvalidConfig, name, err)
		}
	}
	if err := validateRetry(c.Home.Retry); err != nil {
		return fmt.Errorf("%w: home: %v", ErrInvalidConfig, err)
	}
	if c.Metrics.SampleInterval <= 0 {
		return fmt.Errorf("%w: metrics sample interval must be positive", ErrInvalidConfig)
	}
	if c.History.Retention <= 0 {
		return fmt.Errorf("%w: history retention must be positive", ErrInvalidConfig)
	}

	return ValidateRun(c.Group.Roles, c.Group.MainRole)
}

// ValidateRun checks that the main role, when set, is one of the roles
func ValidateRun(roles, mainRole string) error {
	if mainRole == "" {
		return nil
	}
	for _, name := range group.ParseRoles(roles) {
		if name == mainRole {
			return nil
		}
	}
	return fmt.Errorf("%w: main role %s: %w", ErrInvalidConfig, mainRole, ErrRoleNotFound)
}

func validateRetry(p model.RetryPolicy) error {
	if p.StepLimit < 0 {
		return fmt.Errorf("negative step limit %d", p.StepLimit)
	}
	if p.Randomized < 0 || p.Randomized > 1 {
		return fmt.Errorf("randomized %v outside [0, 1]", p.Randomized)
	}
	for _, step := range p.FirstSteps {
		if step < 0 {
			return fmt.Errorf("negative step %s", step)
		}
	}
	if p.RegularStep < 0 || p.Truncated < 0 {
		return errors.New("negative delay")
	}
	return nil
}

func parseEnv(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("env entry %q is not KEY=VALUE", entry)
		}
		env[key] = value
	}
	return env, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("group.name", "default")
	v.SetDefault("group.roles", "")
	v.SetDefault("group.main_role", "")
	v.SetDefault("group.forwarding", false)
	v.SetDefault("group.abort_grace", 10*time.Second)

	v.SetDefault("home.path", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "groupd")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("history.path", "groupd_history.db")
	v.SetDefault("history.retention", 30*24*time.Hour)
	v.SetDefault("history.cleanup_schedule", "@daily")

	v.SetDefault("logs.dir", "./logs/roles")
	v.SetDefault("logs.max_size", 100*1024*1024)
	v.SetDefault("logs.max_age", 7*24*time.Hour)
	v.SetDefault("logs.flush_interval", 5*time.Second)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", 15*time.Second)
}
