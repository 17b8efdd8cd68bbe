package someip

import (
	"io"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the configuration of a Daemon.
type Config struct {
	Address           string                 `yaml:"address"`
	Port              uint16                 `yaml:"port"`
	Workers           int                    `yaml:"workers"`
	MaxMessageSize    int                    `yaml:"max_message_size"`
	Backlog           int                    `yaml:"backlog"`
	ReconnectInterval time.Duration          `yaml:"reconnect_interval"`
	Socket            SocketOptions          `yaml:"socket"`
	Log               LogConfig              `yaml:"log"`
	Provided          []ServiceInstanceEntry `yaml:"provided"`
	Required          []RequiredServiceEntry `yaml:"required"`
}

// LogConfig selects the log level and destination. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ServiceInstanceEntry names a service instance.
type ServiceInstanceEntry struct {
	Service  uint16 `yaml:"service"`
	Instance uint16 `yaml:"instance"`
}

// RequiredServiceEntry names a service instance offered by a remote endpoint.
type RequiredServiceEntry struct {
	ServiceInstanceEntry `yaml:",inline"`
	Address              string `yaml:"address"`
	Port                 uint16 `yaml:"port"`
}

// Remote returns the address of the remote endpoint.
func (r RequiredServiceEntry) Remote() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(r.Address)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(ErrInvalidConfig, "required service 0x%04x: %v", r.Service, err)
	}
	return netip.AddrPortFrom(addr, r.Port), nil
}

// Default daemon configuration.
const (
	defaultAddress           = "127.0.0.1"
	defaultReconnectInterval = 5 * time.Second
)

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML configuration, filling defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{
		Address:           defaultAddress,
		Workers:           defaultWorkers,
		MaxMessageSize:    defaultMaxMessageSize,
		Backlog:           defaultBacklog,
		ReconnectInterval: defaultReconnectInterval,
		Log:               LogConfig{Level: "info"},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := c.LocalAddr(); err != nil {
		return err
	}
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "workers %d", c.Workers)
	}
	if c.MaxMessageSize != 0 && c.MaxMessageSize < HeaderSize {
		return errors.Wrapf(ErrInvalidConfig, "max_message_size %d below header size", c.MaxMessageSize)
	}
	if c.ReconnectInterval < 0 {
		return errors.Wrapf(ErrInvalidConfig, "reconnect_interval %s", c.ReconnectInterval)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}

	seen := make(map[uint16]bool)
	for _, p := range c.Provided {
		if seen[p.Service] {
			return errors.Wrapf(ErrInvalidConfig, "service 0x%04x provided twice", p.Service)
		}
		seen[p.Service] = true
	}
	for _, r := range c.Required {
		if _, err := r.Remote(); err != nil {
			return err
		}
	}
	return nil
}

// LocalAddr returns the address the daemon's endpoint binds.
func (c *Config) LocalAddr() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(c.Address)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(ErrInvalidConfig, "address %q: %v", c.Address, err)
	}
	return netip.AddrPortFrom(addr, c.Port), nil
}

// EndpointOptions returns the endpoint options described by c.
func (c *Config) EndpointOptions(logger Logger) []Option {
	return []Option{
		LoggerOption(logger),
		MessageMaxSize(c.MaxMessageSize),
		ListenBacklogOption(c.Backlog),
		SocketOptionsOption(c.Socket),
	}
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, errors.Wrapf(ErrInvalidConfig, "log level %q", l.Level)
	}
	return level, nil
}

// NewLogger builds a JSON slog logger. With File set, output goes to a
// rotating file; the returned closer releases it.
func (l LogConfig) NewLogger() (*slog.Logger, io.Closer, error) {
	level, err := l.level()
	if err != nil {
		return nil, nil, err
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if l.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   l.File,
			MaxSize:    l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAge:     l.MaxAgeDays,
			Compress:   l.Compress,
		}
		w, closer = rotating, rotating
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}
