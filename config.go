package dbus

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config configures a [Conn].
type Config struct {
	// Address is the DBus server address to connect to, for example
	// "unix:path=/run/dbus/system_bus_socket". If empty, Bus selects
	// the address.
	Address string
	// Bus selects the session or system bus when Address is
	// empty. Valid values are "session" and "system", and the empty
	// string which means "session".
	Bus string
	// CallTimeout bounds method calls whose context has no
	// deadline.
	CallTimeout time.Duration
	// SignalQueue is the maximum number of undelivered signals
	// buffered per subscription. Further signals are dropped until
	// the subscriber catches up.
	SignalQueue int
	// Logger receives the connection's diagnostic logs.
	Logger zerolog.Logger
}

const (
	// DefaultCallTimeout is the default call timeout, matching the
	// reference DBus implementation.
	DefaultCallTimeout = 25 * time.Second
	// DefaultSignalQueue is the default per-subscription signal
	// queue length.
	DefaultSignalQueue = 64
)

// DefaultConfig returns the default configuration, which connects to
// the session bus and logs nothing.
func DefaultConfig() Config {
	return Config{
		Bus:         "session",
		CallTimeout: DefaultCallTimeout,
		SignalQueue: DefaultSignalQueue,
		Logger:      zerolog.Nop(),
	}
}

// address returns the server address c selects.
func (c Config) address() (string, error) {
	if c.Address != "" {
		return c.Address, nil
	}
	switch c.Bus {
	case "", "session":
		return SessionBusAddress()
	case "system":
		return SystemBusAddress(), nil
	default:
		return "", fmt.Errorf("unknown bus %q, must be session or system", c.Bus)
	}
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.SignalQueue <= 0 {
		c.SignalQueue = DefaultSignalQueue
	}
	return c
}

type fileConfig struct {
	Address     string `toml:"address"`
	Bus         string `toml:"bus"`
	CallTimeout string `toml:"call_timeout"`
	SignalQueue int    `toml:"signal_queue"`
	LogLevel    string `toml:"log_level"`
}

// LoadConfig returns the default configuration, updated with the
// settings in the TOML file at path, and then with the DBUS_ADDRESS,
// DBUS_CALL_TIMEOUT and DBUS_LOG_LEVEL environment variables.
//
// The file may set address, bus, call_timeout (a Go duration string),
// signal_queue and log_level (a zerolog level name). log_level
// applies to base, which becomes the returned config's Logger.
func LoadConfig(path string, base zerolog.Logger) (Config, error) {
	cfg := DefaultConfig()
	cfg.Logger = base
	level := base.GetLevel()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load dbus config: %w", err)
		}
		if meta.IsDefined("address") {
			cfg.Address = strings.TrimSpace(raw.Address)
		}
		if meta.IsDefined("bus") {
			cfg.Bus = strings.TrimSpace(raw.Bus)
		}
		if meta.IsDefined("call_timeout") {
			d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
			if err != nil {
				return Config{}, fmt.Errorf("parse call_timeout: %w", err)
			}
			cfg.CallTimeout = d
		}
		if meta.IsDefined("signal_queue") {
			cfg.SignalQueue = raw.SignalQueue
		}
		if meta.IsDefined("log_level") {
			l, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
			if err != nil {
				return Config{}, fmt.Errorf("parse log_level: %w", err)
			}
			level = l
		}
	}

	if v := os.Getenv("DBUS_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("DBUS_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse DBUS_CALL_TIMEOUT: %w", err)
		}
		cfg.CallTimeout = d
	}
	if v := os.Getenv("DBUS_LOG_LEVEL"); v != "" {
		l, err := zerolog.ParseLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse DBUS_LOG_LEVEL: %w", err)
		}
		level = l
	}

	switch cfg.Bus {
	case "", "session", "system":
	default:
		return Config{}, fmt.Errorf("unknown bus %q, must be session or system", cfg.Bus)
	}
	if cfg.CallTimeout <= 0 {
		return Config{}, fmt.Errorf("call_timeout must be positive, got %v", cfg.CallTimeout)
	}
	if cfg.SignalQueue <= 0 {
		return Config{}, fmt.Errorf("signal_queue must be positive, got %d", cfg.SignalQueue)
	}

	cfg.Logger = cfg.Logger.Level(level)
	return cfg, nil
}
