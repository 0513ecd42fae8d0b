// Package config loads process-level configuration for the ksmbd-core
// server: listen address, connection/IPC timeouts, buffer pool sizing, the
// daemon IPC socket path, and logging/metrics knobs. This is distinct from
// the smb.conf-style share/global configuration blob described in spec §6,
// which is parsed by internal/share (its wire format is protocol-defined,
// not a developer-facing config file).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/opensmbd/ksmbd-core/internal/bytesize"
)

// mapstructureDecodeHooks composes the decode hooks viper needs to turn
// YAML/env strings into time.Duration and bytesize.ByteSize values.
func mapstructureDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// Config is the top-level process configuration for ksmbd-core.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (KSMBD_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Environment variables override only keys that the configuration file
// also sets. When no configuration file is found, Load returns the
// defaults and does not read the environment.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	IPC     IPCConfig     `mapstructure:"ipc" yaml:"ipc"`
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout bounds how long close_server (spec §4.G) waits for
	// in-flight connections to drain before forcing teardown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// ServerConfig holds the listener and per-connection tunables (spec §4.G,
// §6 "server min/max protocol").
type ServerConfig struct {
	// BindAddress/Port: spec §6 fixes TCP port 445 on 0.0.0.0; both are
	// configurable here for test harnesses that cannot bind 445.
	BindAddress string `mapstructure:"bind_address" validate:"required" yaml:"bind_address"`
	Port        int    `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	Backlog                  int           `mapstructure:"backlog" validate:"min=1" yaml:"backlog"`
	MaxConnections           int           `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`
	MaxRequestsPerConnection int           `mapstructure:"max_requests_per_connection" validate:"min=1" yaml:"max_requests_per_connection"`
	MaxMessageSize           bytesize.ByteSize `mapstructure:"max_message_size" yaml:"max_message_size"`

	// EchoInterval is the idle probe period (spec §4.G, §8): a connection
	// with zero open files and no traffic for 2x this interval exits with
	// EAGAIN. Default 60s, per spec's GLOSSARY.
	EchoInterval time.Duration `mapstructure:"echo_interval" validate:"required,gt=0" yaml:"echo_interval"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// ServerMinProtocol/ServerMaxProtocol: dialect name bounds (spec §6).
	ServerMinProtocol string `mapstructure:"server_min_protocol" yaml:"server_min_protocol"`
	ServerMaxProtocol string `mapstructure:"server_max_protocol" yaml:"server_max_protocol"`

	ServerString string `mapstructure:"server_string" yaml:"server_string"`
	Workgroup    string `mapstructure:"workgroup" yaml:"workgroup"`
	NetBIOSName  string `mapstructure:"netbios_name" yaml:"netbios_name"`

	// GuestAccount: spec §6 "guest account" — creates/uses a reserved
	// UID/GID=9999 user.
	GuestAccount string `mapstructure:"guest_account" yaml:"guest_account"`

	// ServerSigning: one of DISABLE, ENABLE, AUTO, MANDATORY (spec §6).
	ServerSigning string `mapstructure:"server_signing" validate:"omitempty,oneof=DISABLE ENABLE AUTO MANDATORY" yaml:"server_signing"`

	// MapToGuest: one of DISABLE, "Bad User", "Never" (spec §6).
	MapToGuest string `mapstructure:"map_to_guest" yaml:"map_to_guest"`
}

// IPCConfig configures the control-plane bridge to the user-space daemon
// (spec §4.C).
type IPCConfig struct {
	// SocketPath is the daemon's framed-request transport endpoint. A Unix
	// domain socket stands in for the kernel netlink family the source
	// uses (see SPEC_FULL.md §4.6): same correlation/timeout semantics,
	// substitutable transport.
	SocketPath string `mapstructure:"socket_path" validate:"required" yaml:"socket_path"`

	// RequestTimeout bounds send_request's blocking wait. Spec §4.C fixes
	// this at 2s; kept configurable for tests.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"required,gt=0" yaml:"request_timeout"`
}

// PoolConfig sizes the Buffer Pools (spec §4.B) size classes used by
// alloc_request/alloc_response.
type PoolConfig struct {
	SmallSize  bytesize.ByteSize `mapstructure:"small_size" yaml:"small_size"`
	MediumSize bytesize.ByteSize `mapstructure:"medium_size" yaml:"medium_size"`
	LargeSize  bytesize.ByteSize `mapstructure:"large_size" yaml:"large_size"`
}

// LoggingConfig controls the internal/logger handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

var validate = validator.New()

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if !found {
		return cfg, nil
	}

	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructureDecodeHooks(),
	)); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the tunables ksmbd-core ships with.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Server: ServerConfig{
			BindAddress:              "0.0.0.0",
			Port:                     445,
			Backlog:                  64,
			MaxConnections:           0,
			MaxRequestsPerConnection: 64,
			MaxMessageSize:           16 * bytesize.MiB,
			EchoInterval:             60 * time.Second,
			ReadTimeout:              2 * time.Minute,
			WriteTimeout:             2 * time.Minute,
			ServerMinProtocol:        "SMB2_02",
			ServerMaxProtocol:        "SMB3_11",
			ServerString:             "KSMBD-CORE",
			Workgroup:                "WORKGROUP",
			NetBIOSName:              "KSMBD",
			GuestAccount:             "",
			ServerSigning:            "AUTO",
			MapToGuest:               "DISABLE",
		},
		IPC: IPCConfig{
			SocketPath:     "/run/ksmbd/daemon.sock",
			RequestTimeout: 2 * time.Second,
		},
		Pool: PoolConfig{
			SmallSize:  4 * bytesize.KiB,
			MediumSize: 64 * bytesize.KiB,
			LargeSize:  1 * bytesize.MiB,
		},
		Metrics:         MetricsConfig{Enabled: false, Port: 9090},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate runs struct validation tags over cfg.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

// SaveConfig writes cfg to path in YAML, 0600 (may contain sensitive paths).
func SaveConfig(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: create dir: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("KSMBD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read: %w", err)
	}
	return true, nil
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ksmbd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ksmbd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
