package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
}

func TestLoadWithMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadReadsYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, SaveConfig(&Config{
		Logging:         LoggingConfig{Level: "DEBUG", Format: "json", Output: "stderr"},
		Server:          ServerConfig{BindAddress: "127.0.0.1", Port: 1445, Backlog: 16, MaxRequestsPerConnection: 8, MaxMessageSize: DefaultConfig().Server.MaxMessageSize, EchoInterval: DefaultConfig().Server.EchoInterval},
		IPC:             IPCConfig{SocketPath: "/tmp/ksmbd-test.sock", RequestTimeout: DefaultConfig().IPC.RequestTimeout},
		Pool:            DefaultConfig().Pool,
		Metrics:         DefaultConfig().Metrics,
		ShutdownTimeout: DefaultConfig().ShutdownTimeout,
	}, path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	require.Equal(t, 1445, cfg.Server.Port)
	require.Equal(t, "/tmp/ksmbd-test.sock", cfg.IPC.SocketPath)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.BindAddress = ""
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsUnknownSigningMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ServerSigning = "SOMETIMES"
	require.Error(t, Validate(cfg))
}

func TestGetDefaultConfigPathEndsInConfigYAML(t *testing.T) {
	require.Equal(t, "config.yaml", filepath.Base(GetDefaultConfigPath()))
}
