// Command ksmbd is the minimal bootstrap wrapper around the SMB core: it
// loads process configuration, wires the composite Server, and runs it
// until signalled. Per spec.md §1 the CLI wrapper itself is out of scope,
// so this stays a thin main rather than growing a command tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/opensmbd/ksmbd-core/internal/conn"
	"github.com/opensmbd/ksmbd-core/internal/dispatch"
	"github.com/opensmbd/ksmbd-core/internal/ipc"
	"github.com/opensmbd/ksmbd-core/internal/logger"
	"github.com/opensmbd/ksmbd-core/internal/session"
	"github.com/opensmbd/ksmbd-core/internal/share"
	"github.com/opensmbd/ksmbd-core/pkg/config"
	"github.com/opensmbd/ksmbd-core/pkg/metrics"
)

func main() {
	var configPath string
	var foreground bool
	var debug bool
	flag.StringVar(&configPath, "config", "", "path to config file (default: $XDG_CONFIG_HOME/ksmbd/config.yaml)")
	flag.BoolVar(&foreground, "foreground", true, "run in the foreground")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()
	_ = foreground // no daemonization path; retained for flag-surface parity with the source's CLI

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ksmbd: loading config: %v\n", err)
		os.Exit(1)
	}
	if debug {
		cfg.Logging.Level = "DEBUG"
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		fmt.Fprintf(os.Stderr, "ksmbd: initializing logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ksmbd: metrics server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	sessions := session.NewTable()
	shares := share.NewRegistry()
	bridge := ipc.NewBridge()
	seam := dispatch.NewSeam(sessions, shares, bridge, m)

	watcher := ipc.NewSocketWatcher(bridge, cfg.IPC.SocketPath)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("ksmbd: IPC socket watcher exited", "error", err)
		}
	}()

	engine := conn.NewEngine(conn.Config{
		BindAddress:              cfg.Server.BindAddress,
		Port:                     cfg.Server.Port,
		MaxConnections:           cfg.Server.MaxConnections,
		MaxRequestsPerConnection: cfg.Server.MaxRequestsPerConnection,
		MaxMessageSize:           int(cfg.Server.MaxMessageSize),
		Backlog:                  cfg.Server.Backlog,
		Timeouts: conn.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Idle:     2 * cfg.Server.EchoInterval,
			Shutdown: cfg.ShutdownTimeout,
		},
	}, seam)

	logger.Info("ksmbd: starting", "bind", cfg.Server.BindAddress, "port", cfg.Server.Port)
	if err := engine.Serve(ctx); err != nil {
		logger.Error("ksmbd: server exited with error", "error", err)
		os.Exit(1)
	}
}
