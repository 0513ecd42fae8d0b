package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opensmbd/ksmbd-core/internal/logger"
)

// SocketWatcher watches a Unix-domain socket path for the daemon's listener
// re-appearing after a restart, and reconnects the Bridge to it. This stands
// in for the kernel-side "daemon died, wait for it to come back" signal a
// netlink transport gets for free; over a substitutable net.Conn transport
// the bridge has to notice the socket file's lifecycle itself.
type SocketWatcher struct {
	bridge *Bridge
	path   string
}

// NewSocketWatcher returns a watcher that reconnects bridge to a listener at
// path whenever the socket file is (re)created.
func NewSocketWatcher(bridge *Bridge, path string) *SocketWatcher {
	return &SocketWatcher{bridge: bridge, path: path}
}

// Run watches the socket's parent directory until ctx is cancelled. It
// attempts an initial connect, then reconnects on every fsnotify Create
// event naming the socket path. Errors are logged, never fatal to the
// watch loop: a daemon that is slow to start is not a protocol error.
func (w *SocketWatcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	w.tryConnect(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name == w.path && (ev.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				w.tryConnect(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WarnCtx(ctx, "ipc: socket watcher error", "error", err)
		}
	}
}

func (w *SocketWatcher) tryConnect(ctx context.Context) {
	conn, err := net.DialTimeout("unix", w.path, 2*time.Second)
	if err != nil {
		logger.DebugCtx(ctx, "ipc: daemon socket not ready", "path", w.path, "error", err)
		return
	}
	if w.bridge.Attach(ctx, conn) {
		logger.InfoCtx(ctx, "ipc: daemon connected", "path", w.path)
		go w.readLoop(ctx, conn)
	} else {
		_ = conn.Close()
	}
}

// readLoop reads framed messages from conn and dispatches them to the
// bridge until the connection errors or ctx is cancelled.
func (w *SocketWatcher) readLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m, err := ReadMessage(conn)
		if errors.Is(err, ErrVersion) {
			logger.WarnCtx(ctx, "ipc: dropping message with mismatched version", "error", err)
			continue
		}
		if err != nil {
			logger.WarnCtx(ctx, "ipc: daemon connection lost", "error", err)
			w.bridge.Detach()
			return
		}
		w.bridge.Dispatch(ctx, m)
	}
}
