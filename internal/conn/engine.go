// Package conn implements the Connection Engine: the TCP accept loop and
// per-connection NEW -> GOOD -> {NEED_RECONNECT, EXITING} state machine that
// frames NetBIOS/SMB2 messages and hands each one to the dispatch seam.
// Per-command wire semantics are not interpreted here; the Engine only knows
// enough of the SMB2 header to route a message to a command name.
package conn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opensmbd/ksmbd-core/internal/dispatch"
	"github.com/opensmbd/ksmbd-core/internal/logger"
	"github.com/opensmbd/ksmbd-core/internal/pool"
	"github.com/opensmbd/ksmbd-core/pkg/metrics"
	"golang.org/x/sys/unix"
)

// Engine owns the listening socket and the set of live connections. It
// mirrors ksmbd.mountd's connect.c accept loop: SO_REUSEADDR, a bounded
// backlog, and a graceful-shutdown path that interrupts blocked reads before
// waiting out in-flight requests.
type Engine struct {
	config  Config
	seam    *dispatch.Seam
	metrics *metrics.Metrics

	listener   net.Listener
	listenerMu sync.RWMutex

	activeConns   sync.WaitGroup
	shutdownOnce  sync.Once
	shutdown      chan struct{}
	connCount     atomic.Int32
	connSemaphore chan struct{}

	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	activeConnections sync.Map // remote addr string -> net.Conn

	listenerReady chan struct{}

	bufPool   *pool.BufferPool
	workItems *pool.WorkItemPool[dispatch.WorkItem]
}

func seamMetrics(seam *dispatch.Seam) *metrics.Metrics {
	if seam == nil {
		return nil
	}
	return seam.Metrics
}

// NewEngine constructs an Engine bound to seam for command dispatch.
func NewEngine(cfg Config, seam *dispatch.Seam) *Engine {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("conn: invalid config: %v", err))
	}

	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())

	return &Engine{
		config:         cfg,
		seam:           seam,
		metrics:        seamMetrics(seam),
		shutdown:       make(chan struct{}),
		connSemaphore:  sem,
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancel,
		listenerReady:  make(chan struct{}),
		bufPool:        pool.NewBufferPool(pool.DefaultConfig()),
		workItems:      pool.NewWorkItemPool[dispatch.WorkItem](),
	}
}

// listenConfig sets SO_REUSEADDR on the listening socket. It does not set
// the listen backlog: the listener uses the operating system's default, and
// Config.Backlog is only reported in the startup log.
func (e *Engine) listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// Serve accepts connections until ctx is cancelled or Stop is called, then
// drains in-flight connections up to the configured shutdown timeout.
func (e *Engine) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", e.config.BindAddress, e.config.Port)
	listener, err := e.listenConfig().Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("conn: listen on %s: %w", addr, err)
	}

	e.listenerMu.Lock()
	e.listener = listener
	e.listenerMu.Unlock()
	close(e.listenerReady)

	logger.Info("SMB connection engine listening", "address", addr, "backlog", e.config.Backlog)

	go func() {
		<-ctx.Done()
		e.initiateShutdown()
	}()

	for {
		if e.connSemaphore != nil {
			select {
			case e.connSemaphore <- struct{}{}:
			case <-e.shutdown:
				return e.gracefulShutdown()
			}
		}

		tcpConn, err := listener.Accept()
		if err != nil {
			if e.connSemaphore != nil {
				<-e.connSemaphore
			}
			select {
			case <-e.shutdown:
				return e.gracefulShutdown()
			default:
				logger.Debug("conn: accept error", "error", err)
				continue
			}
		}

		if tcp, ok := tcpConn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		e.activeConns.Add(1)
		e.connCount.Add(1)
		e.metrics.IncConnections()
		addr := tcpConn.RemoteAddr().String()
		e.activeConnections.Store(addr, tcpConn)

		logger.Debug("conn: connection accepted", "address", addr, "active", e.connCount.Load())

		c := newConnection(e, tcpConn)
		go func() {
			defer func() {
				e.activeConnections.Delete(addr)
				e.activeConns.Done()
				e.connCount.Add(-1)
				e.metrics.DecConnections()
				if e.connSemaphore != nil {
					<-e.connSemaphore
				}
				logger.Debug("conn: connection closed", "address", addr, "active", e.connCount.Load())
			}()
			c.Serve(e.shutdownCtx)
		}()
	}
}

func (e *Engine) initiateShutdown() {
	e.shutdownOnce.Do(func() {
		logger.Debug("conn: shutdown initiated")
		close(e.shutdown)

		e.listenerMu.Lock()
		if e.listener != nil {
			_ = e.listener.Close()
		}
		e.listenerMu.Unlock()

		deadline := time.Now().Add(100 * time.Millisecond)
		e.activeConnections.Range(func(_, v any) bool {
			if c, ok := v.(net.Conn); ok {
				_ = c.SetReadDeadline(deadline)
			}
			return true
		})

		e.cancelRequests()
	})
}

func (e *Engine) gracefulShutdown() error {
	active := e.connCount.Load()
	logger.Info("conn: waiting for active connections", "active", active, "timeout", e.config.Timeouts.Shutdown)

	done := make(chan struct{})
	go func() {
		e.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("conn: graceful shutdown complete")
		return nil
	case <-time.After(e.config.Timeouts.Shutdown):
		remaining := e.connCount.Load()
		logger.Warn("conn: shutdown timeout, forcing closure", "active", remaining)
		e.activeConnections.Range(func(_, v any) bool {
			if c, ok := v.(net.Conn); ok {
				_ = c.Close()
			}
			return true
		})
		return fmt.Errorf("conn: shutdown timeout, %d connections force-closed", remaining)
	}
}

// Stop requests graceful shutdown; it is idempotent and safe to call
// concurrently with Serve.
func (e *Engine) Stop() {
	e.initiateShutdown()
}

// ActiveConnections returns the current live connection count.
func (e *Engine) ActiveConnections() int32 { return e.connCount.Load() }

// Addr blocks until the listener is bound and returns its address.
func (e *Engine) Addr() string {
	<-e.listenerReady
	e.listenerMu.RLock()
	defer e.listenerMu.RUnlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}
