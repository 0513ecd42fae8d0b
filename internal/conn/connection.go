package conn

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensmbd/ksmbd-core/internal/logger"
	"github.com/opensmbd/ksmbd-core/internal/protocol/smb/header"
	"github.com/opensmbd/ksmbd-core/internal/protocol/smb/types"
)

// Connection is one accepted TCP connection and its NEW/GOOD/NEED_RECONNECT/
// EXITING lifecycle. It frames NetBIOS session-service messages, resolves
// just enough of the SMB2 header to name a command, and hands the rest to
// the dispatch seam.
type Connection struct {
	id     string
	engine *Engine
	conn   net.Conn

	state atomic.Int32

	requestSem chan struct{}
	wg         sync.WaitGroup
	writeMu    sync.Mutex

	sessionsMu sync.Mutex
	sessions   map[uint64]struct{}

	// openFiles counts file handles opened by requests on this connection
	// still awaiting a matching close. Durable/persistent handles must keep
	// the connection alive through indefinite quiet periods, so the idle
	// timeout only fires while this is zero (spec §3 Connection.
	// open_files_count, §4.G idle policy).
	openFiles atomic.Int32
}

func (c *Connection) incOpenFiles() { c.openFiles.Add(1) }

func (c *Connection) decOpenFiles() {
	if c.openFiles.Add(-1) < 0 {
		c.openFiles.Store(0)
	}
}

func newConnection(e *Engine, nc net.Conn) *Connection {
	c := &Connection{
		id:         nc.RemoteAddr().String(),
		engine:     e,
		conn:       nc,
		requestSem: make(chan struct{}, e.config.MaxRequestsPerConnection),
		sessions:   make(map[uint64]struct{}),
	}
	c.state.Store(int32(StateNew))
	return c
}

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }
func (c *Connection) State() State     { return State(c.state.Load()) }

func (c *Connection) trackSession(id uint64) {
	if id == 0 {
		return
	}
	c.sessionsMu.Lock()
	c.sessions[id] = struct{}{}
	c.sessionsMu.Unlock()
}

// Serve runs the connection's receive loop until ctx is cancelled, the
// engine begins shutdown, or the peer disconnects.
func (c *Connection) Serve(ctx context.Context) {
	defer c.teardown()

	c.setState(StateGood)
	logger.Debug("conn: new connection", "address", c.id)

	if c.engine.config.Timeouts.Idle > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.engine.config.Timeouts.Idle))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.engine.shutdown:
			return
		default:
		}

		command, sessionID, treeID, message, bodyOffset, err := c.readMessage(ctx)
		if err != nil {
			if err == io.EOF {
				logger.Debug("conn: closed by peer", "address", c.id)
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if c.openFiles.Load() == 0 {
					logger.Debug("conn: idle timeout, no open files", "address", c.id)
					return
				}
				// Open durable/persistent handles keep the connection alive
				// through indefinite quiet periods; this wakeup was just the
				// deadline polling for idleness, not a transport failure.
				logger.Debug("conn: idle timeout ignored, files open", "address", c.id, "open_files", c.openFiles.Load())
				if c.engine.config.Timeouts.Idle > 0 {
					_ = c.conn.SetDeadline(time.Now().Add(c.engine.config.Timeouts.Idle))
				}
				continue
			}
			// A transient read error may mean a durable handle should survive
			// the drop; the caller decides via NEED_RECONNECT.
			c.setState(StateNeedReconnect)
			logger.Debug("conn: read error", "address", c.id, "error", err)
			return
		}

		c.trackSession(sessionID)

		c.requestSem <- struct{}{}
		c.wg.Add(1)
		go c.process(ctx, command, sessionID, treeID, message, bodyOffset)

		if c.engine.config.Timeouts.Idle > 0 {
			_ = c.conn.SetDeadline(time.Now().Add(c.engine.config.Timeouts.Idle))
		}
	}
}

func (c *Connection) process(ctx context.Context, command string, sessionID uint64, treeID uint32, message []byte, bodyOffset int) {
	defer c.wg.Done()
	defer func() { <-c.requestSem }()
	defer c.engine.bufPool.Release(message)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("conn: panic handling request", "address", c.id, "command", command, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	w := c.engine.workItems.Get()
	w.Reset()
	defer c.engine.workItems.Put(w)

	w.ConnID = c.id
	w.SessionID = sessionID
	w.TreeID = treeID
	w.Request = message[bodyOffset:]
	w.SetFileLifecycleHooks(c.incOpenFiles, c.decOpenFiles)

	resp, err := c.engine.seam.Dispatch(ctx, command, w)
	if err != nil {
		logger.Debug("conn: dispatch error", "address", c.id, "command", command, "error", err)
		return
	}
	if resp == nil {
		return
	}
	if err := c.writeMessage(resp); err != nil {
		logger.Debug("conn: write error", "address", c.id, "error", err)
	}
}

// readMessage reads one NetBIOS-framed message and returns enough of its
// header to route it: command name, session id, tree id, the pooled buffer
// backing the whole message, and the offset within it where the command body
// begins. The caller releases message back to the engine's BufferPool once
// dispatch has finished with the body. Compound requests are split by the
// external handler, which receives the full post-header payload and walks
// NextCommand offsets itself; this keeps the Engine ignorant of per-command
// semantics.
func (c *Connection) readMessage(ctx context.Context) (command string, sessionID uint64, treeID uint32, message []byte, bodyOffset int, err error) {
	select {
	case <-ctx.Done():
		return "", 0, 0, nil, 0, ctx.Err()
	default:
	}

	// Waiting for the next message is bounded by the idle deadline Serve
	// set; the Read timeout only bounds reading a message once it started.
	var nb [4]byte
	if _, err := io.ReadFull(c.conn, nb[:]); err != nil {
		return "", 0, 0, nil, 0, err
	}
	if c.engine.config.Timeouts.Read > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.engine.config.Timeouts.Read)); err != nil {
			return "", 0, 0, nil, 0, fmt.Errorf("conn: set read deadline: %w", err)
		}
	}
	msgLen := uint32(nb[1])<<16 | uint32(nb[2])<<8 | uint32(nb[3])
	if int(msgLen) > c.engine.config.MaxMessageSize {
		return "", 0, 0, nil, 0, fmt.Errorf("conn: message too large: %d bytes", msgLen)
	}
	if msgLen < 4 {
		return "", 0, 0, nil, 0, fmt.Errorf("conn: message too small: %d bytes", msgLen)
	}

	message = c.engine.bufPool.AllocRequest(int(msgLen))
	if _, err := io.ReadFull(c.conn, message); err != nil {
		c.engine.bufPool.Release(message)
		return "", 0, 0, nil, 0, fmt.Errorf("conn: read message: %w", err)
	}

	protocolID := binary.LittleEndian.Uint32(message[0:4])
	if protocolID == types.SMB1ProtocolID {
		// Only legacy NEGOTIATE arrives this way; the external handler
		// inspects the dialect list and replies with an SMB2 negotiate
		// response, upgrading the connection.
		return "NEGOTIATE", 0, 0, message, 0, nil
	}

	if msgLen < header.HeaderSize {
		c.engine.bufPool.Release(message)
		return "", 0, 0, nil, 0, fmt.Errorf("conn: SMB2 message too small: %d bytes", msgLen)
	}
	hdr, err := header.Parse(message[:header.HeaderSize])
	if err != nil {
		c.engine.bufPool.Release(message)
		return "", 0, 0, nil, 0, fmt.Errorf("conn: parse header: %w", err)
	}

	return hdr.Command.String(), hdr.SessionID, hdr.TreeID, message, header.HeaderSize, nil
}

// writeMessage frames resp with a NetBIOS session header and writes it
// atomically with respect to other in-flight responses on this connection.
func (c *Connection) writeMessage(resp []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.engine.config.Timeouts.Write > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.engine.config.Timeouts.Write)); err != nil {
			return err
		}
	}

	var nb [4]byte
	nb[0] = 0
	nb[1] = byte(len(resp) >> 16)
	nb[2] = byte(len(resp) >> 8)
	nb[3] = byte(len(resp))

	if _, err := c.conn.Write(nb[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(resp)
	return err
}

func (c *Connection) teardown() {
	c.setState(StateExiting)

	c.sessionsMu.Lock()
	sessions := make([]uint64, 0, len(c.sessions))
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	c.sessionsMu.Unlock()

	for _, id := range sessions {
		sess, err := c.engine.seam.Sessions.Lookup(id)
		if err != nil {
			continue
		}
		sess.UnbindChannel(c.id)
	}

	c.wg.Wait()
	_ = c.conn.Close()
}
