// Package ipc implements the control-plane bridge between the SMB engine
// and the user-space configuration daemon: a framed, typed, versioned
// message channel with request/response correlation and a small set of
// fire-and-forget notifications.
//
// The real cifsd talks to its daemon over a generic-netlink family, which is
// a Linux-kernel-only transport. This bridge carries the same framing and
// correlation contract over a substitutable net.Conn (a Unix-domain socket
// in production, a net.Pipe in tests), so the protocol logic here is exactly
// what a netlink-backed version would do above the transport boundary.
package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensmbd/ksmbd-core/internal/ida"
	"github.com/opensmbd/ksmbd-core/internal/logger"
	"github.com/opensmbd/ksmbd-core/pkg/metrics"
)

// ProtocolVersion is the only version this bridge understands. A mismatch on
// any received message is fatal for that message, not for the connection.
const ProtocolVersion uint32 = 1

// WaitTimeout bounds how long send_request blocks for a correlated response.
const WaitTimeout = 2 * time.Second

// MsgType enumerates the request and response message types.
type MsgType uint32

const (
	HeartbeatReq MsgType = iota + 1
	HeartbeatResp
	StartingUp
	StartingUpResp
	ShuttingDown
	ShuttingDownResp
	LoginReq
	LoginResp
	ShareConfigReq
	ShareConfigResp
	TreeConnectReq
	TreeConnectResp
	TreeDisconnectReq
	TreeDisconnectResp
	LogoutReq
	LogoutResp
	RPCReq
	RPCResp
)

var msgTypeNames = map[MsgType]string{
	HeartbeatReq: "HEARTBEAT_REQ", HeartbeatResp: "HEARTBEAT_RESP",
	StartingUp: "STARTING_UP", StartingUpResp: "STARTING_UP_RESP",
	ShuttingDown: "SHUTTING_DOWN", ShuttingDownResp: "SHUTTING_DOWN_RESP",
	LoginReq: "LOGIN_REQ", LoginResp: "LOGIN_RESP",
	ShareConfigReq: "SHARE_CONFIG_REQ", ShareConfigResp: "SHARE_CONFIG_RESP",
	TreeConnectReq: "TREE_CONNECT_REQ", TreeConnectResp: "TREE_CONNECT_RESP",
	TreeDisconnectReq: "TREE_DISCONNECT_REQ", TreeDisconnectResp: "TREE_DISCONNECT_RESP",
	LogoutReq: "LOGOUT_REQ", LogoutResp: "LOGOUT_RESP",
	RPCReq: "RPC_REQ", RPCResp: "RPC_RESP",
}

// String returns the request/response name used in logs and metrics labels.
func (t MsgType) String() string {
	if n, ok := msgTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

func typeName(t MsgType) string { return t.String() }

// fireAndForget holds the request types sent without a correlation waiter.
var fireAndForget = map[MsgType]bool{
	TreeDisconnectReq: true,
	LogoutReq:         true,
	ShuttingDown:      true,
}

// expectedResponse returns the response type paired with a request type.
// The real bridge encodes this as req+1; kept as an explicit table so the
// pairing is not accidentally broken by reordering the iota block above.
var expectedResponse = map[MsgType]MsgType{
	HeartbeatReq:      HeartbeatResp,
	StartingUp:        StartingUpResp,
	ShuttingDown:      ShuttingDownResp,
	LoginReq:          LoginResp,
	ShareConfigReq:    ShareConfigResp,
	TreeConnectReq:    TreeConnectResp,
	TreeDisconnectReq: TreeDisconnectResp,
	LogoutReq:         LogoutResp,
	RPCReq:            RPCResp,
}

var (
	// ErrVersion is returned for a message whose version field doesn't match
	// ProtocolVersion. Fatal for that message only.
	ErrVersion = errors.New("ipc: protocol version mismatch")
	// ErrProtocol is returned when a response's type doesn't match the
	// request's expected pairing.
	ErrProtocol = errors.New("ipc: unexpected response type")
	// ErrTimeout is returned when a request's correlation wait expires.
	ErrTimeout = errors.New("ipc: request timed out")
	// ErrNoDaemon is returned when a request is sent with no registered daemon.
	ErrNoDaemon = errors.New("ipc: no daemon registered")
)

// Message is one framed IPC message: {version, type, size, payload}.
type Message struct {
	Type    MsgType
	Payload []byte
}

// waiter is a single in-flight correlation entry. debugTag is a short
// random id (distinct from the wire handle) attached to log lines so a
// request/response pair can be grepped out of interleaved debug output.
type waiter struct {
	done     chan *Message
	once     sync.Once
	debugTag string
}

func (w *waiter) deliver(m *Message) {
	w.once.Do(func() { w.done <- m })
}

// Bridge is the server-side endpoint of the IPC channel. One Bridge serves
// one daemon connection at a time; StartingUp re-registration is arbitrated
// per the component contract (heartbeat the incumbent before replacing it).
type Bridge struct {
	handles *ida.Allocator
	metrics *metrics.Metrics

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	waiters map[uint32]*waiter

	writeMu sync.Mutex
}

// NewBridge creates a Bridge with no daemon registered.
func NewBridge() *Bridge {
	return &Bridge{
		handles: ida.NewGeneric(),
		waiters: make(map[uint32]*waiter),
	}
}

// SetMetrics attaches a Metrics collector. Optional; a Bridge with no
// metrics attached behaves identically, just uninstrumented.
func (b *Bridge) SetMetrics(m *metrics.Metrics) { b.metrics = m }

// Attach registers conn as the daemon transport as soon as it is called; it
// does not read or wait for a StartingUp message. If a daemon is already registered, the
// incumbent is heartbeat-probed; a successful probe rejects the new
// registration (returns false), otherwise the incumbent is replaced.
func (b *Bridge) Attach(ctx context.Context, conn io.ReadWriteCloser) bool {
	b.mu.Lock()
	incumbent := b.conn
	b.mu.Unlock()

	if incumbent != nil {
		if b.probeIncumbent(ctx) {
			logger.WarnCtx(ctx, "ipc: rejecting daemon re-registration, incumbent still alive")
			return false
		}
		logger.InfoCtx(ctx, "ipc: incumbent daemon unresponsive, replacing")
	}

	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.mu.Unlock()
	return true
}

func (b *Bridge) probeIncumbent(ctx context.Context) bool {
	hctx, cancel := context.WithTimeout(ctx, WaitTimeout)
	defer cancel()
	_, err := b.SendRequest(hctx, HeartbeatReq, nil)
	return err == nil
}

// Detach tears down the current daemon connection, if any, and wakes every
// outstanding waiter with ErrNoDaemon.
func (b *Bridge) Detach() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	waiters := b.waiters
	b.waiters = make(map[uint32]*waiter)
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, w := range waiters {
		w.deliver(nil)
	}
}

// SendRequest transmits a correlated request and blocks for its response (or
// WaitTimeout, or ctx cancellation). Fire-and-forget types must use Notify.
func (b *Bridge) SendRequest(ctx context.Context, typ MsgType, payload []byte) (*Message, error) {
	if fireAndForget[typ] {
		return nil, fmt.Errorf("ipc: %v is fire-and-forget, use Notify", typ)
	}

	handle, err := b.handles.Acquire()
	if err != nil {
		return nil, fmt.Errorf("ipc: acquiring correlation handle: %w", err)
	}
	defer b.handles.Release(handle) //nolint:errcheck

	framed := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(framed[0:4], handle)
	copy(framed[4:], payload)

	w := &waiter{done: make(chan *Message, 1), debugTag: uuid.NewString()}
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, ErrNoDaemon
	}
	b.waiters[handle] = w
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, handle)
		b.mu.Unlock()
	}()

	logger.Debug("ipc: sending request", "type", typ, "handle", handle, "tag", w.debugTag)
	start := time.Now()
	if err := b.write(conn, Message{Type: typ, Payload: framed}); err != nil {
		return nil, fmt.Errorf("ipc: writing request: %w", err)
	}

	timer := time.NewTimer(WaitTimeout)
	defer timer.Stop()

	select {
	case resp := <-w.done:
		timedOut := resp == nil
		b.metrics.ObserveIPCRequest(typeName(typ), time.Since(start).Seconds(), timedOut)
		if timedOut {
			// Only Detach delivers nil: the daemon connection went away.
			return nil, ErrNoDaemon
		}
		want := expectedResponse[typ]
		if resp.Type != want {
			return nil, ErrProtocol
		}
		return resp, nil
	case <-timer.C:
		b.metrics.ObserveIPCRequest(typeName(typ), time.Since(start).Seconds(), true)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget message (TreeDisconnectReq, LogoutReq,
// ShuttingDown) without registering a correlation waiter.
func (b *Bridge) Notify(typ MsgType, payload []byte) error {
	if !fireAndForget[typ] {
		return fmt.Errorf("ipc: %v requires a correlated SendRequest", typ)
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNoDaemon
	}
	return b.write(conn, Message{Type: typ, Payload: payload})
}

// Dispatch delivers an inbound message to the waiter registered for its
// handle. A message with no waiter (including an unsolicited StartingUp or
// heartbeat) is logged and dropped. Spurious wakeups, unknown types, and
// duplicate responses (first delivery wins) are tolerated, never treated as
// fatal to the channel.
func (b *Bridge) Dispatch(ctx context.Context, m *Message) {
	if len(m.Payload) < 4 {
		logger.WarnCtx(ctx, "ipc: dropping message with short payload", "type", m.Type)
		return
	}
	handle := binary.BigEndian.Uint32(m.Payload[0:4])

	b.mu.Lock()
	w, ok := b.waiters[handle]
	b.mu.Unlock()
	if !ok {
		// Unknown handle: duplicate response after the original waiter
		// already completed, or an unsolicited message. Both are ignored.
		logger.DebugCtx(ctx, "ipc: no waiter for handle, ignoring", "handle", handle, "type", m.Type)
		return
	}
	w.deliver(m)
}

func (b *Bridge) write(conn io.Writer, m Message) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:4], ProtocolVersion)
	binary.BigEndian.PutUint32(header[4:8], uint32(m.Type))
	binary.BigEndian.PutUint32(header[8:12], uint32(len(m.Payload)))

	bw := bufio.NewWriter(conn)
	if _, err := bw.Write(header); err != nil {
		return err
	}
	if _, err := bw.Write(m.Payload); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadMessage reads one framed message from r. A version mismatch returns
// ErrVersion with the message otherwise discarded (the caller should log and
// continue reading the next frame, not close the connection).
func ReadMessage(r io.Reader) (*Message, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	version := binary.BigEndian.Uint32(header[0:4])
	typ := MsgType(binary.BigEndian.Uint32(header[4:8]))
	size := binary.BigEndian.Uint32(header[8:12])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if version != ProtocolVersion {
		return nil, ErrVersion
	}
	return &Message{Type: typ, Payload: payload}, nil
}
