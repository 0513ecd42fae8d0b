// Package dispatch implements the command dispatch seam: it resolves
// session/tree/FID context for an inbound work item, invokes an externally
// supplied command handler, and applies the signing hook to the response
// (responses are not encrypted). Per-command wire semantics (the PDU bodies themselves) are an
// external collaborator reached through the Handler function type; this
// package never interprets a command body.
package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/opensmbd/ksmbd-core/internal/handle"
	"github.com/opensmbd/ksmbd-core/internal/ipc"
	"github.com/opensmbd/ksmbd-core/internal/logger"
	"github.com/opensmbd/ksmbd-core/internal/pool"
	"github.com/opensmbd/ksmbd-core/internal/session"
	"github.com/opensmbd/ksmbd-core/internal/share"
	"github.com/opensmbd/ksmbd-core/pkg/metrics"
)

// PipeType enumerates the DCE/RPC named pipes forwarded through the IPC
// Bridge rather than handled locally.
type PipeType int

const (
	NotAPipe PipeType = iota
	SRVSVC
	WKSSVC
	WINREG
)

// pipeNames maps a named-pipe open path to its forwarded pipe type.
var pipeNames = map[string]PipeType{
	`\srvsvc`: SRVSVC,
	`\wkssvc`: WKSSVC,
	`\winreg`: WINREG,
}

// ResolvePipe returns the pipe type for a named-pipe open path, or NotAPipe
// if path does not name a forwarded pipe.
func ResolvePipe(path string) PipeType {
	if t, ok := pipeNames[path]; ok {
		return t
	}
	return NotAPipe
}

// RPCMethod mirrors the CIFSD_RPC_*_METHOD flags carried in an RPC_REQ's
// payload so the daemon knows which pipe operation to perform.
type RPCMethod byte

const (
	RPCOpenMethod RPCMethod = iota + 1
	RPCWriteMethod
	RPCReadMethod
	RPCIoctlMethod
	RPCCloseMethod
)

// OpenPipe opens a named DCE/RPC pipe on behalf of sess, forwarding the
// request through the IPC Bridge. The returned RPC handle is recorded on
// the session and must be released via ClosePipe.
func (s *Seam) OpenPipe(ctx context.Context, sess *session.Session, pt PipeType) (uint64, error) {
	resp, err := s.Bridge.SendRequest(ctx, ipc.RPCReq, rpcPayload(RPCOpenMethod, byte(pt), nil))
	if err != nil {
		return 0, fmt.Errorf("dispatch: opening rpc pipe: %w", err)
	}
	data := rpcResponseData(resp)
	if len(data) < 8 {
		return 0, fmt.Errorf("dispatch: rpc open response too short")
	}
	rpcHandle := binary.BigEndian.Uint64(data[:8])
	sess.AddRPCHandle(rpcHandle)
	return rpcHandle, nil
}

// ReadPipe forwards a pipe read through the IPC Bridge and returns the data
// the daemon returned.
func (s *Seam) ReadPipe(ctx context.Context, rpcHandle uint64, length int) ([]byte, error) {
	req := make([]byte, 12)
	binary.BigEndian.PutUint64(req[0:8], rpcHandle)
	binary.BigEndian.PutUint32(req[8:12], uint32(length))
	resp, err := s.Bridge.SendRequest(ctx, ipc.RPCReq, rpcPayload(RPCReadMethod, 0, req))
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading rpc pipe: %w", err)
	}
	return rpcResponseData(resp), nil
}

// WritePipe forwards pipe write data through the IPC Bridge.
func (s *Seam) WritePipe(ctx context.Context, rpcHandle uint64, data []byte) (int, error) {
	req := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(req[0:8], rpcHandle)
	copy(req[8:], data)
	resp, err := s.Bridge.SendRequest(ctx, ipc.RPCReq, rpcPayload(RPCWriteMethod, 0, req))
	if err != nil {
		return 0, fmt.Errorf("dispatch: writing rpc pipe: %w", err)
	}
	ack := rpcResponseData(resp)
	if len(ack) < 4 {
		return 0, fmt.Errorf("dispatch: rpc write response too short")
	}
	return int(binary.BigEndian.Uint32(ack[:4])), nil
}

// IoctlPipe forwards a pipe ioctl (control code + input buffer) through the
// IPC Bridge and returns the daemon's output buffer.
func (s *Seam) IoctlPipe(ctx context.Context, rpcHandle uint64, ctlCode uint32, in []byte) ([]byte, error) {
	req := make([]byte, 12+len(in))
	binary.BigEndian.PutUint64(req[0:8], rpcHandle)
	binary.BigEndian.PutUint32(req[8:12], ctlCode)
	copy(req[12:], in)
	resp, err := s.Bridge.SendRequest(ctx, ipc.RPCReq, rpcPayload(RPCIoctlMethod, 0, req))
	if err != nil {
		return nil, fmt.Errorf("dispatch: rpc ioctl: %w", err)
	}
	return rpcResponseData(resp), nil
}

// ClosePipe releases an RPC pipe handle both locally (dropping it from the
// owning session) and in the daemon.
func (s *Seam) ClosePipe(ctx context.Context, sess *session.Session, rpcHandle uint64) error {
	req := make([]byte, 8)
	binary.BigEndian.PutUint64(req, rpcHandle)
	_, err := s.Bridge.SendRequest(ctx, ipc.RPCReq, rpcPayload(RPCCloseMethod, 0, req))
	sess.RemoveRPCHandle(rpcHandle)
	if err != nil {
		return fmt.Errorf("dispatch: closing rpc pipe: %w", err)
	}
	return nil
}

// rpcResponseData strips the leading 4-byte correlation handle the IPC
// Bridge's wire format echoes in every response payload, returning the
// RPC-method-specific data that follows it.
func rpcResponseData(resp *ipc.Message) []byte {
	if len(resp.Payload) < 4 {
		return nil
	}
	return resp.Payload[4:]
}

// rpcPayload prepends the method/pipe-type header SendRequest's framing
// expects after its own 4-byte correlation handle: {method, pipeType, pad,
// pad, body...}.
func rpcPayload(method RPCMethod, pipeType byte, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = byte(method)
	out[1] = pipeType
	copy(out[4:], body)
	return out
}

// WorkItem is one in-flight request/response pair, per spec §3.
type WorkItem struct {
	ConnID    string
	SessionID uint64
	TreeID    uint32
	Request   []byte
	Response  []byte
	Cancelled bool

	session  *session.Session
	share    *share.Share
	canWrite bool

	onFileOpened func()
	onFileClosed func()
}

// Session returns the session resolved for this work item, or nil if the
// request carried no SessionID.
func (w *WorkItem) Session() *session.Session { return w.session }

// Share returns the share bound to this work item's TreeID, or nil if the
// request carried no TreeID (or the TID hadn't been tree-connected).
func (w *WorkItem) Share() *share.Share { return w.share }

// CanWrite reports the write permission computed at tree-connect time for
// this work item's TreeConnection.
func (w *WorkItem) CanWrite() bool { return w.canWrite }

// SetFileLifecycleHooks installs the callbacks the owning connection uses to
// maintain its open-files counter (spec.md §3 Connection.open_files_count,
// §4.G idle policy). The CREATE/CLOSE external handlers call NotifyFileOpened
// / NotifyFileClosed after a successful handle.SessionTable.Open/Close.
func (w *WorkItem) SetFileLifecycleHooks(onOpened, onClosed func()) {
	w.onFileOpened = onOpened
	w.onFileClosed = onClosed
}

// NotifyFileOpened reports that this request opened a file handle.
func (w *WorkItem) NotifyFileOpened() {
	if w.onFileOpened != nil {
		w.onFileOpened()
	}
}

// NotifyFileClosed reports that this request closed a file handle.
func (w *WorkItem) NotifyFileClosed() {
	if w.onFileClosed != nil {
		w.onFileClosed()
	}
}

// Reset clears w for reuse from a WorkItemPool. Callers must not reuse w
// while its Response is still being written to the wire.
func (w *WorkItem) Reset() {
	*w = WorkItem{}
}

// Handler is the external PDU command handler: given a resolved work item
// it produces a response body or an error. Implementations live outside
// this package (the wire-format decode/encode seam spec.md excludes from
// core scope).
type Handler func(ctx context.Context, w *WorkItem) ([]byte, error)

var (
	ErrUnknownCommand = fmt.Errorf("dispatch: unknown command")
	ErrSessionExpired  = fmt.Errorf("dispatch: session expired or unknown")
	ErrTreeExpired     = fmt.Errorf("dispatch: tree connection expired or unknown")
)

// Seam wires the Session Table, Share Registry, Handle Table and IPC Bridge
// together behind dispatch(work).
type Seam struct {
	Sessions   *session.Table
	Shares     *share.Registry
	Bridge     *ipc.Bridge
	Metrics    *metrics.Metrics
	handlers   map[string]Handler
	fhMu       sync.Mutex
	sessionFH  map[uint64]*handle.SessionTable
	persistent *handle.PersistentTable
	fhPool     *pool.FileHandlePool[handle.FileHandle]
}

// NewSeam constructs a dispatch seam over the given core components. m may
// be nil to disable metrics collection.
func NewSeam(sessions *session.Table, shares *share.Registry, bridge *ipc.Bridge, m *metrics.Metrics) *Seam {
	bridge.SetMetrics(m)
	return &Seam{
		Sessions:   sessions,
		Shares:     shares,
		Bridge:     bridge,
		Metrics:    m,
		handlers:   make(map[string]Handler),
		sessionFH:  make(map[uint64]*handle.SessionTable),
		persistent: handle.NewPersistentTable(),
		fhPool:     pool.NewFileHandlePool[handle.FileHandle](),
	}
}

// NewFileHandle returns a pooled, zeroed FileHandle ready for the CREATE
// handler to populate and install via HandleTableFor(sessionID).Open.
func (s *Seam) NewFileHandle() *handle.FileHandle {
	return s.fhPool.Get()
}

// ReleaseFileHandle returns f to the pool after its CLOSE has fully
// completed (its Inode released, removed from every table). Callers must not
// retain f after calling this.
func (s *Seam) ReleaseFileHandle(f *handle.FileHandle) {
	f.Reset()
	s.fhPool.Put(f)
}

// RegisterHandler installs the external handler for one command name (e.g.
// "CREATE", "READ", "TREE_CONNECT"). Commands with no registered handler
// fail dispatch with ErrUnknownCommand.
func (s *Seam) RegisterHandler(command string, h Handler) {
	s.handlers[command] = h
}

// HandleTableFor returns (creating if necessary) the per-session volatile
// FID table for a session id.
func (s *Seam) HandleTableFor(sessionID uint64) *handle.SessionTable {
	s.fhMu.Lock()
	defer s.fhMu.Unlock()
	if t, ok := s.sessionFH[sessionID]; ok {
		return t
	}
	t := handle.NewSessionTable()
	s.sessionFH[sessionID] = t
	return t
}

// PersistentHandles returns the process-wide durable-handle table.
func (s *Seam) PersistentHandles() *handle.PersistentTable { return s.persistent }

// Dispatch resolves session/tree context for w, invokes the named command's
// external handler, and returns the raw response body. Errors are returned
// to the caller; the Connection Engine logs them and keeps the connection
// open. This function itself never touches socket state.
func (s *Seam) Dispatch(ctx context.Context, command string, w *WorkItem) ([]byte, error) {
	h, ok := s.handlers[command]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}

	if w.SessionID != 0 {
		sess, err := s.Sessions.Lookup(w.SessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		w.session = sess

		if w.TreeID != 0 {
			tc, err := sess.LookupTree(w.TreeID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTreeExpired, err)
			}
			w.share = tc.Share
			w.canWrite = tc.Writable
		}
	}

	resp, err := h(ctx, w)
	if err != nil {
		return nil, err
	}

	if w.session != nil {
		applySigningHooks(w.session, resp)
	}
	return resp, nil
}

// applySigningHooks signs resp in place when the session requires it; it
// does not encrypt. Actual cryptographic work is delegated to the session's
// signing key material; this function only decides whether to invoke it.
func applySigningHooks(sess *session.Session, resp []byte) {
	if sess == nil || resp == nil {
		return
	}
	if !sess.Signed.Load() {
		return
	}
	key := session.DeriveSigningKey(sess.SigningKey[:])
	if key.IsValid() {
		sig := key.Sign(resp)
		if len(resp) >= 64 {
			copy(resp[48:64], sig[:])
		}
	}
}

// TreeConnect authorizes a tree-connect request against the share registry,
// draws a tree-connect ID from sess's TID allocator, and binds a
// TreeConnection on sess under that TID so later requests can resolve their
// TreeID back to this share (spec.md §3 TreeConnection, §4.H "resolve tree
// via TID/Tree-ID"). Called by the TREE_CONNECT external handler.
func (s *Seam) TreeConnect(sess *session.Session, principal share.Principal, shareName string) (tid uint32, sh *share.Share, canWrite bool, err error) {
	sh, canWrite, err = s.Shares.Authorize(principal, shareName)
	if err != nil {
		s.Metrics.IncShareAuthDenied()
		return 0, nil, false, err
	}

	tid, err = sess.TreeIDs.Acquire()
	if err != nil {
		s.Shares.Release(sh)
		return 0, nil, false, fmt.Errorf("dispatch: allocating tid: %w", err)
	}

	sess.BindTree(tid, sh, canWrite)
	return tid, sh, canWrite, nil
}

// TreeDisconnect unbinds the TreeConnection for tid from sess, releases the
// share's tree-connect accounting and the tid back to sess's allocator, and
// fires a fire-and-forget TREE_DISCONNECT_REQ to the daemon per the IPC
// contract.
func (s *Seam) TreeDisconnect(sess *session.Session, tid uint32) error {
	tc, err := sess.UnbindTree(tid)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTreeExpired, err)
	}
	s.Shares.Release(tc.Share)
	if err := sess.TreeIDs.Release(tid); err != nil {
		logger.Warn("dispatch: releasing tid", "tid", tid, "error", err)
	}
	_ = s.Bridge.Notify(ipc.TreeDisconnectReq, nil)
	return nil
}
