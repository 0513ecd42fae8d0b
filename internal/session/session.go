// Package session implements the process-wide user/session table: 64-bit
// session identifiers, SMB3 key material, multi-channel binding, and each
// session's private tree-connect ID allocator.
package session

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensmbd/ksmbd-core/internal/ida"
	"github.com/opensmbd/ksmbd-core/internal/protocol/smb/signing"
	"github.com/opensmbd/ksmbd-core/internal/share"
)

// Dialect flags a session is fixed to at creation and never changed.
type Dialect int

const (
	SMB1 Dialect = iota
	SMB2
)

// Channel is one (connection, per-channel signing key) pair bound to a
// session for SMB3 multi-channel. A request arriving on any bound channel
// is accepted.
type Channel struct {
	ConnID      string // the owning Connection's identity, opaque to this package
	SigningKey  []byte
	BoundAt     time.Time
}

// TreeConnection binds this session to a Share under a tree-connect ID
// drawn from the session's TID allocator (spec.md §3 TreeConnection).
type TreeConnection struct {
	TID      uint32
	Share    *share.Share
	Writable bool
}

// ErrTreeNotFound is returned when a TID does not name a live tree
// connection on this session.
var ErrTreeNotFound = fmt.Errorf("session: tree connection not found")

// KeySize is the fixed size of SMB3 signing/encryption/decryption keys.
const KeySize = 16

// PreauthHashSize is the fixed size of the SMB 3.1.1 preauthentication hash.
const PreauthHashSize = 64

// Session is one authenticated SMB session, addressable from every Channel
// bound to it. It stays in the Table until Table.Destroy removes it;
// unbinding its last Channel does not destroy it.
type Session struct {
	ID         uint64
	Flags      Dialect // fixed at creation, never changed
	Username   string
	Domain     string
	Guest      bool
	Anonymous  bool
	CreatedAt  time.Time

	SigningKey    [KeySize]byte
	EncryptionKey [KeySize]byte
	DecryptionKey [KeySize]byte
	PreauthHash   [PreauthHashSize]byte
	NTLMSSPBlob   []byte

	Signed    atomic.Bool
	Encrypted atomic.Bool

	sequenceNumber atomic.Uint64

	// TreeIDs allocates tree-connect IDs within this session, using the
	// TID allocator flavor matching the session's fixed dialect.
	TreeIDs *ida.Allocator

	mu       sync.RWMutex
	channels []*Channel
	rpc      []uint64 // open RPC pipe handles

	treesMu sync.RWMutex
	trees   map[uint32]*TreeConnection
}

// NextSequenceNumber returns the next outbound SMB2 message sequence number.
func (s *Session) NextSequenceNumber() uint64 {
	return s.sequenceNumber.Add(1) - 1
}

// BindChannel adds a channel to the session's channel list.
func (s *Session) BindChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, ch)
}

// UnbindChannel removes a channel (by ConnID) from the session's channel
// list, reporting whether any channels remain bound.
func (s *Session) UnbindChannel(connID string) (remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.channels[:0]
	for _, ch := range s.channels {
		if ch.ConnID != connID {
			kept = append(kept, ch)
		}
	}
	s.channels = kept
	return len(s.channels)
}

// Channels returns a snapshot of the currently bound channels.
func (s *Session) Channels() []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// BindTree records a TreeConnection under tid in this session's tree-connect
// list, addressable from the session for later FID/tree resolution.
func (s *Session) BindTree(tid uint32, sh *share.Share, writable bool) *TreeConnection {
	tc := &TreeConnection{TID: tid, Share: sh, Writable: writable}
	s.treesMu.Lock()
	defer s.treesMu.Unlock()
	if s.trees == nil {
		s.trees = make(map[uint32]*TreeConnection)
	}
	s.trees[tid] = tc
	return tc
}

// LookupTree resolves a tree-connect ID to its TreeConnection.
func (s *Session) LookupTree(tid uint32) (*TreeConnection, error) {
	s.treesMu.RLock()
	defer s.treesMu.RUnlock()
	tc, ok := s.trees[tid]
	if !ok {
		return nil, fmt.Errorf("%w: tid %d", ErrTreeNotFound, tid)
	}
	return tc, nil
}

// UnbindTree removes and returns the TreeConnection for tid, as on explicit
// tree-disconnect.
func (s *Session) UnbindTree(tid uint32) (*TreeConnection, error) {
	s.treesMu.Lock()
	defer s.treesMu.Unlock()
	tc, ok := s.trees[tid]
	if !ok {
		return nil, fmt.Errorf("%w: tid %d", ErrTreeNotFound, tid)
	}
	delete(s.trees, tid)
	return tc, nil
}

// AddRPCHandle records an open DCE/RPC pipe handle owned by this session.
func (s *Session) AddRPCHandle(handle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpc = append(s.rpc, handle)
}

// RemoveRPCHandle drops a closed RPC pipe handle.
func (s *Session) RemoveRPCHandle(handle uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rpc[:0]
	for _, h := range s.rpc {
		if h != handle {
			kept = append(kept, h)
		}
	}
	s.rpc = kept
}

var (
	ErrNotFound = fmt.Errorf("session: not found")
)

// Table is the process-wide, hash-indexed session table keyed by 64-bit
// session id: a Go map guarded by a single RWMutex for the whole table.
type Table struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   atomic.Uint64
}

// NewTable returns an empty session table. Session ids start from 1; 0 is
// reserved to mean "no session" at the wire-protocol layer.
func NewTable() *Table {
	t := &Table{sessions: make(map[uint64]*Session)}
	t.nextID.Store(1)
	return t
}

// CreateSMB1 creates a session fixed to the SMB1 dialect, with an SMB1-TID
// tree-connect allocator.
func (t *Table) CreateSMB1(username, domain string, guest bool) *Session {
	return t.create(SMB1, ida.NewSMB1TID(), username, domain, guest)
}

// CreateSMB2 creates a session fixed to the SMB2/SMB3 dialect, with an
// SMB2-ID tree-connect allocator.
func (t *Table) CreateSMB2(username, domain string, guest bool) *Session {
	return t.create(SMB2, ida.NewSMB2ID(), username, domain, guest)
}

func (t *Table) create(flags Dialect, tids *ida.Allocator, username, domain string, guest bool) *Session {
	id := t.nextID.Add(1) - 1

	s := &Session{
		ID:        id,
		Flags:     flags,
		Username:  username,
		Domain:    domain,
		Guest:     guest,
		Anonymous: username == "" && !guest,
		CreatedAt: time.Now(),
		TreeIDs:   tids,
		trees:     make(map[uint32]*TreeConnection),
	}

	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()
	return s
}

// Lookup resolves a session by id.
func (t *Table) Lookup(id uint64) (*Session, error) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return s, nil
}

// Destroy removes a session from the table.
func (t *Table) Destroy(s *Session) {
	t.mu.Lock()
	delete(t.sessions, s.ID)
	t.mu.Unlock()
}

// Count returns the number of live sessions. For diagnostics.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// GeneratePreauthSeed fills dst with cryptographically random bytes, used to
// seed a fresh SMB 3.1.1 preauthentication hash chain.
func GeneratePreauthSeed(dst *[PreauthHashSize]byte) error {
	_, err := rand.Read(dst[:])
	return err
}

// DeriveSigningKey consumes a raw NTLM/SMB3 session key and returns the
// derived 16-byte signing key. The core only consumes derived key bytes; it
// does not implement the KDF itself (an external collaborator per scope).
func DeriveSigningKey(sessionKey []byte) *signing.SigningKey {
	return signing.NewSigningKey(sessionKey)
}
