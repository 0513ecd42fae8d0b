// Package handle implements the file/handle table: a per-session volatile
// FID table, a process-wide persistent-ID table for durable/resilient
// reopen, and global inode coordination records shared across handles on
// the same underlying file.
package handle

import (
	"fmt"
	"sync"
	"time"
)

// Reserved FID values, never allocated.
const (
	ReservedFID    = 0
	InvalidFIDWide = 0xFFFFFFFF
	startFID       = 1
	bitmapSize     = 0xFFFF
)

// State is a FileHandle's lifecycle state.
type State int

const (
	StateNew State = iota
	StateFreeing
)

// DeleteFlags are the stream-delete bits carried on the owning Inode.
type DeleteFlags int

const (
	DeletePending        DeleteFlags = 1 << 0
	DeleteOnClose        DeleteFlags = 1 << 1
	DeleteOnCloseStream  DeleteFlags = 1 << 3
)

var (
	ErrTooManyOpen  = fmt.Errorf("handle: too many open files")
	ErrInvalid      = fmt.Errorf("handle: invalid handle reference")
	ErrNotFound     = fmt.Errorf("handle: not found")
)

// Inode is the global coordination record for one underlying filesystem
// inode, keyed by an opaque inode identity. The first FileHandle on an inode
// creates the record; subsequent handles increment its reference count. All
// delete-on-close semantics and oplock/lease state live here, executed by
// the last releaser.
type Inode struct {
	Key        any // opaque identity of the underlying inode
	mu         sync.Mutex
	refCount   int
	openCount  int
	flags      DeleteFlags
	handles    map[uint32]*FileHandle // keyed by volatile FID, for m_fp_list
	HasLease   bool
	StreamName string
	OpInfo     *OplockInfo
}

// OplockInfo is an opaque placeholder for oplock/lease break state; the
// break protocol itself is driven by the external PDU handler seam.
type OplockInfo struct {
	Level byte
}

func newInode(key any) *Inode {
	return &Inode{Key: key, handles: make(map[uint32]*FileHandle)}
}

func (i *Inode) attach(f *FileHandle) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refCount++
	i.openCount++
	i.handles[f.VolatileID] = f
}

// release decrements the record and reports whether it became unreferenced.
func (i *Inode) release(f *FileHandle) (empty bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.handles, f.VolatileID)
	i.refCount--
	i.openCount--
	return i.refCount <= 0
}

// RefCount returns the live reference count, for the f.ref_count ==
// |m_fp_list| invariant check in tests.
func (i *Inode) RefCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refCount
}

// SetFlag sets one or more delete-flag bits.
func (i *Inode) SetFlag(f DeleteFlags) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.flags |= f
}

// HasFlag reports whether a delete-flag bit is set.
func (i *Inode) HasFlag(f DeleteFlags) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.flags&f != 0
}

// FileHandle (FP) is one open file handle: volatile-id within its owning
// session, and, if durable, a persistent-id in the process-wide table.
type FileHandle struct {
	VolatileID   uint32
	PersistentID uint64

	Inode *Inode

	StreamName string
	LockList   []Lock

	DesiredAccess uint32
	ShareAccess   uint32
	CreateOptions uint32
	Disposition   uint32
	Attributes    uint32
	CreatedAt     time.Time

	Durable    bool
	Resilient  bool
	Persistent bool

	DeleteOnClose bool

	ClientGUID    [16]byte
	CreateGUID    [16]byte
	AppInstanceID [16]byte
	DurableTimeout time.Duration

	state State
	mu    sync.Mutex

	// detachedAt is set when a durable handle's owning connection drops;
	// the handle survives, timer-armed, until DurableTimeout elapses.
	detachedAt time.Time
	detached   bool
}

// Lock is one byte-range lock held by a FileHandle.
type Lock struct {
	Start, End uint64
	Exclusive  bool
}

func (f *FileHandle) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *FileHandle) getState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Reset clears f for reuse from a FileHandlePool. Callers must not reuse f
// while it is still installed in a SessionTable, PersistentTable, or Inode
// handle list.
func (f *FileHandle) Reset() {
	*f = FileHandle{}
}

// SessionTable is the per-session volatile FID table: a growable array
// indexed by volatile FID, starting at FID 1, protected by a mutex. The
// lowest free FID is found by a linear scan of the slots.
type SessionTable struct {
	mu      sync.Mutex
	slots   []*FileHandle // index 0 unused (FID 0 reserved)
	maxFids int
}

// NewSessionTable returns an empty per-session FID table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		slots:   make([]*FileHandle, startFID+256),
		maxFids: startFID + 256,
	}
}

// Open atomically allocates the lowest-free FID, installs f fully
// initialized (never a half-initialized handle is visible), and returns the
// assigned FID.
func (t *SessionTable) Open(f *FileHandle) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := startFID; i < len(t.slots); i++ {
		if t.slots[i] == nil {
			f.VolatileID = uint32(i)
			f.setState(StateNew)
			t.slots[i] = f
			if f.Inode != nil {
				f.Inode.attach(f)
			}
			return uint32(i), nil
		}
	}

	if len(t.slots) >= bitmapSize {
		return 0, ErrTooManyOpen
	}
	newLen := len(t.slots) * 2
	if newLen > bitmapSize {
		newLen = bitmapSize
	}
	grown := make([]*FileHandle, newLen)
	copy(grown, t.slots)
	firstNew := len(t.slots)
	t.slots = grown
	t.maxFids = newLen

	f.VolatileID = uint32(firstNew)
	f.setState(StateNew)
	t.slots[firstNew] = f
	if f.Inode != nil {
		f.Inode.attach(f)
	}
	return uint32(firstNew), nil
}

// Lookup returns the handle at fid, or nil if absent or FREEING. Concurrent
// lookups of a FREEING handle return nil per the component contract.
func (t *SessionTable) Lookup(fid uint32) *FileHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(fid) >= len(t.slots) {
		return nil
	}
	f := t.slots[fid]
	if f == nil || f.getState() == StateFreeing {
		return nil
	}
	return f
}

// Close marks the handle FREEING under the table lock, then the caller
// performs cleanup outside it. Closing an already-FREEING FID is an
// idempotent success.
func (t *SessionTable) Close(fid uint32) (*FileHandle, error) {
	t.mu.Lock()
	if int(fid) >= len(t.slots) || t.slots[fid] == nil {
		t.mu.Unlock()
		return nil, ErrNotFound
	}
	f := t.slots[fid]
	if f.getState() == StateFreeing {
		t.mu.Unlock()
		return f, nil // idempotent
	}
	f.setState(StateFreeing)
	t.slots[fid] = nil
	t.mu.Unlock()

	if f.Inode != nil {
		f.Inode.release(f)
	}
	return f, nil
}

// PersistentTable is the process-wide table of durable/persistent handles,
// indexed by 64-bit persistent-id.
type PersistentTable struct {
	mu      sync.Mutex
	byID    map[uint64]*FileHandle
	byGUID  map[[32]byte]*FileHandle // client_guid||create_guid
	nextID  uint64
}

// NewPersistentTable returns an empty process-wide persistent-ID table.
func NewPersistentTable() *PersistentTable {
	return &PersistentTable{
		byID:   make(map[uint64]*FileHandle),
		byGUID: make(map[[32]byte]*FileHandle),
		nextID: 1,
	}
}

// Insert registers f as durable, assigning a fresh persistent-id.
// Collision with an existing id is an internal invariant violation.
func (p *PersistentTable) Insert(f *FileHandle) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	if _, exists := p.byID[id]; exists {
		return 0, ErrInvalid
	}
	f.PersistentID = id
	f.Durable = true
	p.byID[id] = f
	p.byGUID[guidKey(f.ClientGUID, f.CreateGUID)] = f
	return id, nil
}

// Lookup resolves a durable handle by persistent-id.
func (p *PersistentTable) Lookup(id uint64) (*FileHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f, nil
}

// Detach marks f as detached from its connection (client disconnected) and
// records now as the start of its DurableTimeout window. The handle is NOT
// destroyed; no timer is started, expiry is checked by Reconnect and
// ExpireDetached.
func (p *PersistentTable) Detach(f *FileHandle, now time.Time) {
	f.mu.Lock()
	f.detached = true
	f.detachedAt = now
	f.mu.Unlock()
}

// Reconnect re-binds a detached durable handle to a new session, keyed by
// client-GUID + create-GUID, provided it has not exceeded DurableTimeout.
func (p *PersistentTable) Reconnect(clientGUID, createGUID [16]byte, now time.Time) (*FileHandle, error) {
	p.mu.Lock()
	f, ok := p.byGUID[guidKey(clientGUID, createGUID)]
	p.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.detached {
		return nil, ErrInvalid
	}
	if now.Sub(f.detachedAt) > f.DurableTimeout {
		return nil, ErrNotFound
	}
	f.detached = false
	return f, nil
}

// ExpireDetached removes a detached handle whose durable timeout has
// elapsed from the persistent table and reports whether it did so. It does
// not remove f from its SessionTable or release its Inode.
func (p *PersistentTable) ExpireDetached(f *FileHandle, now time.Time) bool {
	f.mu.Lock()
	expired := f.detached && now.Sub(f.detachedAt) > f.DurableTimeout
	f.mu.Unlock()
	if !expired {
		return false
	}

	p.mu.Lock()
	delete(p.byID, f.PersistentID)
	delete(p.byGUID, guidKey(f.ClientGUID, f.CreateGUID))
	p.mu.Unlock()
	return true
}

func guidKey(client, create [16]byte) [32]byte {
	var k [32]byte
	copy(k[:16], client[:])
	copy(k[16:], create[:])
	return k
}

// GetFP resolves a handle, preferring persistent-id (pid) when non-zero over
// the volatile-id (vid); a non-zero pid that doesn't match the vid's handle
// is ERR_INVALID per the component's lookup seam.
func GetFP(sessionTable *SessionTable, persistentTable *PersistentTable, vid uint32, pid uint64) (*FileHandle, error) {
	if pid != 0 {
		f, err := persistentTable.Lookup(pid)
		if err != nil {
			return nil, err
		}
		if vid != 0 && f.VolatileID != vid {
			return nil, ErrInvalid
		}
		return f, nil
	}
	f := sessionTable.Lookup(vid)
	if f == nil {
		return nil, ErrNotFound
	}
	return f, nil
}

// NewInode returns an unreferenced Inode record for key. The caller attaches
// it to a FileHandle via SessionTable.Open, which calls attach internally.
func NewInode(key any) *Inode { return newInode(key) }
