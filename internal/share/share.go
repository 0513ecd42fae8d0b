// Package share implements the in-memory share registry: exported shares
// with their configuration attributes and access lists, caseless name
// resolution, host/user authorization, and veto-file filtering.
package share

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

// IPCShareName is the always-present, path-less administrative share.
const IPCShareName = "IPC$"

// ipcTID is the fixed tree ID reserved for the IPC$ share.
const ipcTID = 1

// Share is one exported share and its access-control configuration.
type Share struct {
	Name string
	Path string // empty for IPC$

	Available  bool
	Browsable  bool
	GuestOK    bool
	GuestOnly  bool
	Oplocks    bool
	ReadOnly   bool
	WriteOK    bool
	StoreDOS   bool
	Writeable  bool
	MaxConns   int
	Comment    string
	TID        uint16 // SMB1 fallback TID; IPC$ is always 1

	AllowHosts   []string
	DenyHosts    []string
	ValidUsers   []string
	InvalidUsers []string
	ReadList     []string
	WriteList    []string

	VetoFilters []VetoFilter

	mu      sync.Mutex
	tcount  int
}

// connCount returns the live tree-connect count under the share's lock.
func (s *Share) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcount
}

func (s *Share) incr() { s.mu.Lock(); s.tcount++; s.mu.Unlock() }
func (s *Share) decr() {
	s.mu.Lock()
	if s.tcount > 0 {
		s.tcount--
	}
	s.mu.Unlock()
}

var (
	ErrAccessDenied = fmt.Errorf("share: access denied")
	ErrNotFound     = fmt.Errorf("share: not found")
	ErrExists       = fmt.Errorf("share: already exists")
	ErrVetoed       = fmt.Errorf("share: name vetoed")
	ErrBusy         = fmt.Errorf("share: share has active tree connects")
)

// Registry is the process-wide table of shares, guarded by a coarse lock;
// authorization holds it only for the name lookup, then locks only the
// per-share tcount.
type Registry struct {
	mu     sync.Mutex
	shares map[string]*Share // keyed by lowercased name
}

// NewRegistry returns a Registry pre-seeded with the IPC$ share.
func NewRegistry() *Registry {
	r := &Registry{shares: make(map[string]*Share)}
	r.shares[strings.ToLower(IPCShareName)] = &Share{
		Name:      IPCShareName,
		Available: true,
		GuestOK:   true,
		TID:       ipcTID,
	}
	return r
}

// AddShare registers a new share. Names compare case-insensitively and must
// be unique; re-adding a removed name is valid and yields a share with a
// fresh tcount of zero.
func (r *Registry) AddShare(s *Share) error {
	key := strings.ToLower(s.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.shares[key]; exists {
		return fmt.Errorf("%w: %s", ErrExists, s.Name)
	}
	r.shares[key] = s
	return nil
}

// RemoveShare drops a share. A share with active tree connects (tcount > 0)
// cannot be removed; mutation of share config is only safe while tcount==0.
func (r *Registry) RemoveShare(name string) error {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shares[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if s.connCount() > 0 {
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	delete(r.shares, key)
	return nil
}

// LookupShare resolves a share by case-insensitive name.
func (r *Registry) LookupShare(name string) (*Share, error) {
	r.mu.Lock()
	s, ok := r.shares[strings.ToLower(name)]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s, nil
}

// Principal is the authenticated identity and peer address presented at
// tree-connect time.
type Principal struct {
	Username string
	Guest    bool
	PeerAddr net.Addr
}

// Authorize implements the component's authorization order: host check,
// then guest/invalid/valid user checks with writeable demotion/promotion.
// On success it increments the share's tree-connect count; callers must call
// Release when the TreeConnection is torn down.
func (r *Registry) Authorize(p Principal, shareName string) (s *Share, canWrite bool, err error) {
	s, err = r.LookupShare(shareName)
	if err != nil {
		return nil, false, err
	}

	if err := checkHosts(s, p.PeerAddr); err != nil {
		return nil, false, err
	}

	canWrite, err = checkUsers(s, p)
	if err != nil {
		return nil, false, err
	}

	s.incr()
	return s, canWrite, nil
}

// Release decrements the share's tree-connect count on tree disconnect.
func (r *Registry) Release(s *Share) { s.decr() }

func checkHosts(s *Share, peer net.Addr) error {
	addr := hostOf(peer)
	if len(s.AllowHosts) > 0 {
		if !containsToken(s.AllowHosts, addr) {
			return fmt.Errorf("%w: host %s not in allow list", ErrAccessDenied, addr)
		}
		return nil
	}
	if len(s.DenyHosts) > 0 && containsToken(s.DenyHosts, addr) {
		return fmt.Errorf("%w: host %s denied", ErrAccessDenied, addr)
	}
	return nil
}

func checkUsers(s *Share, p Principal) (bool, error) {
	if s.GuestOK {
		return s.Writeable, nil
	}
	if containsToken(s.InvalidUsers, p.Username) {
		return false, fmt.Errorf("%w: user %s is invalid for this share", ErrAccessDenied, p.Username)
	}

	canWrite := s.Writeable
	if containsToken(s.ReadList, p.Username) {
		canWrite = false
	}
	if containsToken(s.WriteList, p.Username) {
		canWrite = true
	}

	if len(s.ValidUsers) > 0 && !containsToken(s.ValidUsers, p.Username) {
		return false, fmt.Errorf("%w: user %s not in valid users", ErrAccessDenied, p.Username)
	}
	return canWrite, nil
}

func containsToken(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
