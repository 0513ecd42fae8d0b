package handle

import "github.com/google/uuid"

// NewCreateGUID returns a fresh 16-byte create-GUID for a new durable-capable
// open, per spec §3 FileHandle.CreateGUID. The client supplies its own
// ClientGUID on the wire; this is only for opens the core itself originates
// (e.g. synthesizing a create GUID for a reconnect test harness).
func NewCreateGUID() [16]byte {
	return uuid.New()
}
