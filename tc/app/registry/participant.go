package registry

import (
	"sync"

	"github.com/ikenchina/fdwxact/define"
)

type participantKey struct {
	xid        uint64
	endpoint   uint32
	credential uint32
}

// Participant is one remote branch of a local transaction. Identity fields are
// fixed at registration; the rest is guarded by mu.
type Participant struct {
	LocalXid     uint64
	Owner        int64
	DbId         uint32
	EndpointId   uint32
	CredentialId uint32
	Identifier   string

	mu           sync.Mutex
	slot         int
	status       define.Status
	logStart     int64
	logEnd       int64
	valid        bool
	lockedBy     int64
	onDisk       bool
	inRecovery   bool
	inDoubt      bool
	inProcessing bool
	removed      bool
}

func (p *Participant) key() participantKey {
	return participantKey{xid: p.LocalXid, endpoint: p.EndpointId, credential: p.CredentialId}
}

func (p *Participant) Status() define.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Participant) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valid && !p.removed
}

func (p *Participant) LockedBy() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lockedBy
}

// LogOffsets returns the [start, end) offsets of the participant's insert record.
func (p *Participant) LogOffsets() (int64, int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logStart, p.logEnd
}

// setStatus moves to st when the transition is allowed. Caller holds mu.
func (p *Participant) setStatus(st define.Status) bool {
	if !p.status.CanMoveTo(st) {
		return false
	}
	p.status = st
	return true
}

// eligibleLocked reports whether holder may take the participant. Caller holds mu.
func (p *Participant) eligibleLocked(holder int64) bool {
	if !p.valid || p.removed || p.inProcessing {
		return false
	}
	return p.lockedBy == 0 || p.lockedBy == holder
}

// View is a point-in-time copy of a participant for listings.
type View struct {
	DbId         uint32        `json:"dbid"`
	LocalXid     uint64        `json:"xid"`
	EndpointId   uint32        `json:"endpoint"`
	CredentialId uint32        `json:"credential"`
	Status       define.Status `json:"status"`
	Identifier   string        `json:"identifier"`
	InRecovery   bool          `json:"in_recovery"`
	InDoubt      bool          `json:"in_doubt"`
	OnDisk       bool          `json:"on_disk"`
	Locked       bool          `json:"locked"`
	InProcessing bool          `json:"in_processing"`
}

func (p *Participant) view() View {
	return View{
		DbId:         p.DbId,
		LocalXid:     p.LocalXid,
		EndpointId:   p.EndpointId,
		CredentialId: p.CredentialId,
		Status:       p.status,
		Identifier:   p.Identifier,
		InRecovery:   p.inRecovery,
		InDoubt:      p.inDoubt,
		OnDisk:       p.onDisk,
		Locked:       p.lockedBy != 0,
		InProcessing: p.inProcessing,
	}
}

// Criteria selects participants; zero fields match anything.
type Criteria struct {
	LocalXid     uint64 `json:"xid" form:"xid"`
	DbId         uint32 `json:"dbid" form:"dbid"`
	EndpointId   uint32 `json:"endpoint" form:"endpoint"`
	CredentialId uint32 `json:"credential" form:"credential"`
}

func (c Criteria) match(p *Participant) bool {
	return (c.LocalXid == 0 || c.LocalXid == p.LocalXid) &&
		(c.DbId == 0 || c.DbId == p.DbId) &&
		(c.EndpointId == 0 || c.EndpointId == p.EndpointId) &&
		(c.CredentialId == 0 || c.CredentialId == p.CredentialId)
}
