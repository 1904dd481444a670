package resolver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ikenchina/fdwxact/define"
)

var (
	ErrAlreadyCovered = errors.New("database already has a resolver")
	ErrNoResolver     = errors.New("no resolver is running on the database")
)

// Slot is a resolver's entry in the slot table. Fields are guarded by the
// table lock.
type Slot struct {
	index              int
	gen                uint64
	pid                int64
	dbid               uint32
	inUse              bool
	stopping           bool
	startTime          time.Time
	lastResolutionTime time.Time
	handle             Handle
	wake               chan Event
	freed              chan struct{}
}

// ResolverStat is one row of the resolver activity view.
type ResolverStat struct {
	Pid                int64     `json:"pid"`
	DbId               uint32    `json:"dbid"`
	StartTime          time.Time `json:"start_time"`
	LastResolutionTime time.Time `json:"last_resolution_time,omitempty"`
}

// SlotTable is the fixed set of resolver slots. A database is covered by at
// most one slot in use.
type SlotTable struct {
	mu    sync.Mutex
	slots []*Slot
	free  []int
	byDb  map[uint32]*Slot
}

func NewSlotTable(size int) *SlotTable {
	t := &SlotTable{
		slots: make([]*Slot, size),
		free:  make([]int, 0, size),
		byDb:  make(map[uint32]*Slot, size),
	}
	for i := size - 1; i >= 0; i-- {
		t.slots[i] = &Slot{index: i}
		t.free = append(t.free, i)
	}
	return t
}

func (t *SlotTable) Size() int {
	return len(t.slots)
}

// Assign reserves a free slot for dbid.
func (t *SlotTable) Assign(dbid uint32) (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byDb[dbid]; ok {
		return nil, ErrAlreadyCovered
	}
	if len(t.free) == 0 {
		return nil, fmt.Errorf("%w : out of resolver slots, limit is %d", define.ErrResourceExhausted, len(t.slots))
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := t.slots[idx]
	s.gen++
	s.pid = 0
	s.dbid = dbid
	s.inUse = true
	s.stopping = false
	s.startTime = time.Now()
	s.lastResolutionTime = time.Time{}
	s.handle = nil
	s.wake = make(chan Event, 1)
	s.freed = make(chan struct{})
	t.byDb[dbid] = s
	return s, nil
}

// Bind records the handle of the worker started for assignment gen of s.
func (t *SlotTable) Bind(s *Slot, gen uint64, h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.inUse && s.gen == gen {
		s.handle = h
	}
}

// Attach binds the worker pid to slot index. It fails when the slot was freed
// before the worker got to run.
func (t *SlotTable) Attach(index int, pid int64) (*Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) {
		return nil, fmt.Errorf("resolver slot %d out of range", index)
	}
	s := t.slots[index]
	if !s.inUse || s.pid != 0 {
		return nil, fmt.Errorf("resolver slot %d is empty, cannot attach", index)
	}
	s.pid = pid
	return s, nil
}

// Free releases s if pid still owns it. pid 0 frees a slot whose worker never
// attached.
func (t *SlotTable) Free(s *Slot, pid int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !s.inUse || s.pid != pid {
		return false
	}
	delete(t.byDb, s.dbid)
	s.inUse = false
	s.pid = 0
	s.handle = nil
	close(s.freed)
	t.free = append(t.free, s.index)
	return true
}

// Lookup returns the wake channel and handle of the slot covering dbid.
func (t *SlotTable) Lookup(dbid uint32) (wake chan Event, h Handle, freed <-chan struct{}, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byDb[dbid]
	if !ok {
		return nil, nil, nil, false
	}
	return s.wake, s.handle, s.freed, true
}

// RequestStop marks the slot covering dbid for shutdown and wakes its worker.
// The mark holds even when the wake channel already has a pending event.
func (t *SlotTable) RequestStop(dbid uint32) (h Handle, freed <-chan struct{}, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byDb[dbid]
	if !ok {
		return nil, nil, false
	}
	s.stopping = true
	notify(s.wake, Shutdown)
	return s.handle, s.freed, true
}

func (t *SlotTable) Stopping(s *Slot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.stopping
}

// Covered reports whether a slot serves dbid.
func (t *SlotTable) Covered(dbid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byDb[dbid]
	return ok
}

func (t *SlotTable) SetLastResolution(s *Slot, at time.Time) {
	t.mu.Lock()
	s.lastResolutionTime = at
	t.mu.Unlock()
}

func (t *SlotTable) LastResolution(s *Slot) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.lastResolutionTime
}

// Broadcast sends ev to every attached worker.
func (t *SlotTable) Broadcast(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.inUse {
			notify(s.wake, ev)
		}
	}
}

// Handles returns the handles of all running workers.
func (t *SlotTable) Handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.slots))
	for _, s := range t.slots {
		if s.inUse && s.handle != nil {
			out = append(out, s.handle)
		}
	}
	return out
}

// Stats lists attached workers.
func (t *SlotTable) Stats() []ResolverStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ResolverStat, 0, len(t.slots))
	for _, s := range t.slots {
		if !s.inUse || s.pid == 0 {
			continue
		}
		out = append(out, ResolverStat{
			Pid:                s.pid,
			DbId:               s.dbid,
			StartTime:          s.startTime,
			LastResolutionTime: s.lastResolutionTime,
		})
	}
	return out
}
