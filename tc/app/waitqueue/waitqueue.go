package waitqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/ikenchina/fdwxact/common/metrics"
)

var (
	ErrAlreadyQueued = errors.New("waiter is already queued")
)

var (
	waitersGauge = metrics.NewGaugeVec("fdwxact", "waitqueue", "waiters", "callers waiting for resolution", []string{})
)

const (
	stateNew = iota
	stateQueued
	stateProcessing
	stateDone
)

// Waiter is a local caller blocked until the remote branches of its
// transaction are resolved.
type Waiter struct {
	Xid            uint64
	DbId           uint32
	Owner          int64
	ResolutionTime time.Time

	seq   uint64
	state int
	err   error
	done  chan struct{}
}

func NewWaiter(xid uint64, dbid uint32, owner int64) *Waiter {
	return &Waiter{
		Xid:   xid,
		DbId:  dbid,
		Owner: owner,
		done:  make(chan struct{}),
	}
}

// Wait blocks until a resolver completes the waiter or ctx is done. The error
// is the resolution error, or ctx.Err() when the caller gave up.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the waiter is completed.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

func lessWaiter(a, b *Waiter) bool {
	if !a.ResolutionTime.Equal(b.ResolutionTime) {
		return a.ResolutionTime.Before(b.ResolutionTime)
	}
	return a.seq < b.seq
}

// Queue orders waiters per database by resolution time.
type Queue struct {
	mu    sync.Mutex
	seq   uint64
	trees map[uint32]*btree.BTreeG[*Waiter]
	byXid map[uint64]*Waiter
}

func New() *Queue {
	return &Queue{
		trees: make(map[uint32]*btree.BTreeG[*Waiter]),
		byXid: make(map[uint64]*Waiter),
	}
}

func (q *Queue) tree(dbid uint32) *btree.BTreeG[*Waiter] {
	t, ok := q.trees[dbid]
	if !ok {
		t = btree.NewBTreeG(lessWaiter)
		q.trees[dbid] = t
	}
	return t
}

// Enqueue schedules w at its ResolutionTime, or now when unset.
func (q *Queue) Enqueue(w *Waiter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.state != stateNew {
		return ErrAlreadyQueued
	}
	if _, ok := q.byXid[w.Xid]; ok {
		return ErrAlreadyQueued
	}
	if w.ResolutionTime.IsZero() {
		w.ResolutionTime = time.Now()
	}
	q.seq++
	w.seq = q.seq
	w.state = stateQueued
	q.tree(w.DbId).Set(w)
	q.byXid[w.Xid] = w
	waitersGauge.Inc()
	return nil
}

// NextDue pops the earliest waiter of dbid whose time has come. Otherwise it
// returns the time the next waiter is due, zero when there is none.
func (q *Queue) NextDue(dbid uint32, now time.Time) (*Waiter, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.trees[dbid]
	if !ok {
		return nil, time.Time{}
	}
	w, ok := t.Min()
	if !ok {
		return nil, time.Time{}
	}
	if w.ResolutionTime.After(now) {
		return nil, w.ResolutionTime
	}
	t.Delete(w)
	w.state = stateProcessing
	return w, time.Time{}
}

// Reschedule puts a popped waiter back at the given time.
func (q *Queue) Reschedule(w *Waiter, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.state != stateProcessing {
		return
	}
	w.ResolutionTime = at
	w.state = stateQueued
	q.tree(w.DbId).Set(w)
}

// Complete removes w and wakes its caller with err.
func (q *Queue) Complete(w *Waiter, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completeLocked(w, err)
}

func (q *Queue) completeLocked(w *Waiter, err error) {
	if w.state == stateDone {
		return
	}
	if w.state == stateQueued {
		q.tree(w.DbId).Delete(w)
	}
	if q.byXid[w.Xid] == w {
		delete(q.byXid, w.Xid)
	}
	w.state = stateDone
	w.err = err
	close(w.done)
	waitersGauge.Dec()
}

// Cancel drops a waiter whose caller stopped waiting. It reports false when a
// resolver already owns it.
func (q *Queue) Cancel(w *Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.state != stateQueued {
		return false
	}
	q.completeLocked(w, context.Canceled)
	return true
}

// Lookup returns the waiter registered for xid.
func (q *Queue) Lookup(xid uint64) (*Waiter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.byXid[xid]
	return w, ok
}

// HasWaiter reports whether dbid has queued or in-flight waiters.
func (q *Queue) HasWaiter(dbid uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hasWaiterLocked(dbid)
}

func (q *Queue) hasWaiterLocked(dbid uint32) bool {
	for _, w := range q.byXid {
		if w.DbId == dbid {
			return true
		}
	}
	return false
}

// DetachIfIdle runs detach under the queue lock when dbid has no waiter, so
// no waiter can be enqueued between the check and the detach.
func (q *Queue) DetachIfIdle(dbid uint32, detach func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.hasWaiterLocked(dbid) {
		return false
	}
	detach()
	if t, ok := q.trees[dbid]; ok && t.Len() == 0 {
		delete(q.trees, dbid)
	}
	return true
}

// Databases lists databases with queued waiters.
func (q *Queue) Databases() []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]uint32, 0, len(q.trees))
	for dbid, t := range q.trees {
		if t.Len() > 0 {
			out = append(out, dbid)
		}
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byXid)
}
