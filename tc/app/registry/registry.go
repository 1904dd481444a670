package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/common/metrics"
	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/model"
)

var (
	ErrNotExist  = errors.New("foreign transaction participant does not exist")
	ErrNotHeld   = errors.New("foreign transaction participant is not held by the caller")
	ErrUndecided = errors.New("commit of foreign transaction participant was not decided")
	ErrConflict  = errors.New("foreign transaction participant is already being committed")
)

var (
	participantGauge  = metrics.NewGaugeVec("fdwxact", "registry", "participants", "registered foreign transaction participants", []string{"state"})
	resolutionCounter = metrics.NewCounterVec("fdwxact", "registry", "resolutions", "foreign transaction resolutions", []string{"outcome"})
)

// Outcome of a Resolve call.
type Outcome int

const (
	Failed Outcome = iota
	Resolved
	// the endpoint no longer knew the prepared transaction
	Missing
)

func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Missing:
		return "missing"
	}
	return "failed"
}

// RemoteResolver finishes a prepared transaction on its endpoint.
type RemoteResolver interface {
	ResolvePrepared(ctx context.Context, credentialId uint32, id string, commit bool) error
}

// Registry is the fixed capacity table of participants awaiting resolution.
//
// Lock order is mu, then Participant.mu. Neither is held across remote I/O.
type Registry struct {
	mu     sync.RWMutex
	slots  []*Participant
	free   []int
	active map[participantKey]*Participant

	log     model.ParticipantLog
	lastEnd int64
}

func New(log model.ParticipantLog, capacity int) *Registry {
	r := &Registry{
		slots:  make([]*Participant, capacity),
		free:   make([]int, 0, capacity),
		active: make(map[participantKey]*Participant, capacity),
		log:    log,
	}
	for i := capacity - 1; i >= 0; i-- {
		r.free = append(r.free, i)
	}
	return r
}

func (r *Registry) Capacity() int {
	return len(r.slots)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

func (r *Registry) loadLastEnd() int64 {
	return atomic.LoadInt64(&r.lastEnd)
}

func (r *Registry) noteOffset(end int64) {
	for {
		last := atomic.LoadInt64(&r.lastEnd)
		if end <= last || atomic.CompareAndSwapInt64(&r.lastEnd, last, end) {
			return
		}
	}
}

// insert takes a free slot for p. Caller holds mu exclusively.
func (r *Registry) insertLocked(p *Participant) error {
	k := p.key()
	if _, ok := r.active[k]; ok {
		return fmt.Errorf("%w : xid %d endpoint %d credential %d",
			define.ErrDuplicateParticipant, p.LocalXid, p.EndpointId, p.CredentialId)
	}
	if len(r.free) == 0 {
		return fmt.Errorf("%w : limit is %d", define.ErrCapacityExceeded, len(r.slots))
	}
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	p.slot = idx
	r.slots[idx] = p
	r.active[k] = p
	participantGauge.Set(float64(len(r.active)), "active")
	return nil
}

func (r *Registry) removeSlot(p *Participant) {
	r.mu.Lock()
	if r.slots[p.slot] == p {
		r.slots[p.slot] = nil
		r.free = append(r.free, p.slot)
		delete(r.active, p.key())
	}
	participantGauge.Set(float64(len(r.active)), "active")
	r.mu.Unlock()

	p.mu.Lock()
	p.removed = true
	p.valid = false
	p.inProcessing = false
	p.lockedBy = 0
	p.mu.Unlock()
}

// Register adds a participant locked by owner and durably logs it. The entry
// is not valid until the log append returns.
func (r *Registry) Register(ctx context.Context, owner int64, xid uint64, dbid, endpoint, credential uint32,
	identifier string) (*Participant, error) {
	p := &Participant{
		LocalXid:     xid,
		Owner:        owner,
		DbId:         dbid,
		EndpointId:   endpoint,
		CredentialId: credential,
		Identifier:   identifier,
		status:       define.StatusPreparing,
		lockedBy:     owner,
	}

	r.mu.Lock()
	err := r.insertLocked(p)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	start, end, err := r.log.AppendParticipantRecord(ctx, model.NewInsertRecord(xid, dbid, endpoint, credential, identifier))
	if err != nil {
		r.removeSlot(p)
		return nil, err
	}
	r.noteOffset(end)

	p.mu.Lock()
	p.logStart, p.logEnd, p.valid = start, end, true
	p.mu.Unlock()
	return p, nil
}

// MarkPrepared records that the remote prepare succeeded.
func (r *Registry) MarkPrepared(p *Participant) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removed {
		return ErrNotExist
	}
	if !p.setStatus(define.StatusPrepared) {
		return fmt.Errorf("cannot mark %s prepared from %s", p.Identifier, p.status)
	}
	return nil
}

// RecordDecision durably logs the outcome of xid, then moves its participants
// to Committing or Aborting.
func (r *Registry) RecordDecision(ctx context.Context, xid uint64, dbid uint32, commit bool) error {
	_, end, err := r.log.AppendParticipantRecord(ctx, model.NewDecisionRecord(xid, dbid, commit))
	if err != nil {
		return err
	}
	r.noteOffset(end)

	to := define.StatusAborting
	if commit {
		to = define.StatusCommitting
	}
	for _, p := range r.byXid(xid) {
		p.mu.Lock()
		if !p.setStatus(to) {
			logutil.Logger(ctx).Warn("participant keeps its status",
				zap.String("identifier", p.Identifier), zap.String("status", string(p.status)), zap.String("decision", string(to)))
		}
		p.mu.Unlock()
	}
	return nil
}

func (r *Registry) byXid(xid uint64) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Participant, 0, 2)
	for _, p := range r.active {
		if p.LocalXid == xid {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) collect(match func(p *Participant) bool) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Participant, 0)
	for _, p := range r.slots {
		if p != nil && match(p) {
			out = append(out, p)
		}
	}
	return out
}

// BeginResolution marks every participant of refs that holder may take as
// in-processing and returns them.
func (r *Registry) BeginResolution(refs []*Participant, holder int64) []*Participant {
	held := make([]*Participant, 0, len(refs))
	for _, p := range refs {
		p.mu.Lock()
		if p.eligibleLocked(holder) {
			p.inProcessing = true
			p.lockedBy = holder
			held = append(held, p)
		}
		p.mu.Unlock()
	}
	return held
}

// HoldForTransaction holds the participants of xid for holder.
func (r *Registry) HoldForTransaction(xid uint64, holder int64) []*Participant {
	return r.BeginResolution(r.byXid(xid), holder)
}

// HoldInDoubt holds the recovered or abandoned participants of dbid.
func (r *Registry) HoldInDoubt(dbid uint32, holder int64) []*Participant {
	refs := r.collect(func(p *Participant) bool {
		if p.DbId != dbid {
			return false
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return (p.inRecovery || p.inDoubt) && p.lockedBy == 0
	})
	return r.BeginResolution(refs, holder)
}

// Release drops holder's marks so the participants can be retried by anyone.
func (r *Registry) Release(ps []*Participant, holder int64) {
	for _, p := range ps {
		p.mu.Lock()
		if p.lockedBy == holder {
			p.lockedBy = 0
			p.inProcessing = false
		}
		p.mu.Unlock()
	}
}

// Handoff unlocks the participants owner holds for xid. With inDoubt they are
// left for the in-doubt scan of a resolver, otherwise a waiter drives them.
func (r *Registry) Handoff(owner int64, xid uint64, inDoubt bool) {
	for _, p := range r.byXid(xid) {
		p.mu.Lock()
		if p.lockedBy == owner && !p.inProcessing {
			p.lockedBy = 0
			p.inDoubt = p.inDoubt || inDoubt
		}
		p.mu.Unlock()
	}
}

// MarkInDoubt flags every participant of xid for the in-doubt scan.
func (r *Registry) MarkInDoubt(xid uint64) {
	for _, p := range r.byXid(xid) {
		p.mu.Lock()
		p.inDoubt = true
		p.mu.Unlock()
	}
}

// ReleaseOwner unlocks everything owner still holds, as when its session ends.
// Undecided participants are presumed aborted.
func (r *Registry) ReleaseOwner(ctx context.Context, owner int64) int {
	n := 0
	for _, p := range r.collect(func(p *Participant) bool { return p.Owner == owner }) {
		p.mu.Lock()
		if p.lockedBy == owner && !p.inProcessing {
			if !p.status.Decided() {
				p.status = define.StatusAborting
			}
			p.lockedBy = 0
			p.inDoubt = true
			n++
		}
		p.mu.Unlock()
	}
	if n > 0 {
		logutil.Logger(ctx).Info("released foreign transaction participants", zap.Int64("owner", owner), zap.Int("count", n))
	}
	return n
}

// Resolve issues commit or rollback prepared for a participant holder holds,
// then forgets it. A commit requires the Committing decision to be logged.
func (r *Registry) Resolve(ctx context.Context, p *Participant, commit bool, holder int64,
	remote RemoteResolver) (out Outcome, err error) {
	defer func() {
		resolutionCounter.Inc(out.String())
	}()

	p.mu.Lock()
	switch {
	case p.removed:
		p.mu.Unlock()
		return Failed, ErrNotExist
	case p.lockedBy != holder:
		p.mu.Unlock()
		return Failed, ErrNotHeld
	case !p.valid:
		p.mu.Unlock()
		return Failed, ErrNotExist
	case commit && p.status != define.StatusCommitting:
		p.mu.Unlock()
		return Failed, ErrUndecided
	case !commit && p.status == define.StatusCommitting:
		p.mu.Unlock()
		return Failed, ErrConflict
	}
	if !commit {
		p.status = define.StatusAborting
	}
	p.mu.Unlock()

	out = Resolved
	err = remote.ResolvePrepared(ctx, p.CredentialId, p.Identifier, commit)
	if errors.Is(err, define.ErrAlreadyResolved) {
		logutil.Logger(ctx).Debug("prepared transaction already resolved", zap.String("identifier", p.Identifier))
		out, err = Missing, nil
	}
	if err != nil {
		return Failed, err
	}

	if err := r.Forget(ctx, p); err != nil {
		return Failed, err
	}
	return out, nil
}

// ResolveDecided resolves p according to its recorded status.
func (r *Registry) ResolveDecided(ctx context.Context, p *Participant, holder int64, remote RemoteResolver) (Outcome, error) {
	st := p.Status()
	if !st.Decided() {
		return Failed, ErrUndecided
	}
	return r.Resolve(ctx, p, st == define.StatusCommitting, holder, remote)
}

// Forget durably logs the removal of p and frees its slot.
func (r *Registry) Forget(ctx context.Context, p *Participant) error {
	p.mu.Lock()
	removed := p.removed
	p.mu.Unlock()
	if removed {
		return nil
	}

	_, end, err := r.log.AppendParticipantRecord(ctx,
		model.NewRemoveRecord(p.LocalXid, p.DbId, p.EndpointId, p.CredentialId))
	if err != nil {
		return err
	}
	r.noteOffset(end)
	r.removeSlot(p)
	return nil
}

// Lookup returns the live participants of xid.
func (r *Registry) Lookup(xid uint64) []*Participant {
	return r.byXid(xid)
}

// Search returns views of valid participants matching c.
func (r *Registry) Search(c Criteria) []View {
	out := make([]View, 0)
	for _, p := range r.collect(c.match) {
		p.mu.Lock()
		if p.valid && !p.removed {
			out = append(out, p.view())
		}
		p.mu.Unlock()
	}
	return out
}

// List returns views of every valid participant.
func (r *Registry) List() []View {
	return r.Search(Criteria{})
}

// DatabasesAwaitingResolution lists databases with valid participants no
// session or resolver holds.
func (r *Registry) DatabasesAwaitingResolution() []uint32 {
	seen := make(map[uint32]struct{})
	out := make([]uint32, 0)
	for _, p := range r.collect(func(*Participant) bool { return true }) {
		p.mu.Lock()
		waiting := p.valid && !p.removed && p.lockedBy == 0 && !p.inProcessing
		p.mu.Unlock()
		if _, ok := seen[p.DbId]; waiting && !ok {
			seen[p.DbId] = struct{}{}
			out = append(out, p.DbId)
		}
	}
	return out
}
