package xact

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/common/operator"
	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/catalog"
	"github.com/ikenchina/fdwxact/tc/app/conn"
	"github.com/ikenchina/fdwxact/tc/app/registry"
	"github.com/ikenchina/fdwxact/tc/app/waitqueue"
)

const (
	txnActive = iota
	txnCommitting
	txnDone
)

// WarningWaitCanceled is returned in CommitResult when the caller stopped
// waiting for the second phase.
const WarningWaitCanceled = "canceling the wait for resolving foreign transactions; " +
	"the transaction has already committed locally and will be resolved in the background"

// branch is the work of the transaction on one remote credential.
type branch struct {
	endpoint    *catalog.Endpoint
	credential  *catalog.Credential
	participant *registry.Participant
	prepared    bool
}

func (b *branch) name() string {
	return b.endpoint.Name
}

// CommitResult reports a successful commit. Pending means some participants
// are still being resolved in the background.
type CommitResult struct {
	Xid      uint64
	TwoPhase bool
	Pending  bool
	Warning  string
}

// Txn is a local transaction that may touch remote endpoints.
type Txn struct {
	session      *Session
	xid          uint64
	level        int
	serializable bool
	localWrite   bool
	state        int
	branches     map[uint32]*branch
}

func (t *Txn) Xid() uint64 {
	return t.xid
}

func (t *Txn) Level() int {
	return t.level
}

func (t *Txn) addBranch(ep *catalog.Endpoint, cred *catalog.Credential) {
	if _, ok := t.branches[cred.Id]; ok {
		return
	}
	t.branches[cred.Id] = &branch{endpoint: ep, credential: cred}
}

// sortedBranches orders branches by credential id for a stable prepare order.
func (t *Txn) sortedBranches() []*branch {
	out := make([]*branch, 0, len(t.branches))
	for _, b := range t.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].credential.Id < out[j].credential.Id
	})
	return out
}

func (t *Txn) checkActive() error {
	if t.state != txnActive {
		return ErrTxnDone
	}
	return nil
}

// Savepoint opens a local subtransaction and returns its level. Remote
// savepoints follow on the next use of each connection.
func (t *Txn) Savepoint() (int, error) {
	if err := t.checkActive(); err != nil {
		return 0, err
	}
	t.level++
	return t.level, nil
}

// ReleaseSavepoint commits the innermost subtransaction.
func (t *Txn) ReleaseSavepoint(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.level <= 1 {
		return ErrNoSavepoint
	}
	if err := t.session.pool.SubXactCommit(ctx, t.level); err != nil {
		return err
	}
	t.level--
	return nil
}

// RollbackToSavepoint aborts the innermost subtransaction.
func (t *Txn) RollbackToSavepoint(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.level <= 1 {
		return ErrNoSavepoint
	}
	t.session.pool.SubXactAbort(ctx, t.level)
	t.level--
	return nil
}

// Conn returns the connection of credentialId with a remote transaction open
// at the current nest level.
func (t *Txn) Conn(ctx context.Context, credentialId uint32, wantPrepared bool) (*conn.Handle, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	return t.session.pool.Acquire(ctx, credentialId, wantPrepared, true)
}

// ConnSoft is Conn for callers that tolerate an unreachable endpoint: it
// returns (nil, nil) instead of a ConnectError.
func (t *Txn) ConnSoft(ctx context.Context, credentialId uint32, wantPrepared bool) (*conn.Handle, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	return t.session.pool.AcquireSoft(ctx, credentialId, wantPrepared, true)
}

// Exec runs command on the remote transaction of credentialId.
func (t *Txn) Exec(ctx context.Context, credentialId uint32, command string) (*conn.Result, error) {
	h, err := t.Conn(ctx, credentialId, false)
	if err != nil {
		return nil, err
	}
	defer t.session.pool.Release(h)
	return conn.Exec(ctx, h, command)
}

// MarkLocalWrite records that the local side of the transaction wrote data.
func (t *Txn) MarkLocalWrite() {
	t.localWrite = true
}

// Rollback aborts every remote transaction and ends the local one.
func (t *Txn) Rollback(ctx context.Context) error {
	if t.state == txnDone {
		return ErrTxnDone
	}
	for _, b := range t.sortedBranches() {
		if err := t.session.pool.AbortRemote(ctx, b.credential.Id); err != nil {
			conn.ReportRemoteError(ctx, "could not abort transaction on server", b.name(), err)
		}
	}
	t.finish(ctx)
	return nil
}

func (t *Txn) finish(ctx context.Context) {
	t.session.pool.EndXact(ctx)
	t.state = txnDone
	if t.session.txn == t {
		t.session.txn = nil
	}
}

// needsTwoPhase reports whether atomic commit across the participants needs
// a prepare round.
func needsTwoPhase(twoPhase int, localWrite bool) bool {
	return twoPhase > 1 || (twoPhase == 1 && localWrite)
}

// Commit commits the transaction. With two-phase commit the local decision is
// durable before it returns; the second phase follows the manager's mode.
func (t *Txn) Commit(ctx context.Context) (res *CommitResult, err error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	t.state = txnCommitting
	defer t.finish(ctx)

	mode := t.session.mgr.Mode()
	protocol := "1pc"
	observe := commitTimer.Timer()
	defer func() {
		observe(protocol, string(mode), operator.Result(err))
	}()
	res = &CommitResult{Xid: t.xid}

	for t.level > 1 {
		if err = t.session.pool.SubXactCommit(ctx, t.level); err != nil {
			t.abortAll(ctx, t.sortedBranches())
			return nil, err
		}
		t.level--
	}

	twoPhase := make([]*branch, 0, len(t.branches))
	for _, b := range t.sortedBranches() {
		if b.endpoint.TwoPhaseCommit {
			twoPhase = append(twoPhase, b)
			continue
		}
		if err = t.session.pool.CommitRemote(ctx, b.credential.Id); err != nil {
			conn.ReportRemoteError(ctx, "could not commit transaction on server without two-phase commit", b.name(), err)
			t.abortAll(ctx, t.sortedBranches())
			return nil, err
		}
	}

	if !needsTwoPhase(len(twoPhase), t.localWrite) {
		for _, b := range twoPhase {
			if err = t.session.pool.CommitRemote(ctx, b.credential.Id); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	res.TwoPhase = true
	protocol = "2pc"
	if err = t.prepareAll(ctx, twoPhase); err != nil {
		t.abortPrepared(ctx, twoPhase)
		return nil, err
	}

	reg := t.session.mgr.reg
	if err = reg.RecordDecision(ctx, t.xid, t.session.dbid, true); err != nil {
		t.abortPrepared(ctx, twoPhase)
		return nil, err
	}

	switch mode {
	case define.ResolveEager:
		res.Pending = t.resolveEagerly(ctx, twoPhase)
	case define.ResolveAsync:
		t.handoff(ctx, mode, true)
		res.Pending = true
	default:
		res.Pending, res.Warning = t.waitResolved(ctx)
	}
	return res, nil
}

// prepareAll registers and prepares each branch in turn, stopping at the first failure.
func (t *Txn) prepareAll(ctx context.Context, branches []*branch) error {
	s := t.session
	for _, b := range branches {
		id := NewPrepareId(s.dbid, b.endpoint.Id, b.credential.Id)
		p, err := s.mgr.reg.Register(ctx, s.owner, t.xid, s.dbid, b.endpoint.Id, b.credential.Id, id)
		if err != nil {
			return err
		}
		b.participant = p

		if err := s.pool.Prepare(ctx, b.credential.Id, id); err != nil {
			return fmt.Errorf("prepare on server %q : %w", b.name(), err)
		}
		if err := s.mgr.reg.MarkPrepared(p); err != nil {
			return err
		}
		b.prepared = true
	}
	return nil
}

// abortAll aborts the still open remote transactions of branches.
func (t *Txn) abortAll(ctx context.Context, branches []*branch) {
	for _, b := range branches {
		if err := t.session.pool.AbortRemote(ctx, b.credential.Id); err != nil {
			conn.ReportRemoteError(ctx, "could not abort transaction on server", b.name(), err)
		}
	}
}

// abortPrepared rolls back a failed two-phase commit. Registered participants
// may be prepared remotely, so they are rolled back as prepared transactions;
// leftovers go to the resolver.
func (t *Txn) abortPrepared(ctx context.Context, branches []*branch) {
	s := t.session
	reg := s.mgr.reg
	if err := reg.RecordDecision(ctx, t.xid, s.dbid, false); err != nil {
		logutil.Logger(ctx).Warn("could not log abort decision", zap.Uint64("xid", t.xid), zap.Error(err))
	}

	pending := false
	for _, b := range branches {
		if b.participant == nil {
			if err := s.pool.AbortRemote(ctx, b.credential.Id); err != nil {
				conn.ReportRemoteError(ctx, "could not abort transaction on server", b.name(), err)
			}
			continue
		}
		if _, err := reg.Resolve(ctx, b.participant, false, s.owner, s.pool); err != nil {
			conn.ReportRemoteError(ctx, "could not roll back prepared transaction", b.name(), err)
			pending = true
		}
	}
	if pending {
		t.handoff(ctx, define.ResolveEager, true)
	}
}

// resolveEagerly runs the second phase in the session and hands whatever
// fails to the resolver.
func (t *Txn) resolveEagerly(ctx context.Context, branches []*branch) bool {
	s := t.session
	var errs error
	for _, b := range branches {
		if _, err := s.mgr.reg.Resolve(ctx, b.participant, true, s.owner, s.pool); err != nil {
			conn.ReportRemoteError(ctx, "could not commit prepared transaction", b.name(), err)
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil {
		return false
	}
	t.handoff(ctx, define.ResolveEager, true)
	return true
}

func (t *Txn) handoff(ctx context.Context, mode define.ResolveMode, inDoubt bool) {
	s := t.session
	s.mgr.reg.Handoff(s.owner, t.xid, inDoubt)
	handoffCounter.Inc(string(mode))
	s.mgr.waker.LaunchOrWakeup(s.dbid)
	logutil.Logger(ctx).Debug("handed participants to resolver", zap.Uint64("xid", t.xid), zap.Bool("in_doubt", inDoubt))
}

// waitResolved queues the session and blocks until the resolver is done or
// ctx ends. Giving up only stops the wait; it is reported as a warning.
func (t *Txn) waitResolved(ctx context.Context) (bool, string) {
	s := t.session
	w := waitqueue.NewWaiter(t.xid, s.dbid, s.owner)
	if err := s.mgr.queue.Enqueue(w); err != nil {
		logutil.Logger(ctx).Warn("could not queue for resolution", zap.Uint64("xid", t.xid), zap.Error(err))
		t.handoff(ctx, define.ResolveWait, true)
		return true, WarningWaitCanceled
	}
	t.handoff(ctx, define.ResolveWait, false)

	err := w.Wait(ctx)
	if err == nil {
		return false, ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if s.mgr.queue.Cancel(w) {
			s.mgr.reg.MarkInDoubt(t.xid)
		}
		logutil.Logger(ctx).Warn(WarningWaitCanceled, zap.Uint64("xid", t.xid))
		return true, WarningWaitCanceled
	}
	logutil.Logger(ctx).Warn("resolution reported an error", zap.Uint64("xid", t.xid), zap.Error(err))
	return true, err.Error()
}
