package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/catalog"
)

// Session is the local side a pool works for.
type Session interface {
	// NestLevel is the current local subtransaction depth, 1 for the main transaction.
	NestLevel() int
	Privileged() bool
	Serializable() bool
	// OnRemoteXactStart is called once per local transaction and endpoint, right
	// before the remote transaction is opened.
	OnRemoteXactStart(ep *catalog.Endpoint, cred *catalog.Credential)
}

type entry struct {
	endpoint   *catalog.Endpoint
	credential *catalog.Credential
	remote     Remote

	// 0 = no remote transaction, 1 = main transaction, n = (n-1) savepoints
	xactDepth    int
	havePrepStmt bool
	haveError    bool
}

// Handle is a borrowed pooled connection; valid until the local transaction ends.
type Handle struct {
	pool *Pool
	e    *entry
}

func (h *Handle) Endpoint() *catalog.Endpoint {
	return h.e.endpoint
}

func (h *Handle) Credential() *catalog.Credential {
	return h.e.credential
}

// Pool caches one remote session per credential for a local session.
type Pool struct {
	mu      sync.Mutex
	entries map[uint32]*entry

	catalog catalog.Catalog
	dialer  Dialer
	session Session

	closed    int32
	closeChan chan struct{}
}

func NewPool(cat catalog.Catalog, dialer Dialer, session Session) *Pool {
	return &Pool{
		entries:   make(map[uint32]*entry),
		catalog:   cat,
		dialer:    dialer,
		session:   session,
		closeChan: make(chan struct{}),
	}
}

// Acquire returns the connection for credentialId, connecting on first use.
// With startTxn the remote transaction is opened and savepoints are stacked up
// to the session's nest level.
func (p *Pool) Acquire(ctx context.Context, credentialId uint32, wantPrepared bool, startTxn bool) (*Handle, error) {
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrPoolClosed
	}

	e, err := p.getEntry(ctx, credentialId)
	if err != nil {
		return nil, err
	}

	if e.remote != nil && e.remote.IsClosed() {
		if e.xactDepth > 0 {
			return nil, &define.RemoteError{
				Code:    define.CodeConnectionFailure,
				Message: fmt.Sprintf("connection to server %q was lost", e.endpoint.Name),
			}
		}
		p.discard(ctx, e)
	}

	if e.remote == nil {
		err = p.connect(ctx, e)
		if err != nil {
			return nil, err
		}
	}

	e.havePrepStmt = e.havePrepStmt || wantPrepared
	if startTxn {
		err = p.beginRemoteXact(ctx, e)
		if err != nil {
			return nil, err
		}
	}
	return &Handle{pool: p, e: e}, nil
}

// AcquireSoft is Acquire that reports an unreachable endpoint as (nil, nil).
func (p *Pool) AcquireSoft(ctx context.Context, credentialId uint32, wantPrepared bool, startTxn bool) (*Handle, error) {
	h, err := p.Acquire(ctx, credentialId, wantPrepared, startTxn)
	var connErr *define.ConnectError
	if errors.As(err, &connErr) {
		logutil.Logger(ctx).Debug("endpoint unreachable", zap.Error(err))
		return nil, nil
	}
	return h, err
}

// Release is a no-op; connections live until the local transaction ends.
func (p *Pool) Release(h *Handle) {}

func (p *Pool) getEntry(ctx context.Context, credentialId uint32) (*entry, error) {
	p.mu.Lock()
	e, ok := p.entries[credentialId]
	p.mu.Unlock()
	if ok {
		return e, nil
	}

	cred, err := p.catalog.LookupCredential(ctx, credentialId)
	if err != nil {
		return nil, err
	}
	ep, err := p.catalog.LookupEndpoint(ctx, cred.EndpointId)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[credentialId]; ok {
		return e, nil
	}
	e = &entry{endpoint: ep, credential: cred}
	p.entries[credentialId] = e
	return e, nil
}

func (p *Pool) connect(ctx context.Context, e *entry) error {
	if !p.session.Privileged() && e.credential.Secret == "" {
		return fmt.Errorf("%w : non-privileged sessions must provide a password in credential %d",
			define.ErrPermissionDenied, e.credential.Id)
	}

	remote, err := p.dialer.Dial(ctx, e.endpoint, e.credential)
	if err != nil {
		return &define.ConnectError{Endpoint: e.endpoint.Name, Err: err}
	}

	for _, cmd := range define.SessionSetupCommands {
		if _, err := p.exec(ctx, remote, cmd); err != nil {
			remote.Close(ctx)
			return err
		}
	}

	logutil.Logger(ctx).Debug("new remote connection",
		zap.String("endpoint", e.endpoint.Name), zap.Uint32("credential", e.credential.Id))

	e.remote = remote
	e.xactDepth = 0
	e.havePrepStmt = false
	e.haveError = false
	return nil
}

func (p *Pool) beginRemoteXact(ctx context.Context, e *entry) error {
	level := p.session.NestLevel()

	if e.xactDepth <= 0 {
		p.session.OnRemoteXactStart(e.endpoint, e.credential)
		if _, err := p.exec(ctx, e.remote, define.StartTxnCommand(p.session.Serializable())); err != nil {
			return err
		}
		e.xactDepth = 1
	}

	for e.xactDepth < level {
		if _, err := p.exec(ctx, e.remote, define.SavepointCommand(e.xactDepth+1)); err != nil {
			return err
		}
		e.xactDepth++
	}
	return nil
}

func (p *Pool) openEntries() []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if e.remote != nil {
			out = append(out, e)
		}
	}
	return out
}

// SubXactCommit releases the remote savepoints of the committing local level.
func (p *Pool) SubXactCommit(ctx context.Context, level int) error {
	for _, e := range p.openEntries() {
		if e.xactDepth < level {
			continue
		}
		if e.xactDepth > level {
			return fmt.Errorf("missed cleaning up remote subtransaction at level %d", e.xactDepth)
		}
		if _, err := p.exec(ctx, e.remote, define.ReleaseSavepointCommand(level)); err != nil {
			return err
		}
		e.xactDepth--
	}
	return nil
}

// SubXactAbort rolls every remote branch back to the savepoint of the aborting
// level. Failures are logged, never returned.
func (p *Pool) SubXactAbort(ctx context.Context, level int) {
	logger := logutil.Logger(ctx)
	for _, e := range p.openEntries() {
		if e.xactDepth < level {
			continue
		}
		if e.xactDepth > level {
			logger.Error("missed cleaning up remote subtransaction",
				zap.Int("depth", e.xactDepth), zap.Int("level", level))
		}

		// prepared statement names may be stale now
		e.haveError = true

		if e.remote.IsBusy() {
			if err := e.remote.CancelRequest(ctx); err != nil {
				logger.Warn("could not send cancel request", zap.String("endpoint", e.endpoint.Name), zap.Error(err))
			}
		}

		cmd := define.RollbackToSavepointCommand(level)
		if _, err := p.exec(ctx, e.remote, cmd); err != nil {
			reportRemoteError(ctx, "rollback to savepoint failed", e, err)
		}
		e.xactDepth = level - 1
	}
}

func (p *Pool) entryInTxn(credentialId uint32) (*entry, error) {
	p.mu.Lock()
	e, ok := p.entries[credentialId]
	p.mu.Unlock()
	if !ok || e.remote == nil || e.xactDepth <= 0 {
		return nil, fmt.Errorf("no remote transaction open for credential %d", credentialId)
	}
	return e, nil
}

// Prepare runs the first phase on the remote transaction of credentialId.
func (p *Pool) Prepare(ctx context.Context, credentialId uint32, id string) error {
	e, err := p.entryInTxn(credentialId)
	if err != nil {
		return err
	}
	_, err = p.exec(ctx, e.remote, define.PrepareCommand(id))
	// the remote transaction is gone either way
	e.xactDepth = 0
	return err
}

// CommitRemote commits the remote transaction of credentialId in one phase.
func (p *Pool) CommitRemote(ctx context.Context, credentialId uint32) error {
	e, err := p.entryInTxn(credentialId)
	if err != nil {
		return err
	}
	_, err = p.exec(ctx, e.remote, define.CommitCommand)
	e.xactDepth = 0
	return err
}

// AbortRemote aborts the open remote transaction of credentialId, if any.
func (p *Pool) AbortRemote(ctx context.Context, credentialId uint32) error {
	e, err := p.entryInTxn(credentialId)
	if err != nil {
		return nil
	}
	if e.remote.IsBusy() {
		if cerr := e.remote.CancelRequest(ctx); cerr != nil {
			logutil.Logger(ctx).Warn("could not send cancel request", zap.Error(cerr))
		}
	}
	_, err = p.exec(ctx, e.remote, define.AbortCommand)
	e.xactDepth = 0
	return err
}

// ResolvePrepared finishes a prepared transaction. An unknown id comes back as
// a RemoteError matching define.ErrAlreadyResolved.
func (p *Pool) ResolvePrepared(ctx context.Context, credentialId uint32, id string, commit bool) error {
	h, err := p.Acquire(ctx, credentialId, false, false)
	if err != nil {
		return err
	}
	if h.e.xactDepth > 0 {
		return fmt.Errorf("cannot resolve %s inside an open remote transaction", id)
	}
	_, err = p.exec(ctx, h.e.remote, define.ResolvePreparedCommand(id, commit))
	return err
}

// EndXact resets every entry at local transaction end. Connections that are
// not idle are discarded. It never fails.
func (p *Pool) EndXact(ctx context.Context) {
	for _, e := range p.openEntries() {
		if e.havePrepStmt && e.haveError && !e.remote.IsClosed() {
			if _, err := p.exec(ctx, e.remote, define.DeallocateAllCommand); err != nil {
				logutil.Logger(ctx).Debug("deallocate failed", zap.Error(err))
			}
		}
		e.havePrepStmt = false
		e.haveError = false
		e.xactDepth = 0

		if e.remote.IsClosed() || e.remote.TxStatus() != TxStatusIdle {
			logutil.Logger(ctx).Debug("discarding connection", zap.String("endpoint", e.endpoint.Name))
			p.discard(ctx, e)
		}
	}
}

func (p *Pool) discard(ctx context.Context, e *entry) {
	if e.remote == nil {
		return
	}
	if err := e.remote.Close(ctx); err != nil {
		logutil.Logger(ctx).Debug("close connection", zap.Error(err))
	}
	e.remote = nil
	e.xactDepth = 0
}

// Close interrupts running commands and closes every connection.
func (p *Pool) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}
	close(p.closeChan)

	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for _, e := range p.entries {
		if e.remote != nil {
			errs = multierr.Append(errs, e.remote.Close(ctx))
			e.remote = nil
		}
	}
	return errs
}

// reportRemoteError logs err at warning level with its structured fields.
func reportRemoteError(ctx context.Context, msg string, e *entry, err error) {
	fields := []zap.Field{zap.String("endpoint", e.endpoint.Name)}
	var re *define.RemoteError
	if errors.As(err, &re) {
		fields = append(fields,
			zap.String("code", re.Code),
			zap.String("message", re.Message),
			zap.String("detail", re.Detail),
			zap.String("hint", re.Hint),
			zap.String("context", re.Context),
			zap.String("command", re.Command))
	} else {
		fields = append(fields, zap.Error(err))
	}
	logutil.Logger(ctx).Warn(msg, fields...)
}

// ReportRemoteError logs a remote failure that must not escape a cleanup or
// resolution path.
func ReportRemoteError(ctx context.Context, msg string, endpoint string, err error) {
	reportRemoteError(ctx, msg, &entry{endpoint: &catalog.Endpoint{Name: endpoint}}, err)
}
