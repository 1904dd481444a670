package xact

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/fdwxact/common/idgenerator"
	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/catalog"
	"github.com/ikenchina/fdwxact/tc/app/conn"
	"github.com/ikenchina/fdwxact/tc/app/model"
	"github.com/ikenchina/fdwxact/tc/app/registry"
	"github.com/ikenchina/fdwxact/tc/app/resolver"
	"github.com/ikenchina/fdwxact/tc/app/waitqueue"
	"github.com/ikenchina/fdwxact/tc/config"
)

const testDb uint32 = 5

type recordingWaker struct {
	mu  sync.Mutex
	dbs []uint32
}

func (rw *recordingWaker) LaunchOrWakeup(dbid uint32) {
	rw.mu.Lock()
	rw.dbs = append(rw.dbs, dbid)
	rw.mu.Unlock()
}

func (rw *recordingWaker) calls() []uint32 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return append([]uint32{}, rw.dbs...)
}

type _xactSuite struct {
	suite.Suite
	ctx     context.Context
	log     *model.MockLog
	reg     *registry.Registry
	queue   *waitqueue.Queue
	dialer  *conn.MockDialer
	catalog catalog.Catalog
	waker   *recordingWaker
	mgr     *Manager
	session *Session
}

func TestXactSuite(t *testing.T) {
	suite.Run(t, new(_xactSuite))
}

func (s *_xactSuite) SetupTest() {
	var err error
	s.ctx = context.Background()
	s.log = model.NewMockLog()
	s.reg = registry.New(s.log, 8)
	s.queue = waitqueue.New()
	s.dialer = conn.NewMockDialer()
	s.catalog, err = catalog.NewStatic(
		[]config.EndpointConfig{
			{Id: 1, Name: "a", TwoPhaseCommit: true},
			{Id: 2, Name: "b", TwoPhaseCommit: true},
			{Id: 3, Name: "legacy"},
		},
		[]config.CredentialConfig{
			{Id: 10, EndpointId: 1, User: "u", Secret: "p"},
			{Id: 20, EndpointId: 2, User: "u", Secret: "p"},
			{Id: 30, EndpointId: 3, User: "u", Secret: "p"},
			{Id: 40, EndpointId: 2, User: "nopass"},
		})
	s.Require().Nil(err)
	s.waker = &recordingWaker{}
	s.newManager(s.waker, define.ResolveEager)
}

func (s *_xactSuite) TearDownTest() {
	s.session.Close(s.ctx)
}

func (s *_xactSuite) newManager(waker Waker, mode define.ResolveMode) {
	s.mgr = NewManager(s.reg, s.queue, waker, s.catalog, s.dialer, Options{
		Mode: mode,
		Xids: idgenerator.NewSequence(100),
	})
	var err error
	s.session, err = s.mgr.NewSession(testDb, false)
	s.Require().Nil(err)
}

func (s *_xactSuite) begin() *Txn {
	txn, err := s.session.Begin(s.ctx, TxnOptions{})
	s.Require().Nil(err)
	return txn
}

func (s *_xactSuite) write(txn *Txn, credentials ...uint32) {
	for _, c := range credentials {
		_, err := txn.Exec(s.ctx, c, "UPDATE t SET v = v + 1")
		s.Require().Nil(err)
	}
}

func (s *_xactSuite) journalHas(endpoint uint32, prefix string) bool {
	for _, stmt := range s.dialer.Endpoint(endpoint).Journal() {
		if strings.HasPrefix(stmt, prefix) {
			return true
		}
	}
	return false
}

func (s *_xactSuite) TestSavepointsFollowNestLevel() {
	txn := s.begin()
	s.write(txn, 10)
	s.Equal(0, s.dialer.Endpoint(1).OpenSavepoints())

	level, err := txn.Savepoint()
	s.Nil(err)
	s.Equal(2, level)
	s.write(txn, 10)
	s.Equal(1, s.dialer.Endpoint(1).OpenSavepoints())

	_, err = txn.Savepoint()
	s.Nil(err)
	s.write(txn, 10, 20)
	s.Equal(2, s.dialer.Endpoint(1).OpenSavepoints())
	s.Equal(2, s.dialer.Endpoint(2).OpenSavepoints())

	s.Nil(txn.RollbackToSavepoint(s.ctx))
	s.Equal(1, s.dialer.Endpoint(1).OpenSavepoints())
	s.Nil(txn.ReleaseSavepoint(s.ctx))
	s.Equal(0, s.dialer.Endpoint(1).OpenSavepoints())
	s.True(errors.Is(txn.ReleaseSavepoint(s.ctx), ErrNoSavepoint))

	s.Nil(txn.Rollback(s.ctx))
	s.True(s.journalHas(1, define.AbortCommand))
}

func (s *_xactSuite) TestSingleParticipantCommitsInOnePhase() {
	txn := s.begin()
	s.write(txn, 10)
	res, err := txn.Commit(s.ctx)
	s.Nil(err)
	s.False(res.TwoPhase)
	s.True(s.journalHas(1, define.CommitCommand))
	s.False(s.journalHas(1, "PREPARE TRANSACTION"))
	s.Empty(s.log.Records())

	_, err = txn.Commit(s.ctx)
	s.True(errors.Is(err, ErrTxnDone))
}

func (s *_xactSuite) TestLocalWriteForcesTwoPhase() {
	txn := s.begin()
	s.write(txn, 10)
	txn.MarkLocalWrite()
	res, err := txn.Commit(s.ctx)
	s.Nil(err)
	s.True(res.TwoPhase)
	s.False(res.Pending)
	s.True(s.journalHas(1, "PREPARE TRANSACTION"))
	s.True(s.journalHas(1, "COMMIT PREPARED"))
}

func (s *_xactSuite) TestEagerTwoPhaseCommit() {
	txn := s.begin()
	s.write(txn, 10, 20)
	res, err := txn.Commit(s.ctx)
	s.Nil(err)
	s.True(res.TwoPhase)
	s.False(res.Pending)
	s.Equal(0, s.reg.Len())
	s.Empty(s.dialer.Endpoint(1).Prepared())
	s.Empty(s.dialer.Endpoint(2).Prepared())
	s.Empty(s.waker.calls())

	kinds := make([]string, 0)
	for _, r := range s.log.Records() {
		kinds = append(kinds, r.Kind)
	}
	s.Equal([]string{model.KindInsert, model.KindInsert, model.KindCommit, model.KindRemove, model.KindRemove}, kinds)
}

func (s *_xactSuite) TestPrepareFailureRollsBack() {
	s.dialer.Endpoint(2).SetFailure(func(command string) error {
		if strings.HasPrefix(command, "PREPARE TRANSACTION") {
			return &define.RemoteError{Code: "40001", Message: "could not serialize access"}
		}
		return nil
	})
	txn := s.begin()
	s.write(txn, 10, 20)
	_, err := txn.Commit(s.ctx)
	var re *define.RemoteError
	s.True(errors.As(err, &re))
	s.Equal("40001", re.Code)

	s.Equal(0, s.reg.Len())
	s.Empty(s.dialer.Endpoint(1).Prepared())
	s.True(s.journalHas(1, "ROLLBACK PREPARED"))

	last := s.log.Records()
	hasAbort := false
	for _, r := range last {
		hasAbort = hasAbort || r.Kind == model.KindAbort
		s.NotEqual(model.KindCommit, r.Kind)
	}
	s.True(hasAbort)
}

func (s *_xactSuite) TestCapacityExceededAbortsCommit() {
	s.reg = registry.New(s.log, 1)
	s.newManager(s.waker, define.ResolveEager)

	txn := s.begin()
	s.write(txn, 10, 20)
	_, err := txn.Commit(s.ctx)
	s.True(errors.Is(err, define.ErrCapacityExceeded))
	s.Equal(0, s.reg.Len())
	s.Empty(s.dialer.Endpoint(1).Prepared())
	s.True(s.journalHas(2, define.AbortCommand))
	s.False(s.journalHas(2, "PREPARE TRANSACTION"))
}

func (s *_xactSuite) TestEagerFailureHandsOff() {
	s.dialer.Endpoint(2).SetFailure(func(command string) error {
		if strings.HasPrefix(command, "COMMIT PREPARED") {
			return &define.RemoteError{Code: define.CodeConnectionFailure, Message: "server closed the connection"}
		}
		return nil
	})
	txn := s.begin()
	s.write(txn, 10, 20)
	res, err := txn.Commit(s.ctx)
	s.Nil(err)
	s.True(res.Pending)
	s.Equal([]uint32{testDb}, s.waker.calls())

	views := s.reg.List()
	s.Require().Len(views, 1)
	s.Equal(uint32(2), views[0].EndpointId)
	s.Equal(define.StatusCommitting, views[0].Status)
	s.True(views[0].InDoubt)
	s.False(views[0].Locked)
}

func (s *_xactSuite) TestAsyncHandsOffEverything() {
	s.mgr.SetMode(define.ResolveAsync)
	txn := s.begin()
	s.write(txn, 10, 20)
	res, err := txn.Commit(s.ctx)
	s.Nil(err)
	s.True(res.Pending)
	s.Equal(2, s.reg.Len())
	s.Equal([]uint32{testDb}, s.waker.calls())
	s.Len(s.dialer.Endpoint(1).Prepared(), 1)
	s.Equal([]uint32{testDb}, s.reg.DatabasesAwaitingResolution())
}

func (s *_xactSuite) TestCanceledWaitIsWarning() {
	s.mgr.SetMode(define.ResolveWait)
	txn := s.begin()
	s.write(txn, 10, 20)

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	res, err := txn.Commit(ctx)
	s.Nil(err)
	s.True(res.Pending)
	s.Equal(WarningWaitCanceled, res.Warning)
	s.Equal(0, s.queue.Len())
	for _, v := range s.reg.List() {
		s.True(v.InDoubt)
		s.Equal(define.StatusCommitting, v.Status)
	}
}

func (s *_xactSuite) TestWaitResolvedByResolver() {
	sup := resolver.NewGoSupervisor(idgenerator.NewSequence(1000))
	launcher := resolver.NewLauncher(s.reg, s.queue, sup, resolver.PoolFactory(s.catalog, s.dialer), resolver.Options{
		MaxResolvers: 2,
		Timing:       resolver.Timing{Naptime: time.Second, RetryInterval: 20 * time.Millisecond},
	})
	s.Require().Nil(launcher.Start())
	defer sup.Close()
	defer launcher.Stop()
	s.newManager(launcher, define.ResolveWait)

	txn := s.begin()
	s.write(txn, 10, 20)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	res, err := txn.Commit(ctx)
	s.Nil(err)
	s.True(res.TwoPhase)
	s.False(res.Pending)
	s.Empty(res.Warning)
	s.Equal(0, s.reg.Len())
	s.Empty(s.dialer.Endpoint(1).Prepared())
	s.Empty(s.dialer.Endpoint(2).Prepared())
}

func (s *_xactSuite) TestNonTwoPhaseEndpointCommitsFirst() {
	txn := s.begin()
	s.write(txn, 30, 10)
	txn.MarkLocalWrite()
	res, err := txn.Commit(s.ctx)
	s.Nil(err)
	s.True(res.TwoPhase)
	s.True(s.journalHas(3, define.CommitCommand))
	s.False(s.journalHas(3, "PREPARE TRANSACTION"))
	s.True(s.journalHas(1, "COMMIT PREPARED"))
	s.Equal(0, s.reg.Len())
}

func (s *_xactSuite) TestPermissionDenied() {
	txn := s.begin()
	_, err := txn.Exec(s.ctx, 40, "SELECT 1")
	s.True(errors.Is(err, define.ErrPermissionDenied))
	s.Nil(txn.Rollback(s.ctx))
}

func (s *_xactSuite) TestConnSoftToleratesUnreachable() {
	s.dialer.Endpoint(1).SetDialError(errors.New("unreachable"))
	txn := s.begin()

	h, err := txn.ConnSoft(s.ctx, 10, false)
	s.Nil(err)
	s.Nil(h)

	_, err = txn.Conn(s.ctx, 10, false)
	connErr := &define.ConnectError{}
	s.True(errors.As(err, &connErr))

	// other failures still surface
	_, err = txn.ConnSoft(s.ctx, 40, false)
	s.True(errors.Is(err, define.ErrPermissionDenied))

	h, err = txn.ConnSoft(s.ctx, 20, false)
	s.Nil(err)
	s.NotNil(h)
	s.Nil(txn.Rollback(s.ctx))
}

func (s *_xactSuite) TestBeginTwiceAndClose() {
	s.begin()
	_, err := s.session.Begin(s.ctx, TxnOptions{})
	s.True(errors.Is(err, ErrTxnInProgress))

	s.Nil(s.session.Close(s.ctx))
	_, err = s.session.Begin(s.ctx, TxnOptions{})
	s.True(errors.Is(err, ErrSessionClosed))
}

func (s *_xactSuite) TestSerializable() {
	txn, err := s.session.Begin(s.ctx, TxnOptions{Serializable: true})
	s.Require().Nil(err)
	s.write(txn, 10)
	s.True(s.journalHas(1, define.StartTxnCommand(true)))
	s.Nil(txn.Rollback(s.ctx))
}

func (s *_xactSuite) TestNewPrepareId() {
	id := NewPrepareId(5, 1, 10)
	s.True(strings.HasPrefix(id, "fx_"))
	s.True(strings.HasSuffix(id, "_5_1_10"))
	s.LessOrEqual(len(id), define.MaxPrepareIdLen)
	s.NotEqual(id, NewPrepareId(5, 1, 10))
}
