package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/catalog"
	"github.com/ikenchina/fdwxact/tc/app/conn"
	"github.com/ikenchina/fdwxact/tc/app/model"
	"github.com/ikenchina/fdwxact/tc/config"
)

type resolverSession struct{}

func (resolverSession) NestLevel() int                                           { return 1 }
func (resolverSession) Privileged() bool                                         { return true }
func (resolverSession) Serializable() bool                                       { return false }
func (resolverSession) OnRemoteXactStart(*catalog.Endpoint, *catalog.Credential) {}

type _registrySuite struct {
	suite.Suite
	ctx    context.Context
	log    *model.MockLog
	reg    *Registry
	dialer *conn.MockDialer
	pool   *conn.Pool
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(_registrySuite))
}

func (s *_registrySuite) SetupTest() {
	s.ctx = context.Background()
	s.log = model.NewMockLog()
	s.reg = New(s.log, 4)
	s.dialer = conn.NewMockDialer()
	cat, err := catalog.NewStatic(
		[]config.EndpointConfig{{Id: 1, Name: "a", TwoPhaseCommit: true}, {Id: 2, Name: "b", TwoPhaseCommit: true}},
		[]config.CredentialConfig{{Id: 10, EndpointId: 1, User: "u"}, {Id: 20, EndpointId: 2, User: "u"}})
	s.Require().Nil(err)
	s.pool = conn.NewPool(cat, s.dialer, resolverSession{})
}

func (s *_registrySuite) TearDownTest() {
	s.pool.Close(s.ctx)
}

func (s *_registrySuite) register(owner int64, xid uint64, endpoint, credential uint32, id string) *Participant {
	p, err := s.reg.Register(s.ctx, owner, xid, 5, endpoint, credential, id)
	s.Require().Nil(err)
	s.Require().Nil(s.reg.MarkPrepared(p))
	s.dialer.Endpoint(endpoint).AddPrepared(id)
	return p
}

func (s *_registrySuite) TestCapacityExceeded() {
	reg := New(s.log, 2)
	s.Equal(2, reg.Capacity())
	_, err := reg.Register(s.ctx, 1, 100, 5, 1, 10, "px_1")
	s.Nil(err)
	_, err = reg.Register(s.ctx, 1, 100, 5, 2, 20, "px_2")
	s.Nil(err)
	_, err = reg.Register(s.ctx, 1, 101, 5, 1, 10, "px_3")
	s.True(errors.Is(err, define.ErrCapacityExceeded))
	s.Equal(2, reg.Len())
}

func (s *_registrySuite) TestDuplicateParticipant() {
	_, err := s.reg.Register(s.ctx, 1, 100, 5, 1, 10, "px_1")
	s.Nil(err)
	_, err = s.reg.Register(s.ctx, 1, 100, 5, 1, 10, "px_1b")
	s.True(errors.Is(err, define.ErrDuplicateParticipant))
}

func (s *_registrySuite) TestFailedAppendFreesSlot() {
	s.log.OnAppend = func(rec *model.LogRecord) error { return errors.New("disk full") }
	_, err := s.reg.Register(s.ctx, 1, 100, 5, 1, 10, "px_1")
	s.NotNil(err)
	s.Equal(0, s.reg.Len())

	s.log.OnAppend = nil
	p, err := s.reg.Register(s.ctx, 1, 100, 5, 1, 10, "px_1")
	s.Nil(err)
	s.True(p.Valid())
	start, end := p.LogOffsets()
	s.Equal(start+1, end)
}

func (s *_registrySuite) TestDecisionLoggedBeforeRemoteCommit() {
	p := s.register(1, 100, 1, 10, "px_1")

	var mu sync.Mutex
	events := make([]string, 0)
	s.log.OnAppend = func(rec *model.LogRecord) error {
		mu.Lock()
		events = append(events, "log "+rec.Kind)
		mu.Unlock()
		return nil
	}
	s.dialer.Endpoint(1).SetFailure(func(command string) error {
		mu.Lock()
		events = append(events, command)
		mu.Unlock()
		return nil
	})

	_, err := s.reg.Resolve(s.ctx, p, true, 1, s.pool)
	s.True(errors.Is(err, ErrUndecided))

	s.Nil(s.reg.RecordDecision(s.ctx, 100, 5, true))
	s.Equal(define.StatusCommitting, p.Status())

	out, err := s.reg.Resolve(s.ctx, p, true, 1, s.pool)
	s.Nil(err)
	s.Equal(Resolved, out)
	s.Equal([]bool{true}, s.dialer.Endpoint(1).Resolutions("px_1"))
	s.Equal(0, s.reg.Len())

	mu.Lock()
	defer mu.Unlock()
	commitAt, remoteAt, removeAt := -1, -1, -1
	for i, e := range events {
		switch e {
		case "log " + model.KindCommit:
			commitAt = i
		case define.CommitPreparedCommand("px_1"):
			remoteAt = i
		case "log " + model.KindRemove:
			removeAt = i
		}
	}
	s.True(commitAt >= 0 && commitAt < remoteAt)
	s.True(remoteAt < removeAt)
}

func (s *_registrySuite) TestResolveMissingIsSuccess() {
	p, err := s.reg.Register(s.ctx, 1, 100, 5, 1, 10, "px_gone")
	s.Require().Nil(err)
	s.Nil(s.reg.MarkPrepared(p))

	out, err := s.reg.Resolve(s.ctx, p, false, 1, s.pool)
	s.Nil(err)
	s.Equal(Missing, out)
	s.Equal(0, s.reg.Len())
	s.False(p.Valid())

	_, err = s.reg.Resolve(s.ctx, p, false, 1, s.pool)
	s.True(errors.Is(err, ErrNotExist))
}

func (s *_registrySuite) TestResolveRequiresHold() {
	p := s.register(1, 100, 1, 10, "px_1")
	_, err := s.reg.Resolve(s.ctx, p, false, 2, s.pool)
	s.True(errors.Is(err, ErrNotHeld))
	s.True(s.dialer.Endpoint(1).IsPrepared("px_1"))
}

func (s *_registrySuite) TestRemoteFailureKeepsEntry() {
	p := s.register(1, 100, 1, 10, "px_1")
	s.dialer.Endpoint(1).SetDialError(errors.New("refused"))

	_, err := s.reg.Resolve(s.ctx, p, false, 1, s.pool)
	var connErr *define.ConnectError
	s.True(errors.As(err, &connErr))
	s.Equal(1, s.reg.Len())
	s.Equal(define.StatusAborting, p.Status())
}

func (s *_registrySuite) TestAbortNotAllowedAfterCommitDecision() {
	p := s.register(1, 100, 1, 10, "px_1")
	s.Nil(s.reg.RecordDecision(s.ctx, 100, 5, true))
	_, err := s.reg.Resolve(s.ctx, p, false, 1, s.pool)
	s.True(errors.Is(err, ErrConflict))
}

func (s *_registrySuite) TestHoldsAreExclusive() {
	s.register(1, 100, 1, 10, "px_1")
	s.register(1, 100, 2, 20, "px_2")

	s.Empty(s.reg.HoldInDoubt(5, 7))
	s.Empty(s.reg.HoldForTransaction(100, 7))

	s.reg.Handoff(1, 100, true)
	held := s.reg.HoldInDoubt(5, 7)
	s.Len(held, 2)
	s.Empty(s.reg.HoldInDoubt(5, 8))
	s.Empty(s.reg.DatabasesAwaitingResolution())

	s.reg.Release(held, 7)
	s.Equal([]uint32{5}, s.reg.DatabasesAwaitingResolution())
	for _, v := range s.reg.List() {
		s.True(v.InDoubt)
		s.False(v.Locked)
	}
}

func (s *_registrySuite) TestReleaseOwnerPresumesAbort() {
	p := s.register(1, 100, 1, 10, "px_1")
	q := s.register(2, 200, 1, 10, "px_2")
	s.Nil(s.reg.RecordDecision(s.ctx, 200, 5, true))

	s.Equal(1, s.reg.ReleaseOwner(s.ctx, 1))
	s.Equal(define.StatusAborting, p.Status())
	s.Equal(int64(0), p.LockedBy())
	s.Equal(int64(2), q.LockedBy())
}

func (s *_registrySuite) TestRecoverPresumesAbort() {
	s.register(1, 100, 1, 10, "px_1")
	s.register(1, 200, 2, 20, "px_2")
	s.Nil(s.reg.RecordDecision(s.ctx, 200, 5, true))

	reg := New(s.log.Reopen(), 4)
	n, err := reg.Recover(s.ctx)
	s.Nil(err)
	s.Equal(2, n)

	views := reg.Search(Criteria{LocalXid: 100})
	s.Len(views, 1)
	s.Equal(define.StatusAborting, views[0].Status)
	s.True(views[0].InRecovery)
	s.True(views[0].OnDisk)

	held := reg.HoldInDoubt(5, 9)
	s.Len(held, 2)
	for _, p := range held {
		out, err := reg.ResolveDecided(s.ctx, p, 9, s.pool)
		s.Nil(err)
		s.Equal(Resolved, out)
	}
	s.Equal([]bool{false}, s.dialer.Endpoint(1).Resolutions("px_1"))
	s.Equal([]bool{true}, s.dialer.Endpoint(2).Resolutions("px_2"))
	s.Equal(0, reg.Len())
}

func (s *_registrySuite) TestCheckpointTruncatesBeforeOldest() {
	a := s.register(1, 100, 1, 10, "px_1")
	b := s.register(1, 101, 1, 10, "px_2")
	s.Nil(s.reg.Forget(s.ctx, a))

	start, _ := b.LogOffsets()
	off, err := s.reg.Checkpoint(s.ctx)
	s.Nil(err)
	s.Equal(start, off)
	s.Equal(start, s.log.FirstOffset())
	s.True(s.reg.Search(Criteria{LocalXid: 101})[0].OnDisk)

	s.Nil(s.reg.Forget(s.ctx, b))
	_, err = s.reg.Checkpoint(s.ctx)
	s.Nil(err)
	s.Empty(s.log.Records())
}

func (s *_registrySuite) TestCheckpointSkipsWhileInvalid() {
	s.register(1, 100, 1, 10, "px_1")

	block := make(chan struct{})
	s.log.OnAppend = func(rec *model.LogRecord) error {
		<-block
		return nil
	}
	done := make(chan error)
	go func() {
		_, err := s.reg.Register(s.ctx, 1, 101, 5, 1, 10, "px_2")
		done <- err
	}()
	s.Eventually(func() bool { return s.reg.Len() == 2 }, time.Second, time.Millisecond)

	off, err := s.reg.Checkpoint(s.ctx)
	s.Nil(err)
	s.Equal(int64(0), off)
	s.Len(s.reg.List(), 1)

	close(block)
	s.Nil(<-done)
	s.Len(s.reg.List(), 2)
}

func (s *_registrySuite) TestCheckpointKeepsLiveInsert() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s.reg.Checkpoint(s.ctx)
		}
	}()

	lost := 0
	for i := 0; i < 500; i++ {
		p, err := s.reg.Register(s.ctx, 1, uint64(1000+i), 5, 1, 10, "px_live")
		s.Require().Nil(err)
		recs, err := s.log.ScanUnresolvedSince(s.ctx, 0)
		s.Require().Nil(err)
		if len(recs) != 1 || recs[0].LocalXid != p.LocalXid {
			lost++
		}
		s.Require().Nil(s.reg.Forget(s.ctx, p))
	}
	close(stop)
	wg.Wait()
	s.Equal(0, lost)
}

func (s *_registrySuite) TestResolveAndRemoveMatching() {
	s.register(1, 100, 1, 10, "px_1")
	s.register(1, 100, 2, 20, "px_2")
	s.register(1, 200, 1, 10, "px_3")
	s.reg.Handoff(1, 100, true)
	s.reg.Handoff(1, 200, true)

	n, err := s.reg.ResolveMatching(s.ctx, Criteria{LocalXid: 100, EndpointId: 1}, 3, s.pool)
	s.Nil(err)
	s.Equal(1, n)
	s.Equal([]bool{false}, s.dialer.Endpoint(1).Resolutions("px_1"))

	n, err = s.reg.RemoveMatching(s.ctx, Criteria{EndpointId: 1}, 3)
	s.Nil(err)
	s.Equal(1, n)
	s.True(s.dialer.Endpoint(1).IsPrepared("px_3"))
	s.Equal(1, s.reg.Len())
}
