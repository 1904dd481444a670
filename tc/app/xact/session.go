package xact

import (
	"context"
	"sync"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/tc/app/catalog"
	"github.com/ikenchina/fdwxact/tc/app/conn"
)

// Session is one local client session. It runs at most one transaction at a
// time and is not safe for concurrent use.
type Session struct {
	mgr        *Manager
	owner      int64
	dbid       uint32
	privileged bool
	pool       *conn.Pool

	txn    *Txn
	closed bool
	once   sync.Once
}

type TxnOptions struct {
	Serializable bool
}

func (s *Session) Owner() int64 {
	return s.owner
}

func (s *Session) DbId() uint32 {
	return s.dbid
}

// Begin starts a local transaction.
func (s *Session) Begin(ctx context.Context, opts TxnOptions) (*Txn, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.txn != nil {
		return nil, ErrTxnInProgress
	}
	xid, err := s.mgr.xids.NextId()
	if err != nil {
		return nil, err
	}
	s.txn = &Txn{
		session:      s,
		xid:          uint64(xid),
		level:        1,
		serializable: opts.Serializable,
		branches:     make(map[uint32]*branch),
	}
	return s.txn, nil
}

// Close rolls back an open transaction, closes remote connections and
// releases every participant this session still holds.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		if s.txn != nil {
			if rerr := s.txn.Rollback(ctx); rerr != nil {
				logutil.Logger(ctx).Warn("rollback on session close", zap.Error(rerr))
			}
		}
		s.closed = true
		err = s.pool.Close(ctx)
		if n := s.mgr.reg.ReleaseOwner(ctx, s.owner); n > 0 {
			s.mgr.waker.LaunchOrWakeup(s.dbid)
		}
		sessionGauge.Dec()
	})
	return err
}

// NestLevel is the local subtransaction depth, 1 for the main transaction.
func (s *Session) NestLevel() int {
	if s.txn == nil {
		return 1
	}
	return s.txn.level
}

func (s *Session) Privileged() bool {
	return s.privileged
}

func (s *Session) Serializable() bool {
	return s.txn != nil && s.txn.serializable
}

func (s *Session) OnRemoteXactStart(ep *catalog.Endpoint, cred *catalog.Credential) {
	if s.txn == nil {
		return
	}
	s.txn.addBranch(ep, cred)
}
