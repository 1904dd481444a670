package xact

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ikenchina/fdwxact/common/idgenerator"
	"github.com/ikenchina/fdwxact/common/metrics"
	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/catalog"
	"github.com/ikenchina/fdwxact/tc/app/conn"
	"github.com/ikenchina/fdwxact/tc/app/registry"
	"github.com/ikenchina/fdwxact/tc/app/waitqueue"
)

var (
	ErrTxnInProgress = errors.New("transaction is already in progress")
	ErrNoTxn         = errors.New("no transaction is in progress")
	ErrTxnDone       = errors.New("transaction is already committed or rolled back")
	ErrNoSavepoint   = errors.New("no savepoint to release or roll back")
	ErrSessionClosed = errors.New("session is closed")
)

var (
	commitTimer = metrics.NewTimer("fdwxact", "xact", "commit", "distributed commit timer", []string{"protocol", "mode", "ret"},
		metrics.WithTimerBuckets(metrics.RemoteBuckets))
	sessionGauge   = metrics.NewGaugeVec("fdwxact", "xact", "sessions", "open sessions", []string{})
	handoffCounter = metrics.NewCounterVec("fdwxact", "xact", "handoffs", "participants handed to resolvers", []string{"mode"})
)

// Waker is the part of the launcher a committing session talks to.
type Waker interface {
	LaunchOrWakeup(dbid uint32)
}

// Manager is the process-wide entry point for sessions that run distributed
// transactions.
type Manager struct {
	reg     *registry.Registry
	queue   *waitqueue.Queue
	waker   Waker
	catalog catalog.Catalog
	dialer  conn.Dialer

	xids   idgenerator.IdGenerator
	owners idgenerator.IdGenerator

	mu   sync.RWMutex
	mode define.ResolveMode
}

type Options struct {
	Mode define.ResolveMode
	// local transaction ids, a snowflake generator in production
	Xids idgenerator.IdGenerator
}

func NewManager(reg *registry.Registry, queue *waitqueue.Queue, waker Waker, cat catalog.Catalog, dialer conn.Dialer,
	opts Options) *Manager {
	mode := opts.Mode
	if mode == "" {
		mode = define.ResolveWait
	}
	return &Manager{
		reg:     reg,
		queue:   queue,
		waker:   waker,
		catalog: cat,
		dialer:  dialer,
		xids:    opts.Xids,
		owners:  idgenerator.NewSequence(0),
		mode:    mode,
	}
}

func (m *Manager) Mode() define.ResolveMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *Manager) SetMode(mode define.ResolveMode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// NewSession opens a session on database dbid. Privileged sessions may use
// credentials without a secret.
func (m *Manager) NewSession(dbid uint32, privileged bool) (*Session, error) {
	owner, err := m.owners.NextId()
	if err != nil {
		return nil, err
	}
	s := &Session{
		mgr:        m,
		owner:      owner,
		dbid:       dbid,
		privileged: privileged,
	}
	s.pool = conn.NewPool(m.catalog, m.dialer, s)
	sessionGauge.Inc()
	return s, nil
}

// NewPrepareId returns a prepared transaction id unique with high probability.
func NewPrepareId(dbid, endpoint, credential uint32) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	id := fmt.Sprintf("fx_%s_%d_%d_%d", random, dbid, endpoint, credential)
	if len(id) > define.MaxPrepareIdLen {
		id = id[:define.MaxPrepareIdLen]
	}
	return id
}
