package resolver

import (
	"context"
	"time"

	"github.com/ikenchina/fdwxact/tc/app/catalog"
	"github.com/ikenchina/fdwxact/tc/app/conn"
	"github.com/ikenchina/fdwxact/tc/app/registry"
	"github.com/ikenchina/fdwxact/tc/config"
)

const (
	DefaultNaptime       = 3 * time.Minute
	DefaultTimeout       = 60 * time.Second
	DefaultRetryInterval = 10 * time.Second
)

// Timing holds the reloadable settings of the launcher and its workers.
type Timing struct {
	Naptime       time.Duration
	Timeout       time.Duration
	RetryInterval time.Duration
	// remote resolutions per second per worker, 0 is unlimited
	RateLimit int
}

func TimingFromConfig(c *config.FdwXactConfig) Timing {
	t := Timing{
		Naptime:       c.NaptimePerCycle.D(),
		Timeout:       c.ResolverTimeout.D(),
		RetryInterval: c.ResolutionRetryInterval.D(),
		RateLimit:     c.ResolutionRateLimit,
	}
	return t.withDefaults()
}

func (t Timing) withDefaults() Timing {
	if t.Naptime <= 0 {
		t.Naptime = DefaultNaptime
	}
	if t.RetryInterval <= 0 {
		t.RetryInterval = DefaultRetryInterval
	}
	if t.Timeout < 0 {
		t.Timeout = 0
	}
	return t
}

// RemoteConn is the per-worker connection used to resolve prepared transactions.
type RemoteConn interface {
	registry.RemoteResolver
	Close(ctx context.Context) error
}

// ConnFactory opens the remote connections of a worker serving dbid.
type ConnFactory func(dbid uint32) RemoteConn

type workerSession struct{}

func (workerSession) NestLevel() int                                           { return 1 }
func (workerSession) Privileged() bool                                         { return true }
func (workerSession) Serializable() bool                                       { return false }
func (workerSession) OnRemoteXactStart(*catalog.Endpoint, *catalog.Credential) {}

// PoolFactory gives each worker its own privileged connection pool.
func PoolFactory(cat catalog.Catalog, dialer conn.Dialer) ConnFactory {
	return func(dbid uint32) RemoteConn {
		return conn.NewPool(cat, dialer, workerSession{})
	}
}
