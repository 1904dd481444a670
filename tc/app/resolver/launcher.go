package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/common/metrics"
	"github.com/ikenchina/fdwxact/common/operator"
	"github.com/ikenchina/fdwxact/common/slice"
	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/registry"
	"github.com/ikenchina/fdwxact/tc/app/waitqueue"
)

var (
	ErrLauncherClosed  = errors.New("launcher is closed")
	ErrLauncherStarted = errors.New("launcher is already started")
)

var (
	launchCounter = metrics.NewCounterVec("fdwxact", "launcher", "launches", "resolver launches", []string{"ret"})
	resolverGauge = metrics.NewGaugeVec("fdwxact", "launcher", "resolvers", "running resolvers", []string{})
)

// Launcher starts one resolver per database with participants to resolve.
type Launcher struct {
	reg     *registry.Registry
	queue   *waitqueue.Queue
	slots   *SlotTable
	sup     Supervisor
	newConn ConnFactory

	mu        sync.Mutex
	timing    Timing
	handle    Handle
	events    chan Event
	launchNow int32
	closed    int32
}

type Options struct {
	MaxResolvers int
	Timing       Timing
}

func NewLauncher(reg *registry.Registry, queue *waitqueue.Queue, sup Supervisor, newConn ConnFactory, opts Options) *Launcher {
	l := &Launcher{
		reg:     reg,
		queue:   queue,
		slots:   NewSlotTable(opts.MaxResolvers),
		sup:     sup,
		newConn: newConn,
		timing:  opts.Timing.withDefaults(),
		events:  make(chan Event, 1),
	}
	sup.Register(KindLauncher, l.run)
	sup.Register(KindResolver, l.runWorker)
	return l
}

func (l *Launcher) Timing() Timing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timing
}

func (l *Launcher) Start() error {
	if atomic.LoadInt32(&l.closed) == 1 {
		return ErrLauncherClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handle != nil {
		return ErrLauncherStarted
	}
	h, err := l.sup.StartWorker(KindLauncher, 0)
	if err != nil {
		return err
	}
	l.handle = h
	return nil
}

// Stop terminates the launcher, then every resolver, and waits for them.
func (l *Launcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	l.mu.Lock()
	h := l.handle
	l.mu.Unlock()
	if h != nil {
		notify(l.events, Shutdown)
		h.Stop()
		h.Wait()
	}

	handles := l.slots.Handles()
	for _, wh := range handles {
		wh.Stop()
	}
	for _, wh := range handles {
		wh.Wait()
	}
	return nil
}

// RequestLaunch makes the launcher scan for uncovered databases right away.
func (l *Launcher) RequestLaunch() {
	atomic.StoreInt32(&l.launchNow, 1)
	notify(l.events, LaunchNow)
}

// RequestRetry wakes the launcher; it launches only if the retry interval
// has passed since the last launch.
func (l *Launcher) RequestRetry() {
	notify(l.events, Retry)
}

// LaunchOrWakeup wakes the resolver of dbid, or requests a launch when there
// is none.
func (l *Launcher) LaunchOrWakeup(dbid uint32) {
	if wake, _, _, ok := l.slots.Lookup(dbid); ok {
		notify(wake, LaunchNow)
		return
	}
	l.RequestLaunch()
}

// ReloadConfig applies new timing settings to the launcher and all resolvers.
func (l *Launcher) ReloadConfig(t Timing) {
	l.mu.Lock()
	l.timing = t.withDefaults()
	l.mu.Unlock()
	notify(l.events, ReloadConfig)
	l.slots.Broadcast(ReloadConfig)
}

// StopResolver stops the resolver of dbid and waits until its slot is free.
func (l *Launcher) StopResolver(ctx context.Context, dbid uint32) error {
	h, freed, ok := l.slots.RequestStop(dbid)
	if !ok {
		return ErrNoResolver
	}
	if h != nil {
		h.Stop()
	}
	select {
	case <-freed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolvers reports running resolvers.
func (l *Launcher) Resolvers() []ResolverStat {
	return l.slots.Stats()
}

func (l *Launcher) run(ctx context.Context, pid int64, _ uint32) error {
	logger := logutil.Logger(ctx)
	logger.Info("resolver launcher started")
	defer logger.Info("resolver launcher stopped")

	var lastStart time.Time
	for {
		t := l.Timing()
		now := time.Now()
		wait := t.Naptime

		if atomic.SwapInt32(&l.launchNow, 0) == 1 || now.Sub(lastStart) >= t.RetryInterval {
			if l.relaunch(ctx) {
				lastStart = now
				wait = t.RetryInterval
			}
		} else {
			// woken too soon after a launch, likely a resolver crash
			wait = t.RetryInterval - now.Sub(lastStart)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev := <-l.events:
			timer.Stop()
			if ev == Shutdown {
				return nil
			}
		case <-timer.C:
		}
	}
}

// relaunch starts a resolver for every database that needs one and has none.
func (l *Launcher) relaunch(ctx context.Context) bool {
	dbs := slice.UniqueUint32(append(l.reg.DatabasesAwaitingResolution(), l.queue.Databases()...))

	launched := false
	for _, dbid := range dbs {
		if l.slots.Covered(dbid) {
			continue
		}
		err := l.launch(ctx, dbid)
		switch {
		case err == nil:
			launched = true
		case errors.Is(err, ErrAlreadyCovered):
		case errors.Is(err, define.ErrResourceExhausted):
			logutil.Logger(ctx).Warn("cannot launch resolver", zap.Uint32("dbid", dbid), zap.Error(err))
			return launched
		default:
			logutil.Logger(ctx).Error("launch resolver failed", zap.Uint32("dbid", dbid), zap.Error(err))
		}
	}
	return launched
}

func (l *Launcher) launch(ctx context.Context, dbid uint32) (err error) {
	defer func() {
		if !errors.Is(err, ErrAlreadyCovered) {
			launchCounter.Inc(operator.Result(err))
		}
	}()

	slot, err := l.slots.Assign(dbid)
	if err != nil {
		return err
	}
	gen := slot.gen
	h, err := l.sup.StartWorker(KindResolver, uint32(slot.index))
	if err != nil {
		l.slots.Free(slot, 0)
		return err
	}
	l.slots.Bind(slot, gen, h)
	logutil.Logger(ctx).Info("launched resolver", zap.Uint32("dbid", dbid), zap.Int64("pid", h.Pid()))
	return nil
}

func (l *Launcher) runWorker(ctx context.Context, pid int64, index uint32) error {
	slot, err := l.slots.Attach(int(index), pid)
	if err != nil {
		return err
	}
	resolverGauge.Inc()
	defer resolverGauge.Dec()

	w := &Worker{
		pid:      pid,
		dbid:     slot.dbid,
		slot:     slot,
		wake:     slot.wake,
		launcher: l,
		reg:      l.reg,
		queue:    l.queue,
		remote:   l.newConn(slot.dbid),
	}
	return w.Run(logutil.WithFields(ctx, zap.Uint32("dbid", slot.dbid)))
}
