package resolver

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/ikenchina/fdwxact/common/errorutil"
	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/common/metrics"
	"github.com/ikenchina/fdwxact/common/operator"
	"github.com/ikenchina/fdwxact/tc/app/conn"
	"github.com/ikenchina/fdwxact/tc/app/registry"
	"github.com/ikenchina/fdwxact/tc/app/waitqueue"
)

var (
	cycleTimer    = metrics.NewTimer("fdwxact", "resolver", "cycle", "resolver cycle timer", []string{"ret"})
	workerCounter = metrics.NewCounterVec("fdwxact", "resolver", "exits", "resolver worker exits", []string{"reason"})
)

// Worker resolves the participants of one database.
type Worker struct {
	pid  int64
	dbid uint32
	slot *Slot
	wake chan Event

	launcher *Launcher
	reg      *registry.Registry
	queue    *waitqueue.Queue
	remote   RemoteConn

	timing  Timing
	limiter ratelimit.Limiter

	lastResolution time.Time
	nextWaiter     time.Time

	// held marks the participants this worker has in processing
	held              []*registry.Participant
	processingInDoubt bool
	inDoubtLeft       bool
}

func newLimiter(rate int) ratelimit.Limiter {
	if rate <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(rate)
}

func (w *Worker) reconfigure() {
	t := w.launcher.Timing()
	if t.RateLimit != w.timing.RateLimit || w.limiter == nil {
		w.limiter = newLimiter(t.RateLimit)
	}
	w.timing = t
}

// Run is the worker loop. It returns nil on idle timeout or shutdown.
func (w *Worker) Run(ctx context.Context) (err error) {
	logger := logutil.Logger(ctx)
	logger.Info("resolver started")
	defer w.exit(ctx, &err)

	w.reconfigure()
	w.lastResolution = time.Now()
	w.launcher.slots.SetLastResolution(w.slot, w.lastResolution)

	for {
		observe := cycleTimer.Timer()
		resolved, cerr := w.cycle(ctx)
		observe(operator.Result(cerr))
		if ctx.Err() != nil {
			return nil
		}

		now := time.Now()
		if resolved > 0 {
			w.lastResolution = now
			w.launcher.slots.SetLastResolution(w.slot, now)
		}

		if w.timedOut(now) {
			detached := w.queue.DetachIfIdle(w.dbid, func() {
				w.launcher.slots.Free(w.slot, w.pid)
			})
			if detached {
				logger.Info("resolver stops because of the idle timeout", zap.Duration("timeout", w.timing.Timeout))
				workerCounter.Inc("timeout")
				return nil
			}
		}

		timer := time.NewTimer(w.sleepTime(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev := <-w.wake:
			timer.Stop()
			if ev == Shutdown || w.launcher.slots.Stopping(w.slot) {
				return nil
			}
			// wakes coalesce, so any event may stand for a dropped reload
			w.reconfigure()
		case <-timer.C:
		}
	}
}

// cycle drains due waiters, then the in-doubt participants of the database.
func (w *Worker) cycle(ctx context.Context) (int, error) {
	n, err := w.drainWaiters(ctx)
	if ctx.Err() != nil {
		return n, err
	}
	m, ierr := w.drainInDoubt(ctx)
	return n + m, multierr.Append(err, ierr)
}

func (w *Worker) drainWaiters(ctx context.Context) (int, error) {
	var errs error
	n := 0
	for {
		waiter, next := w.queue.NextDue(w.dbid, time.Now())
		if waiter == nil {
			w.nextWaiter = next
			return n, errs
		}

		w.held = w.reg.HoldForTransaction(waiter.Xid, w.pid)
		resolved, err := w.resolveHeld(ctx)
		n += resolved

		if len(w.reg.Lookup(waiter.Xid)) == 0 {
			w.queue.Complete(waiter, nil)
			continue
		}
		errs = multierr.Append(errs, err)
		w.queue.Reschedule(waiter, time.Now().Add(w.timing.RetryInterval))
		if ctx.Err() != nil {
			return n, errs
		}
	}
}

func (w *Worker) drainInDoubt(ctx context.Context) (int, error) {
	w.held = w.reg.HoldInDoubt(w.dbid, w.pid)
	if len(w.held) == 0 {
		w.inDoubtLeft = false
		return 0, nil
	}
	total := len(w.held)
	w.processingInDoubt = true
	n, err := w.resolveHeld(ctx)
	w.processingInDoubt = false
	w.inDoubtLeft = n < total
	return n, err
}

// resolveHeld resolves and releases w.held.
func (w *Worker) resolveHeld(ctx context.Context) (int, error) {
	defer func() {
		w.reg.Release(w.held, w.pid)
		w.held = nil
	}()

	var errs error
	n := 0
	for _, p := range w.held {
		if ctx.Err() != nil {
			return n, multierr.Append(errs, ctx.Err())
		}
		w.limiter.Take()
		out, err := w.reg.ResolveDetached(ctx, p, w.pid, w.remote)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				conn.ReportRemoteError(ctx, "could not resolve foreign transaction",
					strconv.FormatUint(uint64(p.EndpointId), 10), err)
			}
			errs = multierr.Append(errs, err)
			continue
		}
		logutil.Logger(ctx).Debug("resolved foreign transaction",
			zap.String("identifier", p.Identifier), zap.Stringer("outcome", out))
		n++
	}
	return n, errs
}

func (w *Worker) timedOut(now time.Time) bool {
	return w.timing.Timeout > 0 && now.Sub(w.lastResolution) >= w.timing.Timeout
}

// sleepTime is the earliest of the naptime, the idle timeout and the next waiter.
func (w *Worker) sleepTime(now time.Time) time.Duration {
	d := w.timing.Naptime
	if w.timing.Timeout > 0 {
		if remain := w.lastResolution.Add(w.timing.Timeout).Sub(now); remain < d {
			d = remain
		}
	}
	if !w.nextWaiter.IsZero() {
		if until := w.nextWaiter.Sub(now); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// exit releases what the worker still holds and tells the launcher.
func (w *Worker) exit(ctx context.Context, err *error) {
	if len(w.held) > 0 {
		w.reg.Release(w.held, w.pid)
		w.held = nil
	}
	errorutil.LogErrors(ctx, "close resolver connection", w.remote.Close(context.Background()))
	w.launcher.slots.Free(w.slot, w.pid)

	retry := w.processingInDoubt || w.inDoubtLeft
	if *err != nil {
		workerCounter.Inc("error")
	} else if ctx.Err() != nil {
		workerCounter.Inc("stopped")
	}
	logutil.Logger(ctx).Info("resolver exited", zap.Bool("retry", retry), zap.NamedError("cause", *err))
	if retry {
		w.launcher.RequestRetry()
	} else {
		w.launcher.RequestLaunch()
	}
}
