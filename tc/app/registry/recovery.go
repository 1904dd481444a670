package registry

import (
	"context"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/define"
)

// Recover rebuilds the entries the durable log still holds. Recovered entries
// belong to no session; undecided ones are presumed aborted.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	recs, err := r.log.ScanUnresolvedSince(ctx, 0)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range recs {
		st := rec.Status
		if !st.Decided() {
			st = define.StatusAborting
		}
		p := &Participant{
			LocalXid:     rec.LocalXid,
			DbId:         rec.DbId,
			EndpointId:   rec.EndpointId,
			CredentialId: rec.CredentialId,
			Identifier:   rec.Identifier,
			status:       st,
			logStart:     rec.Id,
			logEnd:       rec.Id + 1,
			valid:        true,
			onDisk:       true,
			inRecovery:   true,
		}
		if err := r.insertLocked(p); err != nil {
			return n, err
		}
		r.noteOffset(p.logEnd)
		n++
	}
	if n > 0 {
		logutil.Logger(ctx).Info("recovered foreign transaction participants", zap.Int("count", n))
	}
	return n, nil
}

// Checkpoint truncates the log below the oldest live participant. Nothing is
// truncated while a participant is still being written.
func (r *Registry) Checkpoint(ctx context.Context) (int64, error) {
	r.mu.RLock()
	oldest := int64(math.MaxInt64)
	live := make([]*Participant, 0, len(r.active))
	for _, p := range r.active {
		p.mu.Lock()
		valid, start := p.valid, p.logStart
		p.mu.Unlock()
		if !valid {
			r.mu.RUnlock()
			logutil.Logger(ctx).Debug("skip checkpoint, participant not yet durable",
				zap.String("identifier", p.Identifier))
			return 0, nil
		}
		if start < oldest {
			oldest = start
		}
		live = append(live, p)
	}
	// a register after the unlock appends at or above lastEnd
	if len(live) == 0 {
		oldest = r.loadLastEnd()
	}
	r.mu.RUnlock()

	if oldest <= 0 {
		return 0, nil
	}
	if err := r.log.TruncateBefore(ctx, oldest); err != nil {
		return 0, err
	}
	for _, p := range live {
		p.mu.Lock()
		p.onDisk = true
		p.mu.Unlock()
	}
	return oldest, nil
}

// ResolveMatching resolves every participant matching c that nobody holds.
// Undecided participants are rolled back.
func (r *Registry) ResolveMatching(ctx context.Context, c Criteria, holder int64, remote RemoteResolver) (int, error) {
	held := r.BeginResolution(r.collect(c.match), holder)
	defer r.Release(held, holder)

	var errs error
	n := 0
	for _, p := range held {
		if _, err := r.ResolveDetached(ctx, p, holder, remote); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	return n, errs
}

// ResolveDetached resolves a participant whose local transaction is gone:
// as recorded when decided, as an abort otherwise.
func (r *Registry) ResolveDetached(ctx context.Context, p *Participant, holder int64, remote RemoteResolver) (Outcome, error) {
	if p.Status().Decided() {
		return r.ResolveDecided(ctx, p, holder, remote)
	}
	return r.Resolve(ctx, p, false, holder, remote)
}

// RemoveMatching forgets every matching participant nobody holds without
// contacting its endpoint.
func (r *Registry) RemoveMatching(ctx context.Context, c Criteria, holder int64) (int, error) {
	held := r.BeginResolution(r.collect(c.match), holder)
	defer r.Release(held, holder)

	var errs error
	n := 0
	for _, p := range held {
		if err := r.Forget(ctx, p); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		logutil.Logger(ctx).Warn("removed foreign transaction participant without resolution",
			zap.String("identifier", p.Identifier), zap.Uint32("endpoint", p.EndpointId))
		n++
	}
	return n, errs
}
