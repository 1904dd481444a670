package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/define"
	"github.com/ikenchina/fdwxact/tc/app/registry"
	"github.com/ikenchina/fdwxact/tc/app/resolver"
)

var errInvalidArgument = errors.New("invalid argument")

// authorize checks the admin token of a privileged call. An empty AdminToken
// disables privileged calls altogether.
func (s *FdwXactService) authorize(token string) error {
	want := s.cfg.AdminToken
	if len(want) == 0 || subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return define.ErrPermissionDenied
	}
	return nil
}

func toCriteria(f define.XactFilter) registry.Criteria {
	return registry.Criteria{
		LocalXid:     f.Xid,
		DbId:         f.DbId,
		EndpointId:   f.Endpoint,
		CredentialId: f.Credential,
	}
}

func toXactRow(v registry.View) define.XactRow {
	return define.XactRow{
		DbId:         v.DbId,
		Xid:          v.LocalXid,
		Endpoint:     v.EndpointId,
		Credential:   v.CredentialId,
		Status:       v.Status,
		Identifier:   v.Identifier,
		InDoubt:      v.InDoubt,
		OnDisk:       v.OnDisk,
		Locked:       v.Locked,
		InProcessing: v.InProcessing,
	}
}

func (s *FdwXactService) listResolvers() []define.ResolverRow {
	stats := s.launcher.Resolvers()
	rows := make([]define.ResolverRow, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, define.ResolverRow{
			Pid:                st.Pid,
			DbId:               st.DbId,
			StartTime:          st.StartTime,
			LastResolutionTime: st.LastResolutionTime,
		})
	}
	return rows
}

func (s *FdwXactService) stopResolver(ctx context.Context, dbid uint32) error {
	if dbid == 0 {
		return errInvalidArgument
	}
	err := s.launcher.StopResolver(ctx, dbid)
	if err == nil {
		logutil.Logger(ctx).Info("resolver stopped by admin", zap.Uint32("dbid", dbid))
	}
	return err
}

func (s *FdwXactService) listXacts(f define.XactFilter) []define.XactRow {
	views := s.registry.Search(toCriteria(f))
	rows := make([]define.XactRow, 0, len(views))
	for _, v := range views {
		rows = append(rows, toXactRow(v))
	}
	return rows
}

func (s *FdwXactService) resolveXacts(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error) {
	holder, err := s.ids.NextId()
	if err != nil {
		return nil, err
	}
	c := toCriteria(f)
	before := s.registry.Search(c)

	remote := resolver.PoolFactory(s.catalog, s.dialer)(f.DbId)
	defer remote.Close(ctx)
	_, err = s.registry.ResolveMatching(ctx, c, holder, remote)
	return s.actionResponse(before, c), err
}

func (s *FdwXactService) removeXacts(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error) {
	holder, err := s.ids.NextId()
	if err != nil {
		return nil, err
	}
	c := toCriteria(f)
	before := s.registry.Search(c)
	_, err = s.registry.RemoveMatching(ctx, c, holder)
	return s.actionResponse(before, c), err
}

// actionResponse reports every row seen before the action, marking the ones
// that left the registry as resolved.
func (s *FdwXactService) actionResponse(before []registry.View, c registry.Criteria) *define.XactsActionResponse {
	type key struct {
		xid        uint64
		endpoint   uint32
		credential uint32
	}
	remaining := make(map[key]registry.View)
	for _, v := range s.registry.Search(c) {
		remaining[key{v.LocalXid, v.EndpointId, v.CredentialId}] = v
	}

	resp := &define.XactsActionResponse{Xacts: make([]define.XactRow, 0, len(before))}
	for _, v := range before {
		if now, ok := remaining[key{v.LocalXid, v.EndpointId, v.CredentialId}]; ok {
			resp.Xacts = append(resp.Xacts, toXactRow(now))
			continue
		}
		row := toXactRow(v)
		row.Status = define.StatusResolved
		resp.Xacts = append(resp.Xacts, row)
		resp.Finished++
	}
	return resp
}

func toHttpStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, define.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, errInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrNoResolver):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func toGrpcStatusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, define.ErrPermissionDenied):
		return codes.PermissionDenied
	case errors.Is(err, errInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, resolver.ErrNoResolver):
		return codes.NotFound
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}
