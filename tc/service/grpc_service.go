package service

import (
	"context"
	"encoding/json"
	"fmt"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ikenchina/fdwxact/common/errorutil"
	sgrpc "github.com/ikenchina/fdwxact/common/grpc"
	logutil "github.com/ikenchina/fdwxact/common/log"
	"github.com/ikenchina/fdwxact/common/metrics"
	"github.com/ikenchina/fdwxact/define"
)

const AdminServiceName = "fdwxact.Admin"

var (
	grpcHandleTimer = metrics.NewTimer("fdwxact", "grpc_server", "handler", "grpc handler metrics", []string{"method", "code"})
)

// AdminServer is the grpc admin service. Requests and replies are JSON
// documents of the define package carried by the byte codec.
type AdminServer interface {
	ListResolvers(ctx context.Context, in []byte) ([]byte, error)
	StopResolver(ctx context.Context, in []byte) ([]byte, error)
	ListXacts(ctx context.Context, in []byte) ([]byte, error)
	ResolveXacts(ctx context.Context, in []byte) ([]byte, error)
	RemoveXacts(ctx context.Context, in []byte) ([]byte, error)
}

func adminHandler(method string, call func(srv AdminServer, ctx context.Context, in []byte) ([]byte, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := []byte{}
			if err := dec(&in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + AdminServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AdminServer), ctx, req.([]byte))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		adminHandler("ListResolvers", AdminServer.ListResolvers),
		adminHandler("StopResolver", AdminServer.StopResolver),
		adminHandler("ListXacts", AdminServer.ListXacts),
		adminHandler("ResolveXacts", AdminServer.ResolveXacts),
		adminHandler("RemoveXacts", AdminServer.RemoveXacts),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fdwxact/admin",
}

func (s *FdwXactService) newGrpcServer() *grpc.Server {
	logger := logutil.Logger(context.Background())
	server := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpcMetricsInterceptor,
			grpc_zap.UnaryServerInterceptor(logger),
			grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandlerContext(
				func(ctx context.Context, p interface{}) error {
					logutil.Logger(ctx).Error("grpc handler panic", zap.Any("panic", p), zap.ByteString("stack", errorutil.Stack()))
					return status.Errorf(codes.Internal, "%v", p)
				})),
		)),
	)
	server.RegisterService(&adminServiceDesc, s)
	return server
}

func grpcMetricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (interface{}, error) {
	timer := grpcHandleTimer.Timer()
	resp, err := handler(ctx, req)
	timer(info.FullMethod, status.Code(err).String())
	return resp, err
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(toGrpcStatusCode(err), err.Error())
}

func grpcDecode(in []byte, v interface{}) error {
	if len(in) == 0 {
		return nil
	}
	if err := json.Unmarshal(in, v); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid request : %v", err))
	}
	return nil
}

func (s *FdwXactService) ListResolvers(ctx context.Context, in []byte) ([]byte, error) {
	return json.Marshal(&define.ResolversResponse{Resolvers: s.listResolvers()})
}

func (s *FdwXactService) StopResolver(ctx context.Context, in []byte) ([]byte, error) {
	if err := s.authorize(sgrpc.ParseContextToken(ctx)); err != nil {
		return nil, grpcError(err)
	}
	req := define.StopResolverRequest{}
	if err := grpcDecode(in, &req); err != nil {
		return nil, err
	}
	if err := s.stopResolver(ctx, req.DbId); err != nil {
		return nil, grpcError(err)
	}
	return json.Marshal(&define.AdminResponse{})
}

func (s *FdwXactService) ListXacts(ctx context.Context, in []byte) ([]byte, error) {
	filter := define.XactFilter{}
	if err := grpcDecode(in, &filter); err != nil {
		return nil, err
	}
	return json.Marshal(&define.XactsResponse{Xacts: s.listXacts(filter)})
}

func (s *FdwXactService) ResolveXacts(ctx context.Context, in []byte) ([]byte, error) {
	return s.grpcXactsAction(ctx, in, s.resolveXacts)
}

func (s *FdwXactService) RemoveXacts(ctx context.Context, in []byte) ([]byte, error) {
	return s.grpcXactsAction(ctx, in, s.removeXacts)
}

func (s *FdwXactService) grpcXactsAction(ctx context.Context, in []byte,
	action func(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error)) ([]byte, error) {
	if err := s.authorize(sgrpc.ParseContextToken(ctx)); err != nil {
		return nil, grpcError(err)
	}
	filter := define.XactFilter{}
	if err := grpcDecode(in, &filter); err != nil {
		return nil, err
	}
	resp, err := action(ctx, filter)
	if err != nil {
		return nil, grpcError(err)
	}
	return json.Marshal(resp)
}
