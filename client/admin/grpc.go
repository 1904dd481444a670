package admin

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	sgrpc "github.com/ikenchina/fdwxact/common/grpc"
	"github.com/ikenchina/fdwxact/define"
)

const serviceName = "/fdwxact.Admin/"

type GrpcClient struct {
	cc    *grpc.ClientConn
	token string
}

func NewGrpcClient(ctx context.Context, target string, token string) (*GrpcClient, error) {
	cc, err := sgrpc.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	return &GrpcClient{cc: cc, token: token}, nil
}

func (cli *GrpcClient) invoke(ctx context.Context, method string, privileged bool, req interface{}, resp interface{}) error {
	var payload []byte
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		payload = data
	}
	if privileged {
		ctx = sgrpc.SetTokenToOutgoingContext(ctx, cli.token)
	}
	out, err := sgrpc.Invoke(ctx, cli.cc, serviceName+method, payload)
	if err != nil {
		return err
	}
	if resp == nil || len(out) == 0 {
		return nil
	}
	return json.Unmarshal(out, resp)
}

func (cli *GrpcClient) ListResolvers(ctx context.Context) ([]define.ResolverRow, error) {
	resp := &define.ResolversResponse{}
	if err := cli.invoke(ctx, "ListResolvers", false, nil, resp); err != nil {
		return nil, err
	}
	return resp.Resolvers, nil
}

func (cli *GrpcClient) StopResolver(ctx context.Context, dbid uint32) error {
	return cli.invoke(ctx, "StopResolver", true, &define.StopResolverRequest{DbId: dbid}, nil)
}

func (cli *GrpcClient) ListXacts(ctx context.Context, f define.XactFilter) ([]define.XactRow, error) {
	resp := &define.XactsResponse{}
	if err := cli.invoke(ctx, "ListXacts", false, &f, resp); err != nil {
		return nil, err
	}
	return resp.Xacts, nil
}

func (cli *GrpcClient) ResolveXacts(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error) {
	resp := &define.XactsActionResponse{}
	if err := cli.invoke(ctx, "ResolveXacts", true, &f, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (cli *GrpcClient) RemoveXacts(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error) {
	resp := &define.XactsActionResponse{}
	if err := cli.invoke(ctx, "RemoveXacts", true, &f, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (cli *GrpcClient) Close() error {
	return cli.cc.Close()
}
