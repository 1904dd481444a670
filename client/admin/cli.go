package admin

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	shttp "github.com/ikenchina/fdwxact/common/http"
	"github.com/ikenchina/fdwxact/define"
)

var ErrInvalidServer = errors.New("invalid server address")

// Client is the admin surface of a running coordinator.
type Client interface {
	ListResolvers(ctx context.Context) ([]define.ResolverRow, error)
	StopResolver(ctx context.Context, dbid uint32) error
	ListXacts(ctx context.Context, f define.XactFilter) ([]define.XactRow, error)
	ResolveXacts(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error)
	RemoveXacts(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error)
	Close() error
}

type HttpClient struct {
	server string
	token  string
}

// NewHttpClient talks to server, e.g. "http://127.0.0.1:18080". token is
// only sent on privileged calls.
func NewHttpClient(server string, token string) (*HttpClient, error) {
	if !shttp.IsValidUrl(server) {
		return nil, fmt.Errorf("%w : %s", ErrInvalidServer, server)
	}
	return &HttpClient{server: server, token: token}, nil
}

func (cli *HttpClient) ListResolvers(ctx context.Context) ([]define.ResolverRow, error) {
	resp := &define.ResolversResponse{}
	_, err := shttp.GetJson(ctx, "", cli.server+"/fdwxact/resolvers", resp)
	if err != nil {
		return nil, err
	}
	return resp.Resolvers, nil
}

func (cli *HttpClient) StopResolver(ctx context.Context, dbid uint32) error {
	_, err := shttp.DeleteJson(ctx, cli.token, cli.server+"/fdwxact/resolvers/"+strconv.FormatUint(uint64(dbid), 10), nil)
	return err
}

func (cli *HttpClient) ListXacts(ctx context.Context, f define.XactFilter) ([]define.XactRow, error) {
	q := url.Values{}
	if f.Xid != 0 {
		q.Set("xid", strconv.FormatUint(f.Xid, 10))
	}
	if f.DbId != 0 {
		q.Set("dbid", strconv.FormatUint(uint64(f.DbId), 10))
	}
	if f.Endpoint != 0 {
		q.Set("endpoint", strconv.FormatUint(uint64(f.Endpoint), 10))
	}
	if f.Credential != 0 {
		q.Set("credential", strconv.FormatUint(uint64(f.Credential), 10))
	}
	u := cli.server + "/fdwxact/xacts"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	resp := &define.XactsResponse{}
	_, err := shttp.GetJson(ctx, "", u, resp)
	if err != nil {
		return nil, err
	}
	return resp.Xacts, nil
}

func (cli *HttpClient) ResolveXacts(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error) {
	resp := &define.XactsActionResponse{}
	_, err := shttp.PostJson(ctx, cli.token, cli.server+"/fdwxact/xacts/resolve", f, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (cli *HttpClient) RemoveXacts(ctx context.Context, f define.XactFilter) (*define.XactsActionResponse, error) {
	resp := &define.XactsActionResponse{}
	_, err := shttp.PostJson(ctx, cli.token, cli.server+"/fdwxact/xacts/remove", f, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (cli *HttpClient) Close() error {
	return nil
}
