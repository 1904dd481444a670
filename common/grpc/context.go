package sgrpc

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/ikenchina/fdwxact/define"
)

func ParseContextToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if tokens := md.Get(define.AdminTokenMetadata); len(tokens) > 0 {
		return tokens[0]
	}
	return ""
}

func SetTokenToOutgoingContext(ctx context.Context, token string) context.Context {
	if len(token) == 0 {
		return ctx
	}
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.MD{}
	} else {
		md = md.Copy()
	}
	md.Set(define.AdminTokenMetadata, token)
	return metadata.NewOutgoingContext(ctx, md)
}
