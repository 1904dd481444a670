package sgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

func init() {
	encoding.RegisterCodec(customPbCodec{})
}

func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.DialContext(ctx, target, opts...)
}

// Invoke calls method with a raw payload and returns the raw reply.
func Invoke(ctx context.Context, cc *grpc.ClientConn, method string, payload []byte) ([]byte, error) {
	out := []byte{}
	err := cc.Invoke(ctx, method, payload, &out)
	return out, err
}

// customPbCodec passes []byte through untouched so services can exchange
// JSON without generated stubs; proto messages are still marshalled.
type customPbCodec struct {
}

func (c customPbCodec) Name() string {
	return "proto"
}

func (c customPbCodec) Marshal(v interface{}) ([]byte, error) {
	switch vv := v.(type) {
	case []byte:
		return vv, nil
	case *[]byte:
		return *vv, nil
	}
	return proto.Marshal(v.(proto.Message))
}

func (c customPbCodec) Unmarshal(data []byte, v interface{}) error {
	switch vv := v.(type) {
	case *[]byte:
		*vv = append((*vv)[:0], data...)
	default:
		return proto.Unmarshal(data, v.(proto.Message))
	}
	return nil
}
