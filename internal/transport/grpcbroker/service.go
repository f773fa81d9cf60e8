// Package grpcbroker exposes any transport backend over gRPC so that workers without direct
// broker access (or on another network) can send and receive through the orchestrator host.
//
// The service uses protobuf well-known types only:
//
//	Send(BytesValue) → Empty        envelope JSON; address in metadata "x-stageflow-address"
//	Next(StringValue) → BytesValue  long poll on an address; lease token in response header
//	Ack(StringValue) → Empty        settle by lease token
//	Nack(StringValue) → Empty
package grpcbroker

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "stageflow.broker.v1.Broker"

	MetadataAddress = "x-stageflow-address"
	MetadataToken   = "x-stageflow-token"
	MetadataCount   = "x-stageflow-delivery-count"
)

// BrokerServer is the server side of the broker service.
type BrokerServer interface {
	Send(ctx context.Context, env *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Next(ctx context.Context, addr *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Ack(ctx context.Context, token *wrapperspb.StringValue) (*emptypb.Empty, error)
	Nack(ctx context.Context, token *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// RegisterBrokerServer registers srv on s.
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, newReq func() *Req, call func(BrokerServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BrokerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BrokerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the broker service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Send",
			Handler: unaryHandler("Send", func() *wrapperspb.BytesValue { return new(wrapperspb.BytesValue) },
				func(s BrokerServer, ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
					return s.Send(ctx, in)
				}),
		},
		{
			MethodName: "Next",
			Handler: unaryHandler("Next", func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
				func(s BrokerServer, ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
					return s.Next(ctx, in)
				}),
		},
		{
			MethodName: "Ack",
			Handler: unaryHandler("Ack", func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
				func(s BrokerServer, ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
					return s.Ack(ctx, in)
				}),
		},
		{
			MethodName: "Nack",
			Handler: unaryHandler("Nack", func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
				func(s BrokerServer, ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
					return s.Nack(ctx, in)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stageflow/broker/v1/broker.proto",
}

// brokerClient is the hand-written client stub.
type brokerClient struct {
	cc grpc.ClientConnInterface
}

func (c *brokerClient) send(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/Send", in, new(emptypb.Empty), opts...)
}

func (c *brokerClient) next(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Next", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *brokerClient) settle(ctx context.Context, method, token string) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, wrapperspb.String(token), new(emptypb.Empty))
}
