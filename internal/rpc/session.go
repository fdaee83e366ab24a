package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const sessionService = "huddle.v1.SessionService"

// SessionServer reports daemon state and drives sign-in.
type SessionServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*StatusResponse, error)
	SignIn(context.Context, *SignInRequest) (*ResultResponse, error)
	SignOut(context.Context, *emptypb.Empty) (*ResultResponse, error)
	SetOnline(context.Context, *SetOnlineRequest) (*ResultResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStreamingServer[EventEnvelope]) error
}

var sessionDesc = grpc.ServiceDesc{
	ServiceName: sessionService,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(sessionService, "GetStatus", func(srv any, ctx context.Context, in *emptypb.Empty) (*StatusResponse, error) {
			return srv.(SessionServer).GetStatus(ctx, in)
		}),
		unary(sessionService, "SignIn", func(srv any, ctx context.Context, in *SignInRequest) (*ResultResponse, error) {
			return srv.(SessionServer).SignIn(ctx, in)
		}),
		unary(sessionService, "SignOut", func(srv any, ctx context.Context, in *emptypb.Empty) (*ResultResponse, error) {
			return srv.(SessionServer).SignOut(ctx, in)
		}),
		unary(sessionService, "SetOnline", func(srv any, ctx context.Context, in *SetOnlineRequest) (*ResultResponse, error) {
			return srv.(SessionServer).SetOnline(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchEvents", func(srv any, in *WatchEventsRequest, stream grpc.ServerStreamingServer[EventEnvelope]) error {
			return srv.(SessionServer).WatchEvents(in, stream)
		}),
	},
}

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionDesc, srv)
}

// SessionClient is the client side of SessionServer.
type SessionClient struct {
	cc grpc.ClientConnInterface
}

func NewSessionClient(cc grpc.ClientConnInterface) *SessionClient {
	return &SessionClient{cc: cc}
}

func (c *SessionClient) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, "/"+sessionService+"/GetStatus", &emptypb.Empty{}, opts...)
}

func (c *SessionClient) SignIn(ctx context.Context, in *SignInRequest, opts ...grpc.CallOption) (*ResultResponse, error) {
	return invoke[ResultResponse](ctx, c.cc, "/"+sessionService+"/SignIn", in, opts...)
}

func (c *SessionClient) SignOut(ctx context.Context, opts ...grpc.CallOption) (*ResultResponse, error) {
	return invoke[ResultResponse](ctx, c.cc, "/"+sessionService+"/SignOut", &emptypb.Empty{}, opts...)
}

func (c *SessionClient) SetOnline(ctx context.Context, in *SetOnlineRequest, opts ...grpc.CallOption) (*ResultResponse, error) {
	return invoke[ResultResponse](ctx, c.cc, "/"+sessionService+"/SetOnline", in, opts...)
}

func (c *SessionClient) WatchEvents(ctx context.Context, in *WatchEventsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[EventEnvelope], error) {
	return openStream[WatchEventsRequest, EventEnvelope](ctx, c.cc, &sessionDesc.Streams[0], "/"+sessionService+"/WatchEvents", in, opts...)
}
