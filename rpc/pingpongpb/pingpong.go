// Package pingpongpb holds the messages and service descriptor of the
// pingpong.PingPong gRPC service (see pingpong.proto).
package pingpongpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shrtyk/raft-showtimes/internal/wire"
)

type PingRequest struct {
	Message string
}

func (m *PingRequest) AppendWire(b []byte) []byte {
	return wire.AppendString(b, 1, m.Message)
}

func (m *PingRequest) UnmarshalWire(b []byte) error {
	*m = PingRequest{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		if num == 1 {
			m.Message = f.String()
		}
		return nil
	})
}

type PongResponse struct {
	Message string
	Count   int64
}

func (m *PongResponse) AppendWire(b []byte) []byte {
	b = wire.AppendString(b, 1, m.Message)
	return wire.AppendInt64(b, 2, m.Count)
}

func (m *PongResponse) UnmarshalWire(b []byte) error {
	*m = PongResponse{}
	return wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.Message = f.String()
		case 2:
			m.Count = f.Int64()
		}
		return nil
	})
}

const PingPong_Ping_FullMethodName = "/pingpong.PingPong/Ping"

type PingPongClient interface {
	Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PongResponse, error)
}

type pingPongClient struct {
	cc grpc.ClientConnInterface
}

func NewPingPongClient(cc grpc.ClientConnInterface) PingPongClient {
	return &pingPongClient{cc: cc}
}

func (c *pingPongClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PongResponse, error) {
	return wire.Invoke[PongResponse](ctx, c.cc, PingPong_Ping_FullMethodName, in, opts...)
}

type PingPongServer interface {
	Ping(context.Context, *PingRequest) (*PongResponse, error)
}

type UnimplementedPingPongServer struct{}

func (UnimplementedPingPongServer) Ping(context.Context, *PingRequest) (*PongResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Ping not implemented")
}

func RegisterPingPongServer(s grpc.ServiceRegistrar, srv PingPongServer) {
	s.RegisterService(&PingPong_ServiceDesc, srv)
}

var PingPong_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "pingpong.PingPong",
	HandlerType: (*PingPongServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ping",
			Handler:    wire.UnaryHandler(PingPong_Ping_FullMethodName, PingPongServer.Ping),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pingpong.proto",
}
