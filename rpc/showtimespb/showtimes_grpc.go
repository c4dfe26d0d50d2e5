package showtimespb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shrtyk/raft-showtimes/internal/wire"
)

const (
	Showtimes_GetShowtime_FullMethodName       = "/showtimes.Showtimes/GetShowtime"
	Showtimes_GetShowtimes_FullMethodName      = "/showtimes.Showtimes/GetShowtimes"
	Showtimes_AddShowtime_FullMethodName       = "/showtimes.Showtimes/AddShowtime"
	Showtimes_ReserveSeat_FullMethodName       = "/showtimes.Showtimes/ReserveSeat"
	Showtimes_CancelReservation_FullMethodName = "/showtimes.Showtimes/CancelReservation"
)

type ShowtimesClient interface {
	GetShowtime(ctx context.Context, in *GetShowtimeRequest, opts ...grpc.CallOption) (*GetShowtimeResponse, error)
	GetShowtimes(ctx context.Context, in *GetShowtimesRequest, opts ...grpc.CallOption) (*GetShowtimesResponse, error)
	AddShowtime(ctx context.Context, in *AddShowtimeRequest, opts ...grpc.CallOption) (*AddShowtimeResponse, error)
	ReserveSeat(ctx context.Context, in *ReserveSeatRequest, opts ...grpc.CallOption) (*ReserveSeatResponse, error)
	CancelReservation(ctx context.Context, in *CancelReservationRequest, opts ...grpc.CallOption) (*CancelReservationResponse, error)
}

type showtimesClient struct {
	cc grpc.ClientConnInterface
}

func NewShowtimesClient(cc grpc.ClientConnInterface) ShowtimesClient {
	return &showtimesClient{cc: cc}
}

func (c *showtimesClient) GetShowtime(ctx context.Context, in *GetShowtimeRequest, opts ...grpc.CallOption) (*GetShowtimeResponse, error) {
	return wire.Invoke[GetShowtimeResponse](ctx, c.cc, Showtimes_GetShowtime_FullMethodName, in, opts...)
}

func (c *showtimesClient) GetShowtimes(ctx context.Context, in *GetShowtimesRequest, opts ...grpc.CallOption) (*GetShowtimesResponse, error) {
	return wire.Invoke[GetShowtimesResponse](ctx, c.cc, Showtimes_GetShowtimes_FullMethodName, in, opts...)
}

func (c *showtimesClient) AddShowtime(ctx context.Context, in *AddShowtimeRequest, opts ...grpc.CallOption) (*AddShowtimeResponse, error) {
	return wire.Invoke[AddShowtimeResponse](ctx, c.cc, Showtimes_AddShowtime_FullMethodName, in, opts...)
}

func (c *showtimesClient) ReserveSeat(ctx context.Context, in *ReserveSeatRequest, opts ...grpc.CallOption) (*ReserveSeatResponse, error) {
	return wire.Invoke[ReserveSeatResponse](ctx, c.cc, Showtimes_ReserveSeat_FullMethodName, in, opts...)
}

func (c *showtimesClient) CancelReservation(ctx context.Context, in *CancelReservationRequest, opts ...grpc.CallOption) (*CancelReservationResponse, error) {
	return wire.Invoke[CancelReservationResponse](ctx, c.cc, Showtimes_CancelReservation_FullMethodName, in, opts...)
}

type ShowtimesServer interface {
	GetShowtime(context.Context, *GetShowtimeRequest) (*GetShowtimeResponse, error)
	GetShowtimes(context.Context, *GetShowtimesRequest) (*GetShowtimesResponse, error)
	AddShowtime(context.Context, *AddShowtimeRequest) (*AddShowtimeResponse, error)
	ReserveSeat(context.Context, *ReserveSeatRequest) (*ReserveSeatResponse, error)
	CancelReservation(context.Context, *CancelReservationRequest) (*CancelReservationResponse, error)
}

type UnimplementedShowtimesServer struct{}

func (UnimplementedShowtimesServer) GetShowtime(context.Context, *GetShowtimeRequest) (*GetShowtimeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetShowtime not implemented")
}

func (UnimplementedShowtimesServer) GetShowtimes(context.Context, *GetShowtimesRequest) (*GetShowtimesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetShowtimes not implemented")
}

func (UnimplementedShowtimesServer) AddShowtime(context.Context, *AddShowtimeRequest) (*AddShowtimeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method AddShowtime not implemented")
}

func (UnimplementedShowtimesServer) ReserveSeat(context.Context, *ReserveSeatRequest) (*ReserveSeatResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReserveSeat not implemented")
}

func (UnimplementedShowtimesServer) CancelReservation(context.Context, *CancelReservationRequest) (*CancelReservationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelReservation not implemented")
}

func RegisterShowtimesServer(s grpc.ServiceRegistrar, srv ShowtimesServer) {
	s.RegisterService(&Showtimes_ServiceDesc, srv)
}

var Showtimes_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "showtimes.Showtimes",
	HandlerType: (*ShowtimesServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetShowtime",
			Handler:    wire.UnaryHandler(Showtimes_GetShowtime_FullMethodName, ShowtimesServer.GetShowtime),
		},
		{
			MethodName: "GetShowtimes",
			Handler:    wire.UnaryHandler(Showtimes_GetShowtimes_FullMethodName, ShowtimesServer.GetShowtimes),
		},
		{
			MethodName: "AddShowtime",
			Handler:    wire.UnaryHandler(Showtimes_AddShowtime_FullMethodName, ShowtimesServer.AddShowtime),
		},
		{
			MethodName: "ReserveSeat",
			Handler:    wire.UnaryHandler(Showtimes_ReserveSeat_FullMethodName, ShowtimesServer.ReserveSeat),
		},
		{
			MethodName: "CancelReservation",
			Handler:    wire.UnaryHandler(Showtimes_CancelReservation_FullMethodName, ShowtimesServer.CancelReservation),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "showtimes.proto",
}
