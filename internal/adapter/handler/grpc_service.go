package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/dynamicpb"
)

const (
	drawServiceName   = "lottery.v1.DrawService"
	reserveFullMethod = "/" + drawServiceName + "/Reserve"
	suggestFullMethod = "/" + drawServiceName + "/Suggest"
)

// The DrawService messages. On the wire they are the protobuf messages of
// api/lottery/v1/draw.proto.

type ReserveRequest struct {
	DrawID          string
	UserID          string
	Series          int32
	Numbers         []int
	OrderID         string
	GiftRecipientID string
}

type ReserveResponse struct {
	Success     bool
	Message     string
	OrderID     string
	NumberIDs   []string
	TotalAmount string
	ExpiresAt   int64 // unix milliseconds
	Unavailable []int
}

type SuggestRequest struct {
	DrawID string
	Count  int32
}

type Suggestion struct {
	Number int
	Series int
}

type SuggestResponse struct {
	Success     bool
	Message     string
	Suggestions []Suggestion
}

type DrawServiceServer interface {
	Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error)
	Suggest(ctx context.Context, req *SuggestRequest) (*SuggestResponse, error)
}

var DrawServiceDesc = grpc.ServiceDesc{
	ServiceName: drawServiceName,
	HandlerType: (*DrawServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Reserve", Handler: reserveHandler},
		{MethodName: "Suggest", Handler: suggestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lottery/v1/draw.proto",
}

func RegisterDrawServiceServer(s grpc.ServiceRegistrar, srv DrawServiceServer) {
	s.RegisterService(&DrawServiceDesc, srv)
}

func reserveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := dynamicpb.NewMessage(reserveRequestDesc)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(DrawServiceServer).Reserve(ctx, reserveRequestFromProto(req.(*dynamicpb.Message)))
		if err != nil {
			return nil, err
		}
		return resp.toProto(), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reserveFullMethod}
	return interceptor(ctx, in, info, call)
}

func suggestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := dynamicpb.NewMessage(suggestRequestDesc)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(DrawServiceServer).Suggest(ctx, suggestRequestFromProto(req.(*dynamicpb.Message)))
		if err != nil {
			return nil, err
		}
		return resp.toProto(), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: suggestFullMethod}
	return interceptor(ctx, in, info, call)
}

type DrawClient struct {
	cc grpc.ClientConnInterface
}

func NewDrawClient(cc grpc.ClientConnInterface) *DrawClient {
	return &DrawClient{cc: cc}
}

func (c *DrawClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	out := dynamicpb.NewMessage(reserveResponseDesc)
	if err := c.cc.Invoke(ctx, reserveFullMethod, in.toProto(), out, opts...); err != nil {
		return nil, err
	}
	return reserveResponseFromProto(out), nil
}

func (c *DrawClient) Suggest(ctx context.Context, in *SuggestRequest, opts ...grpc.CallOption) (*SuggestResponse, error) {
	out := dynamicpb.NewMessage(suggestResponseDesc)
	if err := c.cc.Invoke(ctx, suggestFullMethod, in.toProto(), out, opts...); err != nil {
		return nil, err
	}
	return suggestResponseFromProto(out), nil
}
