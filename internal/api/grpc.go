package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"execstack/internal/domain"
)

// StackControl method names. Requests and responses are well-known protobuf
// types, so the service needs no generated code.
const (
	StackControlService = "execstack.StackControl"
	ListOrdersMethod    = "/" + StackControlService + "/ListOrders"
	CancelAllMethod     = "/" + StackControlService + "/CancelAll"
	EndOfDayMethod      = "/" + StackControlService + "/EndOfDay"
)

// StackControlServer is the server API for the StackControl service.
// ListOrders takes {"level": "instrument"|"contract"|"broker"} and returns
// {"level": ..., "orders": [...]}.
type StackControlServer interface {
	ListOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelAll(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	EndOfDay(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterStackControlServer registers srv on the gRPC server.
func RegisterStackControlServer(s grpc.ServiceRegistrar, srv StackControlServer) {
	s.RegisterService(&stackControlDesc, srv)
}

var stackControlDesc = grpc.ServiceDesc{
	ServiceName: StackControlService,
	HandlerType: (*StackControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListOrders", Handler: listOrdersHandler},
		{MethodName: "CancelAll", Handler: cancelAllHandler},
		{MethodName: "EndOfDay", Handler: endOfDayHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func listOrdersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StackControlServer).ListOrders(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListOrdersMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StackControlServer).ListOrders(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelAllHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StackControlServer).CancelAll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CancelAllMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StackControlServer).CancelAll(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func endOfDayHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StackControlServer).EndOfDay(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EndOfDayMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StackControlServer).EndOfDay(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// controlServer implements StackControlServer on top of the API server.
type controlServer struct {
	s *Server
}

func (c *controlServer) ListOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["level"].GetStringValue()
	level, err := domain.ParseLevel(name)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	orders, err := c.s.engine.ListOrders(ctx, level)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(map[string]any{"level": level, "orders": orders})
}

func (c *controlServer) CancelAll(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := c.s.engine.CancelAll(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(res)
}

func (c *controlServer) EndOfDay(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := c.s.endOfDay(ctx)
	if errors.Is(err, ErrTeardownRunning) {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(res)
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encoding response: %v", err))
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encoding response: %v", err))
	}
	return out, nil
}
