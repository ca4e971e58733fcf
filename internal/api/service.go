// Package api exposes the daemon over gRPC. Messages are
// google.protobuf.Struct values so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "wsync.v1.Control"

// ControlServer is the server side of the control service.
type ControlServer interface {
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(req *structpb.Struct, stream grpc.ServerStream) error
}

type unaryFunc func(c *Control, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

var methods = map[string]unaryFunc{
	"Status":            (*Control).Status,
	"Login":             (*Control).Login,
	"Select":            (*Control).Select,
	"Logout":            (*Control).Logout,
	"Delete":            (*Control).Delete,
	"SendText":          (*Control).SendText,
	"SendAsset":         (*Control).SendAsset,
	"Resend":            (*Control).Resend,
	"SetTyping":         (*Control).SetTyping,
	"SetPushToken":      (*Control).SetPushToken,
	"DeletePushToken":   (*Control).DeletePushToken,
	"Push":              (*Control).Push,
	"DeviceState":       (*Control).DeviceState,
	"ReleaseBackground": (*Control).ReleaseBackground,
}

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			c := srv.(*Control)
			if interceptor == nil {
				return fn(c, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(c, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Control).WatchEvents(in, stream)
}

var watchStream = grpc.StreamDesc{
	StreamName:    "WatchEvents",
	Handler:       watchHandler,
	ServerStreams: true,
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = func() grpc.ServiceDesc {
	d := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ControlServer)(nil),
		Streams:     []grpc.StreamDesc{watchStream},
		Metadata:    "wsync/v1/control.proto",
	}
	for name, fn := range methods {
		d.Methods = append(d.Methods, unary(name, fn))
	}
	return d
}()

// Register adds the control service to srv.
func Register(srv *grpc.Server, c *Control) {
	srv.RegisterService(&ServiceDesc, c)
}
