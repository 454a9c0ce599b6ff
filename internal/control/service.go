// Package control exposes the swarm orchestrator over gRPC. Messages are
// protobuf well-known types, so the service needs no generated code: configs
// and snapshots travel as structpb.Struct and swarm handles as StringValue.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "botswarm.control.v1.SwarmControl"

// SwarmControlServer is the server API for the SwarmControl service.
type SwarmControlServer interface {
	// Start launches a swarm from a partial config and returns its ID.
	Start(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	// Stop stops a swarm and returns its final status.
	Stop(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Status(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// List returns {"swarms": [status...]}.
	List(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Pause holds session creation and reconnects; Resume releases them.
	// Both return the swarm's status.
	Pause(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Resume(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Remove forgets a finished swarm.
	Remove(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// Broadcast sends a chat line from every active bot of {"id", "message"}
	// and returns {"sent", "failed"}.
	Broadcast(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes SwarmControl for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SwarmControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Start", SwarmControlServer.Start),
		unary("Stop", SwarmControlServer.Stop),
		unary("Status", SwarmControlServer.Status),
		unary("List", SwarmControlServer.List),
		unary("Pause", SwarmControlServer.Pause),
		unary("Resume", SwarmControlServer.Resume),
		unary("Remove", SwarmControlServer.Remove),
		unary("Broadcast", SwarmControlServer.Broadcast),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "botswarm/control/v1/control.proto",
}

// RegisterSwarmControlServer registers srv on s.
func RegisterSwarmControlServer(s grpc.ServiceRegistrar, srv SwarmControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(SwarmControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SwarmControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SwarmControlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
