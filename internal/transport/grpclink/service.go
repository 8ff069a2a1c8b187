// ABOUTME: Hand-written gRPC service descriptor for the mesh link stream.
// ABOUTME: One bidirectional Connect stream per link, framed as protobuf BytesValue.

package grpclink

import (
	"google.golang.org/grpc"
)

const (
	serviceName   = "coven.mesh.v1.Link"
	connectMethod = "/" + serviceName + "/Connect"
)

// linkServer is the handler type grpc checks registered implementations against.
type linkServer interface {
	connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*linkServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "coven/mesh/v1/link.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(linkServer).connect(stream)
}
