package transport

import (
	"google.golang.org/grpc"
)

// serviceName/streamMethod name the single bidirectional-streaming RPC
// every PD exposes to its neighbors. One stream per ordered (src, dst)
// pair carries every message kind, preserving the "order between
// (src,dst,tag) triples is preserved" contract of section 4.3 for free
// since gRPC streams are ordered.
const (
	serviceName  = "ocr.Transport"
	streamMethod = "Stream"
)

// streamServerHandler adapts an incoming bidi stream to rxFunc.
type streamServerHandler struct {
	rx func(grpc.ServerStream) error
}

func (h *streamServerHandler) handle(_ any, stream grpc.ServerStream) error {
	return h.rx(stream)
}

// serviceDesc is built in Platform.Listen since the handler closes
// over the receiving Platform instance; grpc.ServiceDesc is
// assembled by hand instead of via protoc-gen-go-grpc because the
// payload is an opaque pre-marshalled frame (see frame.go), not a
// generated message type.
func newServiceDesc(h *streamServerHandler) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods:     []grpc.MethodDesc{},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    streamMethod,
				Handler:       h.handle,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "ocr/transport.proto",
	}
}

func fullStreamMethod() string {
	return "/" + serviceName + "/" + streamMethod
}
