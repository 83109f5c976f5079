package dataapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rafaeljc/plangate/internal/render"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "plangate.v1.Visibility"

// EvaluateMethod is the full method name used in metrics and logs.
const EvaluateMethod = "/" + ServiceName + "/Evaluate"

// EvaluateRequest asks which of the given elements render for a viewer.
type EvaluateRequest struct {
	// ViewerID identifies the visitor. Empty means anonymous.
	ViewerID string `json:"viewerId"`
	// ElementIDs lists the elements on the page, in render order.
	ElementIDs []string `json:"elementIds"`
	// Mode is "live" (default) or "preview".
	Mode string `json:"mode,omitempty"`
}

// EvaluateResponse carries one decision per requested element, in request order.
type EvaluateResponse struct {
	Elements    []render.Element `json:"elements"`
	Memberships []string         `json:"memberships"`
}

// VisibilityServer is the server API for the Visibility service.
type VisibilityServer interface {
	Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error)
}

// ServiceDesc describes the Visibility service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VisibilityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "plangate/v1/visibility",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return serveEvaluate(ctx, srv.(VisibilityServer), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateMethod}
	return interceptor(ctx, in, info, handler)
}

// serveEvaluate converts the wire message around the typed server method.
func serveEvaluate(ctx context.Context, srv VisibilityServer, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := requestFromStruct(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	resp, err := srv.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.toStruct(), nil
}

// VisibilityClient is the client API for the Visibility service.
type VisibilityClient struct {
	cc grpc.ClientConnInterface
}

// NewVisibilityClient wraps a connection.
func NewVisibilityClient(cc grpc.ClientConnInterface) *VisibilityClient {
	return &VisibilityClient{cc: cc}
}

// Evaluate calls the Evaluate RPC over the default protobuf codec.
func (c *VisibilityClient) Evaluate(ctx context.Context, in *EvaluateRequest, opts ...grpc.CallOption) (*EvaluateResponse, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, EvaluateMethod, in.toStruct(), out, opts...); err != nil {
		return nil, err
	}
	resp, err := responseFromStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "malformed response: %v", err)
	}
	return resp, nil
}
