// Package grpc implements the gRPC transport for voicebox.
//
// This transport exposes the unary method /voicebox.v1.Synthesizer/Synthesize
// with JSON-encoded messages (content-subtype "json") and the standard
// grpc.health.v1.Health service. It suits low-latency service-to-service
// callers that already speak gRPC.
package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nadzzz/voicebox/internal/message"
	"github.com/nadzzz/voicebox/internal/synth"
	"github.com/nadzzz/voicebox/internal/transport"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "voicebox.v1.Synthesizer"

// SynthesizeMethod is the full method name of the unary synthesis call.
const SynthesizeMethod = "/" + ServiceName + "/Synthesize"

// requestIDKey is the metadata key carrying the request id.
const requestIDKey = "x-request-id"

// Readiness reports whether the models are loaded.
type Readiness interface {
	IsReady() bool
}

// Transport implements transport.Transport over gRPC.
type Transport struct {
	port         int
	ready        Readiness
	pollInterval time.Duration
	server       *grpc.Server
	health       *health.Server
}

// New creates a new gRPC transport on the given port. ready drives the
// health service status.
func New(port int, ready Readiness) *Transport {
	return &Transport{port: port, ready: ready, pollInterval: time.Second}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "grpc" }

// Listen starts the gRPC server and routes incoming requests to the handler.
func (t *Transport) Listen(ctx context.Context, handler transport.Handler) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	slog.Info("grpc transport listening", "port", t.port)
	return t.serve(ctx, lis, handler)
}

func (t *Transport) serve(ctx context.Context, lis net.Listener, handler transport.Handler) error {
	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, &server{handler: handler})

	t.health = health.NewServer()
	healthpb.RegisterHealthServer(t.server, t.health)
	t.setServing(t.ready.IsReady())

	go t.watchReadiness(ctx)

	go func() {
		<-ctx.Done()
		slog.Info("grpc transport shutting down")
		t.health.Shutdown()
		t.server.GracefulStop()
	}()

	return t.server.Serve(lis)
}

// watchReadiness mirrors the registry state into the health service until
// the models are ready or the context ends.
func (t *Transport) watchReadiness(ctx context.Context) {
	if t.ready.IsReady() {
		return
	}
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.ready.IsReady() {
				t.setServing(true)
				return
			}
		}
	}
}

func (t *Transport) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	t.health.SetServingStatus("", st)
	t.health.SetServingStatus(ServiceName, st)
}

// Close gracefully stops the gRPC server.
func (t *Transport) Close() error {
	if t.server != nil {
		t.server.GracefulStop()
	}
	return nil
}

// synthesizerServer is the service implementation contract checked by
// grpc.Server.RegisterService.
type synthesizerServer interface {
	Synthesize(ctx context.Context, req *message.SynthesisRequest) (*message.SynthesisResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*synthesizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Synthesize", Handler: synthesizeHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func synthesizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(message.SynthesisRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if interceptor == nil {
		return srv.(synthesizerServer).Synthesize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SynthesizeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(synthesizerServer).Synthesize(ctx, req.(*message.SynthesisRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type server struct {
	handler transport.Handler
}

func (s *server) Synthesize(ctx context.Context, req *message.SynthesisRequest) (*message.SynthesisResponse, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(requestIDKey); len(ids) > 0 {
			req.ID = strings.TrimSpace(ids[0])
		}
	}
	req.ReceivedAt = time.Now()

	resp, err := s.handler(ctx, req)
	if req.ID != "" {
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, req.ID))
	}
	if err != nil {
		return nil, status.Error(grpcCode(synth.KindOf(err)), synth.DetailOf(err))
	}
	return resp, nil
}

func grpcCode(kind synth.Kind) codes.Code {
	switch kind {
	case synth.KindInvalidArgument:
		return codes.InvalidArgument
	case synth.KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
