package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nadzzz/voicebox/internal/message"
	"github.com/nadzzz/voicebox/internal/synth"
	"github.com/nadzzz/voicebox/internal/transport"
)

type readiness struct{ ready atomic.Bool }

func (r *readiness) IsReady() bool { return r.ready.Load() }

func startServer(t *testing.T, ready *readiness, handler transport.Handler) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	tr := New(0, ready)
	tr.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.serve(ctx, lis, handler)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn
}

func readyState() *readiness {
	r := &readiness{}
	r.ready.Store(true)
	return r
}

func TestSynthesize_Success(t *testing.T) {
	var got *message.SynthesisRequest
	conn := startServer(t, readyState(), func(_ context.Context, req *message.SynthesisRequest) (*message.SynthesisResponse, error) {
		got = req
		return &message.SynthesisResponse{Audio: "UklGRg=="}, nil
	})

	ctx := metadata.AppendToOutgoingContext(context.Background(), requestIDKey, "req-42")
	var header metadata.MD
	resp, err := NewClient(conn).Synthesize(ctx, &message.SynthesisRequest{Text: "Hello world", Voice: "default"}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, "UklGRg==", resp.Audio)

	require.NotNil(t, got)
	assert.Equal(t, "Hello world", got.Text)
	assert.Equal(t, "default", got.Voice)
	assert.Equal(t, "req-42", got.ID)
	assert.False(t, got.ReceivedAt.IsZero())
	assert.Equal(t, []string{"req-42"}, header.Get(requestIDKey))
}

func TestSynthesize_ErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
		wantMsg  string
	}{
		{
			name:     "empty text",
			err:      &synth.Error{Kind: synth.KindInvalidArgument, Detail: synth.DetailEmptyText},
			wantCode: codes.InvalidArgument,
			wantMsg:  "Text cannot be empty",
		},
		{
			name:     "not ready",
			err:      &synth.Error{Kind: synth.KindUnavailable, Detail: synth.DetailUnavailable},
			wantCode: codes.Unavailable,
			wantMsg:  synth.DetailUnavailable,
		},
		{
			name:     "model failure",
			err:      errors.New("vocoder crashed"),
			wantCode: codes.Internal,
			wantMsg:  "Speech synthesis failed: vocoder crashed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := startServer(t, readyState(), func(context.Context, *message.SynthesisRequest) (*message.SynthesisResponse, error) {
				return nil, tt.err
			})

			_, err := NewClient(conn).Synthesize(context.Background(), &message.SynthesisRequest{Text: "x"})
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, st.Code())
			assert.Equal(t, tt.wantMsg, st.Message())
		})
	}
}

func TestHealth_FollowsReadiness(t *testing.T) {
	ready := &readiness{}
	conn := startServer(t, ready, func(context.Context, *message.SynthesisRequest) (*message.SynthesisResponse, error) {
		return &message.SynthesisResponse{}, nil
	})
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	ready.ready.Store(true)
	assert.Eventually(t, func() bool {
		return check() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGRPCCode(t *testing.T) {
	assert.Equal(t, codes.InvalidArgument, grpcCode(synth.KindInvalidArgument))
	assert.Equal(t, codes.Unavailable, grpcCode(synth.KindUnavailable))
	assert.Equal(t, codes.Internal, grpcCode(synth.KindInternal))
}
