package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/nadzzz/voicebox/internal/message"
)

// Client calls a voicebox gRPC server.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Synthesize performs the unary synthesis call with the JSON codec.
func (c *Client) Synthesize(ctx context.Context, req *message.SynthesisRequest, opts ...grpc.CallOption) (*message.SynthesisResponse, error) {
	out := new(message.SynthesisResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.conn.Invoke(ctx, SynthesizeMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
