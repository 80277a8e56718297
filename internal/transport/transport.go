// Package transport defines the interface for pluggable request transports.
//
// Each transport (HTTP, gRPC, NATS) implements this interface and hands every
// decoded request to the same Handler. The synthesis service does not care
// how requests arrive, it only works with the Transport contract.
package transport

import (
	"context"

	"github.com/nadzzz/voicebox/internal/message"
)

// Handler processes one synthesis request and returns the encoded audio.
// Errors are *synth.Error values; transports map their kind onto a status.
type Handler func(ctx context.Context, req *message.SynthesisRequest) (*message.SynthesisResponse, error)

// Transport is the interface that every transport adapter must implement.
type Transport interface {
	// Name returns the transport identifier (e.g., "http", "grpc", "nats").
	Name() string

	// Listen starts accepting requests and passes them to the handler.
	// It blocks until the context is cancelled.
	Listen(ctx context.Context, handler Handler) error

	// Close gracefully shuts down the transport, draining in-flight work.
	Close() error
}
