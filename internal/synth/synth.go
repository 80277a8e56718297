// Package synth implements the synthesis pipeline.
//
// The Service receives requests from transports, checks them, and runs the
// loaded models in order: text -> Text Encoder -> acoustic representation ->
// Vocoder -> waveform -> WAV. Every failure is returned as an *Error whose
// Kind tells the transport which status to answer with.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nadzzz/voicebox/internal/audio"
	"github.com/nadzzz/voicebox/internal/message"
	"github.com/nadzzz/voicebox/internal/model"
)

const instrumentationName = "github.com/nadzzz/voicebox/internal/synth"

// Models is the read side of the model registry.
type Models interface {
	IsReady() bool
	Encoder() model.Encoder
	Vocoder() model.Vocoder
}

// Service is the synthesis orchestrator. It holds no per-request state and
// is safe for concurrent use.
type Service struct {
	models Models
	wav    *audio.Encoder

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures a Service.
type Option func(*options)

type options struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider records spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// New creates a Service over the given models.
func New(models Models, wav *audio.Encoder, opts ...Option) (*Service, error) {
	o := options{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.meterProvider.Meter(instrumentationName)
	requests, err := meter.Int64Counter("voicebox.synthesis.requests",
		metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("creating request counter: %w", err)
	}
	duration, err := meter.Float64Histogram("voicebox.synthesis.duration",
		metric.WithDescription("Synthesis latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return &Service{
		models:   models,
		wav:      wav,
		tracer:   o.tracerProvider.Tracer(instrumentationName),
		requests: requests,
		duration: duration,
	}, nil
}

// Synthesize turns req.Text into a base64 WAV. It is the transport.Handler
// every transport is wired to.
func (s *Service) Synthesize(ctx context.Context, req *message.SynthesisRequest) (resp *message.SynthesisResponse, err error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := slog.With("request_id", req.ID, "voice", req.VoiceOrDefault())

	ctx, span := s.tracer.Start(ctx, "synth.Synthesize",
		trace.WithAttributes(
			attribute.String("voicebox.request_id", req.ID),
			attribute.Int("voicebox.text_length", len(req.Text)),
		))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()

		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		s.requests.Add(ctx, 1, attrs)
		s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	if req.Text == "" {
		logger.Info("Rejected synthesis request", "reason", DetailEmptyText)
		return nil, invalidArgument(DetailEmptyText)
	}

	if !s.models.IsReady() {
		logger.Warn("Synthesis requested before models loaded")
		return nil, unavailable(model.ErrNotReady)
	}

	logger.Debug("Synthesizing", "text", req.Text)

	wf, err := s.infer(ctx, logger, req.Text)
	if err != nil {
		logger.Error("Speech synthesis failed", "error", err)
		return nil, internal(err)
	}

	if wf.SampleRate != 0 && wf.SampleRate != s.wav.SampleRate {
		logger.Warn("Vocoder sample rate differs from output rate",
			"vocoder_rate", wf.SampleRate, "output_rate", s.wav.SampleRate)
	}

	data, err := s.wav.EncodeWAV(wf.Samples)
	if err != nil {
		logger.Error("Speech synthesis failed", "error", err)
		return nil, internal(fmt.Errorf("encoding wav: %w", err))
	}

	resp = &message.SynthesisResponse{}
	resp.SetAudioBytes(data)

	logger.Info("Synthesis complete",
		"text_length", len(req.Text),
		"samples", len(wf.Samples),
		"wav_bytes", len(data),
		"duration", time.Since(start),
		"total_duration", sinceReceived(req, start))
	return resp, nil
}

// sinceReceived is the time from transport acceptance to now. Requests
// without a receive time count from the start of synthesis.
func sinceReceived(req *message.SynthesisRequest, start time.Time) time.Duration {
	if req.ReceivedAt.IsZero() {
		return time.Since(start)
	}
	return time.Since(req.ReceivedAt)
}

// infer runs the Text Encoder then the Vocoder. A panic inside either
// capability is turned into an error.
func (s *Service) infer(ctx context.Context, logger *slog.Logger, text string) (wf *model.Waveform, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Model panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("model panic: %v", r)
		}
	}()

	enc, voc := s.models.Encoder(), s.models.Vocoder()
	if enc == nil || voc == nil {
		return nil, model.ErrNotReady
	}

	encCtx, span := s.tracer.Start(ctx, "encoder.Encode")
	res, err := enc.Encode(encCtx, text)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	if res == nil || res.Representation.Empty() {
		return nil, errors.New("encoder: empty representation")
	}

	rows, cols := res.Representation.Shape()
	logger.Debug("Encoder output", "shape", []int{rows, cols}, "has_length", res.Length != nil)

	decCtx, span := s.tracer.Start(ctx, "vocoder.Decode")
	wf, err = voc.Decode(decCtx, res.Representation)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("vocoder: %w", err)
	}
	if wf == nil || len(wf.Samples) == 0 {
		return nil, errors.New("vocoder: empty waveform")
	}
	return wf, nil
}
