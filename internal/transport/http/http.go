// Package http implements the HTTP transport for voicebox.
//
// This transport exposes the REST endpoint POST /synthesize and the
// generated OpenAPI docs. It is what browsers, scripts and most services
// talk to.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nadzzz/voicebox/internal/message"
	"github.com/nadzzz/voicebox/internal/synth"
	"github.com/nadzzz/voicebox/internal/transport"

	httpSwagger "github.com/swaggo/http-swagger/v2"
)

// MaxBodyBytes bounds the size of a synthesis request body.
const MaxBodyBytes = 1 << 20

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"text": {"type": "string"},
		"voice": {"type": "string"}
	}
}`

var schema = jsonschema.MustCompileString("synthesis-request.json", requestSchema)

// Transport implements transport.Transport over HTTP.
type Transport struct {
	port   int
	server *http.Server
}

// New creates a new HTTP transport on the given port.
func New(port int) *Transport {
	return &Transport{port: port}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "http" }

// Listen starts the HTTP server and routes incoming requests to the handler.
func (t *Transport) Listen(ctx context.Context, handler transport.Handler) error {
	t.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.port),
		Handler:           Handler(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("http transport listening", "port", t.port)

	go func() {
		<-ctx.Done()
		slog.Info("http transport shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(shutdownCtx)
	}()

	if err := t.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Handler builds the routed, CORS-wrapped HTTP handler.
func Handler(handler transport.Handler) http.Handler {
	mux := http.NewServeMux()

	// POST /synthesize: text in, base64 WAV out.
	mux.HandleFunc("POST /synthesize", func(w http.ResponseWriter, r *http.Request) {
		handleSynthesize(w, r, handler)
	})

	// Swagger UI, serves the registered OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// Any origin is echoed back so that credentialed browser requests work.
	c := cors.New(cors.Options{
		AllowOriginFunc: func(string) bool { return true },
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

// handleSynthesize processes a POST /synthesize request.
//
// @Summary     Synthesize speech
// @Description Converts text into speech. The Text Encoder turns the text into a mel-spectrogram,
// @Description the Vocoder turns that into a waveform, and the waveform is returned as a
// @Description base64-encoded mono WAV at 22050 Hz.
// @Tags        synthesis
// @Accept      json
// @Produce     json
// @Param       request  body      message.SynthesisRequest  true  "Text to synthesize"
// @Param       X-Request-ID  header  string  false  "Caller-supplied request id, echoed back"
// @Success     200  {object}  message.SynthesisResponse  "Synthesized audio"
// @Failure     400  {object}  message.ErrorResponse  "Text cannot be empty"
// @Failure     413  {object}  message.ErrorResponse  "Request body too large"
// @Failure     422  {object}  message.ErrorResponse  "Malformed request body"
// @Failure     500  {object}  message.ErrorResponse  "Speech synthesis failed"
// @Failure     503  {object}  message.ErrorResponse  "Models are not loaded"
// @Router      /synthesize [post]
func handleSynthesize(w http.ResponseWriter, r *http.Request, handler transport.Handler) {
	reqID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, reqID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	req, detail := decodeRequest(body)
	if req == nil {
		writeError(w, http.StatusUnprocessableEntity, detail)
		return
	}
	req.ID = reqID
	req.ReceivedAt = time.Now()

	resp, err := handler(r.Context(), req)
	if err != nil {
		writeError(w, synth.KindOf(err).HTTPStatus(), synth.DetailOf(err))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// decodeRequest parses and validates a request body. On failure it returns
// nil and a caller-facing reason.
func decodeRequest(body []byte) (*message.SynthesisRequest, string) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, "invalid json: " + err.Error()
	}
	if err := schema.Validate(raw); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, "invalid request: " + leafMessage(verr)
		}
		return nil, "invalid request: " + err.Error()
	}

	var req message.SynthesisRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "invalid request: " + err.Error()
	}
	return &req, ""
}

// leafMessage reports the most specific schema violation.
func leafMessage(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	if verr.InstanceLocation == "" {
		return verr.Message
	}
	return verr.InstanceLocation + ": " + verr.Message
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, message.ErrorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

// Close gracefully shuts down the HTTP server.
func (t *Transport) Close() error {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.server.Shutdown(ctx)
	}
	return nil
}
