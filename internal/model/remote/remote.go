// Package remote implements the Text Encoder and Vocoder capabilities on top
// of an HTTP inference server.
//
// The server exposes:
//
//	GET  /health  -> 200 once the model is loaded
//	POST /encode  {"text", "model"} -> {"mel", "mel_length", "alignment"} | [[...]] | [mel, length, alignment]
//	POST /decode  {"mel", "model"}  -> {"waveform", "sample_rate"}
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nadzzz/voicebox/internal/model"
)

const (
	defaultLoadTimeout  = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
	maxResponseBytes    = 256 << 20
)

// Factory creates remote capabilities. The zero value is ready to use.
type Factory struct {
	// Client overrides the HTTP client used for every call.
	Client *http.Client

	// PollInterval is the delay between health probes while loading.
	PollInterval time.Duration
}

// NewEncoder probes the encoder server and returns a client for it.
func (f Factory) NewEncoder(ctx context.Context, spec model.Spec) (model.Encoder, error) {
	c, err := f.connect(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Encoder{client: c}, nil
}

// NewVocoder probes the vocoder server and returns a client for it.
func (f Factory) NewVocoder(ctx context.Context, spec model.Spec) (model.Vocoder, error) {
	c, err := f.connect(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Vocoder{client: c}, nil
}

func (f Factory) connect(ctx context.Context, spec model.Spec) (*client, error) {
	httpClient := f.Client
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	interval := f.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	loadTimeout := spec.Config.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}

	c := &client{
		name:     spec.Name,
		endpoint: strings.TrimRight(spec.Config.Endpoint, "/"),
		model:    modelName(spec),
		timeout:  spec.Config.Timeout,
		http:     httpClient,
	}

	if err := c.waitHealthy(ctx, loadTimeout, interval); err != nil {
		return nil, err
	}

	slog.Info("Remote model ready", "name", spec.Name, "endpoint", c.endpoint, "model", c.model)
	return c, nil
}

// modelName is what the server is told to run: the hub repository when
// known, otherwise the resolved local directory.
func modelName(spec model.Spec) string {
	if hf := spec.Config.Source.HuggingFace; hf != nil && hf.Repo != "" {
		return hf.Repo
	}
	return spec.ModelDir
}

type client struct {
	name     string
	endpoint string
	model    string
	timeout  time.Duration // per call, zero means none
	http     *http.Client
}

// waitHealthy polls the health endpoint until it answers 200 or the load
// timeout elapses.
func (c *client) waitHealthy(ctx context.Context, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.endpoint + "/health"
	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return fmt.Errorf("%s: creating health request: %w", c.name, err)
		}

		resp, err := c.http.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: server at %s did not become ready within %v: %w", c.name, c.endpoint, timeout, lastErr)
		case <-time.After(interval):
		}
	}
}

// post sends a JSON body and returns the raw response body of a 200 answer.
func (c *client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%s failed (status %d): %s", c.name, resp.StatusCode, bytes.TrimSpace(respBody))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", c.name, err)
	}
	return data, nil
}

// Encoder is a Text Encoder served over HTTP.
type Encoder struct {
	client *client
}

// Encode sends text to the server and parses the acoustic representation.
func (e *Encoder) Encode(ctx context.Context, text string) (*model.EncodeResult, error) {
	data, err := e.client.post(ctx, "/encode", model.EncodeRequest{Text: text, Model: e.client.model})
	if err != nil {
		return nil, err
	}
	return model.ParseEncodeResult(data)
}

// Close is a no-op, connections are per-request.
func (e *Encoder) Close() error { return nil }

// Vocoder is a Vocoder served over HTTP.
type Vocoder struct {
	client *client
}

// Decode sends the representation to the server and parses the waveform.
func (v *Vocoder) Decode(ctx context.Context, rep model.Representation) (*model.Waveform, error) {
	data, err := v.client.post(ctx, "/decode", model.DecodeRequest{Mel: rep, Model: v.client.model})
	if err != nil {
		return nil, err
	}
	return model.ParseWaveform(data)
}

// Close is a no-op, connections are per-request.
func (v *Vocoder) Close() error { return nil }
