package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/voicebox/internal/config"
	"github.com/nadzzz/voicebox/internal/model"
)

func newSpec(name, endpoint string) model.Spec {
	return model.Spec{
		Name: name,
		Config: config.ModelConfig{
			Backend:     config.BackendRemote,
			Endpoint:    endpoint,
			LoadTimeout: 2 * time.Second,
			Source: config.SourceConfig{
				HuggingFace: &config.HuggingFaceSource{Repo: "speechbrain/tts-" + name},
			},
		},
		ModelDir: "/cache/" + name,
	}
}

func newServer(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func healthy(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestEncoder_EncodeObjectResponse(t *testing.T) {
	srv := newServer(t, map[string]http.HandlerFunc{
		"GET /health": healthy,
		"POST /encode": func(w http.ResponseWriter, r *http.Request) {
			var req model.EncodeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Hello world", req.Text)
			assert.Equal(t, "speechbrain/tts-encoder", req.Model)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			_, _ = w.Write([]byte(`{"mel": [[0.1, 0.2], [0.3, 0.4]], "mel_length": 2, "alignment": [[1]]}`))
		},
	})

	enc, err := Factory{}.NewEncoder(context.Background(), newSpec("encoder", srv.URL+"/"))
	require.NoError(t, err)
	defer enc.Close()

	res, err := enc.Encode(context.Background(), "Hello world")
	require.NoError(t, err)
	assert.Equal(t, model.Representation{{0.1, 0.2}, {0.3, 0.4}}, res.Representation)
	require.NotNil(t, res.Length)
	assert.Equal(t, 2, *res.Length)
}

func TestEncoder_EncodeTupleResponse(t *testing.T) {
	srv := newServer(t, map[string]http.HandlerFunc{
		"GET /health": healthy,
		"POST /encode": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[[[0.5]], 1, [[1.0]]]`))
		},
	})

	enc, err := Factory{}.NewEncoder(context.Background(), newSpec("encoder", srv.URL))
	require.NoError(t, err)

	res, err := enc.Encode(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, model.Representation{{0.5}}, res.Representation)
}

func TestEncoder_ServerError(t *testing.T) {
	srv := newServer(t, map[string]http.HandlerFunc{
		"GET /health": healthy,
		"POST /encode": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
		},
	})

	enc, err := Factory{}.NewEncoder(context.Background(), newSpec("encoder", srv.URL))
	require.NoError(t, err)

	_, err = enc.Encode(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestVocoder_Decode(t *testing.T) {
	srv := newServer(t, map[string]http.HandlerFunc{
		"GET /health": healthy,
		"POST /decode": func(w http.ResponseWriter, r *http.Request) {
			var req model.DecodeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, model.Representation{{0.1, 0.2}}, req.Mel)

			_, _ = w.Write([]byte(`{"waveform": [[0.0, 0.5, -0.5]], "sample_rate": 22050}`))
		},
	})

	voc, err := Factory{}.NewVocoder(context.Background(), newSpec("vocoder", srv.URL))
	require.NoError(t, err)
	defer voc.Close()

	wav, err := voc.Decode(context.Background(), model.Representation{{0.1, 0.2}})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.5, -0.5}, wav.Samples)
	assert.Equal(t, 22050, wav.SampleRate)
}

func TestFactory_WaitsForHealth(t *testing.T) {
	var probes atomic.Int32
	srv := newServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			if probes.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		},
	})

	_, err := Factory{PollInterval: 10 * time.Millisecond}.NewVocoder(context.Background(), newSpec("vocoder", srv.URL))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, probes.Load(), int32(3))
}

func TestFactory_HealthTimeout(t *testing.T) {
	srv := newServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})

	spec := newSpec("encoder", srv.URL)
	spec.Config.LoadTimeout = 100 * time.Millisecond

	_, err := Factory{PollInterval: 10 * time.Millisecond}.NewEncoder(context.Background(), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become ready")
	assert.Contains(t, err.Error(), "status 503")
}

func TestEncoder_SlowInferenceOutlivesLoadTimeout(t *testing.T) {
	srv := newServer(t, map[string]http.HandlerFunc{
		"GET /health": healthy,
		"POST /encode": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			_, _ = w.Write([]byte(`[[0.5]]`))
		},
	})

	spec := newSpec("encoder", srv.URL)
	spec.Config.LoadTimeout = 100 * time.Millisecond

	enc, err := Factory{}.NewEncoder(context.Background(), spec)
	require.NoError(t, err)

	res, err := enc.Encode(context.Background(), "a long paragraph")
	require.NoError(t, err)
	assert.Equal(t, model.Representation{{0.5}}, res.Representation)
}

func TestEncoder_CallTimeout(t *testing.T) {
	srv := newServer(t, map[string]http.HandlerFunc{
		"GET /health": healthy,
		"POST /encode": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	})

	spec := newSpec("encoder", srv.URL)
	spec.Config.Timeout = 50 * time.Millisecond

	enc, err := Factory{}.NewEncoder(context.Background(), spec)
	require.NoError(t, err)

	_, err = enc.Encode(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestModelName(t *testing.T) {
	spec := newSpec("encoder", "http://x")
	assert.Equal(t, "speechbrain/tts-encoder", modelName(spec))

	spec.Config.Source.HuggingFace = nil
	assert.Equal(t, "/cache/encoder", modelName(spec))
}
