package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/nadzzz/voicebox/internal/audio"
	"github.com/nadzzz/voicebox/internal/message"
	"github.com/nadzzz/voicebox/internal/model"
)

// --- Mock types ---

type MockModels struct {
	ready   bool
	encoder model.Encoder
	vocoder model.Vocoder
}

func (m *MockModels) IsReady() bool          { return m.ready }
func (m *MockModels) Encoder() model.Encoder { return m.encoder }
func (m *MockModels) Vocoder() model.Vocoder { return m.vocoder }

type MockEncoder struct {
	mock.Mock
}

func (m *MockEncoder) Encode(ctx context.Context, text string) (*model.EncodeResult, error) {
	args := m.Called(text)
	res, _ := args.Get(0).(*model.EncodeResult)
	return res, args.Error(1)
}

func (m *MockEncoder) Close() error { return nil }

type MockVocoder struct {
	mock.Mock
}

func (m *MockVocoder) Decode(ctx context.Context, rep model.Representation) (*model.Waveform, error) {
	args := m.Called(rep)
	res, _ := args.Get(0).(*model.Waveform)
	return res, args.Error(1)
}

func (m *MockVocoder) Close() error { return nil }

type panickingEncoder struct{}

func (panickingEncoder) Encode(context.Context, string) (*model.EncodeResult, error) {
	panic("tensor shape mismatch")
}

func (panickingEncoder) Close() error { return nil }

var testMel = model.Representation{{0.1, 0.2}, {0.3, 0.4}}

func newService(t *testing.T, models Models) (*Service, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	svc, err := New(models, audio.NewEncoder(22050, 16),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	require.NoError(t, err)
	return svc, reader
}

func readyModels() (*MockModels, *MockEncoder, *MockVocoder) {
	enc, voc := new(MockEncoder), new(MockVocoder)
	return &MockModels{ready: true, encoder: enc, vocoder: voc}, enc, voc
}

func outcomes(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voicebox.synthesis.requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value("outcome")
				counts[v.AsString()] += dp.Value
			}
		}
	}
	return counts
}

// --- Tests ---

func TestSynthesize_Success(t *testing.T) {
	models, enc, voc := readyModels()
	length := 2
	enc.On("Encode", "Hello world").Return(&model.EncodeResult{Representation: testMel, Length: &length}, nil).Once()
	voc.On("Decode", testMel).Return(&model.Waveform{Samples: []float32{0, 0.5, -0.5}, SampleRate: 22050}, nil).Once()

	svc, reader := newService(t, models)

	req := &message.SynthesisRequest{Text: "Hello world"}
	resp, err := svc.Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID, "request id should be assigned")

	data, err := resp.AudioBytes()
	require.NoError(t, err)

	d := wav.NewDecoder(bytes.NewReader(data))
	require.True(t, d.IsValidFile())
	assert.Equal(t, uint32(22050), d.SampleRate)

	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	assert.Len(t, buf.Data, 3)

	enc.AssertExpectations(t)
	voc.AssertExpectations(t)
	assert.Equal(t, map[string]int64{"ok": 1}, outcomes(t, reader))
}

func TestSynthesize_LogsTimeSinceReceived(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	models, enc, voc := readyModels()
	enc.On("Encode", "hi").Return(&model.EncodeResult{Representation: testMel}, nil).Once()
	voc.On("Decode", testMel).Return(&model.Waveform{Samples: []float32{0.1}}, nil).Once()

	svc, _ := newService(t, models)
	_, err := svc.Synthesize(context.Background(), &message.SynthesisRequest{
		Text:       "hi",
		ReceivedAt: time.Now().Add(-2 * time.Second),
	})
	require.NoError(t, err)

	var complete map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] == "Synthesis complete" {
			complete = entry
		}
	}
	require.NotNil(t, complete)
	total, ok := complete["total_duration"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, total, float64(2*time.Second))
	assert.Less(t, complete["duration"].(float64), total)
}

func TestSynthesize_EmptyText(t *testing.T) {
	models, enc, voc := readyModels()
	svc, reader := newService(t, models)

	_, err := svc.Synthesize(context.Background(), &message.SynthesisRequest{Text: ""})
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.Equal(t, "Text cannot be empty", err.Error())
	assert.Equal(t, http.StatusBadRequest, KindOf(err).HTTPStatus())

	enc.AssertNotCalled(t, "Encode", mock.Anything)
	voc.AssertNotCalled(t, "Decode", mock.Anything)
	assert.Equal(t, map[string]int64{"invalid_argument": 1}, outcomes(t, reader))
}

func TestSynthesize_EmptyTextWinsOverUnready(t *testing.T) {
	svc, _ := newService(t, &MockModels{})

	_, err := svc.Synthesize(context.Background(), &message.SynthesisRequest{})
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestSynthesize_NotReady(t *testing.T) {
	svc, reader := newService(t, &MockModels{})

	_, err := svc.Synthesize(context.Background(), &message.SynthesisRequest{Text: "Hello"})
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Equal(t, DetailUnavailable, DetailOf(err))
	assert.ErrorIs(t, err, model.ErrNotReady)
	assert.Equal(t, http.StatusServiceUnavailable, KindOf(err).HTTPStatus())
	assert.Equal(t, map[string]int64{"unavailable": 1}, outcomes(t, reader))
}

func TestSynthesize_EncoderFailure(t *testing.T) {
	models, enc, voc := readyModels()
	enc.On("Encode", "Hello").Return(nil, errors.New("CUDA out of memory")).Once()

	svc, reader := newService(t, models)

	_, err := svc.Synthesize(context.Background(), &message.SynthesisRequest{Text: "Hello"})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Contains(t, err.Error(), "Speech synthesis failed")
	assert.Contains(t, err.Error(), "CUDA out of memory")

	voc.AssertNotCalled(t, "Decode", mock.Anything)
	assert.Equal(t, map[string]int64{"internal": 1}, outcomes(t, reader))
}

func TestSynthesize_VocoderFailure(t *testing.T) {
	models, enc, voc := readyModels()
	enc.On("Encode", "Hello").Return(&model.EncodeResult{Representation: testMel}, nil).Once()
	voc.On("Decode", testMel).Return(nil, errors.New("decode exploded")).Once()

	svc, _ := newService(t, models)

	_, err := svc.Synthesize(context.Background(), &message.SynthesisRequest{Text: "Hello"})
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Contains(t, err.Error(), "vocoder: decode exploded")
}

func TestSynthesize_EmptyOutputs(t *testing.T) {
	t.Run("representation", func(t *testing.T) {
		models, enc, _ := readyModels()
		enc.On("Encode", "Hello").Return(&model.EncodeResult{}, nil).Once()
		svc, _ := newService(t, models)

		_, err := svc.Synthesize(context.Background(), &message.SynthesisRequest{Text: "Hello"})
		assert.Equal(t, KindInternal, KindOf(err))
		assert.Contains(t, err.Error(), "empty representation")
	})

	t.Run("waveform", func(t *testing.T) {
		models, enc, voc := readyModels()
		enc.On("Encode", "Hello").Return(&model.EncodeResult{Representation: testMel}, nil).Once()
		voc.On("Decode", testMel).Return(&model.Waveform{}, nil).Once()
		svc, _ := newService(t, models)

		_, err := svc.Synthesize(context.Background(), &message.SynthesisRequest{Text: "Hello"})
		assert.Equal(t, KindInternal, KindOf(err))
		assert.Contains(t, err.Error(), "empty waveform")
	})
}

func TestSynthesize_PanicIsRecovered(t *testing.T) {
	svc, _ := newService(t, &MockModels{ready: true, encoder: panickingEncoder{}, vocoder: new(MockVocoder)})

	var err error
	require.NotPanics(t, func() {
		_, err = svc.Synthesize(context.Background(), &message.SynthesisRequest{Text: "Hello"})
	})
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Contains(t, err.Error(), "tensor shape mismatch")
}

func TestSynthesize_KeepsCallerRequestID(t *testing.T) {
	svc, _ := newService(t, &MockModels{})

	req := &message.SynthesisRequest{ID: "req-1", Text: "Hello"}
	_, _ = svc.Synthesize(context.Background(), req)
	assert.Equal(t, "req-1", req.ID)
}

func TestKindOf_PlainError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "Speech synthesis failed: boom", DetailOf(err))
	assert.Equal(t, http.StatusInternalServerError, KindOf(err).HTTPStatus())
}
