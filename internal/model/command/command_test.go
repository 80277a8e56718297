package command

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/voicebox/internal/config"
	"github.com/nadzzz/voicebox/internal/model"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, []byte, error) {
	body, _ := io.ReadAll(stdin)
	ret := m.Called(name, args, string(body))

	var stdout, stderr []byte
	if v := ret.Get(0); v != nil {
		stdout = v.([]byte)
	}
	if v := ret.Get(1); v != nil {
		stderr = v.([]byte)
	}
	return stdout, stderr, ret.Error(2)
}

func lookPath(file string) (string, error) {
	return "/usr/bin/" + file, nil
}

func newSpec(name, command string) model.Spec {
	return model.Spec{
		Name: name,
		Config: config.ModelConfig{
			Backend: config.BackendCommand,
			Command: command,
			Timeout: time.Second,
		},
		ModelDir: "/models/" + name,
	}
}

func TestParseCommand(t *testing.T) {
	args, err := ParseCommand(`python3 encode.py --source '{model_dir}' --label "hello world"`, "/m/tacotron2")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "encode.py", "--source", "/m/tacotron2", "--label", "hello world"}, args)

	_, err = ParseCommand("   ", "/m")
	assert.Error(t, err)

	_, err = ParseCommand(`python3 "unterminated`, "/m")
	assert.Error(t, err)
}

func TestEncoder_Encode(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", "/usr/bin/python3", []string{"encode.py", "/models/encoder"}, `{"text":"Hello world"}`).
		Return([]byte(`{"mel": [[0.1], [0.2]], "mel_length": 2}`), []byte("warming up\n"), nil).Once()

	enc, err := Factory{Runner: runner, LookPath: lookPath}.NewEncoder(context.Background(), newSpec("encoder", "python3 encode.py {model_dir}"))
	require.NoError(t, err)

	res, err := enc.Encode(context.Background(), "Hello world")
	require.NoError(t, err)
	assert.Equal(t, model.Representation{{0.1}, {0.2}}, res.Representation)
	require.NotNil(t, res.Length)
	assert.Equal(t, 2, *res.Length)
	assert.NoError(t, enc.Close())

	runner.AssertExpectations(t)
}

func TestVocoder_Decode(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", "/usr/bin/vocode", []string{"--dir=/models/vocoder"}, mock.MatchedBy(func(body string) bool {
		var req model.DecodeRequest
		return json.Unmarshal([]byte(body), &req) == nil && len(req.Mel) == 1
	})).Return([]byte(`{"waveform": [[0.1, -0.1]], "sample_rate": 22050}`), nil, nil).Once()

	voc, err := Factory{Runner: runner, LookPath: lookPath}.NewVocoder(context.Background(), newSpec("vocoder", "vocode --dir={model_dir}"))
	require.NoError(t, err)

	wav, err := voc.Decode(context.Background(), model.Representation{{0.5, 0.5}})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.1}, wav.Samples)

	runner.AssertExpectations(t)
}

func TestEncoder_ProcessFailureIncludesStderr(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, []byte("Traceback: model file missing\n"), errors.New("exit status 1")).Once()

	enc, err := Factory{Runner: runner, LookPath: lookPath}.NewEncoder(context.Background(), newSpec("encoder", "encode"))
	require.NoError(t, err)

	_, err = enc.Encode(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 1")
	assert.Contains(t, err.Error(), "model file missing")
}

func TestEncoder_MalformedOutput(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything, mock.Anything).Return([]byte("not json"), nil, nil).Once()

	enc, err := Factory{Runner: runner, LookPath: lookPath}.NewEncoder(context.Background(), newSpec("encoder", "encode"))
	require.NoError(t, err)

	_, err = enc.Encode(context.Background(), "hi")
	assert.ErrorIs(t, err, model.ErrMalformedOutput)
}

func TestFactory_MissingExecutable(t *testing.T) {
	notFound := func(string) (string, error) { return "", errors.New("not in $PATH") }

	_, err := Factory{LookPath: notFound}.NewVocoder(context.Background(), newSpec("vocoder", "missing-binary"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable not found")
}

func TestExecRunner_Run(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	stdout, _, err := ExecRunner{}.Run(context.Background(), "cat", nil, strings.NewReader(`{"text":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"text":"x"}`, string(stdout))
}

type deadlineRunner struct {
	hasDeadline bool
}

func (r *deadlineRunner) Run(ctx context.Context, _ string, _ []string, _ io.Reader) ([]byte, []byte, error) {
	_, r.hasDeadline = ctx.Deadline()
	return []byte(`[[0.5]]`), nil, nil
}

func TestEncoder_CallDeadline(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    bool
	}{
		{name: "unset runs without deadline", timeout: 0, want: false},
		{name: "configured", timeout: time.Minute, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &deadlineRunner{}
			spec := newSpec("encoder", "encode")
			spec.Config.Timeout = tt.timeout

			enc, err := Factory{Runner: runner, LookPath: lookPath}.NewEncoder(context.Background(), spec)
			require.NoError(t, err)

			_, err = enc.Encode(context.Background(), "hi")
			require.NoError(t, err)
			assert.Equal(t, tt.want, runner.hasDeadline)
		})
	}
}
