// Package command runs the Text Encoder and Vocoder as short-lived
// subprocesses. Each call writes one JSON request to the process stdin and
// reads one JSON answer from its stdout, in the same shapes the remote
// backend uses.
//
// The configured command line is split with shell quoting rules. The token
// {model_dir} is replaced with the resolved artifact directory.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/nadzzz/voicebox/internal/model"
)

// ModelDirPlaceholder is substituted with the resolved model directory.
const ModelDirPlaceholder = "{model_dir}"

// Runner runs one process to completion.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error)
}

// ExecRunner uses os/exec.
type ExecRunner struct{}

// Run runs a command and collects its output.
func (ExecRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Factory creates subprocess-backed capabilities. The zero value uses
// os/exec.
type Factory struct {
	Runner   Runner
	LookPath func(file string) (string, error)
}

// NewEncoder prepares the encoder command line.
func (f Factory) NewEncoder(_ context.Context, spec model.Spec) (model.Encoder, error) {
	p, err := f.prepare(spec)
	if err != nil {
		return nil, err
	}
	return &Encoder{proc: p}, nil
}

// NewVocoder prepares the vocoder command line.
func (f Factory) NewVocoder(_ context.Context, spec model.Spec) (model.Vocoder, error) {
	p, err := f.prepare(spec)
	if err != nil {
		return nil, err
	}
	return &Vocoder{proc: p}, nil
}

func (f Factory) prepare(spec model.Spec) (*process, error) {
	args, err := ParseCommand(spec.Config.Command, spec.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	lookPath := f.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(args[0])
	if err != nil {
		return nil, fmt.Errorf("%s: executable not found: %w", spec.Name, err)
	}

	runner := f.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	slog.Info("Command model ready", "name", spec.Name, "path", path, "model_dir", spec.ModelDir)
	return &process{
		name:    spec.Name,
		path:    path,
		args:    args[1:],
		timeout: spec.Config.Timeout,
		runner:  runner,
	}, nil
}

// ParseCommand splits a command line and substitutes the model directory.
func ParseCommand(command, modelDir string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command empty")
	}
	for i, arg := range args {
		args[i] = strings.ReplaceAll(arg, ModelDirPlaceholder, modelDir)
	}
	return args, nil
}

type process struct {
	name    string
	path    string
	args    []string
	timeout time.Duration // zero means none
	runner  Runner
}

func (p *process) call(ctx context.Context, req any) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	stdout, stderr, err := p.runner.Run(ctx, p.path, p.args, bytes.NewReader(payload))
	if err != nil {
		if s := strings.TrimSpace(string(stderr)); s != "" {
			return nil, fmt.Errorf("%s process: %w: %s", p.name, err, s)
		}
		return nil, fmt.Errorf("%s process: %w", p.name, err)
	}
	if len(stderr) > 0 {
		slog.Debug("Model process stderr", "name", p.name, "stderr", string(stderr))
	}
	return stdout, nil
}

// Encoder runs a Text Encoder process per call.
type Encoder struct {
	proc *process
}

// Encode writes {"text"} to the process and parses its answer.
func (e *Encoder) Encode(ctx context.Context, text string) (*model.EncodeResult, error) {
	out, err := e.proc.call(ctx, model.EncodeRequest{Text: text})
	if err != nil {
		return nil, err
	}
	return model.ParseEncodeResult(out)
}

// Close is a no-op, no process outlives a call.
func (e *Encoder) Close() error { return nil }

// Vocoder runs a Vocoder process per call.
type Vocoder struct {
	proc *process
}

// Decode writes {"mel"} to the process and parses its answer.
func (v *Vocoder) Decode(ctx context.Context, rep model.Representation) (*model.Waveform, error) {
	out, err := v.proc.call(ctx, model.DecodeRequest{Mel: rep})
	if err != nil {
		return nil, err
	}
	return model.ParseWaveform(out)
}

// Close is a no-op, no process outlives a call.
func (v *Vocoder) Close() error { return nil }
