// Package model defines the two pretrained capabilities chained by the
// synthesis pipeline and the registry that holds them for the process lifetime.
//
// A Text Encoder turns text into an acoustic representation (a mel
// spectrogram for Tacotron2-style models). A Vocoder turns that
// representation into a waveform (HiFi-GAN-style models). Both are opaque:
// the registry only knows how to load them and hand them out.
package model

import (
	"context"
	"errors"
)

// ErrMalformedOutput is returned when a capability answers with a value
// that cannot be interpreted as its documented output.
var ErrMalformedOutput = errors.New("malformed model output")

// Representation is the intermediate acoustic value produced by an Encoder.
// Its layout (channels x frames for a mel spectrogram) is owned by the
// encoder; the pipeline passes it to the vocoder untouched.
type Representation [][]float32

// Empty reports whether the representation carries no frames.
func (r Representation) Empty() bool {
	for _, row := range r {
		if len(row) > 0 {
			return false
		}
	}
	return true
}

// Shape returns the outer and (first) inner dimension, for diagnostics.
func (r Representation) Shape() (rows, cols int) {
	if len(r) == 0 {
		return 0, 0
	}
	return len(r), len(r[0])
}

// EncodeResult is everything an Encoder may return. Length and Alignment
// are optional and are not consumed by the pipeline.
type EncodeResult struct {
	Representation Representation
	Length         *int
	Alignment      [][]float32
}

// Waveform is a mono time-domain signal. SampleRate is zero when the
// vocoder did not report one.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Encoder converts text into an acoustic representation.
type Encoder interface {
	Encode(ctx context.Context, text string) (*EncodeResult, error)
	Close() error
}

// Vocoder converts an acoustic representation into a waveform.
type Vocoder interface {
	Decode(ctx context.Context, rep Representation) (*Waveform, error)
	Close() error
}
