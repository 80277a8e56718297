// Package audio turns vocoder waveforms into transportable WAV payloads.
package audio

import (
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// DefaultSampleRate is the rate every synthesized clip is written at.
const DefaultSampleRate = 22050

// ErrEmptyWaveform is returned when there is nothing to encode.
var ErrEmptyWaveform = errors.New("empty waveform")

// Encoder writes mono PCM WAV files.
type Encoder struct {
	SampleRate int
	BitDepth   int
}

// NewEncoder returns an Encoder, falling back to 22050 Hz / 16-bit for
// zero values.
func NewEncoder(sampleRate, bitDepth int) *Encoder {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	return &Encoder{SampleRate: sampleRate, BitDepth: bitDepth}
}

// EncodeWAV serializes float samples in [-1, 1] into a complete WAV file.
// Samples outside the range are clipped.
func (e *Encoder) EncodeWAV(samples []float32) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyWaveform
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: e.SampleRate},
		Data:           toPCM(samples, e.BitDepth),
		SourceBitDepth: e.BitDepth,
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, e.SampleRate, e.BitDepth, 1, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}

func toPCM(samples []float32, bitDepth int) []int {
	scale := float64(int64(1)<<(bitDepth-1) - 1)
	pcm := make([]int, len(samples))
	for i, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		pcm[i] = int(math.Round(v * scale))
	}
	return pcm
}

// seekBuffer is an in-memory io.WriteSeeker. The WAV encoder seeks back to
// patch chunk sizes once all samples are written.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.buf) {
		if end > cap(b.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	n := copy(b.buf[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("seek: negative position")
	}
	b.pos = int(abs)
	return abs, nil
}

func (b *seekBuffer) Bytes() []byte {
	return b.buf
}
