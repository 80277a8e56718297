package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeRequest is the JSON body sent to an encoder backend.
type EncodeRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// DecodeRequest is the JSON body sent to a vocoder backend.
type DecodeRequest struct {
	Mel   Representation `json:"mel"`
	Model string         `json:"model,omitempty"`
}

type encodeObject struct {
	Mel       json.RawMessage `json:"mel"`
	MelLength json.RawMessage `json:"mel_length"`
	Alignment json.RawMessage `json:"alignment"`
}

// ParseEncodeResult accepts the three shapes encoder backends answer with:
//
//	{"mel": [[...]], "mel_length": 123, "alignment": [[...]]}
//	[[...]]                      (representation only)
//	[[[...]], 123, [[...]]]      (representation, length, alignment)
func ParseEncodeResult(data []byte) (*EncodeResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty encoder response", ErrMalformedOutput)
	}

	var res *EncodeResult
	switch data[0] {
	case '{':
		var obj encodeObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
		if len(obj.Mel) == 0 {
			return nil, fmt.Errorf("%w: encoder response has no mel", ErrMalformedOutput)
		}
		r, err := assemble(obj.Mel, obj.MelLength, obj.Alignment)
		if err != nil {
			return nil, err
		}
		res = r

	case '[':
		if rep, err := squeezeRepresentation(data); err == nil {
			res = &EncodeResult{Representation: rep}
			break
		}
		triple, err := parseTriple(data)
		if err != nil {
			return nil, err
		}
		res = triple

	default:
		return nil, fmt.Errorf("%w: unexpected encoder response %.32q", ErrMalformedOutput, data)
	}

	if res.Representation.Empty() {
		return nil, fmt.Errorf("%w: encoder returned an empty representation", ErrMalformedOutput)
	}
	return res, nil
}

func parseTriple(data []byte) (*EncodeResult, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected representation or a 3-element tuple, got %d elements", ErrMalformedOutput, len(parts))
	}
	return assemble(parts[0], parts[1], parts[2])
}

// assemble builds an EncodeResult from its three raw parts, each of which
// may carry a leading batch dimension of one. length and alignment are
// optional.
func assemble(rawRep, rawLength, rawAlignment json.RawMessage) (*EncodeResult, error) {
	rep, err := squeezeRepresentation(rawRep)
	if err != nil {
		return nil, err
	}

	res := &EncodeResult{Representation: rep}

	if len(rawLength) > 0 {
		var length any
		if err := json.Unmarshal(rawLength, &length); err != nil {
			return nil, fmt.Errorf("%w: length: %v", ErrMalformedOutput, err)
		}
		if length != nil {
			if res.Length = firstInt(length); res.Length == nil {
				return nil, fmt.Errorf("%w: length must be an integer, got %s", ErrMalformedOutput, rawLength)
			}
		}
	}

	if len(rawAlignment) > 0 {
		var alignment [][]float32
		if err := json.Unmarshal(rawAlignment, &alignment); err == nil {
			res.Alignment = alignment
		} else {
			// Batched alignment [[[...]]], keep the first item.
			var batched [][][]float32
			if err := json.Unmarshal(rawAlignment, &batched); err == nil && len(batched) > 0 {
				res.Alignment = batched[0]
			}
		}
	}

	return res, nil
}

// squeezeRepresentation accepts a representation with or without a leading
// batch dimension of one.
func squeezeRepresentation(raw json.RawMessage) (Representation, error) {
	var rep Representation
	if err := json.Unmarshal(raw, &rep); err == nil {
		return rep, nil
	}

	var batched []Representation
	if err := json.Unmarshal(raw, &batched); err != nil {
		return nil, fmt.Errorf("%w: representation: %v", ErrMalformedOutput, err)
	}
	if len(batched) != 1 {
		return nil, fmt.Errorf("%w: expected a batch of one representation, got %d", ErrMalformedOutput, len(batched))
	}
	return batched[0], nil
}

// firstInt extracts a length from either a scalar or a one-element list.
func firstInt(v any) *int {
	switch x := v.(type) {
	case float64:
		n := int(x)
		return &n
	case []any:
		if len(x) == 1 {
			return firstInt(x[0])
		}
	}
	return nil
}

type decodeObject struct {
	Waveform   json.RawMessage `json:"waveform"`
	SampleRate int             `json:"sample_rate"`
}

// ParseWaveform reads a vocoder answer {"waveform": [...], "sample_rate": n}.
// A waveform with a leading batch dimension of one is squeezed.
func ParseWaveform(data []byte) (*Waveform, error) {
	var obj decodeObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if len(obj.Waveform) == 0 {
		return nil, fmt.Errorf("%w: vocoder response has no waveform", ErrMalformedOutput)
	}

	samples, err := squeezeSamples(obj.Waveform)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: vocoder returned an empty waveform", ErrMalformedOutput)
	}

	return &Waveform{Samples: samples, SampleRate: obj.SampleRate}, nil
}

func squeezeSamples(raw json.RawMessage) ([]float32, error) {
	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}

	var nested [][]float32
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) != 1 {
			return nil, fmt.Errorf("%w: expected a single channel, got %d", ErrMalformedOutput, len(nested))
		}
		return nested[0], nil
	}

	var batched [][][]float32
	if err := json.Unmarshal(raw, &batched); err != nil {
		return nil, fmt.Errorf("%w: waveform: %v", ErrMalformedOutput, err)
	}
	if len(batched) != 1 || len(batched[0]) != 1 {
		return nil, fmt.Errorf("%w: expected a batch of one mono waveform", ErrMalformedOutput)
	}
	return batched[0][0], nil
}
