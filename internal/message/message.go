// Package message defines the data types exchanged with voicebox callers.
package message

import (
	"encoding/base64"
	"time"
)

// DefaultVoice is the voice assumed when the caller does not name one.
const DefaultVoice = "default"

// SynthesisRequest is an incoming request from any transport.
type SynthesisRequest struct {
	// ID is a unique identifier for this request (UUID). Assigned by the
	// transport, never read from the body.
	ID string `json:"-"`

	// Text is the input to synthesize. It must be non-empty.
	Text string `json:"text" example:"Hello world"`

	// Voice is accepted for forward compatibility. It does not select a
	// model.
	Voice string `json:"voice,omitempty" example:"default"`

	// ReceivedAt is when the transport accepted the request.
	ReceivedAt time.Time `json:"-"`
}

// VoiceOrDefault returns Voice, or DefaultVoice when unset.
func (r *SynthesisRequest) VoiceOrDefault() string {
	if r.Voice == "" {
		return DefaultVoice
	}
	return r.Voice
}

// SynthesisResponse is returned on success.
type SynthesisResponse struct {
	// Audio is a base64-encoded WAV file, mono PCM at 22050 Hz.
	Audio string `json:"audio" example:"UklGRiQAAABXQVZFZm10IBAAAAABAAEAIlYAAESsAAACABAAZGF0YQAAAAA="`
}

// SetAudioBytes base64-encodes a WAV file into Audio.
func (r *SynthesisResponse) SetAudioBytes(wav []byte) {
	r.Audio = base64.StdEncoding.EncodeToString(wav)
}

// AudioBytes decodes Audio back into the WAV file.
func (r *SynthesisResponse) AudioBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Audio)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Detail string `json:"detail" example:"Text cannot be empty"`
}

// StatusErrorResponse is the error reply on transports without a status
// line of their own. Status carries the equivalent HTTP code.
type StatusErrorResponse struct {
	Detail string `json:"detail"`
	Status int    `json:"status"`
}
