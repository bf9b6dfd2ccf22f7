package wire

import (
	"encoding/json"
	"fmt"

	"sigil/internal/domain"
)

// NewFrame builds a frame with payload encoded as JSON. A nil payload yields
// a frame without one, as used by ping and pong.
func NewFrame(t domain.FrameType, payload any) (domain.Frame, error) {
	f := domain.Frame{Type: t}
	if payload == nil {
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return domain.Frame{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	f.Payload = b
	return f, nil
}

// MustFrame is NewFrame for payloads that cannot fail to encode.
func MustFrame(t domain.FrameType, payload any) domain.Frame {
	f, err := NewFrame(t, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// EncodeFrame returns the JSON form of f.
func EncodeFrame(f domain.Frame) ([]byte, error) { return json.Marshal(f) }

// DecodeFrame parses one frame.
func DecodeFrame(b []byte) (domain.Frame, error) {
	var f domain.Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return domain.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return domain.Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// DecodePayload unmarshals f's payload into v.
func DecodePayload(f domain.Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame: missing payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s frame: %w", f.Type, err)
	}
	return nil
}
