package wire

import (
	"encoding/json"
	"fmt"

	"sigil/internal/domain"
)

type messageJSON struct {
	Type            domain.EnvelopeType `json:"type"`
	RatchetKey      domain.X25519Public `json:"ratchet_key"`
	Counter         uint32              `json:"counter"`
	PreviousCounter uint32              `json:"previous_counter"`
	Ciphertext      []byte              `json:"ciphertext"`
	MAC             []byte              `json:"mac"`
}

type preKeyJSON struct {
	Type           domain.EnvelopeType   `json:"type"`
	RegistrationID uint32                `json:"registration_id"`
	PreKeyID       *domain.PreKeyID      `json:"pre_key_id,omitempty"`
	SignedPreKeyID domain.SignedPreKeyID `json:"signed_pre_key_id"`
	BaseKey        domain.X25519Public   `json:"base_key"`
	IdentityKey    domain.PublicIdentity `json:"identity_key"`
	Ciphertext     []byte                `json:"ciphertext"`
}

// MarshalEnvelope encodes env as tagged JSON. A pre-key message carries its
// inner ratchet message, encoded, in its ciphertext field.
func MarshalEnvelope(env domain.Envelope) ([]byte, error) {
	switch e := env.(type) {
	case *domain.RatchetMessage:
		return json.Marshal(toMessageJSON(e))
	case *domain.PreKeyMessage:
		inner, err := json.Marshal(toMessageJSON(&e.Message))
		if err != nil {
			return nil, err
		}
		return json.Marshal(preKeyJSON{
			Type:           domain.EnvelopePreKey,
			RegistrationID: e.RegistrationID,
			PreKeyID:       e.PreKeyID,
			SignedPreKeyID: e.SignedPreKeyID,
			BaseKey:        e.BaseKey,
			IdentityKey:    e.IdentityKey,
			Ciphertext:     inner,
		})
	case nil:
		return nil, fmt.Errorf("%w: nil envelope", domain.ErrMalformedEnvelope)
	default:
		return nil, fmt.Errorf("%w: unknown envelope %T", domain.ErrMalformedEnvelope, env)
	}
}

// UnmarshalEnvelope decodes the form produced by MarshalEnvelope.
func UnmarshalEnvelope(b []byte) (domain.Envelope, error) {
	var tag struct {
		Type domain.EnvelopeType `json:"type"`
	}
	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	switch tag.Type {
	case domain.EnvelopeMessage:
		return decodeMessage(b)
	case domain.EnvelopePreKey:
		var p preKeyJSON
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
		}
		inner, err := decodeMessage(p.Ciphertext)
		if err != nil {
			return nil, err
		}
		return &domain.PreKeyMessage{
			RegistrationID: p.RegistrationID,
			PreKeyID:       p.PreKeyID,
			SignedPreKeyID: p.SignedPreKeyID,
			BaseKey:        p.BaseKey,
			IdentityKey:    p.IdentityKey,
			Message:        *inner,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedEnvelope, tag.Type)
	}
}

func decodeMessage(b []byte) (*domain.RatchetMessage, error) {
	var m messageJSON
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if m.Type != domain.EnvelopeMessage {
		return nil, fmt.Errorf("%w: inner type %q", domain.ErrMalformedEnvelope, m.Type)
	}
	return &domain.RatchetMessage{
		RatchetKey:      m.RatchetKey,
		Counter:         m.Counter,
		PreviousCounter: m.PreviousCounter,
		Ciphertext:      m.Ciphertext,
		MAC:             m.MAC,
	}, nil
}

func toMessageJSON(m *domain.RatchetMessage) messageJSON {
	return messageJSON{
		Type:            domain.EnvelopeMessage,
		RatchetKey:      m.RatchetKey,
		Counter:         m.Counter,
		PreviousCounter: m.PreviousCounter,
		Ciphertext:      m.Ciphertext,
		MAC:             m.MAC,
	}
}
